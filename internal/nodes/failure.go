package nodes

import (
	"errors"
	"fmt"
)

// Kind classifies a transform failure for the dispatcher.
type Kind int

const (
	// Terminal failures are reported on the node's error port and never retried.
	Terminal Kind = iota + 1
	// Retriable failures are handed back to the orchestrator's retry policy.
	Retriable
)

func (k Kind) String() string {
	switch k {
	case Terminal:
		return "terminal"
	case Retriable:
		return "retriable"
	default:
		return "unknown"
	}
}

// Failure is the explicit failure result of a transform.
type Failure struct {
	Kind    Kind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	switch {
	case f.Message != "" && f.Err != nil:
		return f.Message + ": " + f.Err.Error()
	case f.Message != "":
		return f.Message
	case f.Err != nil:
		return f.Err.Error()
	default:
		return f.Kind.String() + " failure"
	}
}

func (f *Failure) Unwrap() error { return f.Err }

func (f *Failure) Retriable() bool { return f.Kind == Retriable }

func Terminalf(format string, args ...any) *Failure {
	return &Failure{Kind: Terminal, Message: fmt.Sprintf(format, args...)}
}

func TerminalError(message string, err error) *Failure {
	return &Failure{Kind: Terminal, Message: message, Err: err}
}

func Retriablef(format string, args ...any) *Failure {
	return &Failure{Kind: Retriable, Message: fmt.Sprintf(format, args...)}
}

func RetriableError(message string, err error) *Failure {
	return &Failure{Kind: Retriable, Message: message, Err: err}
}

// AsFailure extracts a Failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) && f != nil {
		return f, true
	}
	return nil, false
}
