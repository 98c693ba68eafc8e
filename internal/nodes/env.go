package nodes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/animus-labs/dagflow/internal/domain"
	"github.com/animus-labs/dagflow/internal/table"
)

var (
	ErrNoInput     = errors.New("input port not connected")
	ErrUnknownPort = errors.New("output port not declared")
	ErrEnvClosed   = errors.New("node environment closed")
)

// Env is what a transform sees during one execution attempt: its node, the
// opened input readers and a writer factory scoped to the node directory.
type Env struct {
	RunID  string
	Node   domain.Node
	Logger *slog.Logger

	desc       Descriptor
	inputs     map[string]*table.Reader
	outputs    map[string]*table.Writer
	outputPath func(port string) string
	closed     bool
}

// EnvConfig carries the pieces the dispatcher resolved for an attempt.
type EnvConfig struct {
	RunID      string
	Node       domain.Node
	Descriptor Descriptor
	Inputs     map[string]*table.Reader
	OutputPath func(port string) string
	Logger     *slog.Logger
}

func NewEnv(cfg EnvConfig) *Env {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inputs := cfg.Inputs
	if inputs == nil {
		inputs = map[string]*table.Reader{}
	}
	return &Env{
		RunID:      cfg.RunID,
		Node:       cfg.Node,
		Logger:     logger,
		desc:       cfg.Descriptor,
		inputs:     inputs,
		outputs:    map[string]*table.Writer{},
		outputPath: cfg.OutputPath,
	}
}

func (e *Env) Properties() map[string]any {
	return e.Node.Data.Properties
}

// DecodeProperties decodes the node properties into target through their
// JSON form. Untyped numbers decode as json.Number. Decoding problems are
// terminal configuration failures.
func (e *Env) DecodeProperties(target any) error {
	props := e.Node.Data.Properties
	if props == nil {
		props = map[string]any{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return TerminalError("encode properties", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(target); err != nil {
		return TerminalError("decode properties", err)
	}
	return nil
}

// HasInput reports whether an upstream table is bound to port.
func (e *Env) HasInput(port string) bool {
	_, ok := e.inputs[port]
	return ok
}

// Input returns the reader bound to port. Readers are owned by the Env and
// closed by the dispatcher.
func (e *Env) Input(port string) (*table.Reader, error) {
	if e.closed {
		return nil, ErrEnvClosed
	}
	r, ok := e.inputs[port]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoInput, port)
	}
	return r, nil
}

// Output returns the writer for a declared output port, creating the port
// file on first use.
func (e *Env) Output(port string) (*table.Writer, error) {
	if e.closed {
		return nil, ErrEnvClosed
	}
	if w, ok := e.outputs[port]; ok {
		return w, nil
	}
	if !e.desc.HasOutput(port) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPort, port)
	}
	if e.outputPath == nil {
		return nil, fmt.Errorf("no output location for port %s", port)
	}
	w, err := table.Create(e.outputPath(port))
	if err != nil {
		return nil, err
	}
	e.outputs[port] = w
	return w, nil
}

// OpenOutputs makes sure every declared output has a port file, so that a
// transform that wrote nothing still yields empty tables downstream.
func (e *Env) OpenOutputs() error {
	for _, p := range e.desc.Outputs {
		if _, err := e.Output(p.Name); err != nil {
			return err
		}
	}
	return nil
}

// Writers returns the opened output writers keyed by port.
func (e *Env) Writers() map[string]*table.Writer {
	out := make(map[string]*table.Writer, len(e.outputs))
	for port, w := range e.outputs {
		out[port] = w
	}
	return out
}

// Close closes every reader and writer. It is safe to call more than once.
func (e *Env) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	var errs []error
	for _, port := range sortedKeys(e.inputs) {
		if err := e.inputs[port].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close input %s: %w", port, err))
		}
	}
	for _, port := range sortedKeys(e.outputs) {
		if err := e.outputs[port].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output %s: %w", port, err))
		}
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
