// Package activity implements the node execution activity: it materializes a
// node's inputs from the local cache, runs the registered transform and
// publishes the produced port files.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/animus-labs/dagflow/internal/cache"
	"github.com/animus-labs/dagflow/internal/domain"
	"github.com/animus-labs/dagflow/internal/nodes"
	"github.com/animus-labs/dagflow/internal/table"
)

// State is one step of a single execution attempt.
type State string

const (
	StatePending          State = "pending"
	StateDownloadingInput State = "downloading_inputs"
	StateRunning          State = "running"
	StateUploadingOutput  State = "uploading_outputs"
	StateSucceeded        State = "succeeded"
	StateFailedTerminal   State = "failed_terminal"
	StateFailedRetriable  State = "failed_retriable"
)

// Dispatcher is stateless per call and safe for concurrent use across
// distinct (runId, nodeId) pairs.
type Dispatcher struct {
	registry *nodes.Registry
	cache    *cache.Cache
	logger   *slog.Logger
}

func NewDispatcher(registry *nodes.Registry, c *cache.Cache, logger *slog.Logger) (*Dispatcher, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if c == nil {
		return nil, errors.New("cache is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, cache: c, logger: logger}, nil
}

type attempt struct {
	logger *slog.Logger
}

func (a *attempt) enter(state State, args ...any) {
	a.logger.Info("node activity", append([]any{"state", string(state)}, args...)...)
}

// Execute runs one attempt of a node. Terminal failures come back as an
// output holding only the error port and a nil error. Retriable and
// unexpected failures are returned as errors for the orchestrator to retry.
func (d *Dispatcher) Execute(ctx context.Context, in domain.NodeActivityInput) (domain.NodeActivityOutput, error) {
	node := in.Node
	model := node.Data.NodeModel
	a := &attempt{logger: d.logger.With("run_id", in.RunID, "node_id", node.ID, "model", model)}
	a.enter(StatePending)

	terminal := func(message string) (domain.NodeActivityOutput, error) {
		a.enter(StateFailedTerminal, "error", message)
		return domain.ErrorOutput(node.ID, message), nil
	}
	retriable := func(err error) (domain.NodeActivityOutput, error) {
		a.enter(StateFailedRetriable, "error", err.Error())
		return domain.NodeActivityOutput{}, err
	}

	if in.RunID == "" || node.ID == "" {
		return terminal("activity input requires run id and node id")
	}
	if _, err := d.cache.Prepare(in.RunID, node.ID); err != nil {
		return retriable(err)
	}

	transform, ok := d.registry.Lookup(model)
	if !ok {
		return terminal(fmt.Sprintf("no transform registered for node model %q", model))
	}
	desc := transform.Descriptor()
	if err := d.registry.ValidateNode(node); err != nil {
		return terminal(err.Error())
	}

	for _, port := range declaredInputs(desc) {
		if pd, bound := in.Inputs[port]; bound && pd.Failed() {
			return terminal(fmt.Sprintf("input %s failed upstream: %s", port, pd.Message))
		}
	}

	a.enter(StateDownloadingInput)
	readers, err := d.openInputs(ctx, in, desc)
	if err != nil {
		return retriable(err)
	}

	env := nodes.NewEnv(nodes.EnvConfig{
		RunID:      in.RunID,
		Node:       node,
		Descriptor: desc,
		Inputs:     readers,
		OutputPath: func(port string) string { return d.cache.OutputPath(in.RunID, node.ID, port) },
		Logger:     a.logger,
	})

	a.enter(StateRunning)
	runErr := runTransform(ctx, transform, env)
	if runErr == nil {
		runErr = env.OpenOutputs()
	}
	writers := env.Writers()
	if closeErr := env.Close(); closeErr != nil && runErr == nil {
		runErr = fmt.Errorf("close node tables: %w", closeErr)
	}
	if runErr != nil {
		if failure, ok := nodes.AsFailure(runErr); ok && !failure.Retriable() {
			return terminal(failure.Error())
		}
		return retriable(runErr)
	}

	a.enter(StateUploadingOutput)
	outputs, err := d.publish(ctx, in.RunID, node.ID, writers)
	if err != nil {
		return retriable(err)
	}
	a.enter(StateSucceeded, "outputs", len(outputs))
	return domain.NodeActivityOutput{NodeID: node.ID, Outputs: outputs}, nil
}

func declaredInputs(desc nodes.Descriptor) []string {
	out := make([]string, 0, len(desc.Inputs))
	for _, p := range desc.Inputs {
		out = append(out, p.Name)
	}
	sort.Strings(out)
	return out
}

// openInputs materializes every bound, declared input and opens a reader on
// it. On error every reader opened so far is closed.
func (d *Dispatcher) openInputs(ctx context.Context, in domain.NodeActivityInput, desc nodes.Descriptor) (map[string]*table.Reader, error) {
	readers := make(map[string]*table.Reader, len(desc.Inputs))
	closeAll := func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}
	for _, port := range declaredInputs(desc) {
		pd, bound := in.Inputs[port]
		if !bound {
			continue
		}
		local, err := d.cache.EnsureLocal(ctx, in.RunID, in.Node.ID, port, pd.Data)
		if err != nil {
			closeAll()
			return nil, err
		}
		r, err := table.Open(local)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open input %s: %w", port, err)
		}
		readers[port] = r
	}
	return readers, nil
}

// runTransform turns a panic in a transform into an ordinary error.
func runTransform(ctx context.Context, transform nodes.Transform, env *nodes.Env) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform %s panicked: %v", transform.Descriptor().Model, r)
		}
	}()
	return transform.Run(ctx, env)
}

// publish uploads every output file found in the node directory. Either all
// ports are returned or none are.
func (d *Dispatcher) publish(ctx context.Context, runID, nodeID string, writers map[string]*table.Writer) (map[string]domain.PortData, error) {
	files, err := d.cache.OutputFiles(runID, nodeID)
	if err != nil {
		return nil, err
	}
	outputs := make(map[string]domain.PortData, len(files))
	for _, f := range files {
		location, err := d.cache.Publish(ctx, runID, nodeID, f.PortID, f.Path)
		if err != nil {
			d.unpublish(ctx, runID, nodeID, outputs)
			return nil, err
		}
		pd := domain.PortData{
			Status:      domain.PortStatusSuccess,
			ContentType: table.ContentType,
			Data:        location,
		}
		if w, ok := writers[f.PortID]; ok {
			pd.TableSpec = w.Columns()
			pd.RowCount = w.Rows()
		}
		outputs[f.PortID] = pd
	}
	return outputs, nil
}

// unpublish drops the ports already uploaded by a publish that failed part way.
func (d *Dispatcher) unpublish(ctx context.Context, runID, nodeID string, outputs map[string]domain.PortData) {
	for portID, pd := range outputs {
		if err := d.cache.Unpublish(ctx, pd.Data); err != nil {
			d.logger.Warn("unpublish output failed", "run_id", runID, "node_id", nodeID, "port_id", portID, "error", err)
		}
	}
}
