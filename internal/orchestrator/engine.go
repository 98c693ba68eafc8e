package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/dagflow/internal/domain"
	"github.com/animus-labs/dagflow/internal/graph"
	"github.com/animus-labs/dagflow/internal/orchestrator/query"
)

// Executor runs one node activity attempt.
type Executor interface {
	Execute(ctx context.Context, in domain.NodeActivityInput) (domain.NodeActivityOutput, error)
}

// Engine is a single-process orchestrator. It walks a graph level by level,
// runs independent nodes concurrently, retries retriable activity failures
// and records every step in the event store.
type Engine struct {
	store    Store
	executor Executor
	cfg      Config
	logger   *slog.Logger

	now   func() time.Time
	newID func() string
	sleep func(ctx context.Context, d time.Duration) error

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type EngineOption func(*Engine)

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithIDs overrides run id generation.
func WithIDs(newID func() string) EngineOption {
	return func(e *Engine) { e.newID = newID }
}

// WithSleep overrides the retry backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) EngineOption {
	return func(e *Engine) { e.sleep = sleep }
}

func NewEngine(store Store, executor Executor, cfg Config, logger *slog.Logger, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    store,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		sleep:    sleepContext,
		base:     base,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Start validates and records a new run, then executes it in the background.
func (e *Engine) Start(ctx context.Context, req StartRequest) (string, error) {
	model := graph.New(req.Graph)
	if err := model.Validate(); err != nil {
		return "", err
	}
	workflowID := strings.TrimSpace(req.WorkflowID)
	if workflowID == "" {
		workflowID = req.Graph.ID
	}
	if workflowID == "" {
		return "", errors.New("workflow id is required")
	}

	runID := e.newID()
	startedAt := e.now()
	info := ExecutionInfo{
		RunID:      runID,
		WorkflowID: workflowID,
		StartTime:  startedAt,
		SearchAttributes: map[string]string{
			AttrWorkflowID:      workflowID,
			AttrWorkflowFile:    req.WorkflowFile,
			AttrRunID:           runID,
			AttrExecutionStatus: string(domain.ExecutionStatusRunning),
		},
	}
	if err := e.store.CreateExecution(ctx, info); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}
	rec := &recorder{store: e.store, runID: runID, now: e.now}
	if err := rec.record(ctx, WorkflowExecutionStarted, WorkflowStartedPayload{Graph: model.Graph(), WorkflowFile: req.WorkflowFile}); err != nil {
		return "", err
	}

	e.logger.Info("run started", "run_id", runID, "workflow_id", workflowID, "nodes", len(req.Graph.Nodes))
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(runID, model, rec)
	}()
	return runID, nil
}

// Wait blocks until every run started so far has closed.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown cancels in-flight runs and waits for them to record their close
// event, or for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recorder serializes the event writes of one run.
type recorder struct {
	mu    sync.Mutex
	store Store
	runID string
	now   func() time.Time
}

func (r *recorder) record(ctx context.Context, kind EventKind, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, err := NewEvent(r.runID, kind, r.now(), payload)
	if err != nil {
		return err
	}
	if _, err := r.store.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		return fmt.Errorf("record %s: %w", kind, err)
	}
	return nil
}

type runState struct {
	mu      sync.Mutex
	outputs domain.NodeOutputs
}

func (s *runState) set(nodeID string, outputs map[string]domain.PortData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[nodeID] = outputs
}

func (s *runState) get(nodeID string) (map[string]domain.PortData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outputs[nodeID]
	return out, ok
}

func (e *Engine) execute(runID string, model *graph.Model, rec *recorder) {
	ctx, cancel := context.WithTimeout(e.base, e.cfg.WorkflowTimeout)
	defer cancel()
	logger := e.logger.With("run_id", runID)

	state := &runState{outputs: domain.NodeOutputs{}}
	err := e.walk(ctx, runID, model, state, rec, logger)

	var (
		kind    EventKind
		payload any
		status  domain.ExecutionStatus
	)
	switch {
	case err == nil:
		kind, status = WorkflowExecutionCompleted, domain.ExecutionStatusCompleted
		payload = WorkflowCompletedPayload{Result: state.outputs}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind, status = WorkflowExecutionTimedOut, domain.ExecutionStatusTimedOut
	default:
		kind, status = WorkflowExecutionFailed, domain.ExecutionStatusFailed
		payload = WorkflowFailedPayload{Reason: err.Error()}
	}
	if err := rec.record(ctx, kind, payload); err != nil {
		logger.Error("record run close", "error", err)
	}
	if err := e.store.CloseExecution(context.WithoutCancel(ctx), runID, status, e.now()); err != nil {
		logger.Error("close execution", "error", err)
	}
	logger.Info("run closed", "status", string(status))
}

// walk dispatches the graph level by level. A node runs only when every
// connected input resolves to a successful upstream port; otherwise it is
// skipped and so are its dependents.
func (e *Engine) walk(ctx context.Context, runID string, model *graph.Model, state *runState, rec *recorder, logger *slog.Logger) error {
	levels, err := model.Levels()
	if err != nil {
		return err
	}
	for _, level := range levels {
		group, gctx := errgroup.WithContext(ctx)
		group.SetLimit(e.cfg.Concurrency)
		for _, nodeID := range level {
			node, _ := model.Node(nodeID)
			inputs, ok := resolveInputs(model, nodeID, state)
			if !ok {
				logger.Info("node skipped", "node_id", nodeID)
				continue
			}
			group.Go(func() error {
				out, err := e.runActivity(gctx, rec, domain.NodeActivityInput{RunID: runID, Node: node, Inputs: inputs}, logger)
				if err != nil {
					return err
				}
				state.set(nodeID, out.Outputs)
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func resolveInputs(model *graph.Model, nodeID string, state *runState) (map[string]domain.PortData, bool) {
	edges := model.InputsOf(nodeID)
	inputs := make(map[string]domain.PortData, len(edges))
	for handle, edge := range edges {
		upstream, ok := state.get(edge.Source)
		if !ok {
			return nil, false
		}
		if _, failed := upstream[domain.ErrorPort]; failed {
			return nil, false
		}
		pd, ok := upstream[edge.SourceHandle]
		if !ok || pd.Failed() {
			return nil, false
		}
		inputs[handle] = pd
	}
	return inputs, true
}

func (e *Engine) runActivity(ctx context.Context, rec *recorder, in domain.NodeActivityInput, logger *slog.Logger) (domain.NodeActivityOutput, error) {
	policy := e.cfg.Retry
	for attempt := 1; ; attempt++ {
		if err := rec.record(ctx, ActivityTaskScheduled, ActivityScheduledPayload{NodeID: in.Node.ID, Attempt: attempt}); err != nil {
			return domain.NodeActivityOutput{}, err
		}
		out, err := e.executor.Execute(ctx, in)
		if err == nil {
			if out.NodeID == "" {
				out.NodeID = in.Node.ID
			}
			if err := rec.record(ctx, ActivityTaskCompleted, out); err != nil {
				return domain.NodeActivityOutput{}, err
			}
			return out, nil
		}

		final := attempt >= policy.MaxAttempts || ctx.Err() != nil
		if recErr := rec.record(ctx, ActivityTaskFailed, ActivityFailedPayload{
			NodeID:  in.Node.ID,
			Attempt: attempt,
			Error:   err.Error(),
			Final:   final,
		}); recErr != nil {
			return domain.NodeActivityOutput{}, recErr
		}
		if ctx.Err() != nil {
			return domain.NodeActivityOutput{}, ctx.Err()
		}
		if final {
			return domain.NodeActivityOutput{}, fmt.Errorf("node %s failed after %d attempts: %w", in.Node.ID, attempt, err)
		}
		delay := policy.Backoff(attempt)
		logger.Warn("activity retry scheduled", "node_id", in.Node.ID, "attempt", attempt, "delay", delay.String(), "error", err)
		if err := e.sleep(ctx, delay); err != nil {
			return domain.NodeActivityOutput{}, err
		}
	}
}

func (e *Engine) ListExecutions(ctx context.Context, q, token string) ([]ExecutionInfo, string, error) {
	filter, err := query.Parse(q)
	if err != nil {
		return nil, "", err
	}
	after, err := DecodeToken(token)
	if err != nil {
		return nil, "", err
	}
	page, err := e.store.ListExecutions(ctx, filter, after, e.cfg.PageSize+1)
	if err != nil {
		return nil, "", err
	}
	if len(page) <= e.cfg.PageSize {
		return page, "", nil
	}
	page = page[:e.cfg.PageSize]
	return page, EncodeToken(CursorOf(page[len(page)-1])), nil
}

func (e *Engine) FetchHistory(ctx context.Context, runID string) ([]Event, error) {
	if _, err := e.store.GetExecution(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.Events(ctx, runID)
}

func (e *Engine) CountExecutions(ctx context.Context, q string) (int64, error) {
	filter, err := query.Parse(q)
	if err != nil {
		return 0, err
	}
	return e.store.CountExecutions(ctx, filter)
}
