package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/dagflow/internal/activity"
	"github.com/animus-labs/dagflow/internal/cache"
	"github.com/animus-labs/dagflow/internal/domain"
	"github.com/animus-labs/dagflow/internal/graph"
	"github.com/animus-labs/dagflow/internal/nodes/builtin"
	"github.com/animus-labs/dagflow/internal/orchestrator"
	"github.com/animus-labs/dagflow/internal/orchestrator/memstore"
	"github.com/animus-labs/dagflow/internal/storage/objectstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// recordingExecutor remembers which nodes were dispatched.
type recordingExecutor struct {
	next orchestrator.Executor
	mu   sync.Mutex
	seen []string
}

func (r *recordingExecutor) Execute(ctx context.Context, in domain.NodeActivityInput) (domain.NodeActivityOutput, error) {
	r.mu.Lock()
	r.seen = append(r.seen, in.Node.ID)
	r.mu.Unlock()
	return r.next.Execute(ctx, in)
}

func (r *recordingExecutor) executed(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.seen {
		if id == nodeID {
			return true
		}
	}
	return false
}

type funcExecutor func(ctx context.Context, in domain.NodeActivityInput) (domain.NodeActivityOutput, error)

func (f funcExecutor) Execute(ctx context.Context, in domain.NodeActivityInput) (domain.NodeActivityOutput, error) {
	return f(ctx, in)
}

func newDispatcher(t *testing.T) *activity.Dispatcher {
	t.Helper()
	c, err := cache.New(cache.Config{Root: t.TempDir(), Bucket: "dagflow"}, objectstore.NewMemoryStore(), discardLogger())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	reg, err := builtin.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	d, err := activity.NewDispatcher(reg, c, discardLogger())
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	return d
}

func testConfig() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.Retry.InitialInterval = time.Millisecond
	cfg.Retry.MaxInterval = 5 * time.Millisecond
	return cfg
}

func newEngine(t *testing.T, store orchestrator.Store, exec orchestrator.Executor, cfg orchestrator.Config, opts ...orchestrator.EngineOption) *orchestrator.Engine {
	t.Helper()
	e, err := orchestrator.NewEngine(store, exec, cfg, discardLogger(), opts...)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

func linearGraph(filterProps map[string]any) domain.Graph {
	return domain.Graph{
		ID:   "wf-linear",
		Name: "linear",
		Nodes: []domain.Node{
			{ID: "root", Data: domain.NodeData{NodeModel: "source.static", Properties: map[string]any{
				"rows": []any{
					map[string]any{"id": 1, "amount": 5},
					map[string]any{"id": 2, "amount": 500},
				},
			}}},
			{ID: "filter", Data: domain.NodeData{NodeModel: "filter.expression", Properties: filterProps}},
			{ID: "sink", Data: domain.NodeData{NodeModel: "sink.collect"}},
		},
		Edges: []domain.Edge{
			{ID: "e1", Source: "root", Target: "filter", SourceHandle: "out", TargetHandle: "in"},
			{ID: "e2", Source: "filter", Target: "sink", SourceHandle: "out", TargetHandle: "in"},
		},
	}
}

func lastEvent(t *testing.T, e *orchestrator.Engine, runID string) orchestrator.Event {
	t.Helper()
	events, err := e.FetchHistory(context.Background(), runID)
	if err != nil {
		t.Fatalf("fetch history: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("empty history")
	}
	return events[len(events)-1]
}

func TestEngineRunsLinearGraph(t *testing.T) {
	store := memstore.New()
	e := newEngine(t, store, newDispatcher(t), testConfig())
	ctx := context.Background()

	runID, err := e.Start(ctx, orchestrator.StartRequest{Graph: linearGraph(map[string]any{"expression": "row.amount > 100"}), WorkflowFile: "/flows/daily.yaml"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Wait()

	last := lastEvent(t, e, runID)
	if last.Kind != orchestrator.WorkflowExecutionCompleted {
		t.Fatalf("expected completed, got %s", last.Kind)
	}
	var result orchestrator.WorkflowCompletedPayload
	if err := last.Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Result) != 3 || result.Result["sink"]["out"].RowCount != 1 {
		t.Fatalf("unexpected result: %+v", result.Result)
	}

	info, err := store.GetExecution(ctx, runID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if info.WorkflowID != "wf-linear" || info.CloseTime == nil {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.SearchAttributes[orchestrator.AttrExecutionStatus] != "COMPLETED" || info.SearchAttributes[orchestrator.AttrWorkflowFile] != "/flows/daily.yaml" {
		t.Fatalf("unexpected attributes: %+v", info.SearchAttributes)
	}
}

func TestEngineSchemaFailureStopsDownstream(t *testing.T) {
	exec := &recordingExecutor{next: newDispatcher(t)}
	e := newEngine(t, memstore.New(), exec, testConfig())

	runID, err := e.Start(context.Background(), orchestrator.StartRequest{Graph: linearGraph(map[string]any{"expression": false})})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Wait()

	var result orchestrator.WorkflowCompletedPayload
	if err := lastEvent(t, e, runID).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	filterOut := result.Result["filter"]
	if len(filterOut) != 1 || filterOut[domain.ErrorPort].Status != domain.PortStatusFailed {
		t.Fatalf("expected failed error port on filter, got %+v", filterOut)
	}
	if exec.executed("sink") {
		t.Fatalf("sink must not be dispatched after an upstream error")
	}
	if _, ok := result.Result["sink"]; ok {
		t.Fatalf("sink must have no outputs")
	}
}

func TestEngineRetriesRetriableFailures(t *testing.T) {
	var (
		mu     sync.Mutex
		calls  int
		delays []time.Duration
	)
	exec := funcExecutor(func(ctx context.Context, in domain.NodeActivityInput) (domain.NodeActivityOutput, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return domain.NodeActivityOutput{}, errors.New("storage unavailable")
		}
		return domain.NodeActivityOutput{NodeID: in.Node.ID, Outputs: map[string]domain.PortData{"out": {Status: domain.PortStatusSuccess}}}, nil
	})
	cfg := testConfig()
	cfg.Retry = orchestrator.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, BackoffCoefficient: 2, MaxInterval: time.Minute}
	sleep := func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	e := newEngine(t, memstore.New(), exec, cfg, orchestrator.WithSleep(sleep))

	g := domain.Graph{ID: "wf", Nodes: []domain.Node{{ID: "only", Data: domain.NodeData{NodeModel: "x"}}}}
	runID, err := e.Start(context.Background(), orchestrator.StartRequest{Graph: g})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Wait()

	events, err := e.FetchHistory(context.Background(), runID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var kinds []orchestrator.EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []orchestrator.EventKind{
		orchestrator.WorkflowExecutionStarted,
		orchestrator.ActivityTaskScheduled, orchestrator.ActivityTaskFailed,
		orchestrator.ActivityTaskScheduled, orchestrator.ActivityTaskFailed,
		orchestrator.ActivityTaskScheduled, orchestrator.ActivityTaskCompleted,
		orchestrator.WorkflowExecutionCompleted,
	}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Fatalf("kinds = %v", kinds)
	}
	if fmt.Sprint(delays) != fmt.Sprint([]time.Duration{time.Second, 2 * time.Second}) {
		t.Fatalf("delays = %v", delays)
	}
	for i, ev := range events {
		if ev.ID != int64(i+1) {
			t.Fatalf("event ids must be sequential: %+v", events)
		}
	}
}

func TestEngineFailsAfterMaxAttempts(t *testing.T) {
	exec := funcExecutor(func(context.Context, domain.NodeActivityInput) (domain.NodeActivityOutput, error) {
		return domain.NodeActivityOutput{}, errors.New("disk full")
	})
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 2
	e := newEngine(t, memstore.New(), exec, cfg)

	g := domain.Graph{ID: "wf", Nodes: []domain.Node{{ID: "only", Data: domain.NodeData{NodeModel: "x"}}}}
	runID, err := e.Start(context.Background(), orchestrator.StartRequest{Graph: g})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Wait()

	last := lastEvent(t, e, runID)
	if last.Kind != orchestrator.WorkflowExecutionFailed {
		t.Fatalf("expected failed, got %s", last.Kind)
	}
	var payload orchestrator.WorkflowFailedPayload
	if err := last.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Reason != "node only failed after 2 attempts: disk full" {
		t.Fatalf("unexpected reason %q", payload.Reason)
	}
}

func TestEngineTimesOut(t *testing.T) {
	exec := funcExecutor(func(ctx context.Context, _ domain.NodeActivityInput) (domain.NodeActivityOutput, error) {
		<-ctx.Done()
		return domain.NodeActivityOutput{}, ctx.Err()
	})
	cfg := testConfig()
	cfg.WorkflowTimeout = 20 * time.Millisecond
	store := memstore.New()
	e := newEngine(t, store, exec, cfg)

	g := domain.Graph{ID: "wf", Nodes: []domain.Node{{ID: "slow", Data: domain.NodeData{NodeModel: "x"}}}}
	runID, err := e.Start(context.Background(), orchestrator.StartRequest{Graph: g})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Wait()

	if kind := lastEvent(t, e, runID).Kind; kind != orchestrator.WorkflowExecutionTimedOut {
		t.Fatalf("expected timed out, got %s", kind)
	}
	info, err := store.GetExecution(context.Background(), runID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if info.SearchAttributes[orchestrator.AttrExecutionStatus] != "TIMED_OUT" {
		t.Fatalf("unexpected status attribute: %+v", info.SearchAttributes)
	}
}

func TestEngineRejectsCyclicGraph(t *testing.T) {
	store := memstore.New()
	e := newEngine(t, store, funcExecutor(nil), testConfig())
	g := domain.Graph{
		ID:    "wf",
		Nodes: []domain.Node{{ID: "a", Data: domain.NodeData{NodeModel: "x"}}, {ID: "b", Data: domain.NodeData{NodeModel: "x"}}},
		Edges: []domain.Edge{
			{ID: "1", Source: "a", Target: "b", SourceHandle: "out", TargetHandle: "in"},
			{ID: "2", Source: "b", Target: "a", SourceHandle: "out", TargetHandle: "in"},
		},
	}
	_, err := e.Start(context.Background(), orchestrator.StartRequest{Graph: g})
	var verr *graph.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if n, _ := store.CountExecutions(context.Background(), nil); n != 0 {
		t.Fatalf("no execution should be recorded")
	}
}

func TestEngineListingPagination(t *testing.T) {
	store := memstore.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		err := store.CreateExecution(context.Background(), orchestrator.ExecutionInfo{
			RunID:      fmt.Sprintf("run-%d", i),
			WorkflowID: "wf",
			StartTime:  base.Add(time.Duration(i) * time.Minute),
			SearchAttributes: map[string]string{
				orchestrator.AttrWorkflowID: "wf",
			},
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	cfg := testConfig()
	cfg.PageSize = 2
	e := newEngine(t, store, funcExecutor(nil), cfg)

	var (
		seen  []string
		token string
		pages int
	)
	for {
		page, next, err := e.ListExecutions(context.Background(), "WorkflowId = 'wf'", token)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		pages++
		for _, info := range page {
			seen = append(seen, info.RunID)
		}
		if next == "" {
			break
		}
		token = next
	}
	if pages != 3 || fmt.Sprint(seen) != "[run-4 run-3 run-2 run-1 run-0]" {
		t.Fatalf("pages=%d seen=%v", pages, seen)
	}

	if _, _, err := e.ListExecutions(context.Background(), "", "%%%"); !errors.Is(err, orchestrator.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if n, err := e.CountExecutions(context.Background(), "WorkflowId = 'other'"); err != nil || n != 0 {
		t.Fatalf("count = %d err=%v", n, err)
	}
	if _, err := e.FetchHistory(context.Background(), "missing"); !errors.Is(err, orchestrator.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
