package activity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/animus-labs/dagflow/internal/cache"
	"github.com/animus-labs/dagflow/internal/domain"
	"github.com/animus-labs/dagflow/internal/nodes"
	"github.com/animus-labs/dagflow/internal/nodes/builtin"
	"github.com/animus-labs/dagflow/internal/storage/objectstore"
	"github.com/animus-labs/dagflow/internal/table"
)

type funcTransform struct {
	desc nodes.Descriptor
	run  func(ctx context.Context, env *nodes.Env) error
}

func (f funcTransform) Descriptor() nodes.Descriptor { return f.desc }

func (f funcTransform) Run(ctx context.Context, env *nodes.Env) error { return f.run(ctx, env) }

func passThrough(model string, run func(ctx context.Context, env *nodes.Env) error) funcTransform {
	return funcTransform{
		desc: nodes.Descriptor{
			Model:   model,
			Inputs:  []nodes.PortSpec{{Name: "in"}},
			Outputs: []nodes.PortSpec{{Name: "out"}},
		},
		run: run,
	}
}

type fixture struct {
	dispatcher *Dispatcher
	cache      *cache.Cache
	store      *objectstore.MemoryStore
}

func newFixture(t *testing.T, extra ...nodes.Transform) fixture {
	t.Helper()
	store := objectstore.NewMemoryStore()
	c, err := cache.New(cache.Config{Root: t.TempDir(), Bucket: "dagflow", BasePath: "runs"}, store, nil)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	reg, err := builtin.Registry(extra...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	d, err := NewDispatcher(reg, c, logger)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	return fixture{dispatcher: d, cache: c, store: store}
}

func staticNode(id string, rows ...map[string]any) domain.Node {
	list := make([]any, 0, len(rows))
	for _, r := range rows {
		list = append(list, r)
	}
	return domain.Node{ID: id, Data: domain.NodeData{
		NodeModel:  "source.static",
		Properties: map[string]any{"rows": list},
	}}
}

func (f fixture) produce(t *testing.T, runID string, rows ...map[string]any) domain.PortData {
	t.Helper()
	out, err := f.dispatcher.Execute(context.Background(), domain.NodeActivityInput{RunID: runID, Node: staticNode("src", rows...)})
	if err != nil {
		t.Fatalf("execute source: %v", err)
	}
	pd, ok := out.Outputs["out"]
	if !ok {
		t.Fatalf("source produced no out port: %+v", out)
	}
	return pd
}

func assertErrorPortOnly(t *testing.T, out domain.NodeActivityOutput, contains string) {
	t.Helper()
	if len(out.Outputs) != 1 {
		t.Fatalf("expected exactly one output port, got %+v", out.Outputs)
	}
	pd, ok := out.Outputs[domain.ErrorPort]
	if !ok || pd.Status != domain.PortStatusFailed {
		t.Fatalf("expected failed error port, got %+v", out.Outputs)
	}
	if !strings.Contains(pd.Message, contains) {
		t.Fatalf("error message %q does not contain %q", pd.Message, contains)
	}
}

func TestExecuteSourceThenFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.produce(t, "run-1", map[string]any{"id": 1, "amount": 10}, map[string]any{"id": 2, "amount": 90})

	if !strings.HasPrefix(src.Data, cache.BlobScheme) || src.RowCount != 2 || src.Status != domain.PortStatusSuccess {
		t.Fatalf("unexpected source port: %+v", src)
	}
	if len(src.TableSpec) != 2 || src.TableSpec[0].ColumnName != "amount" || src.TableSpec[0].DeclaredType != "int64" {
		t.Fatalf("unexpected table spec: %+v", src.TableSpec)
	}

	filter := domain.Node{ID: "filter", Data: domain.NodeData{
		NodeModel:  "filter.expression",
		Properties: map[string]any{"expression": "row.amount > 50"},
	}}
	out, err := f.dispatcher.Execute(ctx, domain.NodeActivityInput{
		RunID:  "run-1",
		Node:   filter,
		Inputs: map[string]domain.PortData{"in": src},
	})
	if err != nil {
		t.Fatalf("execute filter: %v", err)
	}
	if out.NodeID != "filter" || out.Failed() {
		t.Fatalf("unexpected output: %+v", out)
	}
	if out.Outputs["out"].RowCount != 1 || out.Outputs["rejected"].RowCount != 1 {
		t.Fatalf("unexpected row counts: %+v", out.Outputs)
	}

	local, err := f.cache.EnsureLocal(ctx, "run-1", "reader", "in", out.Outputs["out"].Data)
	if err != nil {
		t.Fatalf("ensure local: %v", err)
	}
	recs, err := table.ReadAll(local)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 1 || recs[0].Map()["id"] != int64(2) {
		t.Fatalf("unexpected filtered rows: %+v", recs)
	}
}

func TestExecuteUnknownModel(t *testing.T) {
	f := newFixture(t)
	out, err := f.dispatcher.Execute(context.Background(), domain.NodeActivityInput{
		RunID: "run-1",
		Node:  domain.Node{ID: "n1", Data: domain.NodeData{NodeModel: "does.not.exist"}},
	})
	if err != nil {
		t.Fatalf("unknown model must not error: %v", err)
	}
	assertErrorPortOnly(t, out, "does.not.exist")
	if f.store.Puts() != 0 {
		t.Fatalf("nothing should be published")
	}
}

func TestExecuteSchemaViolationSkipsInputResolution(t *testing.T) {
	f := newFixture(t)
	src := f.produce(t, "run-1", map[string]any{"a": 1})
	gets := f.store.Gets()

	out, err := f.dispatcher.Execute(context.Background(), domain.NodeActivityInput{
		RunID: "run-1",
		Node: domain.Node{ID: "filter", Data: domain.NodeData{
			NodeModel:  "filter.expression",
			Properties: map[string]any{"expression": 42},
		}},
		Inputs: map[string]domain.PortData{"in": src},
	})
	if err != nil {
		t.Fatalf("schema violation must not error: %v", err)
	}
	assertErrorPortOnly(t, out, "expression")
	if f.store.Gets() != gets {
		t.Fatalf("inputs should not be downloaded for an invalid node")
	}
}

func TestExecuteTerminalFailureDropsPartialOutputs(t *testing.T) {
	boom := passThrough("test.terminal", func(ctx context.Context, env *nodes.Env) error {
		w, err := env.Output("out")
		if err != nil {
			return err
		}
		if err := w.WriteMap(map[string]any{"partial": true}); err != nil {
			return err
		}
		return nodes.Terminalf("quota exceeded")
	})
	f := newFixture(t, boom)
	src := f.produce(t, "run-1", map[string]any{"a": 1})
	puts := f.store.Puts()

	out, err := f.dispatcher.Execute(context.Background(), domain.NodeActivityInput{
		RunID:  "run-1",
		Node:   domain.Node{ID: "boom", Data: domain.NodeData{NodeModel: "test.terminal"}},
		Inputs: map[string]domain.PortData{"in": src},
	})
	if err != nil {
		t.Fatalf("terminal failure must not error: %v", err)
	}
	assertErrorPortOnly(t, out, "quota exceeded")
	if f.store.Puts() != puts {
		t.Fatalf("partial outputs were published")
	}
}

func TestExecuteRetriableAndUnexpectedErrors(t *testing.T) {
	cause := errors.New("upstream API unavailable")
	cases := []struct {
		name string
		run  func(ctx context.Context, env *nodes.Env) error
		want string
	}{
		{
			name: "retriable failure",
			run: func(context.Context, *nodes.Env) error {
				return nodes.RetriableError("call api", cause)
			},
			want: "upstream API unavailable",
		},
		{
			name: "plain error",
			run:  func(context.Context, *nodes.Env) error { return cause },
			want: "upstream API unavailable",
		},
		{
			name: "panic",
			run:  func(context.Context, *nodes.Env) error { panic("nil map") },
			want: "panicked",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, passThrough("test.flaky", tc.run))
			src := f.produce(t, "run-1", map[string]any{"a": 1})
			out, err := f.dispatcher.Execute(context.Background(), domain.NodeActivityInput{
				RunID:  "run-1",
				Node:   domain.Node{ID: "flaky", Data: domain.NodeData{NodeModel: "test.flaky"}},
				Inputs: map[string]domain.PortData{"in": src},
			})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
			if len(out.Outputs) != 0 {
				t.Fatalf("no outputs expected on retriable failure: %+v", out)
			}
		})
	}
}

func TestExecuteRetryReusesCachedInputs(t *testing.T) {
	calls := 0
	flaky := passThrough("test.once", func(ctx context.Context, env *nodes.Env) error {
		calls++
		if calls == 1 {
			return nodes.Retriablef("try again")
		}
		in, err := env.Input("in")
		if err != nil {
			return err
		}
		out, err := env.Output("out")
		if err != nil {
			return err
		}
		for in.Next() {
			if err := out.Write(in.Record()); err != nil {
				return err
			}
		}
		return in.Err()
	})
	f := newFixture(t, flaky)
	src := f.produce(t, "run-1", map[string]any{"a": 1})
	input := domain.NodeActivityInput{
		RunID:  "run-1",
		Node:   domain.Node{ID: "once", Data: domain.NodeData{NodeModel: "test.once"}},
		Inputs: map[string]domain.PortData{"in": src},
	}

	if _, err := f.dispatcher.Execute(context.Background(), input); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	out, err := f.dispatcher.Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if out.Outputs["out"].RowCount != 1 {
		t.Fatalf("unexpected output: %+v", out)
	}
	if f.store.Gets() != 1 {
		t.Fatalf("expected a single download across attempts, got %d", f.store.Gets())
	}
}

func TestExecuteFailedUpstreamInput(t *testing.T) {
	f := newFixture(t)
	out, err := f.dispatcher.Execute(context.Background(), domain.NodeActivityInput{
		RunID: "run-1",
		Node:  domain.Node{ID: "sink", Data: domain.NodeData{NodeModel: "sink.collect"}},
		Inputs: map[string]domain.PortData{
			"in": {Status: domain.PortStatusFailed, Message: "filter broke"},
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	assertErrorPortOnly(t, out, "filter broke")
}

type failingPutStore struct {
	*objectstore.MemoryStore
	fail string
}

func (s failingPutStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if strings.Contains(key, s.fail) {
		return errors.New("connection reset")
	}
	return s.MemoryStore.Put(ctx, bucket, key, body, size, contentType)
}

func TestExecuteFailedUploadRemovesPublishedPorts(t *testing.T) {
	mem := objectstore.NewMemoryStore()
	c, err := cache.New(cache.Config{Root: t.TempDir(), Bucket: "dagflow", BasePath: "runs"}, failingPutStore{MemoryStore: mem, fail: "output.b."}, nil)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	split := funcTransform{
		desc: nodes.Descriptor{
			Model:   "test.split",
			Outputs: []nodes.PortSpec{{Name: "a"}, {Name: "b"}},
		},
		run: func(ctx context.Context, env *nodes.Env) error {
			for _, port := range []string{"a", "b"} {
				w, err := env.Output(port)
				if err != nil {
					return err
				}
				if err := w.WriteMap(map[string]any{"port": port}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	reg, err := builtin.Registry(split)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	d, err := NewDispatcher(reg, c, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	_, err = d.Execute(context.Background(), domain.NodeActivityInput{
		RunID: "run-1",
		Node:  domain.Node{ID: "split", Data: domain.NodeData{NodeModel: "test.split"}},
	})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected upload error, got %v", err)
	}
	if mem.Puts() != 1 {
		t.Fatalf("expected port a to be uploaded first, puts = %d", mem.Puts())
	}
	if keys := mem.Keys("dagflow"); len(keys) != 0 {
		t.Fatalf("published ports left behind: %v", keys)
	}
}

func TestExecuteMissingBlobIsRetriable(t *testing.T) {
	f := newFixture(t)
	_, err := f.dispatcher.Execute(context.Background(), domain.NodeActivityInput{
		RunID: "run-1",
		Node:  domain.Node{ID: "sink", Data: domain.NodeData{NodeModel: "sink.collect"}},
		Inputs: map[string]domain.PortData{
			"in": {Status: domain.PortStatusSuccess, Data: cache.BlobScheme + "run-1/gone/output.out.rows"},
		},
	})
	if !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
