package builtin

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/animus-labs/dagflow/internal/domain"
	"github.com/animus-labs/dagflow/internal/nodes"
	"github.com/animus-labs/dagflow/internal/table"
)

type harness struct {
	dir     string
	inputs  map[string][]map[string]any
	outputs map[string]string
}

func writeTable(t *testing.T, path string, rows []map[string]any) {
	t.Helper()
	w, err := table.Create(path)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	for _, row := range rows {
		if err := w.WriteMap(row); err != nil {
			t.Fatalf("write row: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close table: %v", err)
	}
}

// run executes transform with the given inputs and returns each output port's
// rows in generic form.
func run(t *testing.T, transform nodes.Transform, props map[string]any, inputs map[string][]map[string]any) (map[string][]map[string]any, error) {
	t.Helper()
	dir := t.TempDir()
	readers := map[string]*table.Reader{}
	for port, rows := range inputs {
		path := filepath.Join(dir, "input."+port+".rows")
		writeTable(t, path, rows)
		r, err := table.Open(path)
		if err != nil {
			t.Fatalf("open input: %v", err)
		}
		readers[port] = r
	}
	desc := transform.Descriptor()
	env := nodes.NewEnv(nodes.EnvConfig{
		RunID:      "run-1",
		Node:       domain.Node{ID: "n1", Data: domain.NodeData{NodeModel: desc.Model, Properties: props}},
		Descriptor: desc,
		Inputs:     readers,
		OutputPath: func(port string) string { return filepath.Join(dir, "output."+port+".rows") },
	})
	runErr := transform.Run(context.Background(), env)
	if runErr == nil {
		if err := env.OpenOutputs(); err != nil {
			t.Fatalf("open outputs: %v", err)
		}
	}
	if err := env.Close(); err != nil {
		t.Fatalf("close env: %v", err)
	}
	if runErr != nil {
		return nil, runErr
	}
	out := map[string][]map[string]any{}
	for _, p := range desc.Outputs {
		recs, err := table.ReadAll(filepath.Join(dir, "output."+p.Name+".rows"))
		if err != nil {
			t.Fatalf("read output %s: %v", p.Name, err)
		}
		rows := make([]map[string]any, 0, len(recs))
		for _, rec := range recs {
			rows = append(rows, rec.Map())
		}
		out[p.Name] = rows
	}
	return out, nil
}

func TestRegistryRegistersAllBuiltins(t *testing.T) {
	reg, err := Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	var models []string
	for _, d := range reg.Descriptors() {
		models = append(models, d.Model)
	}
	want := []string{"aggregate.group", "compute.expression", "filter.expression", "join.inner", "select.columns", "sink.collect", "source.static"}
	if !reflect.DeepEqual(models, want) {
		t.Fatalf("models = %v", models)
	}
	if _, err := Registry(Static{}); !errors.Is(err, nodes.ErrDuplicateModel) {
		t.Fatalf("expected duplicate model error, got %v", err)
	}
}

func TestStatic(t *testing.T) {
	props := map[string]any{"rows": []any{
		map[string]any{"id": 1, "name": "a", "score": 1.5},
		map[string]any{"id": 2, "name": "b", "tags": []any{"x"}},
	}}
	out, err := run(t, Static{}, props, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	rows := out[portOut]
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["id"] != int64(1) || rows[0]["score"] != 1.5 || rows[1]["name"] != "b" {
		t.Fatalf("unexpected rows: %#v", rows)
	}
	if !reflect.DeepEqual(rows[1]["tags"], []any{"x"}) {
		t.Fatalf("unexpected tags: %#v", rows[1]["tags"])
	}
}

func TestFilter(t *testing.T) {
	input := []map[string]any{
		{"id": int64(1), "amount": 5},
		{"id": int64(2), "amount": 50},
		{"id": int64(3), "amount": 500},
	}
	out, err := run(t, Filter{}, map[string]any{"expression": "row.amount >= 50"}, map[string][]map[string]any{portIn: input})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out[portOut]) != 2 || len(out[portRejected]) != 1 {
		t.Fatalf("unexpected split: %#v", out)
	}
	if out[portRejected][0]["id"] != int64(1) {
		t.Fatalf("unexpected rejected row: %#v", out[portRejected][0])
	}
}

func TestFilterFailuresAreTerminal(t *testing.T) {
	cases := []struct {
		name string
		expr string
	}{
		{"syntax", "row.amount >"},
		{"not boolean", "row.amount + 1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := run(t, Filter{}, map[string]any{"expression": tc.expr}, map[string][]map[string]any{
				portIn: {{"amount": 1}},
			})
			failure, ok := nodes.AsFailure(err)
			if !ok || failure.Kind != nodes.Terminal {
				t.Fatalf("expected terminal failure, got %v", err)
			}
		})
	}
}

func TestFilterIgnoresNaNInOtherColumns(t *testing.T) {
	input := []map[string]any{
		{"name": "a", "ratio": math.NaN()},
		{"name": "b", "ratio": 0.5},
	}
	out, err := run(t, Filter{}, map[string]any{"expression": `row.name == "a"`}, map[string][]map[string]any{portIn: input})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out[portOut]) != 1 || out[portOut][0]["name"] != "a" {
		t.Fatalf("unexpected kept rows: %#v", out[portOut])
	}
	if len(out[portRejected]) != 1 {
		t.Fatalf("unexpected rejected rows: %#v", out[portRejected])
	}
}

func TestComputeOverNaNIsTerminal(t *testing.T) {
	props := map[string]any{"columns": map[string]any{"next": "row.ratio + 1"}}
	_, err := run(t, Compute{}, props, map[string][]map[string]any{portIn: {{"ratio": math.NaN()}}})
	if failure, ok := nodes.AsFailure(err); !ok || failure.Kind != nodes.Terminal {
		t.Fatalf("expected terminal failure, got %v", err)
	}
}

func TestFilterSchema(t *testing.T) {
	reg, err := Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	err = reg.ValidateProperties("filter.expression", map[string]any{"expression": 7})
	var schemaErr *nodes.SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected schema error, got %v", err)
	}
	if !strings.Contains(err.Error(), "expression") {
		t.Fatalf("error should name the property: %v", err)
	}
	if err := reg.ValidateProperties("filter.expression", map[string]any{"expression": "row.a"}); err != nil {
		t.Fatalf("valid properties rejected: %v", err)
	}
}

func TestCompute(t *testing.T) {
	input := []map[string]any{{"price": 2.5, "qty": 4}}
	props := map[string]any{"columns": map[string]any{
		"total": "row.price * row.qty",
		"qty":   "row.qty + 1",
	}}
	out, err := run(t, Compute{}, props, map[string][]map[string]any{portIn: input})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	row := out[portOut][0]
	if row["total"] != int64(10) || row["qty"] != int64(5) || row["price"] != 2.5 {
		t.Fatalf("unexpected row: %#v", row)
	}
}

func TestSelect(t *testing.T) {
	input := []map[string]any{{"a": "1", "b": "2", "c": "3"}, {"a": "4"}}
	props := map[string]any{"columns": []any{"c", "a"}, "rename": map[string]any{"a": "alpha"}}
	out, err := run(t, Select{}, props, map[string][]map[string]any{portIn: input})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []map[string]any{{"c": "3", "alpha": "1"}, {"alpha": "4"}}
	if !reflect.DeepEqual(out[portOut], want) {
		t.Fatalf("got %#v", out[portOut])
	}
}

func TestJoin(t *testing.T) {
	left := []map[string]any{
		{"id": int32(1), "name": "alice"},
		{"id": int32(2), "name": "bob"},
		{"id": int32(3), "name": "carol"},
	}
	right := []map[string]any{
		{"user_id": int64(1), "name": "order-1"},
		{"user_id": int64(1), "name": "order-2"},
		{"user_id": int64(3), "name": "order-3"},
	}
	props := map[string]any{"leftKey": "id", "rightKey": "user_id"}
	out, err := run(t, Join{}, props, map[string][]map[string]any{portLeft: left, portRight: right})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	rows := out[portOut]
	if len(rows) != 3 {
		t.Fatalf("expected 3 joined rows, got %#v", rows)
	}
	if rows[0]["name"] != "alice" || rows[0]["right_name"] != "order-1" || rows[2]["right_name"] != "order-3" {
		t.Fatalf("unexpected rows: %#v", rows)
	}
}

func TestAggregate(t *testing.T) {
	input := []map[string]any{
		{"region": "eu", "amount": int64(10)},
		{"region": "us", "amount": int64(5)},
		{"region": "eu", "amount": int64(30)},
		{"region": "us", "amount": 2.5},
	}
	props := map[string]any{
		"groupBy": []any{"region"},
		"aggregations": []any{
			map[string]any{"op": "count"},
			map[string]any{"op": "sum", "column": "amount"},
			map[string]any{"op": "max", "column": "amount", "as": "top"},
			map[string]any{"op": "avg", "column": "amount"},
		},
	}
	out, err := run(t, Aggregate{}, props, map[string][]map[string]any{portIn: input})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []map[string]any{
		{"region": "eu", "count": int64(2), "sum_amount": int64(40), "top": int64(30), "avg_amount": float64(20)},
		{"region": "us", "count": int64(2), "sum_amount": 7.5, "top": float64(5), "avg_amount": 3.75},
	}
	if !reflect.DeepEqual(out[portOut], want) {
		t.Fatalf("got %#v", out[portOut])
	}
}

func TestAggregateKeepsLargeIntegers(t *testing.T) {
	const big = int64(1)<<53 + 1
	input := []map[string]any{
		{"id": big},
		{"id": big + 2},
		{"id": -big},
	}
	props := map[string]any{"aggregations": []any{
		map[string]any{"op": "min", "column": "id"},
		map[string]any{"op": "max", "column": "id"},
	}}
	out, err := run(t, Aggregate{}, props, map[string][]map[string]any{portIn: input})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []map[string]any{{"min_id": -big, "max_id": big + 2}}
	if !reflect.DeepEqual(out[portOut], want) {
		t.Fatalf("got %#v", out[portOut])
	}
}

func TestAggregateRejectsText(t *testing.T) {
	props := map[string]any{"aggregations": []any{map[string]any{"op": "sum", "column": "name"}}}
	_, err := run(t, Aggregate{}, props, map[string][]map[string]any{portIn: {{"name": "x"}}})
	if failure, ok := nodes.AsFailure(err); !ok || failure.Kind != nodes.Terminal {
		t.Fatalf("expected terminal failure, got %v", err)
	}
}

func TestCollectWritesEmptyTable(t *testing.T) {
	out, err := run(t, Collect{}, nil, map[string][]map[string]any{portIn: {}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rows, ok := out[portOut]; !ok || len(rows) != 0 {
		t.Fatalf("expected empty output table, got %#v", out)
	}
}

func TestMissingInputIsTerminal(t *testing.T) {
	_, err := run(t, Collect{}, nil, nil)
	if !errors.Is(err, nodes.ErrNoInput) {
		t.Fatalf("expected ErrNoInput, got %v", err)
	}
}
