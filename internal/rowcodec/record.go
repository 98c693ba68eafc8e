package rowcodec

import (
	"fmt"
	"sort"
)

// Field is one named column value of a record.
type Field struct {
	Name  string
	Value Value
}

// Record is an ordered list of uniquely named fields.
type Record []Field

// Get returns the value of the named column.
func (r Record) Get(name string) (Value, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// With returns a copy of r with name set to value, replacing an existing
// column in place or appending a new one.
func (r Record) With(name string, value Value) Record {
	out := make(Record, len(r), len(r)+1)
	copy(out, r)
	for i := range out {
		if out[i].Name == name {
			out[i].Value = value
			return out
		}
	}
	return append(out, Field{Name: name, Value: value})
}

// Names returns column names in record order.
func (r Record) Names() []string {
	out := make([]string, len(r))
	for i, f := range r {
		out[i] = f.Name
	}
	return out
}

// Map returns the generic dynamically typed form of the record.
func (r Record) Map() map[string]any {
	out := make(map[string]any, len(r))
	for _, f := range r {
		out[f.Name] = f.Value.Interface()
	}
	return out
}

// RecordFromMap builds a record from a generic row, sorted by column name.
func RecordFromMap(row map[string]any) (Record, error) {
	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}
	sort.Strings(names)

	rec := make(Record, 0, len(names))
	for _, name := range names {
		value, err := ValueOf(row[name])
		if err != nil {
			return nil, &UnsupportedCellTypeError{Column: name, Type: fmt.Sprintf("%T", row[name])}
		}
		rec = append(rec, Field{Name: name, Value: value})
	}
	return rec, nil
}

func (r Record) checkNames() error {
	seen := make(map[string]struct{}, len(r))
	for _, f := range r {
		if f.Name == "" {
			return fmt.Errorf("column name is required")
		}
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("duplicate column %q", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}
