package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// SchemaError lists every property violation found for a node.
type SchemaError struct {
	Model  string
	Issues []string
}

func (e *SchemaError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("properties of %s are invalid", e.Model)
	}
	return fmt.Sprintf("properties of %s are invalid: %s", e.Model, strings.Join(e.Issues, "; "))
}

func compileSchema(raw map[string]any) (*openapi3.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode properties schema: %w", err)
	}
	schema := openapi3.NewSchema()
	if err := json.Unmarshal(data, schema); err != nil {
		return nil, fmt.Errorf("decode properties schema: %w", err)
	}
	if err := schema.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid properties schema: %w", err)
	}
	return schema, nil
}

func validate(model string, schema *openapi3.Schema, props map[string]any) error {
	if schema == nil {
		return nil
	}
	value, err := normalize(props)
	if err != nil {
		return &SchemaError{Model: model, Issues: []string{err.Error()}}
	}
	err = schema.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	out := &SchemaError{Model: model}
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		for _, issue := range multi {
			out.Issues = append(out.Issues, describe(issue))
		}
	} else {
		out.Issues = append(out.Issues, describe(err))
	}
	return out
}

func describe(err error) string {
	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		path := strings.Join(schemaErr.JSONPointer(), ".")
		if path == "" {
			return schemaErr.Reason
		}
		return path + ": " + schemaErr.Reason
	}
	return err.Error()
}

// normalize reduces properties to the generic JSON shapes the validator
// understands (YAML-decoded ints become float64, typed slices become []any).
func normalize(props map[string]any) (any, error) {
	if props == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return out, nil
}
