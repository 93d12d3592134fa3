package contract

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/invopop/jsonschema"
)

// FieldKind is the primitive type expected for a schema field.
type FieldKind int

const (
	KindString FieldKind = iota
	KindBool
	KindNumber
	KindObject
	KindArray
)

func (k FieldKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// Field declares one expected field of an agent reply.
type Field struct {
	Name     string
	Kind     FieldKind
	Required bool
	Enum     []string // allowed values for string fields, empty = any
}

// Schema is the declarative contract one consumer imposes on a reply.
type Schema struct {
	Name   string
	Fields []Field
}

// Validate checks field presence, primitive type, and enum membership.
func (s *Schema) Validate(obj map[string]any) error {
	for _, f := range s.Fields {
		val, ok := obj[f.Name]
		if !ok || val == nil {
			if f.Required {
				return &SchemaError{Field: f.Name, Expected: f.Kind.String(), Actual: "missing"}
			}
			continue
		}

		switch f.Kind {
		case KindString:
			str, ok := val.(string)
			if !ok {
				return &SchemaError{Field: f.Name, Expected: "string", Actual: fmt.Sprintf("%T", val)}
			}
			if len(f.Enum) > 0 && !contains(f.Enum, str) {
				return &SchemaError{Field: f.Name, Expected: fmt.Sprintf("one of %v", f.Enum), Actual: str}
			}
		case KindBool:
			if _, ok := val.(bool); !ok {
				return &SchemaError{Field: f.Name, Expected: "bool", Actual: fmt.Sprintf("%T", val)}
			}
		case KindNumber:
			if _, ok := val.(float64); !ok {
				return &SchemaError{Field: f.Name, Expected: "number", Actual: fmt.Sprintf("%T", val)}
			}
		case KindObject:
			if _, ok := val.(map[string]any); !ok {
				return &SchemaError{Field: f.Name, Expected: "object", Actual: fmt.Sprintf("%T", val)}
			}
		case KindArray:
			if _, ok := val.([]any); !ok {
				return &SchemaError{Field: f.Name, Expected: "array", Actual: fmt.Sprintf("%T", val)}
			}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Decode runs the full contract pipeline: extract, repair, unmarshal,
// validate. A top-level array where an object was expected is accepted
// by taking its first element.
func Decode(text string, schema *Schema) (map[string]any, Stage, error) {
	raw, err := Extract(text)
	if err != nil {
		return nil, "", err
	}

	repaired, stage, err := Repair(raw)
	if err != nil {
		return nil, stage, err
	}

	var parsed any
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
		return nil, stage, &ParseError{Stage: stage, Detail: err.Error(), Err: err}
	}

	obj, ok := parsed.(map[string]any)
	if !ok {
		arr, isArr := parsed.([]any)
		if !isArr || len(arr) == 0 {
			return nil, stage, &ParseError{Stage: stage, Detail: fmt.Sprintf("expected object, got %T", parsed)}
		}
		obj, ok = arr[0].(map[string]any)
		if !ok {
			return nil, stage, &ParseError{Stage: stage, Detail: "array did not contain an object"}
		}
		name := ""
		if schema != nil {
			name = schema.Name
		}
		slog.Warn("Reply was a list where an object was expected; using first element", "schema", name)
	}

	if schema != nil {
		if err := schema.Validate(obj); err != nil {
			return nil, stage, err
		}
	}

	return obj, stage, nil
}

// Render reflects a Go reply type into the JSON schema text injected
// into prompts so agents see the exact shape they must produce.
func Render(v any) (string, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render schema: %w", err)
	}
	return string(data), nil
}

// Accessors tolerant of missing fields; agents use these after Validate.

func GetString(obj map[string]any, key string) string {
	if s, ok := obj[key].(string); ok {
		return s
	}
	return ""
}

func GetBool(obj map[string]any, key string) bool {
	if b, ok := obj[key].(bool); ok {
		return b
	}
	return false
}

func GetNumber(obj map[string]any, key string) float64 {
	if n, ok := obj[key].(float64); ok {
		return n
	}
	return 0
}
