package contract

import "fmt"

// NoJSONFoundError indicates the input contained neither a fenced json
// block nor a balanced object/array.
type NoJSONFoundError struct {
	Snippet string
}

func (e *NoJSONFoundError) Error() string {
	return fmt.Sprintf("no JSON found in output (snippet: %.80q)", e.Snippet)
}

// ParseError indicates the repair pipeline exhausted all stages.
type ParseError struct {
	Stage  Stage
	Detail string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("JSON parse failed at stage %q: %s", e.Stage, e.Detail)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// SchemaError reports a field that failed schema validation.
type SchemaError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema violation on field %q: expected %s, got %s", e.Field, e.Expected, e.Actual)
}
