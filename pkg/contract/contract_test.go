package contract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFencedBlock(t *testing.T) {
	text := "Here is the result:\n```json\n{\"decision\": \"accept\"}\n```\nLet me know."
	got, err := Extract(text)
	require.NoError(t, err)
	assert.Equal(t, `{"decision": "accept"}`, got)
}

func TestExtractBalancedObject(t *testing.T) {
	text := `Sure! {"a": {"b": [1, 2]}, "c": "x}y"} trailing prose`
	got, err := Extract(text)
	require.NoError(t, err)
	assert.Equal(t, `{"a": {"b": [1, 2]}, "c": "x}y"}`, got)
}

func TestExtractArray(t *testing.T) {
	got, err := Extract(`the list: [{"n": 1}] done`)
	require.NoError(t, err)
	assert.Equal(t, `[{"n": 1}]`, got)
}

func TestExtractNoJSON(t *testing.T) {
	_, err := Extract("I could not produce a structured answer.")
	var noJSON *NoJSONFoundError
	require.ErrorAs(t, err, &noJSON)
}

func TestRepairValidUnchanged(t *testing.T) {
	in := `{"decision":"accept","reasoning":"solid \u00e9tude"}`
	out, stage, err := Repair(in)
	require.NoError(t, err)
	assert.Equal(t, StageStrict, stage)
	assert.Equal(t, in, out)
}

func TestRepairShortUnicodeEscape(t *testing.T) {
	out, stage, err := Repair(`{"a":"\u12"}`)
	require.NoError(t, err)
	assert.Equal(t, StageUnicode, stage)

	var obj map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &obj))
	assert.Equal(t, `\u12`, obj["a"])
}

func TestRepairLaTeX(t *testing.T) {
	out, stage, err := Repair(`{"f":"\alpha + \(x\)"}`)
	require.NoError(t, err)
	assert.Equal(t, StageLaTeX, stage)

	var obj map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &obj))
	assert.Equal(t, `\alpha + \(x\)`, obj["f"])
}

func TestRepairLaTeXKeepsValidEscapes(t *testing.T) {
	// \n is a valid JSON escape and must survive untouched even though
	// it could open a LaTeX command.
	out, stage, err := Repair(`{"f":"line1\nline2 \frac{a}{b}"}`)
	require.NoError(t, err)
	assert.NotEqual(t, StageAggressive, stage)

	var obj map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &obj))
	assert.Contains(t, obj["f"], "line1\nline2")
}

func TestRepairRawBackslash(t *testing.T) {
	out, _, err := Repair(`{"p":"C:\ path"}`)
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &obj))
	assert.Equal(t, `C:\ path`, obj["p"])
}

func TestAggressiveRepairDropsUnknownEscapes(t *testing.T) {
	got := aggressiveRepair(`{"a":"\q keep \n and \u0041"}`)
	assert.Equal(t, `{"a":"q keep \n and \u0041"}`, got)
}

func TestDecodeValidatesEnum(t *testing.T) {
	schema := &Schema{
		Name: "validation_result",
		Fields: []Field{
			{Name: "decision", Kind: KindString, Required: true, Enum: []string{"accept", "reject"}},
			{Name: "reasoning", Kind: KindString, Required: true},
		},
	}

	obj, stage, err := Decode(`{"decision":"accept","reasoning":"ok"}`, schema)
	require.NoError(t, err)
	assert.Equal(t, StageStrict, stage)
	assert.Equal(t, "accept", GetString(obj, "decision"))

	_, _, err = Decode(`{"decision":"maybe","reasoning":"ok"}`, schema)
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "decision", schemaErr.Field)
}

func TestDecodeMissingRequiredField(t *testing.T) {
	schema := &Schema{
		Name:   "submission",
		Fields: []Field{{Name: "content", Kind: KindString, Required: true}},
	}
	_, _, err := Decode(`{"reasoning":"oops"}`, schema)
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "missing", schemaErr.Actual)
}

func TestDecodeListWhereObjectExpected(t *testing.T) {
	schema := &Schema{
		Name:   "submission",
		Fields: []Field{{Name: "content", Kind: KindString, Required: true}},
	}
	obj, _, err := Decode(`[{"content":"first"},{"content":"second"}]`, schema)
	require.NoError(t, err)
	assert.Equal(t, "first", GetString(obj, "content"))
}

func TestDecodeTypeMismatch(t *testing.T) {
	schema := &Schema{
		Name:   "flags",
		Fields: []Field{{Name: "outline_complete", Kind: KindBool, Required: true}},
	}
	_, _, err := Decode(`{"outline_complete":"true"}`, schema)
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "bool", schemaErr.Expected)
}

func TestRenderSchema(t *testing.T) {
	type reply struct {
		Decision  string `json:"decision"`
		Reasoning string `json:"reasoning"`
	}
	out, err := Render(&reply{})
	require.NoError(t, err)
	assert.Contains(t, out, `"decision"`)
	assert.Contains(t, out, `"reasoning"`)
}
