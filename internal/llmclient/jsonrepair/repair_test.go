package jsonrepair

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidJSONNeedsNoRepair(t *testing.T) {
	var out map[string]any
	require.NoError(t, Parse(`{"a": 1, "b": "two"}`, &out))
	assert.Equal(t, float64(1), out["a"])
	assert.Equal(t, "two", out["b"])
}

func TestParse_RepairsTrailingCommaInObjectAndArray(t *testing.T) {
	var out map[string]any
	require.NoError(t, Parse(`{"a": 1, "b": [1, 2, 3,],}`, &out))
	assert.Equal(t, float64(1), out["a"])
}

func TestParse_RepairsSingleQuotedKeysAndStrings(t *testing.T) {
	var out map[string]any
	require.NoError(t, Parse(`{'name': 'value', 'n': 2}`, &out))
	assert.Equal(t, "value", out["name"])
	assert.Equal(t, float64(2), out["n"])
}

func TestParse_RepairsUnquotedKeys(t *testing.T) {
	var out map[string]any
	require.NoError(t, Parse(`{name: "value", count: 3}`, &out))
	assert.Equal(t, "value", out["name"])
	assert.Equal(t, float64(3), out["count"])
}

func TestParse_StripsMarkdownCodeFence(t *testing.T) {
	var out map[string]any
	require.NoError(t, Parse("```json\n{\"a\": 1}\n```", &out))
	assert.Equal(t, float64(1), out["a"])
}

func TestParse_ApostropheInsideDoubleQuotedStringIsLeftAlone(t *testing.T) {
	var out map[string]any
	require.NoError(t, Parse(`{"text": "it's fine"}`, &out))
	assert.Equal(t, "it's fine", out["text"])
}

func TestParse_ReturnsErrorWhenNothingFixesIt(t *testing.T) {
	var out map[string]any
	err := Parse("not json at all {{{", &out)
	assert.Error(t, err)
}

func TestRepair_LeavesAlreadyValidJSONUnchangedInSubstance(t *testing.T) {
	in := `{"a":1}`
	got := Repair(in)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(got), &out))
	assert.Equal(t, float64(1), out["a"])
}
