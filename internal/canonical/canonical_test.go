package canonical

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysRegardlessOfInsertionOrder(t *testing.T) {
	first := map[string]any{"b": "2", "a": "1", "c": map[string]any{"z": true, "y": nil}}
	second := map[string]any{"c": map[string]any{"y": nil, "z": true}, "a": "1", "b": "2"}

	encodedFirst, err := Marshal(first)
	require.NoError(t, err)
	encodedSecond, err := Marshal(second)
	require.NoError(t, err)

	assert.Equal(t, string(encodedFirst), string(encodedSecond))
	assert.Equal(t, `{"a":"1","b":"2","c":{"y":null,"z":true}}`, string(encodedFirst))
}

func TestMarshalDoesNotEscapeHTML(t *testing.T) {
	encoded, err := Marshal(map[string]any{"body": "<a & b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"body":"<a & b>"}`, string(encoded))
}

func TestMarshalNormalizesUnicode(t *testing.T) {
	composed, err := Marshal("\u00e9")
	require.NoError(t, err)
	decomposed, err := Marshal("e\u0301")
	require.NoError(t, err)
	assert.Equal(t, string(composed), string(decomposed))
}

func TestMarshalPreservesNumberLiterals(t *testing.T) {
	decoded, err := Decode([]byte(`{"count": 12, "ratio": 0.5}`))
	require.NoError(t, err)

	encoded, err := Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t, `{"count":12,"ratio":0.5}`, string(encoded))
}

func TestMarshalStructsMatchesEquivalentMap(t *testing.T) {
	type payload struct {
		Zeta  string      `json:"zeta"`
		Alpha json.Number `json:"alpha"`
	}
	fromStruct, err := Marshal(payload{Zeta: "z", Alpha: "3"})
	require.NoError(t, err)
	fromMap, err := Marshal(map[string]any{"alpha": json.Number("3"), "zeta": "z"})
	require.NoError(t, err)
	assert.Equal(t, string(fromMap), string(fromStruct))
}
