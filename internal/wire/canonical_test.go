package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalizeValueSortsKeys(t *testing.T) {
	out, err := CanonicalizeValue(json.RawMessage(`{"b":2,"a":1,"c":{"z":true,"y":null}}`))
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"b":2,"c":{"y":null,"z":true}}`, string(out))
}

func TestCanonicalizeValuePreservesNumberLiterals(t *testing.T) {
	// Amounts in tinybar routinely exceed float64 precision; the literal
	// must survive re-encoding untouched.
	raw := json.RawMessage(`{"amount":1000000000000000001,"rate":0.10}`)
	out, err := CanonicalizeValue(raw)
	require.NoError(t, err)
	require.Equal(t, `{"amount":1000000000000000001,"rate":0.10}`, string(out))
}

func TestCanonicalizeValueCompact(t *testing.T) {
	out, err := CanonicalizeValue(json.RawMessage("{\n  \"a\": [ 1, 2 ]\n}"))
	require.NoError(t, err)
	require.Equal(t, `{"a":[1,2]}`, string(out))
}

func TestCanonicalizeValueRejectsGarbage(t *testing.T) {
	_, err := CanonicalizeValue(json.RawMessage(`{"a":`))
	require.Error(t, err)
}

func TestCanonicalObjectDeterministic(t *testing.T) {
	fields := map[string]json.RawMessage{
		"subject":   json.RawMessage(`"aexowork.jobs"`),
		"timestamp": json.RawMessage(`1700000000000`),
		"budget":    json.RawMessage(`{"max":500,"min":100}`),
	}
	first, err := CanonicalObject(fields)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := CanonicalObject(fields)
		require.NoError(t, err)
		require.Equal(t, string(first), string(again))
	}
	require.Equal(t, `{"budget":{"max":500,"min":100},"subject":"aexowork.jobs","timestamp":1700000000000}`, string(first))
}
