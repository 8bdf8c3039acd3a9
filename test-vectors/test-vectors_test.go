package vectors

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func jsonRoundTrip(t *testing.T, original, decoded interface{}) {
	encoded, err := json.Marshal(original)
	require.NoError(t, err)

	err = json.Unmarshal(encoded, decoded)
	require.NoError(t, err)
}

func TestTreeMath(t *testing.T) {
	for _, n := range []uint32{1, 2, 8, 32} {
		vec, err := NewTreeMath(n)
		require.NoError(t, err)

		var vec2 TreeMath
		jsonRoundTrip(t, vec, &vec2)
		require.NoError(t, vec2.Verify())
	}
}

func TestTreeMathRejectsPartialTree(t *testing.T) {
	_, err := NewTreeMath(10)
	require.Error(t, err)
}

func TestTreeMathDetectsTampering(t *testing.T) {
	vec, err := NewTreeMath(8)
	require.NoError(t, err)

	var vec2 TreeMath
	jsonRoundTrip(t, vec, &vec2)
	*vec2.Parent[4] += 2
	require.Error(t, vec2.Verify())

	jsonRoundTrip(t, vec, &vec2)
	vec2.Sibling = vec2.Sibling[:3]
	require.Error(t, vec2.Verify())
}
