package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortsKeys(t *testing.T) {
	b, err := JCS(map[string]interface{}{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]string{"html": "<a>&</a>"})
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<a>&</a>"}`, string(b))
}

func TestCanonicalHash_Deterministic(t *testing.T) {
	v := map[string]interface{}{"b": 2, "a": 1}
	h1, err := CanonicalHash(v)
	require.NoError(t, err)
	h2, err := CanonicalHash(v)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
