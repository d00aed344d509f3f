package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeysAndKeepsHTML(t *testing.T) {
	b, err := Marshal(map[string]any{"b": 1, "a": "<x>"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<x>","b":1}`, string(b))
}

func TestHash_StableAcrossFieldOrder(t *testing.T) {
	type doc struct {
		Name  string `json:"name"`
		Title string `json:"title"`
	}
	h1, err := Hash(doc{Name: "Ada", Title: "BSc"})
	require.NoError(t, err)
	h2, err := Hash(map[string]string{"title": "BSc", "name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestText_NFC(t *testing.T) {
	decomposed := "Jose\u0301 "
	assert.Equal(t, "Jos\u00e9", Text(decomposed))
}

func TestAttributes(t *testing.T) {
	got := Attributes(map[string]string{
		" degree ":   "Ingeniería",
		"":           "dropped",
		"graduation": "2025",
	})
	assert.Equal(t, map[string]string{"degree": "Ingeniería", "graduation": "2025"}, got)
	assert.Nil(t, Attributes(nil))
}
