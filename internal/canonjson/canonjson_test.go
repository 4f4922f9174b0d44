package canonjson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_SortsKeys(t *testing.T) {
	out, err := Canonicalize([]byte(`{"b":2,"a":1,"nested":{"z":true,"k":[3,2,1]}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"nested":{"k":[3,2,1],"z":true}}`, string(out))
}

func TestCanonicalize_Idempotent(t *testing.T) {
	once, err := Canonicalize([]byte(` { "x" : "y" , "n" : 10 } `))
	require.NoError(t, err)
	twice, err := Canonicalize(once)
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))
}

func TestCanonicalize_EmptyIsNull(t *testing.T) {
	out, err := Canonicalize(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))

	out, err = Canonicalize([]byte("  "))
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
}

func TestCanonicalize_KeepsNumberText(t *testing.T) {
	out, err := Canonicalize([]byte(`{"big":9007199254740993}`))
	require.NoError(t, err)
	// Would round-trip through float64 as ...992 without UseNumber.
	assert.Equal(t, `{"big":9007199254740993}`, string(out))
}

func TestCanonicalize_Invalid(t *testing.T) {
	_, err := Canonicalize([]byte(`{"broken":`))
	assert.Error(t, err)

	_, err = Canonicalize([]byte(`{"a":1}{"b":2}`))
	assert.Error(t, err)
}

func TestMarshal_Nil(t *testing.T) {
	out, err := Marshal(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal([]byte(`{"a":1,"b":2}`), []byte(`{ "b":2, "a":1 }`)))
	assert.False(t, Equal([]byte(`{"a":1}`), []byte(`{"a":2}`)))
	assert.False(t, Equal([]byte(`{`), []byte(`{}`)))
}
