package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_AsXXHashIsStable(t *testing.T) {
	a := AsXXHash([]byte("vale"), []byte("create"))
	b := AsXXHash([]byte("vale"), []byte("create"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)

	c := AsXXHash([]byte("vale"), []byte("update"))
	assert.NotEqual(t, a, c)
}

func Test_CanonicalizeJSONSortsKeys(t *testing.T) {
	a, err := CanonicalizeJSON([]byte(`{"valor": 50, "descricao": "X"}`))
	require.NoError(t, err)
	b, err := CanonicalizeJSON([]byte(`{"descricao":"X","valor":50}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, `{"descricao":"X","valor":50}`, string(a))
}

func Test_CanonicalizeJSONNested(t *testing.T) {
	a, err := CanonicalizeJSON([]byte(`{"b":{"y":2,"x":1},"a":[{"k":true,"j":null}]}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":[{"j":null,"k":true}],"b":{"x":1,"y":2}}`, string(a))
}

func Test_CanonicalizeJSONPreservesNumberPrecision(t *testing.T) {
	// Long fractions must not be mangled through float64 round-tripping
	a, err := CanonicalizeJSON([]byte(`{"peso_kg":12.345678901234567}`))
	require.NoError(t, err)
	assert.Equal(t, `{"peso_kg":12.345678901234567}`, string(a))
}

func Test_CanonicalizeJSONRejectsGarbage(t *testing.T) {
	_, err := CanonicalizeJSON([]byte(`{"unterminated":`))
	assert.Error(t, err)
}
