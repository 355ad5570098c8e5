package vaults

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_GetCachesProviders(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	a, err := s.Get("vault-1")
	require.NoError(t, err)
	b, err := s.Get("vault-1")
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := s.Get("vault-2")
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestValidID(t *testing.T) {
	for _, id := range []string{"vault-1", "Notes_2026", "a.b"} {
		assert.True(t, ValidID(id), id)
	}
	for _, id := range []string{"", ".", "..", "../x", "a/b", `a\b`, "-lead", "has space"} {
		assert.False(t, ValidID(id), id)
	}

	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Get("../escape")
	assert.ErrorIs(t, err, ErrInvalidVaultID)
}
