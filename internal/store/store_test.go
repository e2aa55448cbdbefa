package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreBasicOperations(t *testing.T) {
	s := New()

	require.NoError(t, s.Put(1, "b", []byte("row-b"), true))
	require.NoError(t, s.Put(1, "a", []byte("row-a"), true))

	err := s.Put(1, "a", []byte("again"), true)
	assert.True(t, errors.Is(err, ErrExists))

	err = s.Put(1, "zz", []byte("missing"), false)
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Put(1, "a", []byte("row-a2"), false))

	row, ok := s.Get(1, "a")
	require.True(t, ok)
	assert.Equal(t, "row-a2", string(row))

	assert.Equal(t, [][]byte{[]byte("row-a2"), []byte("row-b")}, s.All(1))
	assert.Equal(t, 2, s.Count(1))

	assert.True(t, s.Delete(1, "a"))
	assert.False(t, s.Delete(1, "a"))
	assert.Equal(t, 1, s.Count(1))
}

func TestStoreTablesAreIndependent(t *testing.T) {
	s := New()
	require.NoError(t, s.Put(1, "k", []byte("one"), true))
	require.NoError(t, s.Put(2, "k", []byte("two"), true))

	row, _ := s.Get(2, "k")
	assert.Equal(t, "two", string(row))
	assert.Empty(t, s.All(3))
	assert.Equal(t, 0, s.Count(3))
	assert.False(t, s.Delete(3, "k"))
}

func TestStoreCopiesInput(t *testing.T) {
	s := New()
	buf := []byte("original")
	require.NoError(t, s.Put(1, "k", buf, true))
	buf[0] = 'X'

	row, _ := s.Get(1, "k")
	assert.Equal(t, "original", string(row))
}
