package yak

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCoordCompareAndSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryCoord()

	// nil old means "must be absent"
	ok, err := m.CompareAndSet(ctx, "k", nil, []byte("v1"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.CompareAndSet(ctx, "k", nil, []byte("v2"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.CompareAndSet(ctx, "k", []byte("wrong"), []byte("v2"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.CompareAndSet(ctx, "k", []byte("v1"), []byte("v2"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	val, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)
}

func TestMemoryCoordCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryCoord()
	require.NoError(t, m.SetTTL(ctx, "k", []byte("v"), 0))

	ok, err := m.CompareAndDelete(ctx, "k", []byte("other"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.CompareAndDelete(ctx, "k", []byte("v"))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryCoordTTLExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryCoord()
	require.NoError(t, m.SetTTL(ctx, "k", []byte("v"), 30*time.Millisecond))

	_, err := m.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryCoordScan(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryCoord()
	require.NoError(t, m.SetTTL(ctx, "yak:brokers:1", []byte("a"), 0))
	require.NoError(t, m.SetTTL(ctx, "yak:brokers:2", []byte("b"), 0))
	require.NoError(t, m.SetTTL(ctx, "yak:lease", []byte("c"), 0))

	out, err := m.Scan(ctx, "yak:brokers:")
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, []byte("a"), out["yak:brokers:1"])
}
