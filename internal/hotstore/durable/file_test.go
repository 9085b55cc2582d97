package durable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTierPutGetRoundTrip(t *testing.T) {
	tier, err := NewFileTier(t.TempDir())
	require.NoError(t, err)
	defer tier.Close()

	ctx := context.Background()
	var key [32]byte
	key[0] = 7

	rec := Record{Lamports: 42, RentEpoch: 3, Executable: true, Data: []byte("payload")}
	require.NoError(t, tier.Put(ctx, key, rec))

	got, ok, err := tier.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, rec.Lamports, got.Lamports)
	assert.Equal(t, rec.Data, got.Data)
	assert.True(t, got.Executable)
}

func TestFileTierGetMissingReturnsNotOK(t *testing.T) {
	tier, err := NewFileTier(t.TempDir())
	require.NoError(t, err)
	defer tier.Close()

	var key [32]byte
	_, ok, err := tier.Get(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileTierPutReplacesWholeFile(t *testing.T) {
	tier, err := NewFileTier(t.TempDir())
	require.NoError(t, err)
	defer tier.Close()

	ctx := context.Background()
	var key [32]byte
	key[0] = 1

	require.NoError(t, tier.Put(ctx, key, Record{Lamports: 1, Data: []byte("aaaaaaaaaa")}))
	require.NoError(t, tier.Put(ctx, key, Record{Lamports: 2, Data: []byte("b")}))

	got, ok, err := tier.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), got.Lamports)
	assert.Equal(t, []byte("b"), got.Data)
}

func TestFileTierDeleteMissingIsNotError(t *testing.T) {
	tier, err := NewFileTier(t.TempDir())
	require.NoError(t, err)
	defer tier.Close()

	var key [32]byte
	assert.NoError(t, tier.Delete(context.Background(), key))
}
