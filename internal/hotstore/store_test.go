package hotstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexor/ingress/internal/archive"
	"github.com/vexor/ingress/internal/hotstore/durable"
)

// fakeArchiveTier is an in-memory ArchiveTier, letting the compact-then-
// promote round trip be exercised without a live Postgres instance.
type fakeArchiveTier struct {
	entries map[[32]byte]archive.Entry
}

func newFakeArchiveTier() *fakeArchiveTier {
	return &fakeArchiveTier{entries: make(map[[32]byte]archive.Entry)}
}

func (f *fakeArchiveTier) Get(ctx context.Context, key [32]byte) (archive.Entry, bool, error) {
	e, ok := f.entries[key]
	return e, ok, nil
}

func (f *fakeArchiveTier) Put(ctx context.Context, key [32]byte, e archive.Entry) error {
	f.entries[key] = e
	return nil
}

func (f *fakeArchiveTier) Delete(ctx context.Context, key [32]byte) error {
	delete(f.entries, key)
	return nil
}

func newTestStore(t *testing.T, cfg Config) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	tier, err := durable.NewFileTier(dir)
	require.NoError(t, err)
	s := New(cfg, tier, nil, nil)
	t.Cleanup(s.Close)
	return s, dir
}

func keyFor(b byte) Key {
	var k Key
	k[0] = b
	return k
}

func TestPutThenGetHitsRAM(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	ctx := context.Background()
	k := keyFor(1)

	s.Put(k, Account{Lamports: 1000, Data: []byte{0xDE, 0xAD}}, 100)

	acct, ok, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1000), acct.Lamports)
	assert.Equal(t, uint64(1), s.Stats().Hits)
}

func TestGetMissReturnsFalse(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	_, ok, err := s.Get(context.Background(), keyFor(9))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), s.Stats().Misses)
}

func TestFlushWritesDurablyAndClearsDirty(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	ctx := context.Background()
	k := keyFor(2)

	s.Put(k, Account{Lamports: 500, Data: []byte("hello")}, 50)
	n, err := s.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s.mu.Lock()
	e, ok := s.cache.get(k)
	s.mu.Unlock()
	require.True(t, ok)
	assert.False(t, e.Dirty)
}

func TestDurabilityAcrossFreshStore(t *testing.T) {
	dir := t.TempDir()
	tier1, err := durable.NewFileTier(dir)
	require.NoError(t, err)
	s1 := New(Config{}, tier1, nil, nil)
	k := keyFor(3)
	s1.Put(k, Account{Lamports: 1000, Data: []byte{0xDE, 0xAD}}, 100)
	_, err = s1.Flush(context.Background())
	require.NoError(t, err)
	s1.Close()

	tier2, err := durable.NewFileTier(dir)
	require.NoError(t, err)
	s2 := New(Config{}, tier2, nil, nil)
	defer s2.Close()

	acct, ok, err := s2.Get(context.Background(), k)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1000), acct.Lamports)
}

func TestEvictionPreservesDurability(t *testing.T) {
	s, _ := newTestStore(t, Config{MaxEntries: 2})
	ctx := context.Background()

	s.Put(keyFor(1), Account{Lamports: 1, Data: []byte("a")}, 1)
	time.Sleep(time.Millisecond)
	s.Put(keyFor(2), Account{Lamports: 2, Data: []byte("b")}, 2)
	time.Sleep(time.Millisecond)
	s.Put(keyFor(3), Account{Lamports: 3, Data: []byte("c")}, 3)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.LessOrEqual(t, stats.Entries, 2)

	// The evicted key (oldest: key 1) must be durably readable.
	acct, ok, err := s.Get(ctx, keyFor(1))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), acct.Lamports)
}

func TestRemoveDeletesFromCacheAndDurable(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	ctx := context.Background()
	k := keyFor(4)

	s.Put(k, Account{Lamports: 9, Data: []byte("x")}, 1)
	_, err := s.Flush(ctx)
	require.NoError(t, err)

	removed := s.Remove(ctx, k)
	assert.True(t, removed)

	_, ok, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIntegrityVerifyDetectsMatch(t *testing.T) {
	s, _ := newTestStore(t, Config{EnableIntegrity: true})
	k := keyFor(5)
	s.Put(k, Account{Data: []byte("payload")}, 1)

	match, checked := s.Verify(k)
	assert.True(t, checked)
	assert.True(t, match)
}

func TestVerifyWithoutIntegrityReportsUnchecked(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	k := keyFor(6)
	s.Put(k, Account{Data: []byte("payload")}, 1)

	_, checked := s.Verify(k)
	assert.False(t, checked)
}

func TestCompactMovesToArchiveAndGetPromotesBack(t *testing.T) {
	s, _ := newTestStore(t, Config{MaxEntries: 1})
	archiveTier := newFakeArchiveTier()
	s.AttachArchive(archiveTier)
	ctx := context.Background()
	k := keyFor(7)

	s.Put(k, Account{Lamports: 42, Data: []byte("cold")}, 10)
	_, err := s.Flush(ctx)
	require.NoError(t, err)
	// Evict it out of RAM so Compact finds it sitting in the durable tier.
	s.Put(keyFor(8), Account{Lamports: 1}, 11)

	moved, err := s.Compact(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	_, onDurable, err := s.durableTier.Get(ctx, [32]byte(k))
	require.NoError(t, err)
	assert.False(t, onDurable, "compacted key must be absent from the durable tier")

	_, onArchive, err := archiveTier.Get(ctx, [32]byte(k))
	require.NoError(t, err)
	assert.True(t, onArchive, "compacted key must be present in the archive tier")

	acct, ok, err := s.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(42), acct.Lamports)

	_, inRAM := s.cache.get(k)
	assert.True(t, inRAM, "Get must promote the archived entry back into RAM")
}
