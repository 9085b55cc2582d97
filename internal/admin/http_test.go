package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexor/ingress/internal/hotstore"
)

type fakeStore struct {
	stats        hotstore.Stats
	flushN       int
	flushErr     error
	flushCalls   int
	compactN     int
	compactErr   error
	compactCalls int
	compactSlot  uint64
}

func (f *fakeStore) Stats() hotstore.Stats { return f.stats }

func (f *fakeStore) Flush(ctx context.Context) (int, error) {
	f.flushCalls++
	return f.flushN, f.flushErr
}

func (f *fakeStore) Compact(ctx context.Context, olderThanSlot uint64) (int, error) {
	f.compactCalls++
	f.compactSlot = olderThanSlot
	return f.compactN, f.compactErr
}

func TestHandleHealthzReportsOK(t *testing.T) {
	s := NewServer(&fakeStore{}, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleStatsReturnsHotstoreSnapshot(t *testing.T) {
	fs := &fakeStore{stats: hotstore.Stats{Hits: 5, Misses: 2}}
	s := NewServer(fs, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Hits":5`)
}

func TestHandleFlushInvokesStoreFlush(t *testing.T) {
	fs := &fakeStore{flushN: 3}
	s := NewServer(fs, nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/flush", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, fs.flushCalls)
	assert.Contains(t, rec.Body.String(), `"flushed":3`)
}

func TestHandleFlushSurfacesError(t *testing.T) {
	fs := &fakeStore{flushErr: assert.AnError}
	s := NewServer(fs, nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/flush", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleCompactParsesSlotThreshold(t *testing.T) {
	fs := &fakeStore{compactN: 9}
	s := NewServer(fs, nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/compact?older_than_slot=42", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, fs.compactCalls)
	assert.Equal(t, uint64(42), fs.compactSlot)
	assert.Contains(t, rec.Body.String(), `"compacted":9`)
}
