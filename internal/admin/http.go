// Package admin exposes the operator-facing control surface: an HTTP
// status/flush API, a Prometheus scrape endpoint, and a thin gRPC service
// for driving the shared filter program's lifecycle from cmd/xdpctl. None
// of it touches the cache mutex or ring memory directly — every handler
// reads through the same Stats()/Get()/Flush() methods any other caller
// would use.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vexor/ingress/internal/hotstore"
	"github.com/vexor/ingress/internal/metrics"
	"github.com/vexor/ingress/internal/processor"
)

// StoreStatser is the subset of hotstore.Store the admin surface depends
// on; declared as an interface so tests can supply a fake.
type StoreStatser interface {
	Stats() hotstore.Stats
	Flush(ctx context.Context) (int, error)
	Compact(ctx context.Context, olderThanSlot uint64) (int, error)
}

// Server serves the admin HTTP surface on its own listener, independent of
// the datapath's sockets.
type Server struct {
	store     StoreStatser
	proc      *processor.Processor
	tap       *processor.Tap
	metrics   *metrics.Registry
	limiter   *RateLimiter
	startedAt time.Time
}

// NewServer constructs an admin HTTP server. tap may be nil if the
// diagnostic WebSocket feed is disabled.
func NewServer(store StoreStatser, proc *processor.Processor, tap *processor.Tap, reg *metrics.Registry) *Server {
	return &Server{
		store:     store,
		proc:      proc,
		tap:       tap,
		metrics:   reg,
		limiter:   NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 30, BurstSize: 60}),
		startedAt: time.Now(),
	}
}

// Router builds the gorilla/mux router exposing every admin HTTP route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/v1/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/v1/flush", s.limiter.Middleware(http.HandlerFunc(s.handleFlush))).Methods(http.MethodPost)
	r.Handle("/v1/compact", s.limiter.Middleware(http.HandlerFunc(s.handleCompact))).Methods(http.MethodPost)
	if s.tap != nil {
		r.HandleFunc("/v1/tap", s.tap.HandleWebSocket)
	}
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// ListenAndServe starts the admin HTTP surface on addr. Blocks until the
// server returns an error (including on graceful shutdown).
func (s *Server) ListenAndServe(addr string) error {
	slog.Info("admin http surface listening", "addr", addr)
	return http.ListenAndServe(addr, s.Router())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"hotstore": s.store.Stats(),
	}
	if s.proc != nil {
		resp["processor"] = s.proc.Stats()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleCompact drives hotstore.Store.Compact from an HTTP call, the
// target a Cloud Tasks-delivered request hits in multi-node deployments
// instead of relying on an in-process archive.Scheduler tick.
func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	olderThan := uint64(0)
	if v := r.URL.Query().Get("older_than_slot"); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			olderThan = parsed
		}
	}
	n, err := s.store.Compact(r.Context(), olderThan)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{"compacted": n, "error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"compacted": n})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.Flush(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{"flushed": n, "error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"flushed": n})
}
