package hotstore

import (
	"context"
	"sync"
	"time"

	"github.com/vexor/ingress/internal/archive"
	"github.com/vexor/ingress/internal/circuitbreaker"
	"github.com/vexor/ingress/internal/errs"
	"github.com/vexor/ingress/internal/events"
	"github.com/vexor/ingress/internal/hotstore/durable"
	"github.com/vexor/ingress/internal/metrics"
)

const (
	// writebackBatchCap bounds how many keys a single writeback cycle drains.
	writebackBatchCap = 64
	defaultInterval    = 100 * time.Millisecond
)

// Config configures a Store.
type Config struct {
	Policy            Policy
	MaxEntries        int
	MaxMemory         int
	EnableIntegrity   bool
	WritebackInterval time.Duration
}

// Stats is the store's statistics surface.
type Stats struct {
	Hits, Misses   uint64
	Entries        int
	Bytes          int
	Evictions      uint64
	WritebackFails uint64
}

// Store is the two-tier key/value store: a bounded RAM cache in front of
// a pluggable durable tier, with asynchronous writeback. All state is
// guarded by a single mutex; get captures a handle under the lock and
// releases it before returning, and writeback acquires the lock only
// around queue splicing, never during durable I/O.
type Store struct {
	mu        sync.Mutex
	cache     *ramCache
	locations map[Key]Location
	wb        *writebackQueue

	durableTier durable.Tier
	archiveTier ArchiveTier
	archiveBrk  *circuitbreaker.CircuitBreaker
	breaker     *circuitbreaker.CircuitBreaker
	emitter     events.EventEmitter
	metrics     *metrics.Registry
	integrity   bool
	interval    time.Duration

	hits, misses, evictions, writebackFails uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Store and starts its background writeback thread.
func New(cfg Config, durableTier durable.Tier, emitter events.EventEmitter, reg *metrics.Registry) *Store {
	if cfg.WritebackInterval <= 0 {
		cfg.WritebackInterval = defaultInterval
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyAdaptive
	}

	breakers := circuitbreaker.NewStoreBreakers()
	s := &Store{
		cache:       newRAMCache(policy, cfg.MaxEntries, cfg.MaxMemory),
		locations:   make(map[Key]Location),
		wb:          newWritebackQueue(),
		durableTier: durableTier,
		breaker:     breakers.DurableTier,
		archiveBrk:  breakers.Archive,
		emitter:     emitter,
		metrics:     reg,
		integrity:   cfg.EnableIntegrity,
		interval:    cfg.WritebackInterval,
		stopCh:      make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writebackLoop()
	return s
}

// Close stops the background writeback thread. It does not flush; call
// Flush first if durability is required before shutdown.
func (s *Store) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

// Get checks RAM first; on a miss it reads the durable tier and, on a
// durable hit, promotes the entry into RAM.
func (s *Store) Get(ctx context.Context, key Key) (Account, bool, error) {
	s.mu.Lock()
	if e, ok := s.cache.get(key); ok {
		e.AccessCount++
		e.LastAccess = time.Now()
		acct := e.Account
		s.hits++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.CacheHits.Inc()
		}
		return acct, true, nil
	}
	s.misses++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.CacheMisses.Inc()
	}

	rec, ok, err := s.readDurable(ctx, key)
	if err != nil {
		return Account{}, false, err
	}
	if !ok {
		rec, ok, err = s.readArchive(ctx, key)
		if err != nil {
			return Account{}, false, err
		}
		if !ok {
			return Account{}, false, nil
		}
		// Promotion continues through durable -> ram below; the archive
		// copy is left in place since compaction, not get, owns removal.
		// A failed durable write still promotes into RAM; the archive copy
		// keeps the record readable.
		_, _ = s.breaker.Execute(func() (interface{}, error) {
			return nil, s.durableTier.Put(ctx, [32]byte(key), rec)
		})
	}

	acct := Account{
		Lamports:   rec.Lamports,
		Data:       rec.Data,
		OwnerKey:   rec.OwnerKey,
		Executable: rec.Executable,
		RentEpoch:  rec.RentEpoch,
	}

	s.mu.Lock()
	s.promote(key, acct)
	s.mu.Unlock()
	return acct, true, nil
}

// promote inserts a durable-tier hit into RAM as a clean entry, evicting
// if necessary. Caller must hold s.mu.
func (s *Store) promote(key Key, acct Account) {
	e := &Entry{Key: key, Account: acct, LastAccess: time.Now(), AccessCount: 1}
	s.evictFor(e.Size(), key)
	s.cache.insert(e)
	s.locations[key] = Location{Tier: TierRAM}
	s.syncCacheGauges()
}

// Put writes RAM (always), marks the entry dirty, enqueues it for
// writeback, and updates the location index to ram.
func (s *Store) Put(key Key, acct Account, slot uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &Entry{
		Key:         key,
		Account:     acct,
		WriteSlot:   slot,
		AccessCount: 1,
		LastAccess:  time.Now(),
		Dirty:       true,
	}
	if s.integrity {
		e.DataHash = hashData(acct.Data)
		e.HasHash = true
	}

	s.evictFor(e.Size(), key)
	s.cache.insert(e)
	s.locations[key] = Location{Tier: TierRAM, Slot: slot}
	s.wb.enqueue(key)
	s.syncCacheGauges()
}

// Remove deletes a key from both the RAM cache and the durable tier.
func (s *Store) Remove(ctx context.Context, key Key) bool {
	s.mu.Lock()
	_, existed := s.cache.get(key)
	s.cache.delete(key)
	delete(s.locations, key)
	s.syncCacheGauges()
	s.mu.Unlock()

	_ = s.durableTier.Delete(ctx, [32]byte(key))
	return existed
}

// Flush synchronously writes every dirty entry to the durable tier and
// clears its dirty bit; it is the only operation that guarantees on
// return that all queued writes are durable.
func (s *Store) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	keys := s.wb.drainAll()
	s.mu.Unlock()

	n := 0
	var firstErr error
	for _, k := range keys {
		if err := s.writeOne(ctx, k); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.mu.Lock()
			s.wb.enqueue(k)
			s.mu.Unlock()
			continue
		}
		n++
	}
	if s.emitter != nil {
		s.emitter.Emit(events.TypeFlush, "hotstore", "", map[string]interface{}{"count": n})
	}
	return n, firstErr
}

// evictFor evicts entries, lowest-score first, until inserting addSize
// bytes for key (which may already be present) would fit within the
// configured bounds. Caller must hold s.mu.
func (s *Store) evictFor(addSize int, key Key) {
	_, isNewKey := s.cache.get(key)
	isNewKey = !isNewKey
	for s.cache.wouldExceed(addSize, isNewKey) {
		victim, ok := s.cache.victim(time.Now())
		if !ok || victim == key {
			return
		}
		s.evictKey(victim)
	}
}

// evictKey synchronously flushes a dirty victim before dropping it from
// RAM, per the mandated eviction-preserves-durability contract. Caller
// must hold s.mu; durable I/O happens after the lock is released.
func (s *Store) evictKey(key Key) {
	e, ok := s.cache.get(key)
	if !ok {
		return
	}
	needsFlush := e.Dirty
	writeSlot := e.WriteSlot
	rec := durable.Record{
		Lamports:   e.Account.Lamports,
		OwnerKey:   e.Account.OwnerKey,
		Executable: e.Account.Executable,
		RentEpoch:  e.Account.RentEpoch,
		Data:       e.Account.Data,
	}
	s.cache.delete(key)
	s.locations[key] = Location{Tier: TierDurable, Slot: writeSlot}
	s.evictions++
	if s.metrics != nil {
		s.metrics.CacheEvictions.WithLabelValues(string(s.cache.policy)).Inc()
	}

	if needsFlush {
		s.mu.Unlock()
		_, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, s.durableTier.Put(context.Background(), [32]byte(key), rec)
		})
		s.mu.Lock()
		if err != nil {
			s.writebackFails++
		}
	}
	if s.emitter != nil {
		s.emitter.Emit(events.TypeEviction, "hotstore", "", map[string]interface{}{"dirty": needsFlush})
	}
}

// writeOne persists one key's current RAM contents (if still present and
// dirty) to the durable tier and clears its dirty bit. No mutex is held
// during the durable I/O call itself.
func (s *Store) writeOne(ctx context.Context, key Key) error {
	s.mu.Lock()
	e, ok := s.cache.get(key)
	if !ok || !e.Dirty {
		s.mu.Unlock()
		return nil
	}
	rec := durable.Record{
		Lamports:   e.Account.Lamports,
		OwnerKey:   e.Account.OwnerKey,
		Executable: e.Account.Executable,
		RentEpoch:  e.Account.RentEpoch,
		Data:       append([]byte(nil), e.Account.Data...),
	}
	s.mu.Unlock()

	start := time.Now()
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.durableTier.Put(ctx, [32]byte(key), rec)
	})
	if s.metrics != nil {
		s.metrics.WritebackLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.mu.Lock()
		s.writebackFails++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.WritebackFailures.Inc()
			s.metrics.DurableIOFailures.WithLabelValues("durable").Inc()
		}
		return errs.Wrap(errs.KindDurableIOFailure, "hotstore.writeOne", err)
	}

	s.mu.Lock()
	if e2, ok := s.cache.get(key); ok && e2.WriteSlot == e.WriteSlot {
		e2.Dirty = false
	}
	s.mu.Unlock()
	return nil
}

// readDurable reads through the circuit breaker so a persistently failing
// durable backend surfaces as a degraded get rather than blocking.
func (s *Store) readDurable(ctx context.Context, key Key) (durable.Record, bool, error) {
	v, err := s.breaker.Execute(func() (interface{}, error) {
		rec, ok, err := s.durableTier.Get(ctx, [32]byte(key))
		return [2]interface{}{rec, ok}, err
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.DurableIOFailures.WithLabelValues("durable").Inc()
		}
		return durable.Record{}, false, errs.Wrap(errs.KindDurableIOFailure, "hotstore.readDurable", err)
	}
	pair := v.([2]interface{})
	rec := pair[0].(durable.Record)
	ok := pair[1].(bool)
	return rec, ok, nil
}

// readArchive reads through the compaction archive when the durable tier
// has no copy — reachable only for keys that Compact has already moved.
func (s *Store) readArchive(ctx context.Context, key Key) (durable.Record, bool, error) {
	if s.archiveTier == nil {
		return durable.Record{}, false, nil
	}
	v, err := s.archiveBrk.Execute(func() (interface{}, error) {
		e, ok, err := s.archiveTier.Get(ctx, [32]byte(key))
		return [2]interface{}{e, ok}, err
	})
	if err != nil {
		return durable.Record{}, false, errs.Wrap(errs.KindDurableIOFailure, "hotstore.readArchive", err)
	}
	pair := v.([2]interface{})
	e := pair[0].(archive.Entry)
	ok := pair[1].(bool)
	if !ok {
		return durable.Record{}, false, nil
	}
	return durable.Record{
		Lamports:   e.Lamports,
		OwnerKey:   e.OwnerKey,
		Executable: e.Executable,
		RentEpoch:  e.RentEpoch,
		Data:       e.Data,
	}, true, nil
}

// writebackLoop drains the queue once per interval tick, writing up to
// writebackBatchCap keys per cycle; the queue's length does not start an
// extra cycle.
func (s *Store) writebackLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.drainWriteback()
		}
	}
}

func (s *Store) drainWriteback() {
	s.mu.Lock()
	keys := s.wb.drain(writebackBatchCap)
	s.mu.Unlock()

	for _, k := range keys {
		if err := s.writeOne(context.Background(), k); err != nil {
			s.mu.Lock()
			s.wb.enqueue(k)
			s.mu.Unlock()
		}
	}
}

func (s *Store) syncCacheGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.CacheEntries.Set(float64(s.cache.len()))
	s.metrics.CacheBytes.Set(float64(s.cache.curMemory))
}

// Stats returns a snapshot of the store's counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Hits:           s.hits,
		Misses:         s.misses,
		Entries:        s.cache.len(),
		Bytes:          s.cache.curMemory,
		Evictions:      s.evictions,
		WritebackFails: s.writebackFails,
	}
}

// ArchiveTier is the contract Compact's promote-to-archive step and Get's
// archive-fallback read rely on. archive.Store satisfies it; tests
// substitute a fake so the compact-then-promote round trip is exercisable
// without a live Postgres instance.
type ArchiveTier interface {
	Get(ctx context.Context, key [32]byte) (archive.Entry, bool, error)
	Put(ctx context.Context, key [32]byte, e archive.Entry) error
	Delete(ctx context.Context, key [32]byte) error
}

// AttachArchive wires the cold, compressed archive tier that Compact
// moves aged-out durable entries into. Optional; nil by default.
func (s *Store) AttachArchive(a ArchiveTier) { s.archiveTier = a }

// Compact moves durable-tier entries whose write slot predates
// olderThanSlot into the archive tier, compressed, and records their
// location as tier=archive. It is explicitly out-of-band: never called
// by Get, Put, or Flush, and never gates a durability guarantee — it
// runs from the archive package's periodic scheduler and from the admin
// POST /v1/compact handler.
func (s *Store) Compact(ctx context.Context, olderThanSlot uint64) (int, error) {
	if s.archiveTier == nil {
		return 0, errs.New(errs.KindInitializationFailure, "hotstore.Compact").With("reason", "archive_tier_unset")
	}

	s.mu.Lock()
	var candidates []Key
	for k, loc := range s.locations {
		if loc.Tier == TierDurable && loc.Slot < olderThanSlot {
			candidates = append(candidates, k)
		}
	}
	s.mu.Unlock()

	moved := 0
	for _, k := range candidates {
		rec, ok, err := s.readDurable(ctx, k)
		if err != nil || !ok {
			continue
		}

		_, err = s.archiveBrk.Execute(func() (interface{}, error) {
			return nil, s.archiveTier.Put(ctx, [32]byte(k), archive.Entry{
				Lamports:   rec.Lamports,
				OwnerKey:   rec.OwnerKey,
				Executable: rec.Executable,
				RentEpoch:  rec.RentEpoch,
				Data:       rec.Data,
				Slot:       olderThanSlot,
			})
		})
		if err != nil {
			continue
		}

		_ = s.durableTier.Delete(ctx, [32]byte(k))

		s.mu.Lock()
		s.locations[k] = Location{Tier: TierArchive, Compressed: true, Slot: olderThanSlot}
		s.mu.Unlock()
		moved++
	}

	if s.emitter != nil {
		s.emitter.Emit(events.TypeCompact, "hotstore", "", map[string]interface{}{"moved": moved})
	}
	return moved, nil
}

// Verify recomputes and compares a resident entry's integrity hash. It is
// diagnostic only — a mismatch never triggers an automatic eviction.
func (s *Store) Verify(key Key) (match bool, checked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache.get(key)
	if !ok {
		return false, false
	}
	return verifyIntegrity(e)
}
