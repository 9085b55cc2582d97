package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Compactor is satisfied by hotstore.Store: the single out-of-band
// operation the scheduler drives.
type Compactor interface {
	Compact(ctx context.Context, olderThanSlot uint64) (int, error)
}

// SchedulerConfig configures the periodic compaction sweep.
type SchedulerConfig struct {
	Interval        time.Duration
	SlotWindow      uint64 // accounts untouched for this many slots become eligible
	CurrentSlotFunc func() uint64
}

// Scheduler periodically runs compaction against a Compactor, optionally
// serialized across nodes by a CompactionLock.
type Scheduler struct {
	mu     sync.Mutex
	store  Compactor
	lock   *CompactionLock
	cfg    SchedulerConfig
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates and starts a compaction scheduler. lock may be nil
// for single-node deployments.
func NewScheduler(store Compactor, lock *CompactionLock, cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		store:  store,
		lock:   lock,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	if s.lock != nil {
		acquired, err := s.lock.TryAcquire(ctx)
		if err != nil {
			slog.Warn("compaction lock acquire failed", "error", err)
			return
		}
		if !acquired {
			return
		}
		defer s.lock.Release(ctx)
	}

	if s.cfg.CurrentSlotFunc == nil {
		return
	}
	threshold := s.cfg.CurrentSlotFunc()
	if threshold < s.cfg.SlotWindow {
		return
	}
	threshold -= s.cfg.SlotWindow

	n, err := s.store.Compact(ctx, threshold)
	if err != nil {
		slog.Warn("compaction sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("compaction sweep complete", "moved", n, "threshold_slot", threshold)
	}
}
