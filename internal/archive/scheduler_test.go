package archive

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeCompactor struct {
	calls int32
}

func (f *fakeCompactor) Compact(ctx context.Context, olderThanSlot uint64) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	return 0, nil
}

func TestSchedulerSweepsOnInterval(t *testing.T) {
	fc := &fakeCompactor{}
	var slot uint64 = 1000

	s := NewScheduler(fc, nil, SchedulerConfig{
		Interval:        20 * time.Millisecond,
		SlotWindow:      100,
		CurrentSlotFunc: func() uint64 { return slot },
	})
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&fc.calls) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerSkipsWhenBelowSlotWindow(t *testing.T) {
	fc := &fakeCompactor{}
	s := NewScheduler(fc, nil, SchedulerConfig{
		Interval:        20 * time.Millisecond,
		SlotWindow:      1000,
		CurrentSlotFunc: func() uint64 { return 5 },
	})
	defer s.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fc.calls))
}
