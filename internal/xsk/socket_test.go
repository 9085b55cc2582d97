package xsk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexor/ingress/internal/umem"
)

type fakeImpl struct {
	recvCalls, sendCalls int
}

func (f *fakeImpl) setup(s *Socket) (BindMode, error) { return BindZeroCopy, nil }
func (f *fakeImpl) wakeupRecv(s *Socket) error         { f.recvCalls++; return nil }
func (f *fakeImpl) wakeupSend(s *Socket) error         { f.sendCalls++; return nil }
func (f *fakeImpl) close(s *Socket) error              { return nil }
func (f *fakeImpl) fd() int                            { return 99 }

func newTestSocket(t *testing.T) (*Socket, *fakeImpl) {
	t.Helper()
	s, err := New(Config{Interface: "eth0", FrameCount: 8, FrameSize: 128, RingCapacity: 8})
	require.NoError(t, err)
	impl := &fakeImpl{}
	s.impl = impl
	require.NoError(t, s.Setup())
	return s, impl
}

func TestSetupSeedsFillRing(t *testing.T) {
	s, _ := newTestSocket(t)
	assert.Equal(t, BindZeroCopy, s.Mode())
	n, _ := s.fill.Peek()
	assert.Equal(t, uint32(8), n)
}

func TestSendThenRecvRoundTrip(t *testing.T) {
	s, _ := newTestSocket(t)

	// Drain the fill ring into RX descriptors the way the kernel would after
	// delivering a packet into each filled frame.
	s.um.Lock()
	n, idx := s.fill.Peek()
	descs := make([]umem.Desc, n)
	for i := uint32(0); i < n; i++ {
		d := s.fill.Get(idx + i)
		d.Len = 5
		descs[i] = d
		copy(s.um.Get(d), []byte("hello"))
	}
	s.fill.Release(n)
	for i := uint32(0); i < n; i++ {
		rn, ridx := s.rx.Reserve(s.um, 1)
		require.Equal(t, uint32(1), rn)
		s.rx.Set(ridx, descs[i])
	}
	s.um.Unlock()

	out := make([][]byte, 8)
	got, err := s.Recv(out)
	require.NoError(t, err)
	assert.Equal(t, 8, got)
	assert.Equal(t, []byte("hello"), out[0][:5])
}

func TestSendReservesAndCopiesPayload(t *testing.T) {
	// Setup seeds the 8-slot Fill ring with 8 frames, so 16 frames leave
	// some free for TX.
	s, err := New(Config{Interface: "eth0", FrameCount: 16, FrameSize: 128, RingCapacity: 8})
	require.NoError(t, err)
	impl := &fakeImpl{}
	s.impl = impl
	require.NoError(t, s.Setup())
	s.tx.SetNeedWakeup(true)

	sent, err := s.Send([][]byte{[]byte("ping")})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, impl.sendCalls)
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	s, _ := newTestSocket(t)
	huge := make([]byte, 1<<20)
	sent, err := s.Send([][]byte{huge})
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}
