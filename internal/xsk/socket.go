// Package xsk implements the kernel-bypass socket: one UMEM and four rings
// bound to a single NIC receive queue, exposing recv/send/poll to the
// packet processor. A real Linux build binds an AF_XDP socket; other
// platforms compile a stub that always reports initialization failure so
// callers fall back to an ordinary UDP socket.
package xsk

import (
	"github.com/google/uuid"

	"github.com/vexor/ingress/internal/umem"
)

// BindMode records which bind mode the kernel accepted.
type BindMode string

const (
	BindZeroCopy BindMode = "zerocopy"
	BindCopy     BindMode = "copy"
)

// Config configures a Socket's Setup sequence.
type Config struct {
	Interface    string
	QueueID      int
	FrameCount   int
	FrameSize    int
	RingCapacity int
}

// Stats is the statistics surface a diagnostic caller or the metrics
// registry reads after every batch.
type Stats struct {
	RxPackets       uint64
	TxPackets       uint64
	RxDropped       uint64
	FillEmpty       uint64
	RxRingFull      uint64
	TxRingFull      uint64
	NeedWakeupSends uint64
	Mode            BindMode
}

// Socket owns a UMEM and four rings for one NIC receive queue.
type Socket struct {
	Identity uuid.UUID

	cfg  Config
	um   *umem.UMEM
	fill *umem.Ring
	comp *umem.Ring
	rx   *umem.Ring
	tx   *umem.Ring

	mode  BindMode
	stats Stats

	impl socketImpl
}

// socketImpl is the OS-specific half of setup/teardown/wakeup; everything
// ring- and UMEM-level is shared across platforms in this file.
type socketImpl interface {
	setup(s *Socket) (BindMode, error)
	wakeupRecv(s *Socket) error
	wakeupSend(s *Socket) error
	close(s *Socket) error
	fd() int
}

// New allocates a Socket's UMEM and rings and assigns it a stable identity,
// but does not yet touch the kernel — call Setup for that.
func New(cfg Config) (*Socket, error) {
	if cfg.FrameCount <= 0 {
		cfg.FrameCount = 2048
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = 4096
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 2048
	}

	u, err := umem.New(cfg.FrameCount, cfg.FrameSize)
	if err != nil {
		return nil, err
	}

	return &Socket{
		Identity: uuid.New(),
		cfg:      cfg,
		um:       u,
		fill:     umem.NewRing(cfg.RingCapacity),
		comp:     umem.NewRing(cfg.RingCapacity),
		rx:       umem.NewRing(cfg.RingCapacity),
		tx:       umem.NewRing(cfg.RingCapacity),
		impl:     newPlatformImpl(),
	}, nil
}

// Setup runs the bind sequence: open the socket, register the UMEM and
// rings with the kernel, bind requesting zero-copy + need-wakeup first and
// retrying with copy + need-wakeup on failure, then seed the Fill ring.
func (s *Socket) Setup() error {
	mode, err := s.impl.setup(s)
	if err != nil {
		return err
	}
	s.mode = mode
	s.stats.Mode = mode

	s.um.Lock()
	s.fill.FillAll(s.um)
	s.um.Unlock()
	return nil
}

// Recv reads up to len(out) RX descriptors in FIFO order into out, each a
// borrowed view into UMEM, and releases the consumer by the count read. The
// caller must not retain a view past returning its frame to the Fill ring.
func (s *Socket) Recv(out [][]byte) (int, error) {
	s.um.Lock()
	n, idx := s.rx.Peek()
	if n == 0 {
		s.um.Unlock()
		s.stats.FillEmpty++
		return 0, nil
	}
	if uint32(len(out)) < n {
		n = uint32(len(out))
	}
	frames := make([]umem.Desc, n)
	for i := uint32(0); i < n; i++ {
		frames[i] = s.rx.Get(idx + i)
		out[i] = s.um.Get(frames[i])
	}
	s.rx.Release(n)
	s.um.Unlock()

	s.stats.RxPackets += uint64(n)
	s.recycle(frames)
	return int(n), nil
}

// recycle returns consumed RX frames to the Fill ring so the kernel always
// has buffers to receive into.
func (s *Socket) recycle(frames []umem.Desc) {
	s.um.Lock()
	defer s.um.Unlock()
	for _, d := range frames {
		s.um.FreeFrame(d.Addr)
	}
	s.fill.FillAll(s.um)
}

// Send reserves len(in) TX descriptors, copies each payload into a free
// frame, writes the descriptors, and publishes them. It issues the kernel
// wakeup syscall only if the TX ring's need_wakeup flag is set, which is
// the documented mechanism for sustaining high packet rates without a
// syscall on every send.
func (s *Socket) Send(in [][]byte) (int, error) {
	s.um.Lock()
	s.drainCompletions()

	want := uint32(len(in))
	n, idx := s.tx.Reserve(s.um, want)
	if n == 0 {
		s.um.Unlock()
		s.stats.TxRingFull++
		return 0, nil
	}

	sent := uint32(0)
	for i := uint32(0); i < n; i++ {
		if s.um.Available() == 0 {
			break
		}
		addr := s.um.AllocFrame()
		frame := s.um.FrameAt(addr)
		payload := in[i]
		if len(payload) > len(frame) {
			s.um.FreeFrame(addr)
			break
		}
		copy(frame, payload)
		s.tx.Set(idx+i, umem.Desc{Addr: addr, Len: uint32(len(payload))})
		sent++
	}
	needWakeup := s.tx.NeedWakeup()
	s.um.Unlock()

	if needWakeup {
		if err := s.impl.wakeupSend(s); err != nil {
			return int(sent), err
		}
		s.stats.NeedWakeupSends++
	}
	s.stats.TxPackets += uint64(sent)
	return int(sent), nil
}

// drainCompletions frees frames the kernel has finished transmitting. Must
// be called with the UMEM lock held.
func (s *Socket) drainCompletions() {
	n, idx := s.comp.Peek()
	if n == 0 {
		return
	}
	for i := uint32(0); i < n; i++ {
		d := s.comp.Get(idx + i)
		s.um.FreeFrame(d.Addr)
	}
	s.comp.Release(n)
}

// Poll issues the recv-side wakeup syscall when the RX ring's need_wakeup
// flag is set and otherwise returns at once. It does not block and does
// not use timeoutMs.
func (s *Socket) Poll(timeoutMs int) error {
	if s.rx.NeedWakeup() {
		return s.impl.wakeupRecv(s)
	}
	return nil
}

// Stats returns a snapshot of the socket's counters.
func (s *Socket) Stats() Stats { return s.stats }

// Mode reports which bind mode the kernel accepted.
func (s *Socket) Mode() BindMode { return s.mode }

// FD returns the socket's real file descriptor, the only value
// BPF_MAP_TYPE_XSKMAP accepts for redirect targets. Only meaningful in the
// process/container that called Setup.
func (s *Socket) FD() int { return s.impl.fd() }

// Close releases the kernel socket, its ring mappings, and the UMEM's
// backing memory.
func (s *Socket) Close() error {
	closeErr := s.impl.close(s)
	if err := s.um.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	return closeErr
}
