//go:build linux

package xsk

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vexor/ingress/internal/errs"
	"github.com/vexor/ingress/internal/umem"
)

// XDP socket-level constants not yet exposed by golang.org/x/sys/unix on
// every supported kernel/arch combination; values match
// include/uapi/linux/if_xdp.h.
const (
	solXDP           = 283
	xdpZerocopy      = 1 << 2
	xdpCopy          = 1 << 1
	xdpUseNeedWakeup = 1 << 3
)

type linuxImpl struct {
	sockFD int

	fillMem, compMem, rxMem, txMem []byte
}

func newPlatformImpl() socketImpl { return &linuxImpl{} }

// setup implements the mandated setup sequence: open an AF_XDP socket,
// register the UMEM and configure ring capacities via socket options,
// bind requesting zero-copy + need-wakeup first and retrying with copy +
// need-wakeup on failure, then mmap the four rings at the offsets the
// kernel reports for this socket.
func (l *linuxImpl) setup(s *Socket) (BindMode, error) {
	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return "", errs.Wrap(errs.KindInitializationFailure, "xsk.setup", err).With("step", "socket")
	}
	l.sockFD = fd

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, s.cfg.RingCapacity*s.cfg.FrameSize); err != nil {
		unix.Close(fd)
		return "", errs.Wrap(errs.KindInitializationFailure, "xsk.setup", err).With("step", "rcvbuf")
	}

	if err := registerUMEM(fd, s.um); err != nil {
		unix.Close(fd)
		return "", errs.Wrap(errs.KindInitializationFailure, "xsk.setup", err).With("step", "umem_reg")
	}

	if err := registerRingCapacities(fd, s); err != nil {
		unix.Close(fd)
		return "", errs.Wrap(errs.KindInitializationFailure, "xsk.setup", err).With("step", "ring_capacity")
	}

	iface, err := net.InterfaceByName(s.cfg.Interface)
	if err != nil {
		unix.Close(fd)
		return "", errs.Wrap(errs.KindInitializationFailure, "xsk.setup", err).With("step", "iface")
	}

	offsets, err := queryMmapOffsets(fd)
	if err != nil {
		unix.Close(fd)
		return "", errs.Wrap(errs.KindInitializationFailure, "xsk.setup", err).With("step", "mmap_offsets")
	}

	mode, bindErr := bindWithFallback(fd, iface.Index, s.cfg.QueueID)
	if bindErr != nil {
		unix.Close(fd)
		return "", errs.Wrap(errs.KindInitializationFailure, "xsk.setup", bindErr).With("step", "bind")
	}

	if err := l.mapRings(fd, offsets, s); err != nil {
		unix.Close(fd)
		return "", errs.Wrap(errs.KindInitializationFailure, "xsk.setup", err).With("step", "ring_mmap")
	}

	return mode, nil
}

// registerUMEM issues setsockopt(XDP_UMEM_REG), pointing the kernel at the
// UMEM's mmap'd frame region so it can DMA packets directly into it.
func registerUMEM(fd int, u *umem.UMEM) error {
	frames := u.Frames()
	if len(frames) == 0 {
		return fmt.Errorf("umem has no frames")
	}
	reg := xdpUmemRegT{
		Addr:      uint64(uintptr(unsafe.Pointer(&frames[0]))),
		Len:       uint64(len(frames)),
		ChunkSize: uint32(u.FrameSize()),
	}
	if err := setsockoptRaw(fd, solXDP, xdpUmemReg, unsafe.Pointer(&reg), unsafe.Sizeof(reg)); err != nil {
		return fmt.Errorf("XDP_UMEM_REG: %w", err)
	}
	return nil
}

// registerRingCapacities tells the kernel how many descriptors each of the
// four rings holds, which it needs before XDP_MMAP_OFFSETS can report
// their layout.
func registerRingCapacities(fd int, s *Socket) error {
	rings := []struct {
		opt int
		cap uint32
	}{
		{xdpUmemFillRing, s.fill.Capacity()},
		{xdpUmemCompletionRing, s.comp.Capacity()},
		{xdpRxRing, s.rx.Capacity()},
		{xdpTxRing, s.tx.Capacity()},
	}
	for _, r := range rings {
		c := r.cap
		if err := setsockoptRaw(fd, solXDP, r.opt, unsafe.Pointer(&c), unsafe.Sizeof(c)); err != nil {
			return fmt.Errorf("ring capacity (opt %d): %w", r.opt, err)
		}
	}
	return nil
}

// queryMmapOffsets issues getsockopt(XDP_MMAP_OFFSETS), returning the byte
// offsets of each ring's producer, consumer, flags, and descriptor words
// within the page(s) mmap'd at that ring's XDP_*_PGOFF_*.
func queryMmapOffsets(fd int) (xdpMmapOffsetsT, error) {
	var off xdpMmapOffsetsT
	size := uint32(unsafe.Sizeof(off))
	if err := getsockoptRaw(fd, solXDP, xdpMmapOffsets, unsafe.Pointer(&off), &size); err != nil {
		return off, fmt.Errorf("XDP_MMAP_OFFSETS: %w", err)
	}
	return off, nil
}

// mapRings mmaps the four rings at their documented page offsets (RX=0,
// TX=0x80000000, Fill=0x100000000, Completion=0x180000000) and binds each
// umem.Ring onto the mapped kernel memory so every subsequent Peek/Reserve/
// NeedWakeup/Release/Set call operates on the real producer, consumer,
// flags, and descriptor words the kernel shares with this process.
func (l *linuxImpl) mapRings(fd int, off xdpMmapOffsetsT, s *Socket) error {
	var err error
	l.fillMem, err = mapOneRing(fd, xdpUmemPgoffFillRing, off.Fr, s.fill, fillCompDescSize)
	if err != nil {
		return fmt.Errorf("fill ring: %w", err)
	}
	l.compMem, err = mapOneRing(fd, xdpUmemPgoffCompletionRing, off.Cr, s.comp, fillCompDescSize)
	if err != nil {
		return fmt.Errorf("completion ring: %w", err)
	}
	l.rxMem, err = mapOneRing(fd, xdpPgoffRxRing, off.Rx, s.rx, rxTxDescSize)
	if err != nil {
		return fmt.Errorf("rx ring: %w", err)
	}
	l.txMem, err = mapOneRing(fd, xdpPgoffTxRing, off.Tx, s.tx, rxTxDescSize)
	if err != nil {
		return fmt.Errorf("tx ring: %w", err)
	}
	return nil
}

func mapOneRing(fd int, pgoff int64, ro xdpRingOffset, ring *umem.Ring, descStride uintptr) ([]byte, error) {
	size := int(ro.Desc) + int(ring.Capacity())*int(descStride)
	mem, err := unix.Mmap(fd, pgoff, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, err
	}
	ring.BindKernel(mem, uintptr(ro.Producer), uintptr(ro.Consumer), uintptr(ro.Flags), uintptr(ro.Desc), descStride)
	return mem, nil
}

func bindWithFallback(fd, iface, queueID int) (BindMode, error) {
	sa := &unix.SockaddrXDP{
		Flags:   xdpZerocopy | xdpUseNeedWakeup,
		Ifindex: uint32(iface),
		QueueID: uint32(queueID),
	}
	if err := unix.Bind(fd, sa); err == nil {
		return BindZeroCopy, nil
	}

	sa.Flags = xdpCopy | xdpUseNeedWakeup
	if err := unix.Bind(fd, sa); err != nil {
		return "", fmt.Errorf("bind with copy mode: %w", err)
	}
	return BindCopy, nil
}

func (l *linuxImpl) wakeupRecv(s *Socket) error {
	_, _, errno := unix.Syscall6(unix.SYS_RECVFROM, uintptr(l.sockFD), 0, 0, unix.MSG_DONTWAIT, 0, 0)
	if errno != 0 && errno != unix.EAGAIN && errno != unix.EWOULDBLOCK {
		return errs.Wrap(errs.KindRingTransient, "xsk.wakeupRecv", errno).With("ring", "rx")
	}
	return nil
}

func (l *linuxImpl) wakeupSend(s *Socket) error {
	_, _, errno := unix.Syscall6(unix.SYS_SENDTO, uintptr(l.sockFD), 0, 0, unix.MSG_DONTWAIT, 0, 0)
	if errno != 0 && errno != unix.EAGAIN && errno != unix.EWOULDBLOCK {
		return errs.Wrap(errs.KindRingTransient, "xsk.wakeupSend", errno).With("ring", "tx")
	}
	return nil
}

func (l *linuxImpl) fd() int { return l.sockFD }

func (l *linuxImpl) close(s *Socket) error {
	if l.sockFD == 0 {
		return nil
	}
	var firstErr error
	for _, mem := range [][]byte{l.fillMem, l.compMem, l.rxMem, l.txMem} {
		if mem == nil {
			continue
		}
		if err := unix.Munmap(mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := unix.Close(l.sockFD); err != nil && firstErr == nil {
		firstErr = err
	}
	l.sockFD = 0
	return firstErr
}
