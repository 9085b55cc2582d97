//go:build linux

package xsk

import "unsafe"

import "golang.org/x/sys/unix"

// Socket-level option numbers, mmap page offsets, and wire structs for UMEM
// registration and ring layout, mirroring include/uapi/linux/if_xdp.h.
// x/sys/unix does not expose these on every architecture this module
// targets, so they are defined directly against the kernel ABI instead of
// relied on from the unix package.
const (
	xdpMmapOffsets        = 1
	xdpRxRing             = 2
	xdpTxRing             = 3
	xdpUmemReg            = 4
	xdpUmemFillRing       = 5
	xdpUmemCompletionRing = 6

	xdpPgoffRxRing             = 0
	xdpPgoffTxRing             = 0x80000000
	xdpUmemPgoffFillRing       = 0x100000000
	xdpUmemPgoffCompletionRing = 0x180000000

	fillCompDescSize uintptr = 8  // Fill/Completion: a bare __u64 frame address
	rxTxDescSize     uintptr = 16 // Rx/Tx: a full xdp_desc{addr,len,options}
)

// xdpRingOffset mirrors struct xdp_ring_offset.
type xdpRingOffset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

// xdpMmapOffsetsT mirrors struct xdp_mmap_offsets.
type xdpMmapOffsetsT struct {
	Rx xdpRingOffset
	Tx xdpRingOffset
	Fr xdpRingOffset
	Cr xdpRingOffset
}

// xdpUmemRegT mirrors struct xdp_umem_reg.
type xdpUmemRegT struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
	Flags     uint32
	_         uint32 // pad to the kernel struct's 8-byte alignment
}

func setsockoptRaw(fd, level, opt int, val unsafe.Pointer, size uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(fd), uintptr(level), uintptr(opt), uintptr(val), size, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func getsockoptRaw(fd, level, opt int, val unsafe.Pointer, size *uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(fd), uintptr(level), uintptr(opt), uintptr(val), uintptr(unsafe.Pointer(size)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
