// Package umem implements the shared frame-buffer memory region and the
// four single-producer/single-consumer descriptor rings (Fill, Completion,
// RX, TX) that a kernel-bypass socket maps into a process for zero-copy
// packet I/O.
package umem

import (
	"sync"

	"github.com/vexor/ingress/internal/errs"
)

// UMEM is a fixed-size pool of equal-sized frames, plus a free list of frame
// addresses. On Linux, frames is backed by an mmap'd, page-resident region
// (see allocFrames in mmap_linux.go) so its address can be registered with
// the kernel via XDP_UMEM_REG; the non-Linux fallback build backs it with an
// ordinary Go byte slice, since the allocation and addressing discipline is
// identical either way.
type UMEM struct {
	mu        sync.Mutex
	frames    []byte
	frameSize int
	freeList  []uint64 // frame addresses (byte offsets into frames)
}

// New allocates an UMEM of numFrames frames of frameSize bytes each, with
// every frame initially free.
func New(numFrames, frameSize int) (*UMEM, error) {
	if numFrames <= 0 || frameSize <= 0 {
		return nil, errs.New(errs.KindInitializationFailure, "umem.New").With("reason", "non_positive_size")
	}
	frames, err := allocFrames(numFrames * frameSize)
	if err != nil {
		return nil, errs.Wrap(errs.KindInitializationFailure, "umem.New", err)
	}
	u := &UMEM{
		frames:    frames,
		frameSize: frameSize,
		freeList:  make([]uint64, numFrames),
	}
	for i := 0; i < numFrames; i++ {
		u.freeList[i] = uint64(i * frameSize)
	}
	return u, nil
}

// FrameSize returns the configured per-frame byte size.
func (u *UMEM) FrameSize() int { return u.frameSize }

// Frames returns the raw backing region, so the socket layer can register
// its address and length with the kernel as UMEM.
func (u *UMEM) Frames() []byte { return u.frames }

// Close releases the backing region. Only meaningful once any socket that
// registered this UMEM with the kernel has already been closed.
func (u *UMEM) Close() error { return freeFrames(u.frames) }

// Lock/Unlock guard the free list and the byte region against concurrent
// access from the fill/completion maintenance goroutine and the RX/TX
// processing goroutine. Callers release the lock before running per-packet
// application logic, matching the two-phase "collect under lock, process
// without it" pattern used throughout the receive and transmit paths.
func (u *UMEM) Lock()   { u.mu.Lock() }
func (u *UMEM) Unlock() { u.mu.Unlock() }

// AllocFrame pops a free frame address, or returns 0 if the pool is
// exhausted. Must be called with the lock held.
func (u *UMEM) AllocFrame() uint64 {
	n := len(u.freeList)
	if n == 0 {
		return 0
	}
	addr := u.freeList[n-1]
	u.freeList = u.freeList[:n-1]
	return addr
}

// FreeFrame returns a frame address to the free list. Must be called with
// the lock held.
func (u *UMEM) FreeFrame(addr uint64) {
	u.freeList = append(u.freeList, addr)
}

// Available reports the number of free frames. Must be called with the
// lock held.
func (u *UMEM) Available() int { return len(u.freeList) }

// Desc identifies a frame by address and valid length, mirroring the
// kernel's xdp_desc layout.
type Desc struct {
	Addr uint64
	Len  uint32
}

// Get returns the byte slice backing a descriptor's frame. The returned
// slice aliases UMEM's underlying storage and is only valid until the frame
// is freed.
func (u *UMEM) Get(d Desc) []byte {
	end := int(d.Addr) + int(d.Len)
	if end > len(u.frames) || d.Len == 0 {
		end = int(d.Addr) + u.frameSize
		if end > len(u.frames) {
			end = len(u.frames)
		}
		return u.frames[d.Addr:end]
	}
	return u.frames[d.Addr:end]
}

// FrameAt returns the full frame capacity slice at addr, for writing a new
// outbound packet before submitting a descriptor with the actual length.
func (u *UMEM) FrameAt(addr uint64) []byte {
	end := int(addr) + u.frameSize
	if end > len(u.frames) {
		end = len(u.frames)
	}
	return u.frames[addr:end]
}
