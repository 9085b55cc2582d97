package umem

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// xdpRingNeedWakeupFlag mirrors XDP_RING_NEED_WAKEUP from
// include/uapi/linux/if_xdp.h: the kernel sets this bit in a ring's shared
// flags word to tell userspace a wakeup syscall (sendto/recvmsg/poll) is
// required before it will make further progress.
const xdpRingNeedWakeupFlag uint32 = 1 << 0

// Ring is a fixed-capacity single-producer/single-consumer descriptor ring,
// the shape shared by the Fill, Completion, RX, and TX queues. Left unbound
// (the fallback build, and every test), it is a plain Go slice with its own
// producer/consumer cursors and need_wakeup flag. BindKernel rebinds the
// same Peek/Get/Release/Reserve/Set/NeedWakeup contract onto a memory-mapped
// AF_XDP ring: producer, consumer, the need_wakeup flags word, and the
// descriptor array all live in kernel-shared memory at that point, and
// every accessor below reads or writes through it instead of the slice.
type Ring struct {
	descs    []Desc
	capacity uint32
	mask     uint32

	producer uint32 // next slot to write (unbound path only)
	consumer uint32 // next slot to read (unbound path only)

	needWakeup bool // unbound path only; the kernel owns this bit once bound
	notifyFn   func()

	// kernelMem, once set by BindKernel, is the mmap'd region backing this
	// ring's producer, consumer, flags, and descriptor words at the
	// kernel-reported offsets.
	kernelMem  []byte
	prodOff    uintptr
	consOff    uintptr
	flagsOff   uintptr
	descOff    uintptr
	descStride uintptr // 8 for Fill/Completion (a bare __u64 addr), 16 for Rx/Tx (xdp_desc)
}

// NewRing allocates a ring of the given capacity, rounded up to a power of
// two as the kernel's ring implementation requires.
func NewRing(capacity int) *Ring {
	cap32 := nextPow2(uint32(capacity))
	return &Ring{
		descs:    make([]Desc, cap32),
		capacity: cap32,
		mask:     cap32 - 1,
	}
}

func nextPow2(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}

// Capacity returns the ring's slot count.
func (r *Ring) Capacity() uint32 { return r.capacity }

// BindKernel rebinds this ring onto a real AF_XDP kernel-mapped memory
// region: mem is the mmap'd page(s) at the ring's XDP_*_PGOFF_* offset,
// and prodOff/consOff/flagsOff/descOff are the byte offsets into mem the
// kernel reported via XDP_MMAP_OFFSETS for this ring's producer, consumer,
// flags, and descriptor array words respectively. descStride is 8 for the
// Fill/Completion rings (a bare frame address per slot) and 16 for Rx/Tx
// (a full xdp_desc: addr, len, options).
func (r *Ring) BindKernel(mem []byte, prodOff, consOff, flagsOff, descOff, descStride uintptr) {
	r.kernelMem = mem
	r.prodOff = prodOff
	r.consOff = consOff
	r.flagsOff = flagsOff
	r.descOff = descOff
	r.descStride = descStride
}

func (r *Ring) bound() bool { return r.kernelMem != nil }

func (r *Ring) wordAt(off uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.kernelMem[off]))
}

func (r *Ring) curProducer() uint32 {
	if r.bound() {
		return atomic.LoadUint32(r.wordAt(r.prodOff))
	}
	return r.producer
}

func (r *Ring) curConsumer() uint32 {
	if r.bound() {
		return atomic.LoadUint32(r.wordAt(r.consOff))
	}
	return r.consumer
}

// pending returns the number of unconsumed entries.
func (r *Ring) pending() uint32 { return r.curProducer() - r.curConsumer() }

// free returns the number of free slots available to a producer.
func (r *Ring) free() uint32 { return r.capacity - r.pending() }

// Peek returns the number of descriptors ready to consume and the starting
// index to pass to Get. A zero count means the ring is empty (a transient,
// non-error condition: RX-empty or completion-empty).
func (r *Ring) Peek() (uint32, uint32) {
	return r.pending(), r.curConsumer()
}

// Get returns the descriptor at the given absolute index (as returned by
// Peek, possibly offset).
func (r *Ring) Get(index uint32) Desc {
	if r.bound() {
		off := r.descOff + uintptr(index&r.mask)*r.descStride
		d := Desc{Addr: binary.LittleEndian.Uint64(r.kernelMem[off : off+8])}
		if r.descStride >= 16 {
			d.Len = binary.LittleEndian.Uint32(r.kernelMem[off+8 : off+12])
		}
		return d
	}
	return r.descs[index&r.mask]
}

// Release advances the consumer cursor past n descriptors previously
// returned by Peek.
func (r *Ring) Release(n uint32) {
	if r.bound() {
		atomic.StoreUint32(r.wordAt(r.consOff), r.curConsumer()+n)
		return
	}
	r.consumer += n
}

// Reserve grants up to want free producer slots, starting at the returned
// index, and returns how many were granted (fewer than want, or 0, means
// the ring is transiently full). The slots are taken only as Set writes
// them, so a second Reserve before those Set calls grants the same slots
// again. u is unused for Fill/TX rings that do not need UMEM coordination
// at reservation time but is accepted to match the reference call shape
// used by the RX/TX processing loop.
func (r *Ring) Reserve(u *UMEM, want uint32) (uint32, uint32) {
	avail := r.free()
	if want > avail {
		want = avail
	}
	if want == 0 {
		return 0, 0
	}
	return want, r.curProducer()
}

func (r *Ring) writeDesc(index uint32, d Desc) {
	if r.bound() {
		off := r.descOff + uintptr(index&r.mask)*r.descStride
		binary.LittleEndian.PutUint64(r.kernelMem[off:off+8], d.Addr)
		if r.descStride >= 16 {
			binary.LittleEndian.PutUint32(r.kernelMem[off+8:off+12], d.Len)
		}
		return
	}
	r.descs[index&r.mask] = d
}

func (r *Ring) bumpProducer(expected uint32) {
	if r.bound() {
		if expected == r.curProducer() {
			atomic.StoreUint32(r.wordAt(r.prodOff), expected+1)
		}
		return
	}
	if expected == r.producer {
		r.producer++
	}
}

// Set writes a descriptor at the given absolute index (as returned by
// Reserve) and advances the producer cursor when the index reaches the
// slot just reserved.
func (r *Ring) Set(index uint32, d Desc) {
	r.writeDesc(index, d)
	r.bumpProducer(index)
}

// FillAll tops up a Fill ring with every UMEM frame currently free, so the
// kernel always has buffers available to receive into. Called under the
// UMEM lock by the ring-maintenance step of the processing loop.
func (r *Ring) FillAll(u *UMEM) uint32 {
	filled := uint32(0)
	for r.free() > 0 && u.Available() > 0 {
		addr := u.AllocFrame()
		idx := r.curProducer()
		r.writeDesc(idx, Desc{Addr: addr})
		r.bumpProducer(idx)
		filled++
	}
	return filled
}

// NeedWakeup reports whether the kernel has signalled (via the ring's
// need_wakeup flag) that a producer must call the wakeup syscall
// (sendto/recvmsg/poll) before it will make further progress. On a bound
// ring this reads the real kernel-shared flags word; unbound, it reports
// whatever SetNeedWakeup last recorded, for tests and the non-Linux
// fallback build.
func (r *Ring) NeedWakeup() bool {
	if r.bound() {
		return atomic.LoadUint32(r.wordAt(r.flagsOff))&xdpRingNeedWakeupFlag != 0
	}
	return r.needWakeup
}

// SetNeedWakeup sets the need_wakeup flag state. The kernel is the sole
// writer of this bit on a bound ring, so the call is a no-op there; it
// exists for the unbound path, where tests and the non-Linux fallback
// build simulate the kernel's behavior directly.
func (r *Ring) SetNeedWakeup(v bool) {
	if r.bound() {
		return
	}
	r.needWakeup = v
}

// Notify invokes the ring's wakeup callback, if one was installed by the
// socket layer (a syscall on Linux, a no-op on the fallback build).
func (r *Ring) Notify() {
	if r.notifyFn != nil {
		r.notifyFn()
	}
}

// SetNotify installs the wakeup callback used by Notify.
func (r *Ring) SetNotify(fn func()) { r.notifyFn = fn }
