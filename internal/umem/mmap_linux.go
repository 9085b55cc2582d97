//go:build linux

package umem

import "golang.org/x/sys/unix"

// allocFrames maps an anonymous, page-resident region the kernel can
// register as UMEM via XDP_UMEM_REG. MAP_POPULATE pre-faults it so the
// first receive into a fresh frame doesn't take a page fault on the hot
// path.
func allocFrames(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
}

func freeFrames(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}
