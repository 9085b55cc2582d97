//go:build !linux

package umem

// allocFrames backs the UMEM with an ordinary Go slice on platforms with no
// AF_XDP to register it against.
func allocFrames(size int) ([]byte, error) { return make([]byte, size), nil }

func freeFrames(b []byte) error { return nil }
