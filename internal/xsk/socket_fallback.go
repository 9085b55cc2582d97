//go:build !linux

package xsk

import "github.com/vexor/ingress/internal/errs"

// fallbackImpl backs non-Linux builds, where AF_XDP does not exist. Setup
// always fails with an initialization error so the packet processor falls
// back to an ordinary UDP socket, per the documented portable-operation
// fallback.
type fallbackImpl struct{}

func newPlatformImpl() socketImpl { return &fallbackImpl{} }

func (f *fallbackImpl) setup(s *Socket) (BindMode, error) {
	return "", errs.New(errs.KindInitializationFailure, "xsk.setup").With("reason", "af_xdp_unsupported_platform")
}

func (f *fallbackImpl) wakeupRecv(s *Socket) error { return nil }
func (f *fallbackImpl) wakeupSend(s *Socket) error { return nil }
func (f *fallbackImpl) close(s *Socket) error      { return nil }
func (f *fallbackImpl) fd() int                    { return -1 }
