// Package xdpmgr implements the single owner of a filter program and its
// maps for one network interface. Every kernel-bypass socket on that
// interface registers itself here before the program is attached, so the
// first packet delivered to a freshly-registered queue is never dropped on
// a missing redirect target.
package xdpmgr

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/google/uuid"

	"github.com/vexor/ingress/internal/circuitbreaker"
	"github.com/vexor/ingress/internal/classify"
	"github.com/vexor/ingress/internal/errs"
	"github.com/vexor/ingress/internal/metrics"
	"github.com/vexor/ingress/internal/xdpprog"
)

// AttachMode selects how the program is installed on the interface.
type AttachMode string

const (
	ModeDriver   AttachMode = "driver"
	ModeSKB      AttachMode = "skb"
	ModeHardware AttachMode = "hardware"
)

// Config configures a Manager's init() call.
type Config struct {
	Interface    string
	ListenPorts  classify.PortMap
	Mode         AttachMode
	PinnedPath   string // non-empty selects the pinned load path
	MaxQueues    uint32
	MaxPorts     uint32
}

// Manager owns a filter program, its redirect-target and port-filter maps,
// and the queue-id assignment for one interface. Exactly one Manager exists
// per interface; multiple sockets share it.
type Manager struct {
	mu sync.Mutex

	cfg       Config
	ifaceIdx  int
	redirect  *ebpf.Map
	portFilt  *ebpf.Map
	prog      *ebpf.Program
	xdpLink   link.Link
	attached  bool
	generated bool

	nextQueueID uint32
	registered  map[uint32]uuid.UUID // queue id -> socket identity

	metrics   *metrics.Registry
	attachBrk *circuitbreaker.CircuitBreaker
}

// New constructs a Manager without performing any kernel interaction;
// call Init to resolve the interface and load or create the maps/program.
func New(cfg Config, reg *metrics.Registry) (*Manager, error) {
	if cfg.MaxQueues == 0 {
		cfg.MaxQueues = 64
	}
	if cfg.MaxPorts == 0 {
		cfg.MaxPorts = 16
	}
	return &Manager{
		cfg:        cfg,
		registered: make(map[uint32]uuid.UUID),
		metrics:    reg,
		attachBrk:  circuitbreaker.New(circuitbreaker.XDPAttachConfig()),
	}, nil
}

// Init resolves the interface index, creates or obtains (from the pinned
// path, when configured) the program and its two maps, and seeds the
// port-filter map with {port: 1} for every listen port.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	iface, err := net.InterfaceByName(m.cfg.Interface)
	if err != nil {
		return errs.Wrap(errs.KindInitializationFailure, "xdpmgr.Init", err).With("interface", m.cfg.Interface)
	}
	m.ifaceIdx = iface.Index

	if m.cfg.PinnedPath != "" {
		if err := m.loadPinned(); err != nil {
			return err
		}
	} else {
		if err := m.loadGenerated(); err != nil {
			return err
		}
		m.generated = true
	}

	for port, fc := range m.cfg.ListenPorts {
		if fc == classify.FlowUnknown {
			continue
		}
		// The program looks the port up with its wire (network-order) bytes.
		key := port>>8 | port<<8
		action := uint8(1)
		if err := m.portFilt.Put(&key, &action); err != nil {
			return errs.Wrap(errs.KindInitializationFailure, "xdpmgr.Init", err).With("port", port)
		}
	}
	return nil
}

func (m *Manager) loadPinned() error {
	pinDir := m.cfg.PinnedPath
	prog, err := ebpf.LoadPinnedProgram(pinDir+"/prog", nil)
	if err != nil {
		return errs.Wrap(errs.KindInitializationFailure, "xdpmgr.loadPinned", err)
	}
	redirect, err := ebpf.LoadPinnedMap(pinDir+"/xsks_map", nil)
	if err != nil {
		return errs.Wrap(errs.KindInitializationFailure, "xdpmgr.loadPinned", err)
	}
	portFilter, err := ebpf.LoadPinnedMap(pinDir+"/port_filter", nil)
	if err != nil {
		return errs.Wrap(errs.KindInitializationFailure, "xdpmgr.loadPinned", err)
	}
	m.prog, m.redirect, m.portFilt = prog, redirect, portFilter
	return nil
}

func (m *Manager) loadGenerated() error {
	redirect, err := ebpf.NewMap(xdpprog.RedirectTargetMapSpec(m.cfg.MaxQueues))
	if err != nil {
		return errs.Wrap(errs.KindInitializationFailure, "xdpmgr.loadGenerated", err).With("map", "xsks_map")
	}
	portFilter, err := ebpf.NewMap(xdpprog.PortFilterMapSpec(m.cfg.MaxPorts))
	if err != nil {
		redirect.Close()
		return errs.Wrap(errs.KindInitializationFailure, "xdpmgr.loadGenerated", err).With("map", "port_filter")
	}

	spec, err := xdpprog.Spec(redirect, portFilter)
	if err != nil {
		redirect.Close()
		portFilter.Close()
		return errs.Wrap(errs.KindInitializationFailure, "xdpmgr.loadGenerated", err)
	}
	prog, err := ebpf.NewProgram(spec)
	if err != nil {
		redirect.Close()
		portFilter.Close()
		return errs.Wrap(errs.KindVerifierRejection, "xdpmgr.loadGenerated", err).With("verifier_log", verifierLog(err))
	}

	m.prog, m.redirect, m.portFilt = prog, redirect, portFilter
	return nil
}

// verifierLog extracts the in-kernel verifier's rejection log, if the error
// chain carries one, so a failed load can be reported with actionable
// detail instead of a bare "invalid argument".
func verifierLog(err error) string {
	for err != nil {
		if ve, ok := err.(*ebpf.VerifierError); ok {
			return ve.Error()
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// Register assigns the next free queue id to a socket and points the
// redirect-target map at its file descriptor — the only value type
// BPF_MAP_TYPE_XSKMAP accepts, since bpf_redirect_map delivers the packet
// by handing it to the kernel socket that fd names. identity is tracked
// alongside purely for logging and Deregister bookkeeping. Register must
// be called before Attach for that queue's first packet to be redirected
// rather than dropped.
func (m *Manager) Register(identity uuid.UUID, fd int) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uint32(len(m.registered)) >= m.cfg.MaxQueues {
		return 0, errs.New(errs.KindRegisterTargetFull, "xdpmgr.Register").With("max_queues", m.cfg.MaxQueues)
	}
	if fd < 0 {
		return 0, errs.New(errs.KindRegisterTargetFull, "xdpmgr.Register").With("reason", "invalid_fd")
	}
	q := m.nextQueueID
	m.nextQueueID++

	val := uint32(fd)
	if err := m.redirect.Put(&q, &val); err != nil {
		return 0, errs.Wrap(errs.KindRegisterTargetFull, "xdpmgr.Register", err)
	}
	m.registered[q] = identity
	return q, nil
}

// Deregister removes a queue id's redirect-target entry, e.g. when its
// socket is torn down.
func (m *Manager) Deregister(queueID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.redirect.Delete(&queueID); err != nil {
		return errs.Wrap(errs.KindInitializationFailure, "xdpmgr.Deregister", err)
	}
	delete(m.registered, queueID)
	return nil
}

// Attach installs the program on the interface in the configured mode.
// Idempotent: calling Attach while already attached is a no-op.
func (m *Manager) Attach() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attached {
		return nil
	}

	opts := link.XDPOptions{
		Program:   m.prog,
		Interface: m.ifaceIdx,
		Flags:     attachFlags(m.cfg.Mode),
	}
	l, err := m.attachBrk.Execute(func() (interface{}, error) {
		return link.AttachXDP(opts)
	})
	result := "ok"
	if err != nil {
		result = "error"
	}
	if m.metrics != nil {
		m.metrics.XDPAttachAttempts.WithLabelValues(string(m.cfg.Mode), result).Inc()
	}
	if err != nil {
		return errs.Wrap(errs.KindInitializationFailure, "xdpmgr.Attach", err).With("mode", m.cfg.Mode)
	}
	m.xdpLink = l.(link.Link)
	m.attached = true
	slog.Info("filter program attached", "interface", m.cfg.Interface, "mode", m.cfg.Mode)
	return nil
}

func attachFlags(mode AttachMode) link.XDPAttachFlags {
	switch mode {
	case ModeDriver:
		return link.XDPDriverMode
	case ModeHardware:
		return link.XDPOffloadMode
	default:
		return link.XDPGenericMode
	}
}

// Detach removes the program and, when the program and maps were generated
// in-process, closes their handles; handles loaded from a pinned path stay
// open. Safe to call more than once.
func (m *Manager) Detach() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	if m.xdpLink != nil {
		if err := m.xdpLink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.xdpLink = nil
	}
	m.attached = false
	if m.generated {
		if m.prog != nil {
			m.prog.Close()
		}
		if m.redirect != nil {
			m.redirect.Close()
		}
		if m.portFilt != nil {
			m.portFilt.Close()
		}
	}
	return firstErr
}

// Stats reports the manager's current queue registration state.
type Stats struct {
	Interface      string
	Attached       bool
	RegisteredQ    int
	MaxQueues      uint32
	UsingGenerated bool
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Interface:      m.cfg.Interface,
		Attached:       m.attached,
		RegisteredQ:    len(m.registered),
		MaxQueues:      m.cfg.MaxQueues,
		UsingGenerated: m.generated,
	}
}

// PinPath returns the well-known filesystem prefix a setup script would use
// to pre-load maps for project name.
func PinPath(project string) string {
	return fmt.Sprintf("/sys/fs/bpf/%s", project)
}

// EnsurePinDir creates the pin directory if it does not already exist, for
// callers that want the generated path to also be pinnable afterward.
func EnsurePinDir(project string) error {
	return os.MkdirAll(PinPath(project), 0o755)
}
