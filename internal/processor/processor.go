// Package processor drives a fixed-size pool of worker goroutines that
// continuously pull from a kernel-bypass socket (or, if that failed to
// initialize, an ordinary UDP socket), parse and classify each packet, and
// invoke the handler registered for its flow class.
package processor

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/vexor/ingress/internal/classify"
	"github.com/vexor/ingress/internal/errs"
	"github.com/vexor/ingress/internal/metrics"
	"github.com/vexor/ingress/internal/xsk"
)

// Handler processes one classified packet. The payload slice must not be
// retained past return.
type Handler func(classify.Packet)

const (
	recvBatch = 64
)

// Source abstracts C2's recv/poll contract so the processor can drive
// either a real kernel-bypass socket or a fallback UDP socket identically.
type Source interface {
	Recv(out [][]byte) (int, error)
	Poll(timeoutMs int) error
}

// udpSource adapts an ordinary UDP socket to the Source contract, used when
// kernel-bypass initialization fails. Payloads are copied into per-call
// scratch buffers since UDP sockets hand back Go-managed memory rather than
// UMEM frames.
type udpSource struct {
	conn *net.UDPConn
}

func newUDPSource(addr string) (*udpSource, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.KindInitializationFailure, "processor.newUDPSource", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errs.Wrap(errs.KindInitializationFailure, "processor.newUDPSource", err)
	}
	return &udpSource{conn: conn}, nil
}

func (u *udpSource) Recv(out [][]byte) (int, error) {
	n := 0
	for n < len(out) && n < recvBatch {
		buf := make([]byte, 65536)
		ln, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		out[n] = buf[:ln]
		n++
	}
	return n, nil
}

func (u *udpSource) Poll(timeoutMs int) error { return nil }

// Processor owns the worker pool and handler registry.
type Processor struct {
	mu       sync.Mutex
	handlers map[classify.FlowClass]Handler
	ports    classify.PortMap

	source     Source
	activePath string // "xdp" or "fallback"
	metrics    *metrics.Registry

	workers   int
	running   int32
	shutdown  chan struct{}
	wg        sync.WaitGroup

	tap *Tap

	statsMu sync.Mutex
	counts  map[classify.FlowClass]uint64
	parseErrors   uint64
	unknownClass  uint64
}

// Config configures a new Processor.
type Config struct {
	Workers      int
	Ports        classify.PortMap
	FallbackAddr string // listen address for the UDP fallback socket
}

// New constructs a Processor bound to a kernel-bypass socket when one is
// supplied and initialized; if xdpSock is nil (the caller's C2 setup
// failed) it opens the fallback UDP socket instead and records that choice
// in its statistics.
func New(cfg Config, xdpSock *xsk.Socket, reg *metrics.Registry) (*Processor, error) {
	p := &Processor{
		handlers: make(map[classify.FlowClass]Handler),
		ports:    cfg.Ports,
		workers:  cfg.Workers,
		shutdown: make(chan struct{}),
		metrics:  reg,
		counts:   make(map[classify.FlowClass]uint64),
	}
	if cfg.Workers <= 0 {
		p.workers = 4
	}

	if xdpSock != nil {
		p.source = xdpSock
		p.activePath = "xdp"
	} else {
		src, err := newUDPSource(cfg.FallbackAddr)
		if err != nil {
			return nil, err
		}
		p.source = src
		p.activePath = "fallback"
		slog.Warn("kernel-bypass socket unavailable, running on fallback UDP path", "addr", cfg.FallbackAddr)
	}
	return p, nil
}

// RegisterHandler installs a handler for flow class fc. At most one
// handler may be registered per class; a second call overwrites the first.
func (p *Processor) RegisterHandler(fc classify.FlowClass, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[fc] = h
}

// AttachTap wires a diagnostic sampler that receives a projection of every
// Nth classified packet. Optional; nil by default.
func (p *Processor) AttachTap(t *Tap) { p.tap = t }

// Start spawns the worker pool and transitions to running. Idempotent.
func (p *Processor) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Stop publishes a shutdown signal and joins all workers. After Stop
// returns, no handler will be invoked again.
func (p *Processor) Stop() {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return
	}
	close(p.shutdown)
	p.wg.Wait()
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	batch := make([][]byte, recvBatch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		default:
		}

		_ = p.source.Poll(1)
		n, err := p.source.Recv(batch)
		if err != nil || n == 0 {
			continue
		}

		for i := 0; i < n; i++ {
			p.handleFrame(batch[i])
		}
	}
}

func (p *Processor) handleFrame(frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("packet handling panicked", "panic", r)
		}
	}()
	pkt, err := classify.Parse(frame, p.ports)
	if err != nil {
		p.statsMu.Lock()
		p.parseErrors++
		p.statsMu.Unlock()
		if p.metrics != nil {
			p.metrics.ParseErrors.Inc()
		}
		return
	}

	p.statsMu.Lock()
	p.counts[pkt.Flow]++
	if pkt.Flow == classify.FlowUnknown {
		p.unknownClass++
	}
	p.statsMu.Unlock()

	if p.metrics != nil {
		p.metrics.PacketsReceived.WithLabelValues(pkt.Flow.String(), p.activePath).Inc()
		if pkt.Flow == classify.FlowUnknown {
			p.metrics.ClassificationUnk.Inc()
		}
	}

	if p.tap != nil {
		p.tap.Sample(pkt)
	}

	p.mu.Lock()
	h, ok := p.handlers[pkt.Flow]
	p.mu.Unlock()
	if ok {
		h(pkt)
	}
}

// Stats is the processor's statistics surface.
type Stats struct {
	PerClass     map[classify.FlowClass]uint64
	ParseErrors  uint64
	UnknownClass uint64
	ActivePath   string
}

func (p *Processor) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	cp := make(map[classify.FlowClass]uint64, len(p.counts))
	for k, v := range p.counts {
		cp[k] = v
	}
	return Stats{
		PerClass:     cp,
		ParseErrors:  p.parseErrors,
		UnknownClass: p.unknownClass,
		ActivePath:   p.activePath,
	}
}
