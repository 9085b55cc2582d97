package xdpprog

import (
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
)

// VerdictEvent mirrors the fixed-layout C struct the generated program would
// push into a telemetry ring buffer on every redirect decision, matching
// the {queue index, action, dst_port} triple an operator needs to audit
// filtering behavior without a packet capture.
type VerdictEvent struct {
	RxQueueIndex uint32
	Action       uint8
	_            [3]byte // struct padding to keep DstPort 4-byte aligned
	DstPort      uint16
	_            [2]byte
}

// TelemetryReader drains a cilium/ebpf ringbuf.Reader of VerdictEvent
// records and forwards them to a sink, so an admin surface can expose a
// live verdict feed without touching the hot packet-processing path.
type TelemetryReader struct {
	ring *ringbuf.Reader
	sink func(VerdictEvent)
}

// NewTelemetryReader prepares a telemetry reader for a given verdict sink.
// Callers must have already called rlimit.RemoveMemlock once per process;
// this constructor calls it defensively since ring buffer construction
// fails opaquely otherwise. Call Attach once the kernel map is loaded.
func NewTelemetryReader(sink func(VerdictEvent)) (*TelemetryReader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("xdpprog: telemetry sink must not be nil")
	}
	return &TelemetryReader{sink: sink}, nil
}

// Attach binds the reader to a live ringbuf map, replacing any placeholder
// state from NewTelemetryReader. Split from construction so tests can
// exercise decode() without a kernel-backed map.
func (r *TelemetryReader) Attach(rd *ringbuf.Reader) { r.ring = rd }

// Run drains the ring buffer until it is closed. Intended to run on its own
// goroutine; a closed ring buffer (shutdown) ends the loop without error.
func (r *TelemetryReader) Run() {
	if r.ring == nil {
		return
	}
	for {
		record, err := r.ring.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			slog.Warn("telemetry ring read error", "error", err)
			continue
		}
		ev, ok := decode(record.RawSample)
		if !ok {
			continue
		}
		r.sink(ev)
	}
}

// decode parses the fixed 12-byte little-endian layout of a VerdictEvent.
func decode(raw []byte) (VerdictEvent, bool) {
	if len(raw) < 12 {
		return VerdictEvent{}, false
	}
	return VerdictEvent{
		RxQueueIndex: binary.LittleEndian.Uint32(raw[0:4]),
		Action:       raw[4],
		DstPort:      binary.LittleEndian.Uint16(raw[8:10]),
	}, true
}
