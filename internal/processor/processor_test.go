package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexor/ingress/internal/classify"
)

type fakeSource struct {
	mu      sync.Mutex
	frames  [][]byte
	polled  int32
}

func (f *fakeSource) Recv(out [][]byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for n < len(out) && len(f.frames) > 0 {
		out[n] = f.frames[0]
		f.frames = f.frames[1:]
		n++
	}
	return n, nil
}

func (f *fakeSource) Poll(timeoutMs int) error {
	atomic.AddInt32(&f.polled, 1)
	return nil
}

func (f *fakeSource) push(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

func buildUDPFrame(dstPort uint16, payload []byte) []byte {
	frame := make([]byte, 14+20+8+len(payload))
	frame[12], frame[13] = 0x08, 0x00
	frame[14] = 0x45
	totalLen := 20 + 8 + len(payload)
	frame[14+2] = byte(totalLen >> 8)
	frame[14+3] = byte(totalLen)
	frame[14+9] = 17
	udpOff := 14 + 20
	frame[udpOff+2] = byte(dstPort >> 8)
	frame[udpOff+3] = byte(dstPort)
	udpLen := 8 + len(payload)
	frame[udpOff+4] = byte(udpLen >> 8)
	frame[udpOff+5] = byte(udpLen)
	copy(frame[udpOff+8:], payload)
	return frame
}

func testPorts() classify.PortMap {
	return classify.NewPortMap(map[int]string{
		8001: "gossip",
		8004: "vote",
	})
}

func newTestProcessor(t *testing.T, src Source) *Processor {
	t.Helper()
	p := &Processor{
		handlers: make(map[classify.FlowClass]Handler),
		ports:    testPorts(),
		workers:  2,
		shutdown: make(chan struct{}),
		counts:   make(map[classify.FlowClass]uint64),
		source:   src,
	}
	return p
}

func TestHandleFrameDispatchesToRegisteredHandler(t *testing.T) {
	p := newTestProcessor(t, &fakeSource{})

	var got classify.Packet
	var mu sync.Mutex
	p.RegisterHandler(classify.FlowGossip, func(pkt classify.Packet) {
		mu.Lock()
		got = pkt
		mu.Unlock()
	})

	p.handleFrame(buildUDPFrame(8001, []byte("hi")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, classify.FlowGossip, got.Flow)
	assert.Equal(t, uint16(8001), got.DstPort)
}

func TestHandleFrameCountsParseErrors(t *testing.T) {
	p := newTestProcessor(t, &fakeSource{})
	p.handleFrame([]byte{0x01, 0x02})
	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.ParseErrors)
}

func TestHandleFrameCountsUnknownClass(t *testing.T) {
	p := newTestProcessor(t, &fakeSource{})
	p.handleFrame(buildUDPFrame(9999, []byte("x")))
	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.UnknownClass)
	assert.Equal(t, uint64(1), stats.PerClass[classify.FlowUnknown])
}

func TestStartStopIsIdempotentAndJoinsWorkers(t *testing.T) {
	src := &fakeSource{}
	p := newTestProcessor(t, src)

	var calls int32
	p.RegisterHandler(classify.FlowGossip, func(pkt classify.Packet) {
		atomic.AddInt32(&calls, 1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)
	p.Start(ctx) // second call is a no-op

	for i := 0; i < 5; i++ {
		src.push(buildUDPFrame(8001, []byte("hello")))
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 5
	}, time.Second, 5*time.Millisecond)

	p.Stop()
	p.Stop() // second call is a no-op

	stats := p.Stats()
	assert.Equal(t, uint64(5), stats.PerClass[classify.FlowGossip])
}

func TestAttachTapSamplesClassifiedPackets(t *testing.T) {
	p := newTestProcessor(t, &fakeSource{})
	tap := NewTap(1)
	p.AttachTap(tap)

	p.handleFrame(buildUDPFrame(8001, []byte("hi")))

	select {
	case proj := <-tap.broadcast:
		assert.Equal(t, "gossip", proj.FlowClass)
	case <-time.After(time.Second):
		t.Fatal("expected a sampled projection")
	}
}
