package classify

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildFrame(dstPort uint16, payload []byte) []byte {
	frame := make([]byte, 14+20+8+len(payload))
	binary.BigEndian.PutUint16(frame[12:14], etherTypeIPv4)

	ip := frame[14:]
	ip[0] = 0x45 // version 4, IHL 5 (20 bytes)
	ip[9] = protoUDP
	copy(ip[12:16], []byte{10, 0, 0, 1})
	copy(ip[16:20], []byte{10, 0, 0, 2})

	udp := ip[20:]
	binary.BigEndian.PutUint16(udp[0:2], 55555)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(8+len(payload)))
	copy(udp[8:], payload)

	return frame
}

func testPortMap() PortMap {
	return NewPortMap(map[int]string{
		8001: "gossip",
		8899: "rpc",
	})
}

func TestParseClassifiesKnownPort(t *testing.T) {
	frame := buildFrame(8001, []byte("hello"))
	pkt, err := Parse(frame, testPortMap())
	require.NoError(t, err)
	assert.Equal(t, FlowGossip, pkt.Flow)
	assert.Equal(t, uint16(8001), pkt.DstPort)
	assert.Equal(t, uint16(55555), pkt.SrcPort)
	assert.Equal(t, []byte("hello"), pkt.Payload)
	assert.Equal(t, [4]byte{10, 0, 0, 1}, pkt.SrcIP)
}

func TestParseUnknownPortClassifiesUnknown(t *testing.T) {
	frame := buildFrame(9999, []byte("x"))
	pkt, err := Parse(frame, testPortMap())
	require.NoError(t, err)
	assert.Equal(t, FlowUnknown, pkt.Flow)
}

func TestParseRejectsShortFrame(t *testing.T) {
	_, err := Parse(make([]byte, 10), testPortMap())
	require.Error(t, err)
}

func TestParseRejectsNonIPv4(t *testing.T) {
	frame := buildFrame(8001, []byte("x"))
	binary.BigEndian.PutUint16(frame[12:14], 0x86DD) // IPv6
	_, err := Parse(frame, testPortMap())
	require.Error(t, err)
}

func TestParseRejectsNonUDP(t *testing.T) {
	frame := buildFrame(8001, []byte("x"))
	frame[14+9] = 6 // TCP
	_, err := Parse(frame, testPortMap())
	require.Error(t, err)
}

func TestParseRejectsBadIHL(t *testing.T) {
	frame := buildFrame(8001, []byte("x"))
	frame[14] = 0x44 // IHL 4 -> 16 bytes, below ipv4MinLen
	_, err := Parse(frame, testPortMap())
	require.Error(t, err)
}

func TestOrderIsStableAndExhaustive(t *testing.T) {
	order := Order()
	require.Len(t, order, 8)
	seen := make(map[FlowClass]bool)
	for _, fc := range order {
		assert.False(t, seen[fc], "duplicate flow class in order")
		seen[fc] = true
	}
}

func TestParseFlowClassRoundTrip(t *testing.T) {
	for _, fc := range Order() {
		assert.Equal(t, fc, ParseFlowClass(fc.String()))
	}
	assert.Equal(t, FlowUnknown, ParseFlowClass("not_a_real_class"))
}
