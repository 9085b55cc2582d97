// Package classify implements the pure header-parsing and flow-classification
// logic shared by the packet processor and by the filter program's bytecode
// generator, which must agree on which ports route where. Parsing here
// mirrors the bounds-checked, PASS-on-any-doubt discipline the in-kernel
// program is required to use, even though this code runs in user space and
// is not itself verifier-constrained.
package classify

import (
	"encoding/binary"

	"github.com/vexor/ingress/internal/errs"
)

// FlowClass is the logical category a packet is routed to by destination
// port.
type FlowClass int

const (
	FlowUnknown FlowClass = iota
	FlowGossip
	FlowShred
	FlowTxLegacy
	FlowTxQUIC
	FlowRPC
	FlowRepair
	FlowVote
)

// flowOrder fixes the enumeration order used to resolve ties between
// classes ("first match in a fixed enumeration order"). Port-to-class is a
// single map in practice, so no two classes can claim the same port — this
// order exists so a caller iterating classes (e.g. to report per-class
// stats) always sees a stable ordering.
var flowOrder = []FlowClass{FlowGossip, FlowShred, FlowTxLegacy, FlowTxQUIC, FlowRPC, FlowRepair, FlowVote, FlowUnknown}

// Order returns the fixed enumeration order of flow classes.
func Order() []FlowClass { return flowOrder }

func (f FlowClass) String() string {
	switch f {
	case FlowGossip:
		return "gossip"
	case FlowShred:
		return "shred"
	case FlowTxLegacy:
		return "tx_legacy"
	case FlowTxQUIC:
		return "tx_quic"
	case FlowRPC:
		return "rpc"
	case FlowRepair:
		return "repair"
	case FlowVote:
		return "vote"
	default:
		return "unknown"
	}
}

// ParseFlowClass maps a config string (the port_flow_class setting) to a
// FlowClass; unknown strings classify to FlowUnknown.
func ParseFlowClass(s string) FlowClass {
	for _, fc := range flowOrder {
		if fc.String() == s {
			return fc
		}
	}
	return FlowUnknown
}

// PortMap resolves a UDP destination port to a FlowClass. Classification is
// a pure function of dst_port against a configured port map.
type PortMap map[uint16]FlowClass

// NewPortMap builds a PortMap from a {port: class-name} config section.
func NewPortMap(cfg map[int]string) PortMap {
	pm := make(PortMap, len(cfg))
	for port, name := range cfg {
		pm[uint16(port)] = ParseFlowClass(name)
	}
	return pm
}

// Classify returns the FlowClass registered for dstPort, or FlowUnknown.
func (pm PortMap) Classify(dstPort uint16) FlowClass {
	if fc, ok := pm[dstPort]; ok {
		return fc
	}
	return FlowUnknown
}

const (
	ethHeaderLen  = 14
	ipv4MinLen    = 20
	udpHeaderLen  = 8
	etherTypeIPv4 = 0x0800
	protoUDP      = 17
)

// Packet is the parsed header/payload view: {src_ip, dst_ip, src_port,
// dst_port, protocol, payload_slice, flow_class}. Payload is a borrowed
// slice into the caller's frame buffer — per the kernel-bypass socket's
// receive contract it must not be retained past the handler invocation
// that received it.
type Packet struct {
	SrcIP    [4]byte
	DstIP    [4]byte
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	Payload  []byte
	Flow     FlowClass
}

// Parse implements the worker-loop parsing steps: bounds-check Ethernet,
// accept only IPv4, use IHL for the IP header length, verify UDP, extract
// ports and payload. Any bounds or protocol mismatch returns a
// ParseMalformed error and the caller counts it as a parse error — it is
// never propagated as a crash.
func Parse(frame []byte, ports PortMap) (Packet, error) {
	var pkt Packet

	if len(frame) < ethHeaderLen+ipv4MinLen {
		return pkt, errs.New(errs.KindParseMalformed, "classify.Parse").With("reason", "short_frame")
	}

	etherType := binary.BigEndian.Uint16(frame[12:14])
	if etherType != etherTypeIPv4 {
		return pkt, errs.New(errs.KindParseMalformed, "classify.Parse").With("reason", "not_ipv4").With("ether_type", etherType)
	}

	ip := frame[ethHeaderLen:]
	ihl := int(ip[0]&0x0f) * 4
	if ihl < ipv4MinLen {
		return pkt, errs.New(errs.KindParseMalformed, "classify.Parse").With("reason", "bad_ihl")
	}
	if len(ip) < ihl+udpHeaderLen {
		return pkt, errs.New(errs.KindParseMalformed, "classify.Parse").With("reason", "short_ip_header")
	}

	protocol := ip[9]
	if protocol != protoUDP {
		return pkt, errs.New(errs.KindParseMalformed, "classify.Parse").With("reason", "not_udp").With("protocol", protocol)
	}

	copy(pkt.SrcIP[:], ip[12:16])
	copy(pkt.DstIP[:], ip[16:20])
	pkt.Protocol = protocol

	udp := ip[ihl:]
	pkt.SrcPort = binary.BigEndian.Uint16(udp[0:2])
	pkt.DstPort = binary.BigEndian.Uint16(udp[2:4])
	udpLen := int(binary.BigEndian.Uint16(udp[4:6]))

	payloadStart := ihl + udpHeaderLen
	payloadEnd := len(ip)
	if udpLen >= udpHeaderLen {
		want := ihl + udpLen
		if want <= len(ip) {
			payloadEnd = want
		}
	}
	if payloadStart > payloadEnd {
		return pkt, errs.New(errs.KindParseMalformed, "classify.Parse").With("reason", "bad_udp_length")
	}
	pkt.Payload = ip[payloadStart:payloadEnd]

	pkt.Flow = ports.Classify(pkt.DstPort)
	return pkt, nil
}
