// Package xdpprog builds the verifier-safe in-kernel filter program that
// classifies every packet delivered to a NIC receive queue: bounds-check
// Ethernet/IPv4/UDP, look up the destination port in a port-filter map, and
// either redirect the packet to the queue's registered socket or let the
// kernel stack handle it.
//
// Programs are assembled programmatically with cilium/ebpf's asm package —
// no external compiler is invoked. Jump targets are symbolic (asm.Label)
// and resolved by the assembler's own two-pass linker when the instruction
// stream is marshalled for load, which is the same resolve-relative-offset
// step ("target index - current index - 1") a hand-rolled linker would
// perform; map references destined for the redirect helper are emitted via
// asm.LoadMapPtr, which the kernel verifier rewrites from a pseudo-map
// immediate to a real map pointer at load time.
package xdpprog

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"github.com/vexor/ingress/internal/errs"
)

const (
	labelNotIPv4    = "not_ipv4"
	labelBadIHL     = "bad_ihl"
	labelNotUDP     = "not_udp"
	labelShortUDP   = "short_udp"
	labelNoAction   = "no_action"
	labelRedirectOK = "redirect_ok"
	labelPass       = "pass"

	actionRedirect uint8 = 1

	xdpPass     = 2 // XDP_PASS
	xdpDrop     = 1 // XDP_DROP
)

// MapFDs carries the two bounded eBPF maps' file descriptors the generated
// program references: a redirect-target map (queue id -> socket file descriptor)
// and a port-filter map (UDP destination port -> action byte). Instructions
// are generated against raw FDs, not live *ebpf.Map handles, so the
// instruction stream can be built and inspected without a kernel present;
// Spec binds it to real maps for loading.
type MapFDs struct {
	RedirectTarget int
	PortFilter     int
}

// RedirectTargetMapSpec describes the bounded queue-id -> socket file
// descriptor map. Capacity is fixed and small (64-256 entries) since queue counts are
// bounded by NIC hardware.
func RedirectTargetMapSpec(maxQueues uint32) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: maxQueues,
	}
}

// PortFilterMapSpec describes the bounded UDP-destination-port -> action
// map. Action 1 means redirect; 0 or absent means pass to the kernel stack.
func PortFilterMapSpec(maxPorts uint32) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       "port_filter",
		Type:       ebpf.Hash,
		KeySize:    2,
		ValueSize:  1,
		MaxEntries: maxPorts,
	}
}

// Generate builds the classifier program's instruction stream against the
// two maps it consults; the listen ports live in the port-filter map, not
// in the instructions. The generated sequence
// implements, in order: an Ethernet/IPv4 bounds check, an IHL-derived IPv4
// header length check, a UDP protocol check, a UDP bounds check, a
// port-filter lookup, and a redirect-or-pass decision — PASS is the default
// outcome of every bounds or lookup failure, never DROP, so a misclassified
// or malformed packet is still handled by the ordinary kernel stack.
func Generate(maps MapFDs) (asm.Instructions, error) {
	if maps.RedirectTarget <= 0 || maps.PortFilter <= 0 {
		return nil, errs.New(errs.KindInitializationFailure, "xdpprog.Generate").With("reason", "invalid_map_fd")
	}

	const (
		rCtx     = asm.R1 // xdp_md* context
		rData    = asm.R2
		rDataEnd = asm.R3
		rTmp     = asm.R4
		rTmp2    = asm.R5
		rPort    = asm.R6
		rIHL     = asm.R7
		rKey     = asm.R8 // stack slot pointer reused for map key/value
		rCtxSave = asm.R9 // copy of the context; R1 is reused for helper arguments
	)

	insns := asm.Instructions{
		asm.Mov.Reg(rCtxSave, rCtx),

		// Load data and data_end out of the xdp_md context struct.
		asm.LoadMem(rData, rCtx, 0, asm.Word),
		asm.LoadMem(rDataEnd, rCtx, 4, asm.Word),

		// Bounds check: data + 14 (Ethernet) + 20 (IPv4 minimum) <= data_end.
		asm.Mov.Reg(rTmp, rData),
		asm.Add.Imm(rTmp, 34),
		asm.JGT.Reg(rTmp, rDataEnd, labelPass),

		// EtherType at offset 12; must equal 0x0800 (IPv4), big-endian on wire.
		asm.LoadMem(rTmp, rData, 12, asm.Half),
		// The halfword load reads the wire bytes in host order, so on a
		// little-endian host 0x0800 reads as 0x0008; the immediate is that
		// byte-swapped constant, fixed here for little-endian hosts.
		asm.JNE.Imm(rTmp, 0x0008, labelNotIPv4),

		// IHL is the low nibble of the first IPv4 byte (offset 14).
		asm.LoadMem(rIHL, rData, 14, asm.Byte),
		asm.And.Imm(rIHL, 0x0f),
		asm.Mul.Imm(rIHL, 4),
		asm.JLT.Imm(rIHL, 20, labelBadIHL),

		// Re-check bounds now that the real IP header length is known:
		// data + 14 + ihl + 8 (UDP header) <= data_end.
		asm.Mov.Reg(rTmp, rData),
		asm.Add.Imm(rTmp, 14),
		asm.Add.Reg(rTmp, rIHL),
		asm.Mov.Reg(rTmp2, rTmp),
		asm.Add.Imm(rTmp2, 8),
		asm.JGT.Reg(rTmp2, rDataEnd, labelShortUDP),

		// Protocol at offset 23 (14 + 9); must be UDP (17).
		asm.LoadMem(rTmp2, rData, 23, asm.Byte),
		asm.JNE.Imm(rTmp2, 17, labelNotUDP),

		// Destination port is the second halfword of the UDP header,
		// rTmp already holds data + 14 + ihl (start of the UDP header).
		asm.LoadMem(rPort, rTmp, 2, asm.Half),
	}

	// Spill the port to the stack so its address can be passed as the map
	// lookup key, then call bpf_map_lookup_elem(port_filter, &port).
	insns = append(insns,
		asm.StoreMem(asm.RFP, -8, rPort, asm.Half),
		asm.Mov.Reg(rKey, asm.RFP),
		asm.Add.Imm(rKey, -8),
	)
	// bpf_map_lookup_elem(map_fd, key) wants R1=map pointer, R2=key pointer.
	insns = append(insns,
		asm.LoadMapPtr(asm.R1, maps.PortFilter),
		asm.Mov.Reg(asm.R2, rKey),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, labelNoAction),
	)
	// R0 now holds a pointer to the action byte; dereference it.
	insns = append(insns,
		asm.LoadMem(rTmp, asm.R0, 0, asm.Byte),
		asm.JNE.Imm(rTmp, int32(actionRedirect), labelNoAction),
	)

	// Redirect: bpf_redirect_map(xsks_map, rx_queue_index, XDP_PASS). The
	// queue index lives in the xdp_md context at a fixed offset; load it from
	// the saved context copy, since R1 was reused for the lookup call.
	insns = append(insns,
		asm.LoadMem(rTmp, rCtxSave, 16, asm.Word), // rx_queue_index
		asm.LoadMapPtr(asm.R1, maps.RedirectTarget),
		asm.Mov.Reg(asm.R2, rTmp),
		asm.Mov.Imm(asm.R3, int32(xdpPass)),
		asm.FnRedirectMap.Call(),
		// The helper returns XDP_REDIRECT on success and its flags value,
		// XDP_PASS here, when no socket is registered for this queue; that
		// return value is the program's verdict. A negative return also
		// passes the packet rather than dropping it.
		asm.JSLT.Imm(asm.R0, 0, labelNoAction),
		asm.Ja(labelRedirectOK),
	)

	insns = append(insns,
		asm.Mov.Imm(asm.R0, int32(xdpPass)).WithSymbol(labelNotIPv4),
		asm.Ja(labelPass),
		asm.Mov.Imm(asm.R0, int32(xdpPass)).WithSymbol(labelBadIHL),
		asm.Ja(labelPass),
		asm.Mov.Imm(asm.R0, int32(xdpPass)).WithSymbol(labelShortUDP),
		asm.Ja(labelPass),
		asm.Mov.Imm(asm.R0, int32(xdpPass)).WithSymbol(labelNotUDP),
		asm.Ja(labelPass),
		asm.Mov.Imm(asm.R0, int32(xdpPass)).WithSymbol(labelNoAction),
		asm.Ja(labelPass),
		asm.Return().WithSymbol(labelRedirectOK),
		asm.Mov.Imm(asm.R0, int32(xdpPass)).WithSymbol(labelPass),
		asm.Return(),
	)

	return insns, nil
}

// Disassemble returns a human-readable instruction listing for diagnostics.
// The package tests check only that a generated program yields a non-empty
// listing; they do not invoke a live kernel verifier.
func Disassemble(insns asm.Instructions) string {
	return insns.String()
}

// License is the GPL-compatible license string the generated program must
// carry, since the redirect helper is GPL-only.
const License = "GPL"

// Spec builds the ebpf.ProgramSpec ready for ebpf.NewProgram, wiring the
// generated instructions to the XDP program type and attaching the map
// references so the kernel loader can resolve pseudo-map-fd immediates.
func Spec(redirectTarget, portFilter *ebpf.Map) (*ebpf.ProgramSpec, error) {
	insns, err := Generate(MapFDs{RedirectTarget: redirectTarget.FD(), PortFilter: portFilter.FD()})
	if err != nil {
		return nil, err
	}
	return &ebpf.ProgramSpec{
		Name:         "ingress_filter",
		Type:         ebpf.XDP,
		Instructions: insns,
		License:      License,
	}, nil
}

// Validate reports a configuration error if the caller tries to combine a
// pinned program path with in-process bytecode generation; the two load
// paths are mutually exclusive.
func Validate(pinnedPath string, generate bool) error {
	if pinnedPath != "" && generate {
		return fmt.Errorf("xdpprog: pinned_path and in-process generation cannot both be enabled")
	}
	return nil
}
