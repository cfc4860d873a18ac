package vm

import (
	"github.com/sarchlab/akita/v4/sim"
)

// InvalidateKind selects which invalidation rule set applies.
type InvalidateKind uint8

const (
	// InvStage1 is an ordinary address-space invalidation (sfence.vma).
	InvStage1 InvalidateKind = iota

	// InvGuestVirtual targets guest-virtual mappings of one VM
	// (hfence.vvma): stage1-only and nested entries.
	InvGuestVirtual

	// InvGuestPhysical targets guest-physical mappings of one VM
	// (hfence.gvma): stage2-only entries, ASID ignored.
	InvGuestPhysical
)

// An InvalidateReq clears matching cache entries. The two Match selectors
// form the {specific-address, all-addresses} x {specific-ASID, all-ASID}
// cross; global entries survive ASID-targeted invalidations.
type InvalidateReq struct {
	sim.MsgMeta

	Kind        InvalidateKind
	VPN         uint64
	MatchAddr   bool
	ASID        ASID
	MatchASID   bool
	VMID        VMID
	Virtualized bool
}

// Meta returns the meta data associated with the message.
func (r *InvalidateReq) Meta() *sim.MsgMeta {
	return &r.MsgMeta
}

// Clone returns a copy of the message with a different ID.
func (r *InvalidateReq) Clone() sim.Msg {
	cloneMsg := *r
	cloneMsg.ID = sim.GetIDGenerator().Generate()

	return &cloneMsg
}

// InvalidateReqBuilder can build invalidation requests.
type InvalidateReqBuilder struct {
	src, dst    sim.RemotePort
	kind        InvalidateKind
	vpn         uint64
	matchAddr   bool
	asid        ASID
	matchASID   bool
	vmid        VMID
	virtualized bool
}

// WithSrc sets the source of the request to build.
func (b InvalidateReqBuilder) WithSrc(src sim.RemotePort) InvalidateReqBuilder {
	b.src = src
	return b
}

// WithDst sets the destination of the request to build.
func (b InvalidateReqBuilder) WithDst(dst sim.RemotePort) InvalidateReqBuilder {
	b.dst = dst
	return b
}

// WithKind sets the invalidation rule set.
func (b InvalidateReqBuilder) WithKind(kind InvalidateKind) InvalidateReqBuilder {
	b.kind = kind
	return b
}

// WithVPN restricts the invalidation to one virtual page.
func (b InvalidateReqBuilder) WithVPN(vpn uint64) InvalidateReqBuilder {
	b.vpn = vpn
	b.matchAddr = true
	return b
}

// WithASID restricts the invalidation to one address space.
func (b InvalidateReqBuilder) WithASID(asid ASID) InvalidateReqBuilder {
	b.asid = asid
	b.matchASID = true
	return b
}

// WithVMID sets the virtual machine the invalidation applies to.
func (b InvalidateReqBuilder) WithVMID(vmid VMID) InvalidateReqBuilder {
	b.vmid = vmid
	return b
}

// Virtualized marks that the request was issued from a virtualized context.
func (b InvalidateReqBuilder) Virtualized() InvalidateReqBuilder {
	b.virtualized = true
	return b
}

// Build creates a new InvalidateReq.
func (b InvalidateReqBuilder) Build() *InvalidateReq {
	r := &InvalidateReq{}
	r.ID = sim.GetIDGenerator().Generate()
	r.Src = b.src
	r.Dst = b.dst
	r.Kind = b.kind
	r.VPN = b.vpn
	r.MatchAddr = b.matchAddr
	r.ASID = b.asid
	r.MatchASID = b.matchASID
	r.VMID = b.vmid
	r.Virtualized = b.virtualized

	return r
}

// A FlushReq resets a walker, discarding all in-flight state.
type FlushReq struct {
	sim.MsgMeta
}

// Meta returns the meta data associated with the message.
func (r *FlushReq) Meta() *sim.MsgMeta {
	return &r.MsgMeta
}

// Clone returns a copy of the message with a different ID.
func (r *FlushReq) Clone() sim.Msg {
	cloneMsg := *r
	cloneMsg.ID = sim.GetIDGenerator().Generate()

	return &cloneMsg
}

// FlushReqBuilder can build flush requests.
type FlushReqBuilder struct {
	src, dst sim.RemotePort
}

// WithSrc sets the source of the request to build.
func (b FlushReqBuilder) WithSrc(src sim.RemotePort) FlushReqBuilder {
	b.src = src
	return b
}

// WithDst sets the destination of the request to build.
func (b FlushReqBuilder) WithDst(dst sim.RemotePort) FlushReqBuilder {
	b.dst = dst
	return b
}

// Build creates a new FlushReq.
func (b FlushReqBuilder) Build() *FlushReq {
	r := &FlushReq{}
	r.ID = sim.GetIDGenerator().Generate()
	r.Src = b.src
	r.Dst = b.dst

	return r
}
