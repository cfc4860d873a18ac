package vm

import (
	"github.com/sarchlab/akita/v4/sim"
)

// A TranslationReq asks the walk-cache subsystem to translate one page.
type TranslationReq struct {
	sim.MsgMeta

	VPN        uint64
	ASID       ASID
	VMID       VMID
	Stage      Stage
	IsFirst    bool
	IsPrefetch bool
}

// Meta returns the meta data associated with the message.
func (r *TranslationReq) Meta() *sim.MsgMeta {
	return &r.MsgMeta
}

// Clone returns a copy of the message with a different ID.
func (r *TranslationReq) Clone() sim.Msg {
	cloneMsg := *r
	cloneMsg.ID = sim.GetIDGenerator().Generate()

	return &cloneMsg
}

// TranslationReqBuilder can build translation requests.
type TranslationReqBuilder struct {
	src, dst   sim.RemotePort
	vpn        uint64
	asid       ASID
	vmid       VMID
	stage      Stage
	isFirst    bool
	isPrefetch bool
}

// WithSrc sets the source of the request to build.
func (b TranslationReqBuilder) WithSrc(src sim.RemotePort) TranslationReqBuilder {
	b.src = src
	return b
}

// WithDst sets the destination of the request to build.
func (b TranslationReqBuilder) WithDst(dst sim.RemotePort) TranslationReqBuilder {
	b.dst = dst
	return b
}

// WithVPN sets the virtual page number to translate.
func (b TranslationReqBuilder) WithVPN(vpn uint64) TranslationReqBuilder {
	b.vpn = vpn
	return b
}

// WithASID sets the address space of the request to build.
func (b TranslationReqBuilder) WithASID(asid ASID) TranslationReqBuilder {
	b.asid = asid
	return b
}

// WithVMID sets the virtual machine of the request to build.
func (b TranslationReqBuilder) WithVMID(vmid VMID) TranslationReqBuilder {
	b.vmid = vmid
	return b
}

// WithStage sets the translation stage of the request to build.
func (b TranslationReqBuilder) WithStage(stage Stage) TranslationReqBuilder {
	b.stage = stage
	return b
}

// FirstIssue marks the request as the first probe for its address.
func (b TranslationReqBuilder) FirstIssue() TranslationReqBuilder {
	b.isFirst = true
	return b
}

// AsPrefetch marks the request as prefetch-sourced and low priority.
func (b TranslationReqBuilder) AsPrefetch() TranslationReqBuilder {
	b.isPrefetch = true
	return b
}

// Build creates a new TranslationReq.
func (b TranslationReqBuilder) Build() *TranslationReq {
	r := &TranslationReq{}
	r.ID = sim.GetIDGenerator().Generate()
	r.Src = b.src
	r.Dst = b.dst
	r.VPN = b.vpn
	r.ASID = b.asid
	r.VMID = b.vmid
	r.Stage = b.stage
	r.IsFirst = b.isFirst
	r.IsPrefetch = b.isPrefetch

	return r
}

// A TranslationRsp carries the unified lookup result back to the requester.
type TranslationRsp struct {
	sim.MsgMeta

	RespondTo  string
	VPN        uint64
	PPN        uint64
	Perm       PermBits
	Level      Level
	Fault      Fault
	IsPrefetch bool
	ECCError   bool
	Bypassed   bool
}

// Meta returns the meta data associated with the message.
func (r *TranslationRsp) Meta() *sim.MsgMeta {
	return &r.MsgMeta
}

// Clone returns a copy of the message with a different ID.
func (r *TranslationRsp) Clone() sim.Msg {
	cloneMsg := *r
	cloneMsg.ID = sim.GetIDGenerator().Generate()

	return &cloneMsg
}

// GetRspTo returns the ID of the request this response answers.
func (r *TranslationRsp) GetRspTo() string {
	return r.RespondTo
}

// TranslationRspBuilder can build translation responses.
type TranslationRspBuilder struct {
	src, dst   sim.RemotePort
	rspTo      string
	vpn, ppn   uint64
	perm       PermBits
	level      Level
	fault      Fault
	isPrefetch bool
	eccError   bool
	bypassed   bool
}

// WithSrc sets the source of the response to build.
func (b TranslationRspBuilder) WithSrc(src sim.RemotePort) TranslationRspBuilder {
	b.src = src
	return b
}

// WithDst sets the destination of the response to build.
func (b TranslationRspBuilder) WithDst(dst sim.RemotePort) TranslationRspBuilder {
	b.dst = dst
	return b
}

// WithRspTo sets the request that the response to build answers.
func (b TranslationRspBuilder) WithRspTo(id string) TranslationRspBuilder {
	b.rspTo = id
	return b
}

// WithVPN sets the translated virtual page number.
func (b TranslationRspBuilder) WithVPN(vpn uint64) TranslationRspBuilder {
	b.vpn = vpn
	return b
}

// WithPPN sets the resulting physical page number.
func (b TranslationRspBuilder) WithPPN(ppn uint64) TranslationRspBuilder {
	b.ppn = ppn
	return b
}

// WithPerm sets the permission bits of the response to build.
func (b TranslationRspBuilder) WithPerm(perm PermBits) TranslationRspBuilder {
	b.perm = perm
	return b
}

// WithLevel sets the level the translation hit at.
func (b TranslationRspBuilder) WithLevel(level Level) TranslationRspBuilder {
	b.level = level
	return b
}

// WithFault sets the fault of the response to build.
func (b TranslationRspBuilder) WithFault(fault Fault) TranslationRspBuilder {
	b.fault = fault
	return b
}

// AsPrefetch marks the response as answering a prefetch request.
func (b TranslationRspBuilder) AsPrefetch() TranslationRspBuilder {
	b.isPrefetch = true
	return b
}

// WithECCError marks that the lookup tripped an integrity error.
func (b TranslationRspBuilder) WithECCError() TranslationRspBuilder {
	b.eccError = true
	return b
}

// WithBypassed marks that the miss raced a refill in the pipeline.
func (b TranslationRspBuilder) WithBypassed() TranslationRspBuilder {
	b.bypassed = true
	return b
}

// Build creates a new TranslationRsp.
func (b TranslationRspBuilder) Build() *TranslationRsp {
	r := &TranslationRsp{}
	r.ID = sim.GetIDGenerator().Generate()
	r.Src = b.src
	r.Dst = b.dst
	r.RespondTo = b.rspTo
	r.VPN = b.vpn
	r.PPN = b.ppn
	r.Perm = b.perm
	r.Level = b.level
	r.Fault = b.fault
	r.IsPrefetch = b.isPrefetch
	r.ECCError = b.eccError
	r.Bypassed = b.bypassed

	return r
}

// A PTWReq escalates a miss to the non-leaf walker. The resume fields carry
// the deepest non-leaf hit so the walk can skip the levels the cache already
// resolved.
type PTWReq struct {
	sim.MsgMeta

	VPN         uint64
	ASID        ASID
	VMID        VMID
	Stage       Stage
	HasResume   bool
	ResumeLevel Level
	ResumePPN   uint64
	IsFirst     bool
	IsPrefetch  bool
}

// Meta returns the meta data associated with the message.
func (r *PTWReq) Meta() *sim.MsgMeta {
	return &r.MsgMeta
}

// Clone returns a copy of the message with a different ID.
func (r *PTWReq) Clone() sim.Msg {
	cloneMsg := *r
	cloneMsg.ID = sim.GetIDGenerator().Generate()

	return &cloneMsg
}

// PTWReqBuilder can build non-leaf walk requests.
type PTWReqBuilder struct {
	src, dst    sim.RemotePort
	vpn         uint64
	asid        ASID
	vmid        VMID
	stage       Stage
	hasResume   bool
	resumeLevel Level
	resumePPN   uint64
	isFirst     bool
	isPrefetch  bool
}

// WithSrc sets the source of the request to build.
func (b PTWReqBuilder) WithSrc(src sim.RemotePort) PTWReqBuilder {
	b.src = src
	return b
}

// WithDst sets the destination of the request to build.
func (b PTWReqBuilder) WithDst(dst sim.RemotePort) PTWReqBuilder {
	b.dst = dst
	return b
}

// WithVPN sets the virtual page number to walk for.
func (b PTWReqBuilder) WithVPN(vpn uint64) PTWReqBuilder {
	b.vpn = vpn
	return b
}

// WithASID sets the address space of the request to build.
func (b PTWReqBuilder) WithASID(asid ASID) PTWReqBuilder {
	b.asid = asid
	return b
}

// WithVMID sets the virtual machine of the request to build.
func (b PTWReqBuilder) WithVMID(vmid VMID) PTWReqBuilder {
	b.vmid = vmid
	return b
}

// WithStage sets the translation stage of the request to build.
func (b PTWReqBuilder) WithStage(stage Stage) PTWReqBuilder {
	b.stage = stage
	return b
}

// WithResume lets the walk start below the root, at a level the cache
// already resolved.
func (b PTWReqBuilder) WithResume(level Level, ppn uint64) PTWReqBuilder {
	b.hasResume = true
	b.resumeLevel = level
	b.resumePPN = ppn
	return b
}

// FirstIssue marks the request as the first probe for its address.
func (b PTWReqBuilder) FirstIssue() PTWReqBuilder {
	b.isFirst = true
	return b
}

// AsPrefetch marks the request as prefetch-sourced.
func (b PTWReqBuilder) AsPrefetch() PTWReqBuilder {
	b.isPrefetch = true
	return b
}

// Build creates a new PTWReq.
func (b PTWReqBuilder) Build() *PTWReq {
	r := &PTWReq{}
	r.ID = sim.GetIDGenerator().Generate()
	r.Src = b.src
	r.Dst = b.dst
	r.VPN = b.vpn
	r.ASID = b.asid
	r.VMID = b.vmid
	r.Stage = b.stage
	r.HasResume = b.hasResume
	r.ResumeLevel = b.resumeLevel
	r.ResumePPN = b.resumePPN
	r.IsFirst = b.isFirst
	r.IsPrefetch = b.isPrefetch

	return r
}

// A LLPTWReq asks the last-level miss queue to fetch one leaf sector.
// TablePPN is the page number of the leaf-level table that holds the entry.
type LLPTWReq struct {
	sim.MsgMeta

	VPN        uint64
	ASID       ASID
	VMID       VMID
	Stage      Stage
	TablePPN   uint64
	IsFirst    bool
	IsPrefetch bool
}

// Meta returns the meta data associated with the message.
func (r *LLPTWReq) Meta() *sim.MsgMeta {
	return &r.MsgMeta
}

// Clone returns a copy of the message with a different ID.
func (r *LLPTWReq) Clone() sim.Msg {
	cloneMsg := *r
	cloneMsg.ID = sim.GetIDGenerator().Generate()

	return &cloneMsg
}

// LLPTWReqBuilder can build leaf walk requests.
type LLPTWReqBuilder struct {
	src, dst   sim.RemotePort
	vpn        uint64
	asid       ASID
	vmid       VMID
	stage      Stage
	tablePPN   uint64
	isFirst    bool
	isPrefetch bool
}

// WithSrc sets the source of the request to build.
func (b LLPTWReqBuilder) WithSrc(src sim.RemotePort) LLPTWReqBuilder {
	b.src = src
	return b
}

// WithDst sets the destination of the request to build.
func (b LLPTWReqBuilder) WithDst(dst sim.RemotePort) LLPTWReqBuilder {
	b.dst = dst
	return b
}

// WithVPN sets the virtual page number to fetch the leaf entry for.
func (b LLPTWReqBuilder) WithVPN(vpn uint64) LLPTWReqBuilder {
	b.vpn = vpn
	return b
}

// WithASID sets the address space of the request to build.
func (b LLPTWReqBuilder) WithASID(asid ASID) LLPTWReqBuilder {
	b.asid = asid
	return b
}

// WithVMID sets the virtual machine of the request to build.
func (b LLPTWReqBuilder) WithVMID(vmid VMID) LLPTWReqBuilder {
	b.vmid = vmid
	return b
}

// WithStage sets the translation stage of the request to build.
func (b LLPTWReqBuilder) WithStage(stage Stage) LLPTWReqBuilder {
	b.stage = stage
	return b
}

// WithTablePPN sets the page number of the leaf-level table.
func (b LLPTWReqBuilder) WithTablePPN(ppn uint64) LLPTWReqBuilder {
	b.tablePPN = ppn
	return b
}

// FirstIssue marks the request as the first probe for its address.
func (b LLPTWReqBuilder) FirstIssue() LLPTWReqBuilder {
	b.isFirst = true
	return b
}

// AsPrefetch marks the request as prefetch-sourced.
func (b LLPTWReqBuilder) AsPrefetch() LLPTWReqBuilder {
	b.isPrefetch = true
	return b
}

// Build creates a new LLPTWReq.
func (b LLPTWReqBuilder) Build() *LLPTWReq {
	r := &LLPTWReq{}
	r.ID = sim.GetIDGenerator().Generate()
	r.Src = b.src
	r.Dst = b.dst
	r.VPN = b.vpn
	r.ASID = b.asid
	r.VMID = b.vmid
	r.Stage = b.stage
	r.TablePPN = b.tablePPN
	r.IsFirst = b.isFirst
	r.IsPrefetch = b.isPrefetch

	return r
}

// A RefillMsg delivers a fetched 8-entry PTE block to the cache, out of band
// from the lookup pipeline. SelectedIndex points at the entry the triggering
// request was after.
type RefillMsg struct {
	sim.MsgMeta

	VPN           uint64
	ASID          ASID
	VMID          VMID
	Stage         Stage
	TargetLevel   Level
	PTEs          [SectorSize]PTE
	SelectedIndex int
	Fault         Fault
	IsPrefetch    bool
}

// Meta returns the meta data associated with the message.
func (r *RefillMsg) Meta() *sim.MsgMeta {
	return &r.MsgMeta
}

// Clone returns a copy of the message with a different ID.
func (r *RefillMsg) Clone() sim.Msg {
	cloneMsg := *r
	cloneMsg.ID = sim.GetIDGenerator().Generate()

	return &cloneMsg
}

// SelectedPTE returns the entry the walk actually resolved.
func (r *RefillMsg) SelectedPTE() PTE {
	return r.PTEs[r.SelectedIndex]
}

// RefillMsgBuilder can build refill messages.
type RefillMsgBuilder struct {
	src, dst      sim.RemotePort
	vpn           uint64
	asid          ASID
	vmid          VMID
	stage         Stage
	targetLevel   Level
	ptes          [SectorSize]PTE
	selectedIndex int
	fault         Fault
	isPrefetch    bool
}

// WithSrc sets the source of the message to build.
func (b RefillMsgBuilder) WithSrc(src sim.RemotePort) RefillMsgBuilder {
	b.src = src
	return b
}

// WithDst sets the destination of the message to build.
func (b RefillMsgBuilder) WithDst(dst sim.RemotePort) RefillMsgBuilder {
	b.dst = dst
	return b
}

// WithVPN sets the virtual page number the walk was for.
func (b RefillMsgBuilder) WithVPN(vpn uint64) RefillMsgBuilder {
	b.vpn = vpn
	return b
}

// WithASID sets the address space of the message to build.
func (b RefillMsgBuilder) WithASID(asid ASID) RefillMsgBuilder {
	b.asid = asid
	return b
}

// WithVMID sets the virtual machine of the message to build.
func (b RefillMsgBuilder) WithVMID(vmid VMID) RefillMsgBuilder {
	b.vmid = vmid
	return b
}

// WithStage sets the translation stage the entries were fetched under.
func (b RefillMsgBuilder) WithStage(stage Stage) RefillMsgBuilder {
	b.stage = stage
	return b
}

// WithTargetLevel sets the cache level the block lands in.
func (b RefillMsgBuilder) WithTargetLevel(level Level) RefillMsgBuilder {
	b.targetLevel = level
	return b
}

// WithPTEs sets the fetched 8-entry block.
func (b RefillMsgBuilder) WithPTEs(ptes [SectorSize]PTE) RefillMsgBuilder {
	b.ptes = ptes
	return b
}

// WithSelectedIndex sets the in-block index of the resolved entry.
func (b RefillMsgBuilder) WithSelectedIndex(i int) RefillMsgBuilder {
	b.selectedIndex = i
	return b
}

// WithFault sets the fault the walk terminated with, if any.
func (b RefillMsgBuilder) WithFault(fault Fault) RefillMsgBuilder {
	b.fault = fault
	return b
}

// AsPrefetch marks the refill as triggered by a prefetch.
func (b RefillMsgBuilder) AsPrefetch() RefillMsgBuilder {
	b.isPrefetch = true
	return b
}

// Build creates a new RefillMsg.
func (b RefillMsgBuilder) Build() *RefillMsg {
	r := &RefillMsg{}
	r.ID = sim.GetIDGenerator().Generate()
	r.Src = b.src
	r.Dst = b.dst
	r.VPN = b.vpn
	r.ASID = b.asid
	r.VMID = b.vmid
	r.Stage = b.stage
	r.TargetLevel = b.targetLevel
	r.PTEs = b.ptes
	r.SelectedIndex = b.selectedIndex
	r.Fault = b.fault
	r.IsPrefetch = b.isPrefetch

	return r
}

// A HWalkReq asks the nested walker to translate one guest-physical page
// number. WalkID correlates the response with the caller's transaction.
type HWalkReq struct {
	sim.MsgMeta

	WalkID     string
	GPPN       uint64
	VMID       VMID
	HasStart   bool
	StartLevel Level
	StartPPN   uint64
}

// Meta returns the meta data associated with the message.
func (r *HWalkReq) Meta() *sim.MsgMeta {
	return &r.MsgMeta
}

// Clone returns a copy of the message with a different ID.
func (r *HWalkReq) Clone() sim.Msg {
	cloneMsg := *r
	cloneMsg.ID = sim.GetIDGenerator().Generate()

	return &cloneMsg
}

// HWalkReqBuilder can build nested walk requests.
type HWalkReqBuilder struct {
	src, dst   sim.RemotePort
	walkID     string
	gppn       uint64
	vmid       VMID
	hasStart   bool
	startLevel Level
	startPPN   uint64
}

// WithSrc sets the source of the request to build.
func (b HWalkReqBuilder) WithSrc(src sim.RemotePort) HWalkReqBuilder {
	b.src = src
	return b
}

// WithDst sets the destination of the request to build.
func (b HWalkReqBuilder) WithDst(dst sim.RemotePort) HWalkReqBuilder {
	b.dst = dst
	return b
}

// WithWalkID sets the correlation id echoed in the response.
func (b HWalkReqBuilder) WithWalkID(id string) HWalkReqBuilder {
	b.walkID = id
	return b
}

// WithGPPN sets the guest-physical page number to translate.
func (b HWalkReqBuilder) WithGPPN(gppn uint64) HWalkReqBuilder {
	b.gppn = gppn
	return b
}

// WithVMID sets the virtual machine of the request to build.
func (b HWalkReqBuilder) WithVMID(vmid VMID) HWalkReqBuilder {
	b.vmid = vmid
	return b
}

// WithStart lets the walk start below the root when the caller already
// resolved a partial prefix.
func (b HWalkReqBuilder) WithStart(level Level, ppn uint64) HWalkReqBuilder {
	b.hasStart = true
	b.startLevel = level
	b.startPPN = ppn
	return b
}

// Build creates a new HWalkReq.
func (b HWalkReqBuilder) Build() *HWalkReq {
	r := &HWalkReq{}
	r.ID = sim.GetIDGenerator().Generate()
	r.Src = b.src
	r.Dst = b.dst
	r.WalkID = b.walkID
	r.GPPN = b.gppn
	r.VMID = b.vmid
	r.HasStart = b.hasStart
	r.StartLevel = b.startLevel
	r.StartPPN = b.startPPN

	return r
}

// A HWalkRsp returns the host page number for a nested walk, tagged with the
// caller's correlation id.
type HWalkRsp struct {
	sim.MsgMeta

	RespondTo string
	WalkID    string
	GPPN      uint64
	PPN       uint64
	Level     Level
	Fault     Fault
}

// Meta returns the meta data associated with the message.
func (r *HWalkRsp) Meta() *sim.MsgMeta {
	return &r.MsgMeta
}

// Clone returns a copy of the message with a different ID.
func (r *HWalkRsp) Clone() sim.Msg {
	cloneMsg := *r
	cloneMsg.ID = sim.GetIDGenerator().Generate()

	return &cloneMsg
}

// GetRspTo returns the ID of the request this response answers.
func (r *HWalkRsp) GetRspTo() string {
	return r.RespondTo
}

// HWalkRspBuilder can build nested walk responses.
type HWalkRspBuilder struct {
	src, dst  sim.RemotePort
	rspTo     string
	walkID    string
	gppn, ppn uint64
	level     Level
	fault     Fault
}

// WithSrc sets the source of the response to build.
func (b HWalkRspBuilder) WithSrc(src sim.RemotePort) HWalkRspBuilder {
	b.src = src
	return b
}

// WithDst sets the destination of the response to build.
func (b HWalkRspBuilder) WithDst(dst sim.RemotePort) HWalkRspBuilder {
	b.dst = dst
	return b
}

// WithRspTo sets the request that the response to build answers.
func (b HWalkRspBuilder) WithRspTo(id string) HWalkRspBuilder {
	b.rspTo = id
	return b
}

// WithWalkID echoes the caller's correlation id.
func (b HWalkRspBuilder) WithWalkID(id string) HWalkRspBuilder {
	b.walkID = id
	return b
}

// WithGPPN sets the guest-physical page number that was translated.
func (b HWalkRspBuilder) WithGPPN(gppn uint64) HWalkRspBuilder {
	b.gppn = gppn
	return b
}

// WithPPN sets the host physical page number of the response to build.
func (b HWalkRspBuilder) WithPPN(ppn uint64) HWalkRspBuilder {
	b.ppn = ppn
	return b
}

// WithLevel sets the level the nested walk resolved at.
func (b HWalkRspBuilder) WithLevel(level Level) HWalkRspBuilder {
	b.level = level
	return b
}

// WithFault sets the fault of the response to build.
func (b HWalkRspBuilder) WithFault(fault Fault) HWalkRspBuilder {
	b.fault = fault
	return b
}

// Build creates a new HWalkRsp.
func (b HWalkRspBuilder) Build() *HWalkRsp {
	r := &HWalkRsp{}
	r.ID = sim.GetIDGenerator().Generate()
	r.Src = b.src
	r.Dst = b.dst
	r.RespondTo = b.rspTo
	r.WalkID = b.walkID
	r.GPPN = b.gppn
	r.PPN = b.ppn
	r.Level = b.level
	r.Fault = b.fault

	return r
}
