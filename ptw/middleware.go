package ptw

import (
	"log"

	"github.com/rs/xid"
	"github.com/sarchlab/akita/v4/mem/mem"
	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/akita/v4/tracing"

	"github.com/sarchlab/ptwsim/vm"
)

type middleware struct {
	*Comp
}

func (m *middleware) Tick() bool {
	madeProgress := false

	madeProgress = m.handleFlush() || madeProgress
	madeProgress = m.sendDispatch() || madeProgress
	madeProgress = m.retryNestedReq() || madeProgress
	madeProgress = m.issueDescend() || madeProgress
	madeProgress = m.sendPendingRefill() || madeProgress
	madeProgress = m.parseNestedRsp() || madeProgress
	madeProgress = m.parseMemRsp() || madeProgress
	madeProgress = m.acceptWalk() || madeProgress

	return madeProgress
}

func (m *middleware) handleFlush() bool {
	item := m.controlPort.PeekIncoming()
	if item == nil {
		return false
	}

	req, ok := item.(*vm.FlushReq)
	if !ok {
		log.Panicf("cannot handle message of %T", item)
	}

	rsp := sim.GeneralRspBuilder{}.
		WithSrc(m.controlPort.AsRemote()).
		WithDst(req.Src).
		WithOriginalReq(req).
		Build()

	err := m.controlPort.Send(rsp)
	if err != nil {
		return false
	}

	m.controlPort.RetrieveIncoming()
	m.reset()

	return true
}

// acceptWalk admits one miss when idle. The walk starts at the root, or one
// level below a non-leaf entry the page cache already holds.
func (m *middleware) acceptWalk() bool {
	if m.state != walkerIdle {
		return false
	}

	item := m.reqPort.PeekIncoming()
	if item == nil {
		return false
	}

	req, ok := item.(*vm.PTWReq)
	if !ok {
		log.Panicf("cannot handle message of %T", item)
	}

	level := vm.Level1GB
	tablePPN := m.rootFor(req)
	if req.HasResume {
		level = req.ResumeLevel + 1
		tablePPN = req.ResumePPN
	}

	m.current = walk{req: req, level: level, tablePPN: tablePPN}
	m.reqPort.RetrieveIncoming()
	tracing.TraceReqReceive(req, m.Comp)

	m.beginLevel()

	return true
}

func (m *middleware) rootFor(req *vm.PTWReq) uint64 {
	if req.Stage == vm.OnlyStage2 {
		return m.rootStage2
	}

	return m.rootStage1
}

// beginLevel starts the current level's table fetch. In a nested walk the
// table lives at a guest-physical address that the second-stage walker must
// resolve first.
func (m *middleware) beginLevel() {
	cur := &m.current

	if cur.req.Stage == vm.AllStage {
		cur.walkID = xid.New().String()
		if m.sendNestedReq() {
			m.state = walkerNestedWait
		} else {
			m.state = walkerNestedSend
		}

		return
	}

	addr := vm.TableEntryAddr(cur.tablePPN, cur.req.VPN, cur.level)
	m.issueRead(addr)
}

func (m *middleware) sendNestedReq() bool {
	cur := &m.current
	entryAddr := vm.TableEntryAddr(cur.tablePPN, cur.req.VPN, cur.level)

	req := vm.HWalkReqBuilder{}.
		WithSrc(m.nestedPort.AsRemote()).
		WithDst(m.NestedModule.AsRemote()).
		WithWalkID(cur.walkID).
		WithGPPN(entryAddr >> vm.PageShift).
		WithVMID(cur.req.VMID).
		Build()

	return m.nestedPort.Send(req) == nil
}

func (m *middleware) retryNestedReq() bool {
	if m.state != walkerNestedSend {
		return false
	}

	if m.sendNestedReq() {
		m.state = walkerNestedWait
		return true
	}

	return false
}

func (m *middleware) parseNestedRsp() bool {
	item := m.nestedPort.PeekIncoming()
	if item == nil {
		return false
	}

	rsp, ok := item.(*vm.HWalkRsp)
	if !ok {
		log.Panicf("cannot handle message of %T", item)
	}

	if m.state != walkerNestedWait || rsp.WalkID != m.current.walkID {
		// Left over from a walk a flush discarded.
		m.nestedPort.RetrieveIncoming()
		return true
	}

	m.nestedPort.RetrieveIncoming()

	if rsp.Fault != vm.NoFault {
		m.queueFaultRefill(rsp.Fault)
		return true
	}

	cur := &m.current
	entryAddr := vm.TableEntryAddr(cur.tablePPN, cur.req.VPN, cur.level)
	pageMask := uint64(1)<<vm.PageShift - 1
	m.issueRead(rsp.PPN<<vm.PageShift | entryAddr&pageMask)

	return true
}

func (m *middleware) issueRead(hostAddr uint64) {
	if m.checkPMA != nil && !m.checkPMA(hostAddr) {
		m.queueFaultRefill(vm.AccessFault)
		return
	}

	readReq := mem.ReadReqBuilder{}.
		WithSrc(m.memPort.AsRemote()).
		WithDst(m.MemModule.AsRemote()).
		WithAddress(hostAddr).
		WithByteSize(vm.SectorSize * vm.PTESize).
		Build()

	err := m.memPort.Send(readReq)
	if err != nil {
		m.current.hostAddr = hostAddr
		m.state = walkerDescend

		return
	}

	m.current.readReqID = readReq.ID
	m.state = walkerMemWait
}

// issueDescend retries a read the memory port refused earlier.
func (m *middleware) issueDescend() bool {
	if m.state != walkerDescend {
		return false
	}

	readReq := mem.ReadReqBuilder{}.
		WithSrc(m.memPort.AsRemote()).
		WithDst(m.MemModule.AsRemote()).
		WithAddress(m.current.hostAddr).
		WithByteSize(vm.SectorSize * vm.PTESize).
		Build()

	err := m.memPort.Send(readReq)
	if err != nil {
		return false
	}

	m.current.readReqID = readReq.ID
	m.state = walkerMemWait

	return true
}

func (m *middleware) parseMemRsp() bool {
	item := m.memPort.PeekIncoming()
	if item == nil {
		return false
	}

	rsp, ok := item.(*mem.DataReadyRsp)
	if !ok {
		log.Panicf("cannot handle message of %T", item)
	}

	if m.state != walkerMemWait || rsp.RespondTo != m.current.readReqID {
		m.memPort.RetrieveIncoming()
		return true
	}

	m.memPort.RetrieveIncoming()
	m.parsePTEBlock(vm.DecodePTEBlock(rsp.Data))

	return true
}

// parsePTEBlock consumes one fetched non-leaf sector. Every outcome queues a
// refill; what happens after depends on whether the walk found a pointer, a
// superpage, or a terminal condition. Invalid entries are refilled as-is,
// the page cache derives the page fault when completing its waiters.
func (m *middleware) parsePTEBlock(block [vm.SectorSize]vm.PTE) {
	cur := &m.current
	selected := int(vm.VPNIndex(cur.req.VPN, cur.level)) % vm.SectorSize
	pte := block[selected]

	m.queueRefill(block, selected)

	if !pte.Valid() || pte.Reserved() || pte.IsLeaf() {
		cur.after = thenDone
		return
	}

	if cur.level == vm.Level2MB {
		// Pointer to the leaf table. The last level is the queue's job.
		cur.tablePPN = pte.PPN()
		cur.after = thenDispatch

		return
	}

	cur.level++
	cur.tablePPN = pte.PPN()
	cur.after = thenDescend
}

func (m *middleware) queueRefill(block [vm.SectorSize]vm.PTE, selected int) {
	cur := &m.current

	m.pendingRefill = vm.RefillMsgBuilder{}.
		WithSrc(m.refillPort.AsRemote()).
		WithDst(m.CachePort.AsRemote()).
		WithVPN(cur.req.VPN).
		WithASID(cur.req.ASID).
		WithVMID(cur.req.VMID).
		WithStage(cur.req.Stage).
		WithTargetLevel(cur.level).
		WithPTEs(block).
		WithSelectedIndex(selected).
		Build()
	m.state = walkerRefill
}

func (m *middleware) queueFaultRefill(fault vm.Fault) {
	cur := &m.current

	m.pendingRefill = vm.RefillMsgBuilder{}.
		WithSrc(m.refillPort.AsRemote()).
		WithDst(m.CachePort.AsRemote()).
		WithVPN(cur.req.VPN).
		WithASID(cur.req.ASID).
		WithVMID(cur.req.VMID).
		WithStage(cur.req.Stage).
		WithTargetLevel(cur.level).
		WithFault(fault).
		Build()
	cur.after = thenDone
	m.state = walkerRefill
}

func (m *middleware) sendPendingRefill() bool {
	if m.state != walkerRefill || m.pendingRefill == nil {
		return false
	}

	err := m.refillPort.Send(m.pendingRefill)
	if err != nil {
		return false
	}

	m.pendingRefill = nil

	switch m.current.after {
	case thenDone:
		tracing.TraceReqComplete(m.current.req, m.Comp)
		m.reset()
	case thenDescend:
		m.beginLevel()
	case thenDispatch:
		m.state = walkerDispatch
	}

	return true
}

// sendDispatch hands the leaf level of the walk to the last-level queue.
func (m *middleware) sendDispatch() bool {
	if m.state != walkerDispatch {
		return false
	}

	cur := &m.current
	b := vm.LLPTWReqBuilder{}.
		WithSrc(m.reqPort.AsRemote()).
		WithDst(m.LLPTWModule.AsRemote()).
		WithVPN(cur.req.VPN).
		WithASID(cur.req.ASID).
		WithVMID(cur.req.VMID).
		WithStage(cur.req.Stage).
		WithTablePPN(cur.tablePPN)
	if cur.req.IsPrefetch {
		b = b.AsPrefetch()
	}

	err := m.reqPort.Send(b.Build())
	if err != nil {
		return false
	}

	tracing.TraceReqComplete(cur.req, m.Comp)
	m.reset()

	return true
}
