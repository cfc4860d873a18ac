package hptw

import (
	"log"

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
	madeProgress = m.sendPendingRsp() || madeProgress
	madeProgress = m.issueDescend() || madeProgress
	madeProgress = m.sendPendingRefill() || madeProgress
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

	// A memory response for the discarded walk may still arrive. It no
	// longer matches current.readReqID and will be dropped.

	return true
}

// acceptWalk admits one walk when idle. The first memory access goes to the
// root table unless the requester supplies a resume point.
func (m *middleware) acceptWalk() bool {
	if m.state != walkerIdle {
		return false
	}

	item := m.walkPort.PeekIncoming()
	if item == nil {
		return false
	}

	req, ok := item.(*vm.HWalkReq)
	if !ok {
		log.Panicf("cannot handle message of %T", item)
	}

	level := vm.Level1GB
	tablePPN := m.root
	if req.HasStart {
		level = req.StartLevel
		tablePPN = req.StartPPN
	}

	if !m.issueRead(req, level, tablePPN) {
		return false
	}

	m.walkPort.RetrieveIncoming()
	m.stats.Walks++
	tracing.TraceReqReceive(req, m.Comp)

	return true
}

func (m *middleware) issueRead(
	req *vm.HWalkReq,
	level vm.Level,
	tablePPN uint64,
) bool {
	addr := vm.TableEntryAddr(tablePPN, req.GPPN, level)

	if m.checkPMA != nil && !m.checkPMA(addr) {
		m.current = walk{req: req, level: level, tablePPN: tablePPN}
		m.finishWalk(0, level, vm.GuestAccessFault)
		return true
	}

	readReq := mem.ReadReqBuilder{}.
		WithSrc(m.memPort.AsRemote()).
		WithDst(m.MemModule.AsRemote()).
		WithAddress(addr).
		WithByteSize(vm.SectorSize * vm.PTESize).
		Build()

	err := m.memPort.Send(readReq)
	if err != nil {
		return false
	}

	m.current = walk{
		req:       req,
		level:     level,
		tablePPN:  tablePPN,
		readReqID: readReq.ID,
	}
	m.state = walkerMemWait
	m.stats.MemReads++

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
		// Response for a walk a flush already discarded.
		m.memPort.RetrieveIncoming()
		return true
	}

	m.memPort.RetrieveIncoming()
	m.parsePTEBlock(vm.DecodePTEBlock(rsp.Data))

	return true
}

// parsePTEBlock consumes one fetched sector and either descends a level,
// terminates with a mapping, or terminates with a guest fault.
func (m *middleware) parsePTEBlock(block [vm.SectorSize]vm.PTE) {
	cur := &m.current
	req := cur.req

	selected := int(vm.VPNIndex(req.GPPN, cur.level)) % vm.SectorSize
	pte := block[selected]

	if !pte.Valid() || pte.Reserved() {
		m.finishWalk(0, cur.level, vm.GuestPageFault)
		return
	}

	if pte.IsLeaf() {
		if pte.Misaligned(cur.level) {
			m.finishWalk(0, cur.level, vm.GuestPageFault)
			return
		}

		m.queueRefill(block, selected)
		m.pendingRsp = m.buildRsp(
			splicePPN(pte.PPN(), req.GPPN, cur.level),
			cur.level, vm.NoFault)
		m.state = walkerRefill

		return
	}

	if cur.level.IsLeafLevel() {
		// A pointer where only leaves are legal.
		m.finishWalk(0, cur.level, vm.GuestPageFault)
		return
	}

	m.queueRefill(block, selected)
	cur.nextLevel(pte.PPN())
	m.state = walkerRefill
}

func (w *walk) nextLevel(tablePPN uint64) {
	w.level++
	w.tablePPN = tablePPN
	w.readReqID = ""
}

// splicePPN merges the page-offset bits a coarse-grained mapping leaves
// untranslated into the mapped page number.
func splicePPN(ppn, gppn uint64, level vm.Level) uint64 {
	shift := uint(vm.NumLevels-1-int(level)) * vm.IndexBits
	mask := (uint64(1) << shift) - 1

	return ppn&^mask | gppn&mask
}

func (m *middleware) queueRefill(block [vm.SectorSize]vm.PTE, selected int) {
	m.pendingRefill = vm.RefillMsgBuilder{}.
		WithSrc(m.refillPort.AsRemote()).
		WithDst(m.CachePort.AsRemote()).
		WithVPN(m.current.req.GPPN).
		WithVMID(m.current.req.VMID).
		WithStage(vm.OnlyStage2).
		WithTargetLevel(m.current.level).
		WithPTEs(block).
		WithSelectedIndex(selected).
		Build()
}

func (m *middleware) finishWalk(ppn uint64, level vm.Level, fault vm.Fault) {
	m.pendingRsp = m.buildRsp(ppn, level, fault)
	m.state = walkerRespond
}

func (m *middleware) buildRsp(
	ppn uint64,
	level vm.Level,
	fault vm.Fault,
) *vm.HWalkRsp {
	req := m.current.req

	return vm.HWalkRspBuilder{}.
		WithSrc(m.walkPort.AsRemote()).
		WithDst(req.Src).
		WithRspTo(req.ID).
		WithWalkID(req.WalkID).
		WithGPPN(req.GPPN).
		WithPPN(ppn).
		WithLevel(level).
		WithFault(fault).
		Build()
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

	if m.pendingRsp != nil {
		m.state = walkerRespond
	} else {
		m.state = walkerDescend
	}

	return true
}

// issueDescend retries the next level's read until the memory port accepts
// it.
func (m *middleware) issueDescend() bool {
	if m.state != walkerDescend {
		return false
	}

	return m.issueRead(m.current.req, m.current.level, m.current.tablePPN)
}

func (m *middleware) sendPendingRsp() bool {
	if m.state != walkerRespond || m.pendingRsp == nil {
		return false
	}

	err := m.walkPort.Send(m.pendingRsp)
	if err != nil {
		return false
	}

	tracing.TraceReqComplete(m.current.req, m.Comp)
	m.reset()

	return true
}
