package llptw

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
	madeProgress = m.sendRefill() || madeProgress
	madeProgress = m.parseMemRsp() || madeProgress
	madeProgress = m.parseNestedRsp() || madeProgress
	madeProgress = m.issueMem() || madeProgress
	madeProgress = m.issueNested() || madeProgress
	madeProgress = m.acceptReq() || madeProgress

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

// acceptReq admits one request per step. A request whose sector another
// entry is already fetching does not issue its own transaction: it links to
// that entry, completes immediately if the data arrived this very step, or
// is discarded outright when it is a prefetch.
func (m *middleware) acceptReq() bool {
	item := m.reqPort.PeekIncoming()
	if item == nil {
		return false
	}

	req, ok := item.(*vm.LLPTWReq)
	if !ok {
		log.Panicf("cannot handle message of %T", item)
	}

	sector := vm.SectorBase(req.VPN)
	owner := m.findOwner(sector, req.ASID, req.VMID, req.Stage)

	if owner != nil {
		m.reqPort.RetrieveIncoming()
		m.stats.Deduped++

		if req.IsPrefetch || owner.state == entryRefill {
			// The owner's refill covers this request.
			m.stats.Discarded++
			return true
		}

		if m.isFull() {
			// Track the dedup without a slot of its own.
			return true
		}

		tracing.TraceReqReceive(req, m.Comp)
		m.entries = append(m.entries, &entry{
			req:     req,
			state:   entryWaitSibling,
			sector:  sector,
			sibling: owner,
		})

		return true
	}

	if m.isFull() {
		return false
	}

	m.reqPort.RetrieveIncoming()
	tracing.TraceReqReceive(req, m.Comp)
	m.stats.Accepted++

	e := &entry{
		req:      req,
		sector:   sector,
		tablePPN: req.TablePPN,
	}
	if req.Stage == vm.AllStage {
		e.state = entryNestedSend
	} else {
		e.state = entryMemSend
		e.hostAddr = vm.TableEntryAddr(e.tablePPN, req.VPN, vm.Level4KB)
	}
	m.entries = append(m.entries, e)

	return true
}

// issueNested picks one entry round-robin and sends its table address to the
// second-stage walker.
func (m *middleware) issueNested() bool {
	e := m.pickEntry(&m.rrNested, entryNestedSend)
	if e == nil {
		return false
	}

	if e.walkID == "" {
		e.walkID = xid.New().String()
	}

	entryAddr := vm.TableEntryAddr(e.tablePPN, e.req.VPN, vm.Level4KB)
	req := vm.HWalkReqBuilder{}.
		WithSrc(m.nestedPort.AsRemote()).
		WithDst(m.NestedModule.AsRemote()).
		WithWalkID(e.walkID).
		WithGPPN(entryAddr >> vm.PageShift).
		WithVMID(e.req.VMID).
		Build()

	err := m.nestedPort.Send(req)
	if err != nil {
		return false
	}

	e.state = entryNestedWait

	return true
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

	m.nestedPort.RetrieveIncoming()

	e := m.entryByWalkID(rsp.WalkID)
	if e == nil {
		return true
	}

	if rsp.Fault != vm.NoFault {
		e.fault = rsp.Fault
		e.state = entryRefill
		return true
	}

	entryAddr := vm.TableEntryAddr(e.tablePPN, e.req.VPN, vm.Level4KB)
	pageMask := uint64(1)<<vm.PageShift - 1
	e.hostAddr = rsp.PPN<<vm.PageShift | entryAddr&pageMask
	e.state = entryMemSend

	return true
}

func (m *middleware) entryByWalkID(walkID string) *entry {
	for _, e := range m.entries {
		if e.state == entryNestedWait && e.walkID == walkID {
			return e
		}
	}

	return nil
}

// issueMem picks one entry round-robin and fetches its leaf sector.
func (m *middleware) issueMem() bool {
	e := m.pickEntry(&m.rrMem, entryMemSend)
	if e == nil {
		return false
	}

	if m.checkPMA != nil && !m.checkPMA(e.hostAddr) {
		e.fault = vm.AccessFault
		if e.req.Stage == vm.OnlyStage2 {
			e.fault = vm.GuestAccessFault
		}
		e.state = entryRefill

		return true
	}

	readReq := mem.ReadReqBuilder{}.
		WithSrc(m.memPort.AsRemote()).
		WithDst(m.MemModule.AsRemote()).
		WithAddress(e.hostAddr).
		WithByteSize(vm.SectorSize * vm.PTESize).
		Build()

	err := m.memPort.Send(readReq)
	if err != nil {
		return false
	}

	e.readReqID = readReq.ID
	e.state = entryMemWait
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

	m.memPort.RetrieveIncoming()

	for _, e := range m.entries {
		if e.state == entryMemWait && e.readReqID == rsp.RespondTo {
			e.block = vm.DecodePTEBlock(rsp.Data)
			e.state = entryRefill
			break
		}
	}

	return true
}

// sendRefill completes one finished entry per step. The refill carries the
// whole sector, so linked siblings complete with it and emit nothing.
func (m *middleware) sendRefill() bool {
	var done *entry
	for _, e := range m.entries {
		if e.state == entryRefill {
			done = e
			break
		}
	}
	if done == nil {
		return false
	}

	b := vm.RefillMsgBuilder{}.
		WithSrc(m.refillPort.AsRemote()).
		WithDst(m.CachePort.AsRemote()).
		WithVPN(done.req.VPN).
		WithASID(done.req.ASID).
		WithVMID(done.req.VMID).
		WithStage(done.req.Stage).
		WithTargetLevel(vm.Level4KB).
		WithSelectedIndex(int(vm.SectorIndex(done.req.VPN)))
	if done.fault != vm.NoFault {
		b = b.WithFault(done.fault)
	} else {
		b = b.WithPTEs(done.block)
	}
	if done.req.IsPrefetch {
		b = b.AsPrefetch()
	}

	err := m.refillPort.Send(b.Build())
	if err != nil {
		return false
	}

	m.stats.Refills++
	tracing.TraceReqComplete(done.req, m.Comp)
	m.removeEntry(done)

	for _, e := range m.siblingsOf(done) {
		tracing.TraceReqComplete(e.req, m.Comp)
		m.removeEntry(e)
	}

	return true
}

func (m *middleware) siblingsOf(owner *entry) []*entry {
	var siblings []*entry
	for _, e := range m.entries {
		if e.state == entryWaitSibling && e.sibling == owner {
			siblings = append(siblings, e)
		}
	}

	return siblings
}

// pickEntry scans the queue round-robin for the next entry in the wanted
// state.
func (m *middleware) pickEntry(rr *int, want entryState) *entry {
	n := len(m.entries)
	if n == 0 {
		return nil
	}

	for i := 0; i < n; i++ {
		idx := (*rr + i) % n
		if m.entries[idx].state == want {
			*rr = (idx + 1) % n
			return m.entries[idx]
		}
	}

	return nil
}
