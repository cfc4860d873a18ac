package pagecache

import (
	"log"

	"github.com/sarchlab/akita/v4/tracing"

	"github.com/sarchlab/ptwsim/pagecache/internal"
	"github.com/sarchlab/ptwsim/vm"
)

type middleware struct {
	*Comp
}

func (m *middleware) Tick() bool {
	madeProgress := false

	switch m.state {
	case cacheStateEnable:
		madeProgress = m.runPipeline(true) || madeProgress
	case cacheStateDrain:
		madeProgress = m.runPipeline(false) || madeProgress
		if m.fullyDrained() {
			m.state = cacheStatePause
		}
	case cacheStatePause:
		// All traffic held until re-enabled.
	}

	return madeProgress
}

func (m *middleware) runPipeline(acceptNew bool) bool {
	m.refillActive = false

	madeProgress := false
	madeProgress = m.parseRefill() || madeProgress
	madeProgress = m.respondMSHREntry() || madeProgress
	madeProgress = m.finishRespondStage() || madeProgress
	madeProgress = m.advancePipeline() || madeProgress
	if acceptNew {
		madeProgress = m.acceptLookup() || madeProgress
	}

	return madeProgress
}

func (m *middleware) fullyDrained() bool {
	return m.reqStage == nil && m.delayStage == nil &&
		m.checkStage == nil && m.respondStage == nil &&
		len(m.respondQueue) == 0
}

// acceptLookup moves one request from the top port into the request stage,
// reading all four storages in the same step. Requests for a page that is
// already being walked join the outstanding entry instead of entering the
// pipeline.
func (m *middleware) acceptLookup() bool {
	item := m.topPort.PeekIncoming()
	if item == nil {
		return false
	}

	req, ok := item.(*vm.TranslationReq)
	if !ok {
		log.Panicf("cannot handle message of %T", item)
	}

	entry := m.mshr.Query(req.VPN, req.ASID, req.VMID, req.Stage)
	if entry != nil {
		m.topPort.RetrieveIncoming()
		m.stats.MSHRHits++
		if !req.IsPrefetch {
			entry.requests = append(entry.requests, req)
		}
		tracing.TraceReqReceive(req, m.Comp)
		tracing.AddTaskStep(req.ID, m.Comp, "mshr-hit")

		return true
	}

	if m.reqStage != nil || m.refillActive {
		return false
	}

	m.topPort.RetrieveIncoming()
	tracing.TraceReqReceive(req, m.Comp)

	m.reqStage = m.newFlight(req)

	return true
}

func (m *middleware) newFlight(req *vm.TranslationReq) *flight {
	f := &flight{req: req}

	f.l1Ways = m.l1.Snapshot(0)
	f.l2SetID = m.l2.SetID(req.VPN >> vm.IndexBits)
	f.l2Ways = m.l2.Snapshot(f.l2SetID)
	f.leafSetID = m.leaf.SetID(vm.SectorBase(req.VPN))
	f.leafWays = m.leaf.Snapshot(f.leafSetID)
	f.spWays = m.sp.Snapshot()

	return f
}

// advancePipeline shifts flights forward, back to front, resolving hit or
// miss as a flight enters the check stage.
func (m *middleware) advancePipeline() bool {
	madeProgress := false

	if m.respondStage == nil && m.checkStage != nil {
		m.respondStage = m.checkStage
		m.checkStage = nil
		madeProgress = true
	}

	if m.checkStage == nil && m.delayStage != nil {
		m.checkStage = m.delayStage
		m.delayStage = nil
		m.resolveFlight(m.checkStage)
		madeProgress = true
	}

	if m.delayStage == nil && m.reqStage != nil {
		m.delayStage = m.reqStage
		m.reqStage = nil
		madeProgress = true
	}

	return madeProgress
}

// resolveFlight compares the captured readouts against the request. Leaf and
// superpage results are checked first, the two non-leaf levels only matter
// when neither holds the page.
func (m *middleware) resolveFlight(f *flight) {
	req := f.req
	res := &f.res

	leafWay := -1
	for i, line := range f.leafWays {
		if !line.Matches(
			vm.SectorBase(req.VPN), req.ASID, req.VMID, req.Stage) {
			continue
		}

		if m.eccEnabled && !line.CheckECC() {
			m.containECCError(f, "leaf", func() {
				m.leaf.InvalidateSet(f.leafSetID)
			})
			break
		}

		idx := vm.SectorIndex(req.VPN)
		if line.SectorValid[idx] {
			pte := line.PTEs[idx]
			res.leafHit = true
			res.hitPPN = pte.PPN()
			res.hitPerm = pte.Perm()
			res.hitLevel = vm.Level4KB
			leafWay = i
		}
		break
	}

	spWay := -1
	for i, e := range f.spWays {
		if e.Matches(req.VPN, req.ASID, req.VMID, req.Stage) {
			res.spHit = true
			spWay = i
			if !res.leafHit {
				res.hitPPN = e.MappedPPN(req.VPN)
				res.hitPerm = e.Perm
				res.hitLevel = e.Level
			}
			break
		}
	}

	if res.leafHit && res.spHit {
		m.reportDualHit(f, leafWay, spWay)
		return
	}

	if res.leafHit {
		m.leaf.Visit(f.leafSetID, leafWay)
		m.stats.LeafHits++
		return
	}
	if res.spHit {
		m.sp.Visit(spWay)
		m.stats.SuperpageHits++
		return
	}

	m.resolveNonLeaf(f)
}

func (m *middleware) resolveNonLeaf(f *flight) {
	req := f.req
	res := &f.res

	for i, e := range f.l2Ways {
		if !e.Matches(req.VPN>>vm.IndexBits, req.ASID, req.VMID, req.Stage) {
			continue
		}

		if m.eccEnabled && !e.CheckECC() {
			m.containECCError(f, "mid-level", func() {
				m.l2.InvalidateSet(f.l2SetID)
			})
			return
		}

		res.hasNonLeaf = true
		res.nonLeafLevel = vm.Level2MB
		res.nonLeafPPN = e.PPN
		m.l2.Visit(f.l2SetID, i)
		m.stats.NonLeafHits++

		return
	}

	for i, e := range f.l1Ways {
		if e.Matches(
			req.VPN>>(2*vm.IndexBits), req.ASID, req.VMID, req.Stage) {
			res.hasNonLeaf = true
			res.nonLeafLevel = vm.Level1GB
			res.nonLeafPPN = e.PPN
			m.l1.Visit(0, i)
			m.stats.NonLeafHits++

			return
		}
	}
}

// containECCError invalidates the whole set the corrupted entry lives in and
// downgrades the lookup to a flagged miss.
func (m *middleware) containECCError(f *flight, table string, wipe func()) {
	wipe()
	f.res.eccError = true
	m.stats.ECCErrors++

	log.Printf("%s: ECC mismatch in %s table, vpn 0x%x, set invalidated",
		m.Name(), table, f.req.VPN)
}

// reportDualHit handles a page found in both the leaf and the superpage
// table at once. The copies may disagree, so both are dropped and the page
// is re-walked.
func (m *middleware) reportDualHit(f *flight, leafWay, spWay int) {
	req := f.req

	m.leaf.InvalidateLine(f.leafSetID, leafWay)
	m.sp.InvalidateWay(spWay)

	res := &f.res
	res.leafHit = false
	res.spHit = false
	res.eccError = true
	m.stats.DualHits++

	log.Printf("%s: vpn 0x%x hit in both leaf and superpage tables, "+
		"both copies invalidated", m.Name(), req.VPN)
}

// finishRespondStage retires the flight in the respond stage, either
// answering a hit or escalating a miss to a walker.
func (m *middleware) finishRespondStage() bool {
	f := m.respondStage
	if f == nil {
		return false
	}

	if f.res.leafHit || f.res.spHit {
		return m.respondHit(f)
	}

	if f.anyBypassed() {
		return m.requeryFlight(f)
	}

	return m.escalateMiss(f)
}

func (m *middleware) respondHit(f *flight) bool {
	req := f.req

	if req.IsPrefetch {
		m.respondStage = nil
		return true
	}

	b := vm.TranslationRspBuilder{}.
		WithSrc(m.topPort.AsRemote()).
		WithDst(req.Src).
		WithRspTo(req.ID).
		WithVPN(req.VPN).
		WithPPN(f.res.hitPPN).
		WithPerm(f.res.hitPerm).
		WithLevel(f.res.hitLevel)
	if f.wasBypassed {
		b = b.WithBypassed()
	}

	err := m.topPort.Send(b.Build())
	if err != nil {
		return false
	}

	m.respondStage = nil
	tracing.AddTaskStep(req.ID, m.Comp, "hit")
	tracing.TraceReqComplete(req, m.Comp)

	return true
}

// requeryFlight sends a flight whose readouts were overtaken by a refill back
// to the request stage for a fresh lookup.
func (m *middleware) requeryFlight(f *flight) bool {
	if m.reqStage != nil {
		return false
	}

	m.stats.Bypasses++

	fresh := m.newFlight(f.req)
	fresh.wasBypassed = true
	m.reqStage = fresh
	m.respondStage = nil

	return true
}

func (m *middleware) escalateMiss(f *flight) bool {
	req := f.req

	entry := m.mshr.Query(req.VPN, req.ASID, req.VMID, req.Stage)
	if entry != nil {
		if !req.IsPrefetch {
			entry.requests = append(entry.requests, req)
		}
		m.respondStage = nil
		m.stats.MSHRHits++
		tracing.AddTaskStep(req.ID, m.Comp, "mshr-hit")

		return true
	}

	if !req.IsPrefetch && m.mshr.IsFull() {
		return false
	}

	if !m.sendEscalation(f) {
		return false
	}

	m.stats.Misses++
	tracing.AddTaskStep(req.ID, m.Comp, "miss")

	if req.IsPrefetch {
		m.respondStage = nil
		return true
	}

	entry = m.mshr.Add(req.VPN, req.ASID, req.VMID, req.Stage)
	entry.requests = append(entry.requests, req)
	entry.eccError = f.res.eccError
	entry.bypassed = f.wasBypassed
	m.respondStage = nil

	return true
}

// sendEscalation routes the miss. A hit on the deepest non-leaf level means
// only the last step of the walk is missing, which is the miss queue's job.
// Everything else goes to the full walker, resuming mid-walk when a shallower
// non-leaf level hit.
func (m *middleware) sendEscalation(f *flight) bool {
	req := f.req
	res := f.res

	if res.hasNonLeaf && res.nonLeafLevel == vm.Level2MB {
		lb := vm.LLPTWReqBuilder{}.
			WithSrc(m.walkerPort.AsRemote()).
			WithDst(m.LLPTWModule.AsRemote()).
			WithVPN(req.VPN).
			WithASID(req.ASID).
			WithVMID(req.VMID).
			WithStage(req.Stage).
			WithTablePPN(res.nonLeafPPN)
		if req.IsFirst {
			lb = lb.FirstIssue()
		}
		if req.IsPrefetch {
			lb = lb.AsPrefetch()
		}

		return m.walkerPort.Send(lb.Build()) == nil
	}

	b := vm.PTWReqBuilder{}.
		WithSrc(m.walkerPort.AsRemote()).
		WithDst(m.PTWModule.AsRemote()).
		WithVPN(req.VPN).
		WithASID(req.ASID).
		WithVMID(req.VMID).
		WithStage(req.Stage)
	if req.IsFirst {
		b = b.FirstIssue()
	}
	if req.IsPrefetch {
		b = b.AsPrefetch()
	}
	if res.hasNonLeaf {
		b = b.WithResume(res.nonLeafLevel, res.nonLeafPPN)
	}

	return m.walkerPort.Send(b.Build()) == nil
}

// respondMSHREntry answers one waiter of one completed entry per step.
func (m *middleware) respondMSHREntry() bool {
	if len(m.respondQueue) == 0 {
		return false
	}

	entry := m.respondQueue[0]
	if len(entry.requests) == 0 {
		m.respondQueue = m.respondQueue[1:]
		return true
	}

	req := entry.requests[0]
	b := vm.TranslationRspBuilder{}.
		WithSrc(m.topPort.AsRemote()).
		WithDst(req.Src).
		WithRspTo(req.ID).
		WithVPN(req.VPN).
		WithPPN(entry.ppn).
		WithPerm(entry.perm).
		WithLevel(entry.level).
		WithFault(entry.fault)
	if entry.eccError {
		b = b.WithECCError()
	}
	if entry.bypassed {
		b = b.WithBypassed()
	}

	err := m.topPort.Send(b.Build())
	if err != nil {
		return false
	}

	entry.requests = entry.requests[1:]
	tracing.TraceReqComplete(req, m.Comp)

	return true
}

// parseRefill absorbs one walker refill per step. Refills have priority over
// new lookups for the storage write ports.
func (m *middleware) parseRefill() bool {
	item := m.refillPort.PeekIncoming()
	if item == nil {
		return false
	}

	msg, ok := item.(*vm.RefillMsg)
	if !ok {
		return false
	}

	m.refillPort.RetrieveIncoming()
	m.refillActive = true
	m.stats.Refills++

	if msg.Fault == vm.NoFault {
		m.storeRefill(msg)
		m.markBypassed(msg)
	}
	m.completeMSHREntries(msg)

	return true
}

// storeRefill writes the refill into the storage its target level selects. A
// non-leaf refill whose selected entry turns out to be a leaf is a superpage
// and is redirected to the superpage table.
func (m *middleware) storeRefill(msg *vm.RefillMsg) {
	if msg.TargetLevel == vm.Level4KB {
		m.storeLeafRefill(msg)
		return
	}

	selected := msg.SelectedPTE()
	if !selected.Valid() || selected.Reserved() {
		return
	}

	if selected.IsLeaf() {
		if selected.Misaligned(msg.TargetLevel) {
			return
		}
		m.sp.Refill(internal.SuperpageEntry{
			Tag:    msg.VPN,
			Level:  msg.TargetLevel,
			PPN:    selected.PPN(),
			Perm:   selected.Perm(),
			ASID:   msg.ASID,
			VMID:   msg.VMID,
			Stage:  msg.Stage,
			Global: selected.Perm().G,
			Valid:  true,
		})
		return
	}

	entry := internal.NonLeafEntry{
		ASID:   msg.ASID,
		VMID:   msg.VMID,
		Stage:  msg.Stage,
		PPN:    selected.PPN(),
		Global: selected.Perm().G,
		Valid:  true,
	}

	switch msg.TargetLevel {
	case vm.Level1GB:
		entry.Tag = msg.VPN >> (2 * vm.IndexBits)
		m.l1.Refill(entry)
	case vm.Level2MB:
		entry.Tag = msg.VPN >> vm.IndexBits
		m.l2.Refill(entry)
	}
}

func (m *middleware) storeLeafRefill(msg *vm.RefillMsg) {
	line := internal.LeafLine{
		Tag:   vm.SectorBase(msg.VPN),
		ASID:  msg.ASID,
		VMID:  msg.VMID,
		Stage: msg.Stage,
		Valid: true,
		PTEs:  msg.PTEs,
	}

	anyValid := false
	for i, pte := range msg.PTEs {
		ok := pte.Valid() && pte.IsLeaf() && !pte.Reserved()
		line.SectorValid[i] = ok
		anyValid = anyValid || ok
	}
	if !anyValid {
		return
	}

	line.Global = msg.SelectedPTE().Perm().G
	m.leaf.Refill(line)
}

// markBypassed tags in-flight lookups whose readouts the refill just made
// stale. They will re-query instead of escalating a spurious miss.
func (m *middleware) markBypassed(msg *vm.RefillMsg) {
	stages := []*flight{
		m.reqStage, m.delayStage, m.checkStage, m.respondStage,
	}
	for _, f := range stages {
		if f == nil {
			continue
		}
		if m.refillOverlaps(f.req, msg) {
			f.bypassed[msg.TargetLevel] = true
		}
	}
}

func (m *middleware) refillOverlaps(
	req *vm.TranslationReq,
	msg *vm.RefillMsg,
) bool {
	if req.VMID != msg.VMID || req.Stage != msg.Stage {
		return false
	}

	switch msg.TargetLevel {
	case vm.Level4KB:
		return vm.SectorBase(req.VPN) == vm.SectorBase(msg.VPN)
	case vm.Level2MB:
		return req.VPN>>vm.IndexBits == msg.VPN>>vm.IndexBits
	default:
		return req.VPN>>(2*vm.IndexBits) == msg.VPN>>(2*vm.IndexBits)
	}
}

// completeMSHREntries resolves every outstanding miss the refill can answer
// and queues them for responding.
func (m *middleware) completeMSHREntries(msg *vm.RefillMsg) {
	var completed []*mshrEntry

	switch {
	case msg.Fault != vm.NoFault:
		completed = m.mshr.TakeMatching(func(e *mshrEntry) bool {
			if !m.entryMatchesContext(e, msg) {
				return false
			}
			return m.faultCovers(e.vpn, msg)
		})
		for _, e := range completed {
			e.fault = msg.Fault
		}

	case msg.TargetLevel == vm.Level4KB:
		completed = m.mshr.TakeMatching(func(e *mshrEntry) bool {
			return m.entryMatchesContext(e, msg) &&
				vm.SectorBase(e.vpn) == vm.SectorBase(msg.VPN)
		})
		for _, e := range completed {
			m.resolveFromSector(e, msg)
		}

	default:
		selected := msg.SelectedPTE()
		if !selected.Valid() || selected.Reserved() {
			completed = m.completeWithPageFault(msg)
			break
		}
		if !selected.IsLeaf() {
			// The walk continues, entries stay outstanding.
			return
		}
		completed = m.completeFromSuperpage(msg, selected)
	}

	for _, e := range completed {
		e.done = true
		m.respondQueue = append(m.respondQueue, e)
	}
}

func (m *middleware) entryMatchesContext(
	e *mshrEntry,
	msg *vm.RefillMsg,
) bool {
	return e.vmid == msg.VMID && e.stage == msg.Stage &&
		e.asid == msg.ASID
}

// faultCovers reports whether a faulting walk for msg.VPN also resolves the
// entry. A leaf-level fault covers the sector, a non-leaf fault covers every
// page under the faulting table entry.
func (m *middleware) faultCovers(vpn uint64, msg *vm.RefillMsg) bool {
	switch msg.TargetLevel {
	case vm.Level4KB:
		return vm.SectorBase(vpn) == vm.SectorBase(msg.VPN)
	case vm.Level2MB:
		return vpn>>vm.IndexBits == msg.VPN>>vm.IndexBits
	default:
		return vpn>>(2*vm.IndexBits) == msg.VPN>>(2*vm.IndexBits)
	}
}

func (m *middleware) resolveFromSector(e *mshrEntry, msg *vm.RefillMsg) {
	pte := msg.PTEs[vm.SectorIndex(e.vpn)]
	if !pte.Valid() || !pte.IsLeaf() || pte.Reserved() {
		e.fault = vm.PageFault
		if msg.Stage == vm.OnlyStage2 {
			e.fault = vm.GuestPageFault
		}
		return
	}

	e.ppn = pte.PPN()
	e.perm = pte.Perm()
	e.level = vm.Level4KB
}

func (m *middleware) completeWithPageFault(
	msg *vm.RefillMsg,
) []*mshrEntry {
	completed := m.mshr.TakeMatching(func(e *mshrEntry) bool {
		return m.entryMatchesContext(e, msg) &&
			m.faultCovers(e.vpn, msg)
	})

	fault := vm.PageFault
	if msg.Stage == vm.OnlyStage2 {
		fault = vm.GuestPageFault
	}
	for _, e := range completed {
		e.fault = fault
	}

	return completed
}

func (m *middleware) completeFromSuperpage(
	msg *vm.RefillMsg,
	selected vm.PTE,
) []*mshrEntry {
	sp := internal.SuperpageEntry{
		Tag:   msg.VPN,
		Level: msg.TargetLevel,
		PPN:   selected.PPN(),
		Perm:  selected.Perm(),
		Valid: true,
	}

	completed := m.mshr.TakeMatching(func(e *mshrEntry) bool {
		return m.entryMatchesContext(e, msg) && sp.CoversVPN(e.vpn)
	})

	for _, e := range completed {
		if selected.Misaligned(msg.TargetLevel) {
			e.fault = vm.PageFault
			if msg.Stage == vm.OnlyStage2 {
				e.fault = vm.GuestPageFault
			}
			continue
		}
		e.ppn = sp.MappedPPN(e.vpn)
		e.perm = selected.Perm()
		e.level = msg.TargetLevel
	}

	return completed
}
