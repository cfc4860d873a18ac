package pagecache

import (
	"log"

	"github.com/sarchlab/akita/v4/mem/mem"
	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/ptwsim/pagecache/internal"
	"github.com/sarchlab/ptwsim/vm"
)

type ctrlMiddleware struct {
	*Comp
}

func (m *ctrlMiddleware) Tick() bool {
	madeProgress := m.collectWalkerFlushAcks()
	madeProgress = m.forwardFlush() || madeProgress
	madeProgress = m.completeFlush() || madeProgress
	madeProgress = m.acceptCtrlMsg() || madeProgress

	return madeProgress
}

func (m *ctrlMiddleware) acceptCtrlMsg() bool {
	item := m.controlPort.PeekIncoming()
	if item == nil {
		return false
	}

	switch msg := item.(type) {
	case *mem.ControlMsg:
		return m.handleControlMsg(msg)
	case *vm.InvalidateReq:
		return m.handleInvalidate(msg)
	case *vm.FlushReq:
		return m.handleFlush(msg)
	default:
		log.Panicf("cannot handle message of %T", item)
	}

	return false
}

func (m *ctrlMiddleware) handleControlMsg(msg *mem.ControlMsg) bool {
	m.ctrlMsgMustBeValidInCurrentState(msg)

	switch {
	case msg.Enable:
		m.state = cacheStateEnable
	case msg.Drain:
		m.state = cacheStateDrain
	case msg.Pause:
		m.state = cacheStatePause
	}

	m.controlPort.RetrieveIncoming()

	return true
}

func (m *ctrlMiddleware) ctrlMsgMustBeValidInCurrentState(
	msg *mem.ControlMsg,
) {
	switch m.state {
	case cacheStateEnable:
		if msg.Enable {
			log.Panic("page cache is already enabled")
		}
	case cacheStatePause:
		if msg.Pause {
			log.Panic("page cache is already paused")
		}
		if msg.Drain {
			log.Panic("cannot drain a paused page cache")
		}
	case cacheStateDrain:
		if msg.Drain {
			log.Panic("page cache is already draining")
		}
		if msg.Pause || msg.Enable {
			log.Panic("cannot pause/enable a draining page cache")
		}
	default:
		log.Panic("unknown page cache state")
	}
}

// handleFlush clears every storage level together with all in-flight lookup
// and miss state, then forwards the flush to the walkers so walks already in
// flight are abandoned. Requests absorbed by the flush produce no response;
// the requester is answered once every walker has acknowledged.
func (m *ctrlMiddleware) handleFlush(req *vm.FlushReq) bool {
	if m.flushing != nil {
		return false
	}

	m.controlPort.RetrieveIncoming()

	m.clearStorages()
	m.reset()

	m.flushing = req
	m.flushTargets = append([]sim.Port(nil), m.WalkerCtrlModules...)
	m.flushAcks = len(m.flushTargets)

	return true
}

func (m *ctrlMiddleware) clearStorages() {
	m.l1.InvalidateMatching(func(e *internal.NonLeafEntry) bool {
		return true
	})
	m.l2.InvalidateMatching(func(e *internal.NonLeafEntry) bool {
		return true
	})
	m.leaf.InvalidateMatching(func(l *internal.LeafLine) bool {
		return true
	}, nil)
	m.sp.InvalidateMatching(func(e *internal.SuperpageEntry) bool {
		return true
	})
}

func (m *ctrlMiddleware) forwardFlush() bool {
	if m.flushing == nil || len(m.flushTargets) == 0 {
		return false
	}

	req := vm.FlushReqBuilder{}.
		WithSrc(m.walkerCtrlPort.AsRemote()).
		WithDst(m.flushTargets[0].AsRemote()).
		Build()

	err := m.walkerCtrlPort.Send(req)
	if err != nil {
		return false
	}

	m.flushTargets = m.flushTargets[1:]

	return true
}

func (m *ctrlMiddleware) collectWalkerFlushAcks() bool {
	item := m.walkerCtrlPort.PeekIncoming()
	if item == nil {
		return false
	}

	if _, ok := item.(*sim.GeneralRsp); !ok {
		log.Panicf("cannot handle message of %T", item)
	}

	m.walkerCtrlPort.RetrieveIncoming()
	m.flushAcks--

	return true
}

// completeFlush answers the flush requester once every walker has
// acknowledged. A refill from an abandoned walk can still land while the
// acknowledgments are in flight, so the storages are cleared once more on
// completion.
func (m *ctrlMiddleware) completeFlush() bool {
	if m.flushing == nil || len(m.flushTargets) > 0 || m.flushAcks > 0 {
		return false
	}

	rsp := sim.GeneralRspBuilder{}.
		WithSrc(m.controlPort.AsRemote()).
		WithDst(m.flushing.Src).
		WithOriginalReq(m.flushing).
		Build()

	err := m.controlPort.Send(rsp)
	if err != nil {
		return false
	}

	m.clearStorages()
	m.reset()
	m.flushing = nil

	return true
}

func (m *ctrlMiddleware) handleInvalidate(req *vm.InvalidateReq) bool {
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
	m.applyInvalidate(req)
	m.stats.Invalidations++

	return true
}

// applyInvalidate clears the valid bits the request's selectors reach. The
// three request kinds differ only in which stage tags they touch and whether
// the ASID selector applies.
func (m *ctrlMiddleware) applyInvalidate(req *vm.InvalidateReq) {
	stageOK := stageSelector(req)

	contextOK := func(stage vm.Stage, vmid vm.VMID,
		asid vm.ASID, global bool) bool {
		if !stageOK(stage) {
			return false
		}
		if vmid != req.VMID {
			return false
		}
		if req.Kind != vm.InvGuestPhysical && req.MatchASID {
			// Global mappings survive ASID-targeted invalidations.
			if global || asid != req.ASID {
				return false
			}
		}
		return true
	}

	if !req.MatchAddr {
		m.l1.InvalidateMatching(func(e *internal.NonLeafEntry) bool {
			return contextOK(e.Stage, e.VMID, e.ASID, e.Global)
		})
		m.l2.InvalidateMatching(func(e *internal.NonLeafEntry) bool {
			return contextOK(e.Stage, e.VMID, e.ASID, e.Global)
		})
	}

	var matchSector func(l *internal.LeafLine, sector int) bool
	if req.MatchAddr {
		matchSector = func(l *internal.LeafLine, sector int) bool {
			return l.Tag+uint64(sector) == req.VPN
		}
	}
	m.leaf.InvalidateMatching(func(l *internal.LeafLine) bool {
		if !contextOK(l.Stage, l.VMID, l.ASID, l.Global) {
			return false
		}
		return !req.MatchAddr || l.Tag == vm.SectorBase(req.VPN)
	}, matchSector)

	m.sp.InvalidateMatching(func(e *internal.SuperpageEntry) bool {
		if !contextOK(e.Stage, e.VMID, e.ASID, e.Global) {
			return false
		}
		return !req.MatchAddr || e.CoversVPN(req.VPN)
	})
}

// stageSelector maps the request kind to the stage tags it may clear.
// Ordinary invalidations reach first-stage entries, and nested ones too when
// issued from a virtualized context. Guest-physical invalidations reach only
// second-stage entries.
func stageSelector(req *vm.InvalidateReq) func(s vm.Stage) bool {
	switch req.Kind {
	case vm.InvStage1:
		if req.Virtualized {
			return func(s vm.Stage) bool {
				return s == vm.OnlyStage1 || s == vm.AllStage
			}
		}
		return func(s vm.Stage) bool { return s == vm.OnlyStage1 }
	case vm.InvGuestVirtual:
		return func(s vm.Stage) bool {
			return s == vm.OnlyStage1 || s == vm.AllStage
		}
	case vm.InvGuestPhysical:
		return func(s vm.Stage) bool { return s == vm.OnlyStage2 }
	default:
		return func(s vm.Stage) bool { return false }
	}
}
