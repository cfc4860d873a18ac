// Package agent provides a request driver that feeds translation lookups
// and invalidations into the subsystem and records the results. Simulations
// and testbenches use it as the traffic source.
package agent

import (
	"log"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/ptwsim/vm"
)

type lookupOp struct {
	vpn   uint64
	asid  vm.ASID
	vmid  vm.VMID
	stage vm.Stage
}

type invalidateOp struct {
	kind        vm.InvalidateKind
	vpn         uint64
	matchAddr   bool
	asid        vm.ASID
	matchASID   bool
	vmid        vm.VMID
	virtualized bool
}

type flushOp struct {
	immediate bool
}

// Comp issues its scripted operations in order. Lookups flow back to back,
// one per cycle. An invalidation or flush acts as a barrier: it waits for
// all outstanding lookups, then for its own acknowledgment.
type Comp struct {
	*sim.TickingComponent
	sim.MiddlewareHolder

	topPort  sim.Port
	ctrlPort sim.Port

	CacheModule   sim.Port
	ControlModule sim.Port

	ops         []interface{}
	outstanding int
	waitingCtrl bool
	absorbing   bool
	expected    int

	Received []*vm.TranslationRsp
}

type middleware struct {
	*Comp
}

// Tick runs the middlewares of the component.
func (c *Comp) Tick() bool {
	return c.MiddlewareHolder.Tick()
}

// StartIssuing schedules the first tick so scripted operations start
// flowing.
func (c *Comp) StartIssuing() {
	c.TickLater()
}

// AddLookup queues one translation request.
func (c *Comp) AddLookup(vpn uint64, asid vm.ASID, vmid vm.VMID,
	stage vm.Stage) {
	c.ops = append(c.ops, lookupOp{
		vpn: vpn, asid: asid, vmid: vmid, stage: stage,
	})
	c.expected++
}

// AddInvalidateAll queues an invalidation of every address of one kind,
// optionally restricted to one ASID.
func (c *Comp) AddInvalidateAll(kind vm.InvalidateKind, asid vm.ASID,
	matchASID bool, vmid vm.VMID, virtualized bool) {
	c.ops = append(c.ops, invalidateOp{
		kind: kind, asid: asid, matchASID: matchASID,
		vmid: vmid, virtualized: virtualized,
	})
}

// AddInvalidateAddr queues an invalidation of one page.
func (c *Comp) AddInvalidateAddr(kind vm.InvalidateKind, vpn uint64,
	asid vm.ASID, matchASID bool, vmid vm.VMID, virtualized bool) {
	c.ops = append(c.ops, invalidateOp{
		kind: kind, vpn: vpn, matchAddr: true,
		asid: asid, matchASID: matchASID,
		vmid: vmid, virtualized: virtualized,
	})
}

// AddFlush queues a full reset of the cache.
func (c *Comp) AddFlush() {
	c.ops = append(c.ops, flushOp{})
}

// AddImmediateFlush queues a full reset of the cache that does not wait for
// outstanding lookups. Lookups the flush absorbs produce no response and
// are written off when the flush is acknowledged.
func (c *Comp) AddImmediateFlush() {
	c.ops = append(c.ops, flushOp{immediate: true})
}

// Done reports whether every scripted operation has completed.
func (c *Comp) Done() bool {
	return len(c.ops) == 0 && c.outstanding == 0 && !c.waitingCtrl
}

func (m *middleware) Tick() bool {
	madeProgress := false

	madeProgress = m.collectLookupRsp() || madeProgress
	madeProgress = m.collectCtrlRsp() || madeProgress
	madeProgress = m.issue() || madeProgress

	return madeProgress
}

func (m *middleware) issue() bool {
	if len(m.ops) == 0 || m.waitingCtrl {
		return false
	}

	switch op := m.ops[0].(type) {
	case lookupOp:
		return m.issueLookup(op)
	case invalidateOp:
		if m.outstanding > 0 {
			return false
		}
		return m.issueInvalidate(op)
	case flushOp:
		if !op.immediate && m.outstanding > 0 {
			return false
		}
		return m.issueFlush(op)
	default:
		log.Panicf("unknown operation %T", op)
	}

	return false
}

func (m *middleware) issueLookup(op lookupOp) bool {
	req := vm.TranslationReqBuilder{}.
		WithSrc(m.topPort.AsRemote()).
		WithDst(m.CacheModule.AsRemote()).
		WithVPN(op.vpn).
		WithASID(op.asid).
		WithVMID(op.vmid).
		WithStage(op.stage).
		FirstIssue().
		Build()

	err := m.topPort.Send(req)
	if err != nil {
		return false
	}

	m.ops = m.ops[1:]
	m.outstanding++

	return true
}

func (m *middleware) issueInvalidate(op invalidateOp) bool {
	b := vm.InvalidateReqBuilder{}.
		WithSrc(m.ctrlPort.AsRemote()).
		WithDst(m.ControlModule.AsRemote()).
		WithKind(op.kind).
		WithVMID(op.vmid)
	if op.matchAddr {
		b = b.WithVPN(op.vpn)
	}
	if op.matchASID {
		b = b.WithASID(op.asid)
	}
	if op.virtualized {
		b = b.Virtualized()
	}

	err := m.ctrlPort.Send(b.Build())
	if err != nil {
		return false
	}

	m.ops = m.ops[1:]
	m.waitingCtrl = true

	return true
}

func (m *middleware) issueFlush(op flushOp) bool {
	req := vm.FlushReqBuilder{}.
		WithSrc(m.ctrlPort.AsRemote()).
		WithDst(m.ControlModule.AsRemote()).
		Build()

	err := m.ctrlPort.Send(req)
	if err != nil {
		return false
	}

	m.ops = m.ops[1:]
	m.waitingCtrl = true
	m.absorbing = op.immediate

	return true
}

func (m *middleware) collectLookupRsp() bool {
	item := m.topPort.PeekIncoming()
	if item == nil {
		return false
	}

	rsp, ok := item.(*vm.TranslationRsp)
	if !ok {
		log.Panicf("cannot handle message of %T", item)
	}

	m.topPort.RetrieveIncoming()
	m.Received = append(m.Received, rsp)
	m.outstanding--

	return true
}

func (m *middleware) collectCtrlRsp() bool {
	item := m.ctrlPort.PeekIncoming()
	if item == nil {
		return false
	}

	m.ctrlPort.RetrieveIncoming()
	m.waitingCtrl = false

	if m.absorbing {
		m.outstanding = 0
		m.absorbing = false
	}

	return true
}

// Builder can build request drivers.
type Builder struct {
	engine sim.Engine
	freq   sim.Freq
}

// MakeBuilder returns a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{freq: 1 * sim.GHz}
}

// WithEngine sets the engine that the driver uses.
func (b Builder) WithEngine(engine sim.Engine) Builder {
	b.engine = engine
	return b
}

// WithFreq sets the frequency that the driver works at.
func (b Builder) WithFreq(freq sim.Freq) Builder {
	b.freq = freq
	return b
}

// Build creates a new request driver.
func (b Builder) Build(name string) *Comp {
	c := &Comp{}
	c.TickingComponent = sim.NewTickingComponent(name, b.engine, b.freq, c)

	c.topPort = sim.NewPort(c, 16, 16, name+".TopPort")
	c.AddPort("Top", c.topPort)

	c.ctrlPort = sim.NewPort(c, 4, 4, name+".CtrlPort")
	c.AddPort("Ctrl", c.ctrlPort)

	c.AddMiddleware(&middleware{Comp: c})

	return c
}
