// Package l2tlb assembles the page-table-walk subsystem: the page cache,
// the non-leaf walker, the last-level walk queue, and the second-stage
// walker, wired together over direct connections.
package l2tlb

import (
	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/akita/v4/sim/directconnection"

	"github.com/sarchlab/ptwsim/hptw"
	"github.com/sarchlab/ptwsim/llptw"
	"github.com/sarchlab/ptwsim/pagecache"
	"github.com/sarchlab/ptwsim/ptw"
)

// Comp bundles the four components of the subsystem. Translation requests
// enter through the page cache's top port, invalidations through its control
// port, and table fetches leave through the walkers' memory ports.
type Comp struct {
	Cache *pagecache.Comp
	PTW   *ptw.Comp
	LLPTW *llptw.Comp
	HPTW  *hptw.Comp
}

// TopPort returns the port translation requests enter through.
func (c *Comp) TopPort() sim.Port {
	return c.Cache.GetPortByName("Top")
}

// ControlPort returns the port invalidations and state commands enter
// through.
func (c *Comp) ControlPort() sim.Port {
	return c.Cache.GetPortByName("Control")
}

// WalkerControlPorts returns the flush ports of the three walkers.
func (c *Comp) WalkerControlPorts() []sim.Port {
	return []sim.Port{
		c.PTW.GetPortByName("Control"),
		c.LLPTW.GetPortByName("Control"),
		c.HPTW.GetPortByName("Control"),
	}
}

// SetRoots sets the page numbers of the first-stage and second-stage root
// tables on every walker.
func (c *Comp) SetRoots(stage1, stage2 uint64) {
	c.PTW.SetRoots(stage1, stage2)
	c.HPTW.SetRoot(stage2)
}

// Builder can build page-table-walk subsystems.
type Builder struct {
	engine   sim.Engine
	freq     sim.Freq
	memPort  sim.Port
	checkPMA func(addr uint64) bool

	mshrCapacity  int
	queueCapacity int
	eccEnabled    bool
}

// MakeBuilder returns a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		freq:          1 * sim.GHz,
		mshrCapacity:  16,
		queueCapacity: 8,
		eccEnabled:    true,
	}
}

// WithEngine sets the engine that the subsystem uses.
func (b Builder) WithEngine(engine sim.Engine) Builder {
	b.engine = engine
	return b
}

// WithFreq sets the frequency that the subsystem works at.
func (b Builder) WithFreq(freq sim.Freq) Builder {
	b.freq = freq
	return b
}

// WithMemPort sets the port of the memory controller that serves table
// fetches.
func (b Builder) WithMemPort(port sim.Port) Builder {
	b.memPort = port
	return b
}

// WithPMACheck sets the predicate that allows or denies physical accesses.
func (b Builder) WithPMACheck(check func(addr uint64) bool) Builder {
	b.checkPMA = check
	return b
}

// WithMSHRCapacity sets the number of misses the page cache tracks at a
// time.
func (b Builder) WithMSHRCapacity(n int) Builder {
	b.mshrCapacity = n
	return b
}

// WithQueueCapacity sets the number of walks the last-level queue tracks at
// a time.
func (b Builder) WithQueueCapacity(n int) Builder {
	b.queueCapacity = n
	return b
}

// WithECC turns the page cache's integrity codes on or off.
func (b Builder) WithECC(enabled bool) Builder {
	b.eccEnabled = enabled
	return b
}

// Build creates the subsystem and wires its internal connections.
func (b Builder) Build(name string) *Comp {
	c := &Comp{}

	c.Cache = pagecache.MakeBuilder().
		WithEngine(b.engine).
		WithFreq(b.freq).
		WithMSHRCapacity(b.mshrCapacity).
		WithECC(b.eccEnabled).
		Build(name + ".Cache")

	c.PTW = ptw.MakeBuilder().
		WithEngine(b.engine).
		WithFreq(b.freq).
		WithPMACheck(b.checkPMA).
		Build(name + ".PTW")

	c.LLPTW = llptw.MakeBuilder().
		WithEngine(b.engine).
		WithFreq(b.freq).
		WithCapacity(b.queueCapacity).
		WithPMACheck(b.checkPMA).
		Build(name + ".LLPTW")

	c.HPTW = hptw.MakeBuilder().
		WithEngine(b.engine).
		WithFreq(b.freq).
		WithPMACheck(b.checkPMA).
		Build(name + ".HPTW")

	b.wireModules(c)
	b.connect(name, c)

	return c
}

func (b Builder) wireModules(c *Comp) {
	cacheRefill := c.Cache.GetPortByName("Refill")

	c.Cache.PTWModule = c.PTW.GetPortByName("Req")
	c.Cache.LLPTWModule = c.LLPTW.GetPortByName("Req")
	c.Cache.WalkerCtrlModules = []sim.Port{
		c.PTW.GetPortByName("Control"),
		c.LLPTW.GetPortByName("Control"),
		c.HPTW.GetPortByName("Control"),
	}

	c.PTW.LLPTWModule = c.LLPTW.GetPortByName("Req")
	c.PTW.NestedModule = c.HPTW.GetPortByName("Walk")
	c.PTW.CachePort = cacheRefill
	c.PTW.MemModule = b.memPort

	c.LLPTW.NestedModule = c.HPTW.GetPortByName("Walk")
	c.LLPTW.CachePort = cacheRefill
	c.LLPTW.MemModule = b.memPort

	c.HPTW.CachePort = cacheRefill
	c.HPTW.MemModule = b.memPort
}

func (b Builder) connect(name string, c *Comp) {
	walkerConn := directconnection.MakeBuilder().
		WithEngine(b.engine).
		WithFreq(b.freq).
		Build(name + ".WalkerConn")
	walkerConn.PlugIn(c.Cache.GetPortByName("Walker"))
	walkerConn.PlugIn(c.PTW.GetPortByName("Req"))
	walkerConn.PlugIn(c.LLPTW.GetPortByName("Req"))

	refillConn := directconnection.MakeBuilder().
		WithEngine(b.engine).
		WithFreq(b.freq).
		Build(name + ".RefillConn")
	refillConn.PlugIn(c.Cache.GetPortByName("Refill"))
	refillConn.PlugIn(c.PTW.GetPortByName("Refill"))
	refillConn.PlugIn(c.LLPTW.GetPortByName("Refill"))
	refillConn.PlugIn(c.HPTW.GetPortByName("Refill"))

	nestedConn := directconnection.MakeBuilder().
		WithEngine(b.engine).
		WithFreq(b.freq).
		Build(name + ".NestedConn")
	nestedConn.PlugIn(c.HPTW.GetPortByName("Walk"))
	nestedConn.PlugIn(c.PTW.GetPortByName("Nested"))
	nestedConn.PlugIn(c.LLPTW.GetPortByName("Nested"))

	ctrlConn := directconnection.MakeBuilder().
		WithEngine(b.engine).
		WithFreq(b.freq).
		Build(name + ".CtrlConn")
	ctrlConn.PlugIn(c.Cache.GetPortByName("WalkerCtrl"))
	ctrlConn.PlugIn(c.PTW.GetPortByName("Control"))
	ctrlConn.PlugIn(c.LLPTW.GetPortByName("Control"))
	ctrlConn.PlugIn(c.HPTW.GetPortByName("Control"))

	memConn := directconnection.MakeBuilder().
		WithEngine(b.engine).
		WithFreq(b.freq).
		Build(name + ".MemConn")
	memConn.PlugIn(c.PTW.GetPortByName("Mem"))
	memConn.PlugIn(c.LLPTW.GetPortByName("Mem"))
	memConn.PlugIn(c.HPTW.GetPortByName("Mem"))
	memConn.PlugIn(b.memPort)
}
