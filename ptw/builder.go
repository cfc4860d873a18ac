package ptw

import (
	"github.com/sarchlab/akita/v4/sim"
)

// Builder can build non-leaf walkers.
type Builder struct {
	engine     sim.Engine
	freq       sim.Freq
	rootStage1 uint64
	rootStage2 uint64
	checkPMA   func(addr uint64) bool
}

// MakeBuilder returns a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		freq: 1 * sim.GHz,
	}
}

// WithEngine sets the engine that the walker uses.
func (b Builder) WithEngine(engine sim.Engine) Builder {
	b.engine = engine
	return b
}

// WithFreq sets the frequency that the walker works at.
func (b Builder) WithFreq(freq sim.Freq) Builder {
	b.freq = freq
	return b
}

// WithRoots sets the page numbers of the first-stage and second-stage root
// tables.
func (b Builder) WithRoots(stage1, stage2 uint64) Builder {
	b.rootStage1 = stage1
	b.rootStage2 = stage2
	return b
}

// WithPMACheck sets the predicate that allows or denies physical accesses.
// Denied table fetches terminate the walk with an access fault.
func (b Builder) WithPMACheck(check func(addr uint64) bool) Builder {
	b.checkPMA = check
	return b
}

// Build creates a new non-leaf walker.
func (b Builder) Build(name string) *Comp {
	c := &Comp{}
	c.TickingComponent = sim.NewTickingComponent(name, b.engine, b.freq, c)

	c.rootStage1 = b.rootStage1
	c.rootStage2 = b.rootStage2
	c.checkPMA = b.checkPMA
	c.state = walkerIdle

	c.reqPort = sim.NewPort(c, 4, 4, name+".ReqPort")
	c.AddPort("Req", c.reqPort)

	c.memPort = sim.NewPort(c, 4, 4, name+".MemPort")
	c.AddPort("Mem", c.memPort)

	c.refillPort = sim.NewPort(c, 4, 4, name+".RefillPort")
	c.AddPort("Refill", c.refillPort)

	c.nestedPort = sim.NewPort(c, 4, 4, name+".NestedPort")
	c.AddPort("Nested", c.nestedPort)

	c.controlPort = sim.NewPort(c, 4, 4, name+".ControlPort")
	c.AddPort("Control", c.controlPort)

	c.AddMiddleware(&middleware{Comp: c})

	return c
}
