package hptw

import (
	"github.com/sarchlab/akita/v4/sim"
)

// Builder can build second-stage walkers.
type Builder struct {
	engine   sim.Engine
	freq     sim.Freq
	root     uint64
	checkPMA func(addr uint64) bool
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

// WithRoot sets the page number of the second-stage root table.
func (b Builder) WithRoot(ppn uint64) Builder {
	b.root = ppn
	return b
}

// WithPMACheck sets the predicate that allows or denies physical accesses.
// Denied table fetches terminate the walk with a guest access fault.
func (b Builder) WithPMACheck(check func(addr uint64) bool) Builder {
	b.checkPMA = check
	return b
}

// Build creates a new second-stage walker.
func (b Builder) Build(name string) *Comp {
	c := &Comp{}
	c.TickingComponent = sim.NewTickingComponent(name, b.engine, b.freq, c)

	c.root = b.root
	c.checkPMA = b.checkPMA
	c.state = walkerIdle

	c.walkPort = sim.NewPort(c, 4, 4, name+".WalkPort")
	c.AddPort("Walk", c.walkPort)

	c.memPort = sim.NewPort(c, 4, 4, name+".MemPort")
	c.AddPort("Mem", c.memPort)

	c.refillPort = sim.NewPort(c, 4, 4, name+".RefillPort")
	c.AddPort("Refill", c.refillPort)

	c.controlPort = sim.NewPort(c, 4, 4, name+".ControlPort")
	c.AddPort("Control", c.controlPort)

	c.AddMiddleware(&middleware{Comp: c})

	return c
}
