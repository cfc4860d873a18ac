package llptw

import (
	"github.com/sarchlab/akita/v4/sim"
)

// Builder can build last-level walk queues.
type Builder struct {
	engine   sim.Engine
	freq     sim.Freq
	capacity int
	checkPMA func(addr uint64) bool
}

// MakeBuilder returns a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		freq:     1 * sim.GHz,
		capacity: 8,
	}
}

// WithEngine sets the engine that the queue uses.
func (b Builder) WithEngine(engine sim.Engine) Builder {
	b.engine = engine
	return b
}

// WithFreq sets the frequency that the queue works at.
func (b Builder) WithFreq(freq sim.Freq) Builder {
	b.freq = freq
	return b
}

// WithCapacity sets the number of walks the queue tracks at a time.
func (b Builder) WithCapacity(n int) Builder {
	b.capacity = n
	return b
}

// WithPMACheck sets the predicate that allows or denies physical accesses.
func (b Builder) WithPMACheck(check func(addr uint64) bool) Builder {
	b.checkPMA = check
	return b
}

// Build creates a new last-level walk queue.
func (b Builder) Build(name string) *Comp {
	c := &Comp{}
	c.TickingComponent = sim.NewTickingComponent(name, b.engine, b.freq, c)

	c.capacity = b.capacity
	c.checkPMA = b.checkPMA

	c.reqPort = sim.NewPort(c, 4, 4, name+".ReqPort")
	c.AddPort("Req", c.reqPort)

	c.memPort = sim.NewPort(c, 4, 4, name+".MemPort")
	c.AddPort("Mem", c.memPort)

	c.nestedPort = sim.NewPort(c, 4, 4, name+".NestedPort")
	c.AddPort("Nested", c.nestedPort)

	c.refillPort = sim.NewPort(c, 4, 4, name+".RefillPort")
	c.AddPort("Refill", c.refillPort)

	c.controlPort = sim.NewPort(c, 4, 4, name+".ControlPort")
	c.AddPort("Control", c.controlPort)

	c.AddMiddleware(&middleware{Comp: c})

	return c
}
