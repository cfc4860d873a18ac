package pagecache

import (
	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/ptwsim/pagecache/internal"
)

// Builder can build page-table-walk caches.
type Builder struct {
	engine sim.Engine
	freq   sim.Freq

	l1Ways       int
	l2Sets       int
	l2Ways       int
	leafSets     int
	leafWays     int
	spWays       int
	mshrCapacity int
	eccEnabled   bool
	policy       func(numWays int) internal.Policy
}

// MakeBuilder returns a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		freq:         1 * sim.GHz,
		l1Ways:       16,
		l2Sets:       32,
		l2Ways:       8,
		leafSets:     64,
		leafWays:     8,
		spWays:       16,
		mshrCapacity: 16,
		eccEnabled:   true,
		policy:       internal.NewTreePLRU,
	}
}

// WithEngine sets the engine that the cache uses.
func (b Builder) WithEngine(engine sim.Engine) Builder {
	b.engine = engine
	return b
}

// WithFreq sets the frequency that the cache works at.
func (b Builder) WithFreq(freq sim.Freq) Builder {
	b.freq = freq
	return b
}

// WithL1Ways sets the capacity of the fully-associative root-level table.
func (b Builder) WithL1Ways(n int) Builder {
	b.l1Ways = n
	return b
}

// WithL2Geometry sets the sets and ways of the mid-level table.
func (b Builder) WithL2Geometry(sets, ways int) Builder {
	b.l2Sets = sets
	b.l2Ways = ways
	return b
}

// WithLeafGeometry sets the sets and ways of the sectored leaf table.
func (b Builder) WithLeafGeometry(sets, ways int) Builder {
	b.leafSets = sets
	b.leafWays = ways
	return b
}

// WithSuperpageWays sets the capacity of the superpage table.
func (b Builder) WithSuperpageWays(n int) Builder {
	b.spWays = n
	return b
}

// WithMSHRCapacity sets the number of misses the cache can track at a time.
func (b Builder) WithMSHRCapacity(n int) Builder {
	b.mshrCapacity = n
	return b
}

// WithECC turns the integrity codes of the mid-level and leaf tables on or
// off.
func (b Builder) WithECC(enabled bool) Builder {
	b.eccEnabled = enabled
	return b
}

// WithReplacementPolicy sets the constructor of the per-set replacement
// policy.
func (b Builder) WithReplacementPolicy(
	policy func(numWays int) internal.Policy,
) Builder {
	b.policy = policy
	return b
}

// Build creates a new page-table-walk cache.
func (b Builder) Build(name string) *Comp {
	c := &Comp{}
	c.TickingComponent = sim.NewTickingComponent(name, b.engine, b.freq, c)

	c.l1 = internal.NewNonLeafTable(1, b.l1Ways, false, b.policy)
	c.l2 = internal.NewNonLeafTable(b.l2Sets, b.l2Ways, b.eccEnabled, b.policy)
	c.leaf = internal.NewLeafTable(b.leafSets, b.leafWays, b.policy)
	c.eccEnabled = b.eccEnabled
	c.sp = internal.NewSuperpageTable(b.spWays, b.policy)

	c.mshr = &mshr{capacity: b.mshrCapacity}
	c.state = cacheStateEnable

	c.createPorts(name)
	c.AddMiddleware(&ctrlMiddleware{Comp: c})
	c.AddMiddleware(&middleware{Comp: c})

	return c
}

func (c *Comp) createPorts(name string) {
	c.topPort = sim.NewPort(c, 4, 4, name+".TopPort")
	c.AddPort("Top", c.topPort)

	c.refillPort = sim.NewPort(c, 4, 4, name+".RefillPort")
	c.AddPort("Refill", c.refillPort)

	c.walkerPort = sim.NewPort(c, 4, 4, name+".WalkerPort")
	c.AddPort("Walker", c.walkerPort)

	c.controlPort = sim.NewPort(c, 4, 4, name+".ControlPort")
	c.AddPort("Control", c.controlPort)

	c.walkerCtrlPort = sim.NewPort(c, 4, 4, name+".WalkerCtrlPort")
	c.AddPort("WalkerCtrl", c.walkerCtrlPort)
}
