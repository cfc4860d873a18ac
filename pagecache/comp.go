// Package pagecache implements the pipelined cache of previously-fetched
// page-table entries. It serves hits without walking, escalates misses to the
// walkers, absorbs their refills, and applies address-space invalidations.
package pagecache

import (
	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/ptwsim/pagecache/internal"
	"github.com/sarchlab/ptwsim/vm"
)

const (
	cacheStateEnable = "enable"
	cacheStateDrain  = "drain"
	cacheStatePause  = "pause"
)

// Stats counts what the cache observed since construction.
type Stats struct {
	LeafHits      uint64
	SuperpageHits uint64
	NonLeafHits   uint64
	Misses        uint64
	MSHRHits      uint64
	PrefetchDrops uint64
	Bypasses      uint64
	Refills       uint64
	ECCErrors     uint64
	DualHits      uint64
	Invalidations uint64
}

// Comp is the page-table-walk cache. It is an Akita ticking component with a
// four-stage lookup pipeline in front of four storages: two non-leaf levels,
// a sectored leaf level, and a superpage table.
type Comp struct {
	*sim.TickingComponent
	sim.MiddlewareHolder

	topPort        sim.Port
	refillPort     sim.Port
	controlPort    sim.Port
	walkerPort     sim.Port
	walkerCtrlPort sim.Port

	PTWModule         sim.Port
	LLPTWModule       sim.Port
	WalkerCtrlModules []sim.Port

	l1   *internal.NonLeafTable
	l2   *internal.NonLeafTable
	leaf *internal.LeafTable
	sp   *internal.SuperpageTable

	reqStage     *flight
	delayStage   *flight
	checkStage   *flight
	respondStage *flight

	mshr         *mshr
	respondQueue []*mshrEntry

	state        string
	refillActive bool
	eccEnabled   bool

	flushing     *vm.FlushReq
	flushTargets []sim.Port
	flushAcks    int

	stats Stats
}

// Tick runs the middlewares of the component.
func (c *Comp) Tick() bool {
	return c.MiddlewareHolder.Tick()
}

// CollectStats returns a copy of the counters.
func (c *Comp) CollectStats() Stats {
	return c.stats
}

func (c *Comp) reset() {
	c.reqStage = nil
	c.delayStage = nil
	c.checkStage = nil
	c.respondStage = nil
	c.mshr.Reset()
	c.respondQueue = nil
}

// A flight is one lookup moving through the pipeline. It carries the storage
// readouts captured at the request stage and accumulates bypass state.
type flight struct {
	req *vm.TranslationReq

	l1Ways     []internal.NonLeafEntry
	l2SetID    int
	l2Ways     []internal.NonLeafEntry
	leafSetID  int
	leafWays   []internal.LeafLine
	spWays     []internal.SuperpageEntry

	bypassed     [vm.NumLevels]bool
	wasBypassed  bool

	res lookupResult
}

// lookupResult is the unified outcome of the check stage.
type lookupResult struct {
	leafHit bool
	spHit   bool

	hitPPN   uint64
	hitPerm  vm.PermBits
	hitLevel vm.Level

	hasNonLeaf   bool
	nonLeafLevel vm.Level
	nonLeafPPN   uint64

	eccError bool
}

func (f *flight) anyBypassed() bool {
	for _, b := range f.bypassed {
		if b {
			return true
		}
	}

	return false
}

// An mshrEntry tracks one outstanding miss. All requests for the same page
// under the same context link to one entry and are answered from one walk.
type mshrEntry struct {
	vpn   uint64
	asid  vm.ASID
	vmid  vm.VMID
	stage vm.Stage

	requests []*vm.TranslationReq

	eccError bool
	bypassed bool

	done  bool
	ppn   uint64
	perm  vm.PermBits
	level vm.Level
	fault vm.Fault
}

type mshr struct {
	capacity int
	entries  []*mshrEntry
}

func (m *mshr) Query(
	vpn uint64,
	asid vm.ASID,
	vmid vm.VMID,
	stage vm.Stage,
) *mshrEntry {
	for _, e := range m.entries {
		if e.vpn == vpn && e.asid == asid && e.vmid == vmid &&
			e.stage == stage {
			return e
		}
	}

	return nil
}

func (m *mshr) Add(
	vpn uint64,
	asid vm.ASID,
	vmid vm.VMID,
	stage vm.Stage,
) *mshrEntry {
	if m.IsFull() {
		panic("adding to a full MSHR")
	}
	if m.Query(vpn, asid, vmid, stage) != nil {
		panic("adding an address that is already in the MSHR")
	}

	entry := &mshrEntry{vpn: vpn, asid: asid, vmid: vmid, stage: stage}
	m.entries = append(m.entries, entry)

	return entry
}

func (m *mshr) Remove(entry *mshrEntry) {
	for i, e := range m.entries {
		if e == entry {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return
		}
	}
}

// TakeMatching removes and returns all entries the selector matches.
func (m *mshr) TakeMatching(match func(e *mshrEntry) bool) []*mshrEntry {
	var taken []*mshrEntry
	remaining := m.entries[:0]
	for _, e := range m.entries {
		if match(e) {
			taken = append(taken, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	m.entries = remaining

	return taken
}

func (m *mshr) IsFull() bool {
	return len(m.entries) >= m.capacity
}

func (m *mshr) Reset() {
	m.entries = nil
}
