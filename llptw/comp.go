// Package llptw implements the last-level walk queue. It fetches leaf page
// table entries for many misses concurrently, deduplicating sector-aligned
// fetches and arbitrating the shared memory and nested-walk ports.
package llptw

import (
	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/ptwsim/vm"
)

type entryState int

const (
	entryNestedSend entryState = iota
	entryNestedWait
	entryMemSend
	entryMemWait
	entryWaitSibling
	entryRefill
)

// An entry is one in-flight leaf walk. Entries that share a sector link to
// the entry owning the memory transaction instead of issuing their own.
type entry struct {
	req    *vm.LLPTWReq
	state  entryState
	sector uint64

	tablePPN  uint64
	hostAddr  uint64
	walkID    string
	readReqID string

	block [vm.SectorSize]vm.PTE
	fault vm.Fault

	sibling *entry
}

// Stats counts what the queue observed since construction.
type Stats struct {
	Accepted  uint64
	Deduped   uint64
	Discarded uint64
	MemReads  uint64
	Refills   uint64
}

// Comp is the last-level walk queue.
type Comp struct {
	*sim.TickingComponent
	sim.MiddlewareHolder

	reqPort     sim.Port
	memPort     sim.Port
	nestedPort  sim.Port
	refillPort  sim.Port
	controlPort sim.Port

	MemModule    sim.Port
	CachePort    sim.Port
	NestedModule sim.Port

	capacity int
	entries  []*entry
	rrMem    int
	rrNested int

	checkPMA func(addr uint64) bool

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
	c.entries = nil
	c.rrMem = 0
	c.rrNested = 0
}

func (c *Comp) isFull() bool {
	return len(c.entries) >= c.capacity
}

// findOwner returns the in-flight entry owning the memory transaction for a
// sector under a context, if any.
func (c *Comp) findOwner(
	sector uint64,
	asid vm.ASID,
	vmid vm.VMID,
	stage vm.Stage,
) *entry {
	for _, e := range c.entries {
		if e.state == entryWaitSibling {
			continue
		}
		if e.sector == sector && e.req.ASID == asid &&
			e.req.VMID == vmid && e.req.Stage == stage {
			return e
		}
	}

	return nil
}

func (c *Comp) removeEntry(target *entry) {
	for i, e := range c.entries {
		if e == target {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}
