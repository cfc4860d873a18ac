// Package hptw implements the walker for the second translation stage. It
// resolves guest-physical page numbers to host-physical ones on behalf of
// the other walkers, one walk at a time.
package hptw

import (
	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/ptwsim/vm"
)

type walkerState int

const (
	walkerIdle walkerState = iota
	walkerMemWait
	walkerRefill
	walkerDescend
	walkerRespond
)

// Stats counts what the walker observed since construction.
type Stats struct {
	Walks    uint64
	MemReads uint64
}

// A walk tracks the one in-flight second-stage walk.
type walk struct {
	req       *vm.HWalkReq
	level     vm.Level
	tablePPN  uint64
	readReqID string
}

// Comp is the second-stage walker. It accepts HWalkReq messages on its walk
// port, fetches guest page-table entries from memory, refills them into the
// page cache, and answers with the host page number or a guest fault.
type Comp struct {
	*sim.TickingComponent
	sim.MiddlewareHolder

	walkPort    sim.Port
	memPort     sim.Port
	refillPort  sim.Port
	controlPort sim.Port

	MemModule   sim.Port
	CachePort   sim.Port

	root     uint64
	checkPMA func(addr uint64) bool

	state         walkerState
	current       walk
	pendingRefill *vm.RefillMsg
	pendingRsp    *vm.HWalkRsp

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

// SetRoot sets the page number of the second-stage root table.
func (c *Comp) SetRoot(ppn uint64) {
	c.root = ppn
}

func (c *Comp) reset() {
	c.state = walkerIdle
	c.current = walk{}
	c.pendingRefill = nil
	c.pendingRsp = nil
}
