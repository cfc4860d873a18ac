// Package ptw implements the walker for the non-leaf levels of the page
// table. It accepts one miss at a time from the page cache, fetches table
// entries from memory, refills each resolved level, and hands the final leaf
// level to the last-level walk queue.
package ptw

import (
	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/ptwsim/vm"
)

type walkerState int

const (
	walkerIdle walkerState = iota
	walkerNestedSend
	walkerNestedWait
	walkerMemWait
	walkerRefill
	walkerDescend
	walkerDispatch
)

// afterRefill tells what the walker does once the pending refill is
// delivered.
type afterRefill int

const (
	thenDone afterRefill = iota
	thenDescend
	thenDispatch
)

// A walk tracks the one in-flight first-stage walk. tablePPN is the page
// number of the table the current level reads, in guest-physical space when
// the walk is nested.
type walk struct {
	req      *vm.PTWReq
	level    vm.Level
	tablePPN uint64

	walkID    string
	readReqID string
	hostAddr  uint64

	after afterRefill
}

// Comp is the non-leaf walker.
type Comp struct {
	*sim.TickingComponent
	sim.MiddlewareHolder

	reqPort     sim.Port
	memPort     sim.Port
	refillPort  sim.Port
	nestedPort  sim.Port
	controlPort sim.Port

	MemModule    sim.Port
	CachePort    sim.Port
	LLPTWModule  sim.Port
	NestedModule sim.Port

	rootStage1 uint64
	rootStage2 uint64
	checkPMA   func(addr uint64) bool

	state         walkerState
	current       walk
	pendingRefill *vm.RefillMsg
	pendingBlock  [vm.SectorSize]vm.PTE
}

// Tick runs the middlewares of the component.
func (c *Comp) Tick() bool {
	return c.MiddlewareHolder.Tick()
}

// SetRoots sets the page numbers of the first-stage and second-stage root
// tables.
func (c *Comp) SetRoots(stage1, stage2 uint64) {
	c.rootStage1 = stage1
	c.rootStage2 = stage2
}

func (c *Comp) reset() {
	c.state = walkerIdle
	c.current = walk{}
	c.pendingRefill = nil
}
