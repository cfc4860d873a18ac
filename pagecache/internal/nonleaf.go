package internal

import (
	"github.com/sarchlab/ptwsim/vm"
)

// A NonLeafEntry caches the result of one non-leaf table lookup: the page
// number of the next-level table.
type NonLeafEntry struct {
	Tag    uint64
	ASID   vm.ASID
	VMID   vm.VMID
	Stage  vm.Stage
	PPN    uint64
	Global bool
	Valid  bool
	ECC    byte
}

// Matches reports whether the entry answers a lookup with the given tag and
// context.
func (e *NonLeafEntry) Matches(
	tag uint64,
	asid vm.ASID,
	vmid vm.VMID,
	stage vm.Stage,
) bool {
	if !e.Valid || e.Tag != tag || e.Stage != stage || e.VMID != vmid {
		return false
	}

	return e.Global || e.ASID == asid
}

// CheckECC recomputes the code over the entry payload.
func (e *NonLeafEntry) CheckECC() bool {
	return e.ECC == nonLeafECC(e)
}

func nonLeafECC(e *NonLeafEntry) byte {
	return ComputeECC(e.Tag, e.PPN, uint64(e.ASID)<<16|uint64(e.VMID))
}

type nonLeafSet struct {
	entries []NonLeafEntry
	policy  Policy
}

// A NonLeafTable is one set-associative non-leaf cache level. With one set it
// degenerates to a fully-associative table, which is how the small L1 level
// is configured.
type NonLeafTable struct {
	numSets int
	numWays int
	hasECC  bool
	sets    []nonLeafSet
}

// NewNonLeafTable creates a table with the given geometry. newPolicy is
// invoked once per set.
func NewNonLeafTable(
	numSets, numWays int,
	hasECC bool,
	newPolicy func(numWays int) Policy,
) *NonLeafTable {
	t := &NonLeafTable{
		numSets: numSets,
		numWays: numWays,
		hasECC:  hasECC,
	}

	for i := 0; i < numSets; i++ {
		t.sets = append(t.sets, nonLeafSet{
			entries: make([]NonLeafEntry, numWays),
			policy:  newPolicy(numWays),
		})
	}

	return t
}

// SetID maps a tag to its set.
func (t *NonLeafTable) SetID(tag uint64) int {
	return int(tag % uint64(t.numSets))
}

// Snapshot returns a copy of a set's ways, modeling the parallel RAM read
// issued at the pipeline's request stage.
func (t *NonLeafTable) Snapshot(setID int) []NonLeafEntry {
	set := t.sets[setID]
	ways := make([]NonLeafEntry, len(set.entries))
	copy(ways, set.entries)

	return ways
}

// Visit updates the replacement state of a way after a hit.
func (t *NonLeafTable) Visit(setID, way int) {
	t.sets[setID].policy.Visit(way)
}

// Refill writes an entry into the set its tag selects, evicting the policy's
// victim if every way is valid. It returns the set and way written.
func (t *NonLeafTable) Refill(e NonLeafEntry) (setID, way int) {
	setID = t.SetID(e.Tag)
	set := &t.sets[setID]

	way = -1
	for i := range set.entries {
		old := &set.entries[i]
		if old.Valid && old.Tag == e.Tag && old.ASID == e.ASID &&
			old.VMID == e.VMID && old.Stage == e.Stage {
			way = i
			break
		}
	}
	for i := range set.entries {
		if way >= 0 {
			break
		}
		if !set.entries[i].Valid {
			way = i
		}
	}
	if way < 0 {
		way = set.policy.Victim()
	}

	e.Valid = true
	if t.hasECC {
		e.ECC = nonLeafECC(&e)
	}
	set.entries[way] = e
	set.policy.Visit(way)

	return setID, way
}

// InvalidateSet clears every way of one set. Used for ECC fault containment.
func (t *NonLeafTable) InvalidateSet(setID int) {
	set := &t.sets[setID]
	for i := range set.entries {
		set.entries[i].Valid = false
	}
}

// InvalidateMatching clears entries the selector matches. Only valid bits
// change.
func (t *NonLeafTable) InvalidateMatching(match func(e *NonLeafEntry) bool) {
	for s := range t.sets {
		set := &t.sets[s]
		for i := range set.entries {
			if set.entries[i].Valid && match(&set.entries[i]) {
				set.entries[i].Valid = false
			}
		}
	}
}

// CorruptForTest flips payload bits of a way without updating its ECC code.
func (t *NonLeafTable) CorruptForTest(setID, way int) {
	t.sets[setID].entries[way].PPN ^= 0x1
}
