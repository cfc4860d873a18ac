package internal

import (
	"github.com/sarchlab/ptwsim/vm"
)

// A LeafLine is one sectored leaf cache line: eight contiguous 4KB entries
// sharing one tag, with per-sector validity and one check code for the line.
type LeafLine struct {
	Tag    uint64
	ASID   vm.ASID
	VMID   vm.VMID
	Stage  vm.Stage
	Global bool
	Valid  bool

	SectorValid [vm.SectorSize]bool
	PTEs        [vm.SectorSize]vm.PTE
	ECC         byte
}

// Matches reports whether the line holds the sector of the given VPN under
// the given context. The sector entry itself may still be invalid.
func (l *LeafLine) Matches(
	vpn uint64,
	asid vm.ASID,
	vmid vm.VMID,
	stage vm.Stage,
) bool {
	if !l.Valid || l.Tag != vm.SectorBase(vpn) {
		return false
	}
	if l.Stage != stage || l.VMID != vmid {
		return false
	}

	return l.Global || l.ASID == asid
}

// CheckECC recomputes the code over the line payload.
func (l *LeafLine) CheckECC() bool {
	return l.ECC == leafECC(l)
}

func leafECC(l *LeafLine) byte {
	words := make([]uint64, 0, vm.SectorSize+2)
	for _, pte := range l.PTEs {
		words = append(words, uint64(pte))
	}
	words = append(words, l.Tag, uint64(l.ASID)<<16|uint64(l.VMID))

	return ComputeECC(words...)
}

type leafSet struct {
	lines  []LeafLine
	policy Policy
}

// A LeafTable is the sectored, set-associative leaf cache level.
type LeafTable struct {
	numSets int
	numWays int
	sets    []leafSet
}

// NewLeafTable creates a leaf table with the given geometry.
func NewLeafTable(
	numSets, numWays int,
	newPolicy func(numWays int) Policy,
) *LeafTable {
	t := &LeafTable{
		numSets: numSets,
		numWays: numWays,
	}

	for i := 0; i < numSets; i++ {
		t.sets = append(t.sets, leafSet{
			lines:  make([]LeafLine, numWays),
			policy: newPolicy(numWays),
		})
	}

	return t
}

// SetID maps a VPN's sector to its set.
func (t *LeafTable) SetID(vpn uint64) int {
	return int((vm.SectorBase(vpn) >> vm.SectorBits) % uint64(t.numSets))
}

// Snapshot returns a copy of a set's lines.
func (t *LeafTable) Snapshot(setID int) []LeafLine {
	set := t.sets[setID]
	lines := make([]LeafLine, len(set.lines))
	copy(lines, set.lines)

	return lines
}

// Visit updates the replacement state of a way after a hit.
func (t *LeafTable) Visit(setID, way int) {
	t.sets[setID].policy.Visit(way)
}

// Refill writes a full sector line, evicting the policy's victim if no way
// is free. The line's ECC code is computed here.
func (t *LeafTable) Refill(l LeafLine) (setID, way int) {
	setID = t.SetID(l.Tag)
	set := &t.sets[setID]

	way = -1
	for i := range set.lines {
		old := &set.lines[i]
		if old.Valid && old.Tag == l.Tag && old.ASID == l.ASID &&
			old.VMID == l.VMID && old.Stage == l.Stage {
			way = i
			break
		}
	}
	for i := range set.lines {
		if way >= 0 {
			break
		}
		if !set.lines[i].Valid {
			way = i
		}
	}
	if way < 0 {
		way = set.policy.Victim()
	}

	l.Valid = true
	l.ECC = leafECC(&l)
	set.lines[way] = l
	set.policy.Visit(way)

	return setID, way
}

// InvalidateSet clears every way of one set. Used for ECC fault containment.
func (t *LeafTable) InvalidateSet(setID int) {
	set := &t.sets[setID]
	for i := range set.lines {
		set.lines[i].Valid = false
	}
}

// InvalidateLine clears a single way.
func (t *LeafTable) InvalidateLine(setID, way int) {
	t.sets[setID].lines[way].Valid = false
}

// InvalidateMatching clears whole lines when the selector matches the line
// context, and single sectors when an address selector targets one page.
// matchLine decides on line context; matchSector, if non-nil, restricts the
// clearing to sectors it selects. A line with no remaining valid sector is
// invalidated.
func (t *LeafTable) InvalidateMatching(
	matchLine func(l *LeafLine) bool,
	matchSector func(l *LeafLine, sector int) bool,
) {
	for s := range t.sets {
		set := &t.sets[s]
		for i := range set.lines {
			line := &set.lines[i]
			if !line.Valid || !matchLine(line) {
				continue
			}

			if matchSector == nil {
				line.Valid = false
				continue
			}

			anyValid := false
			for sec := range line.SectorValid {
				if !line.SectorValid[sec] {
					continue
				}
				if matchSector(line, sec) {
					line.SectorValid[sec] = false
				} else {
					anyValid = true
				}
			}
			if !anyValid {
				line.Valid = false
			}
		}
	}
}

// CorruptForTest flips payload bits of a way without updating its ECC code.
func (t *LeafTable) CorruptForTest(setID, way int) {
	t.sets[setID].lines[way].PTEs[0] ^= 0x1
}
