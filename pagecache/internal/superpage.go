package internal

import (
	"github.com/sarchlab/ptwsim/vm"
)

// A SuperpageEntry caches one 1GB or 2MB leaf mapping. The explicit level
// tells how many VPN bits participate in the tag compare. No ECC; the table
// is small and fully associative.
type SuperpageEntry struct {
	Tag    uint64
	Level  vm.Level
	PPN    uint64
	Perm   vm.PermBits
	ASID   vm.ASID
	VMID   vm.VMID
	Stage  vm.Stage
	Global bool
	Valid  bool
}

func superpageTagShift(level vm.Level) uint {
	return uint(vm.NumLevels-1-int(level)) * vm.IndexBits
}

// Matches reports whether the entry maps the given VPN under the given
// context, comparing only the tag bits above the entry's page granularity.
func (e *SuperpageEntry) Matches(
	vpn uint64,
	asid vm.ASID,
	vmid vm.VMID,
	stage vm.Stage,
) bool {
	if !e.Valid || e.Stage != stage || e.VMID != vmid {
		return false
	}

	shift := superpageTagShift(e.Level)
	if e.Tag>>shift != vpn>>shift {
		return false
	}

	return e.Global || e.ASID == asid
}

// CoversVPN reports whether the entry overlaps the given page, ignoring
// context. Used by address-targeted invalidation.
func (e *SuperpageEntry) CoversVPN(vpn uint64) bool {
	shift := superpageTagShift(e.Level)
	return e.Tag>>shift == vpn>>shift
}

// MappedPPN composes the output page number, splicing the VPN bits below the
// superpage granularity into the entry's PPN.
func (e *SuperpageEntry) MappedPPN(vpn uint64) uint64 {
	shift := superpageTagShift(e.Level)
	mask := (uint64(1) << shift) - 1

	return e.PPN&^mask | vpn&mask
}

// A SuperpageTable is the fully-associative superpage cache level.
type SuperpageTable struct {
	entries []SuperpageEntry
	policy  Policy
}

// NewSuperpageTable creates a superpage table with numWays entries.
func NewSuperpageTable(numWays int, newPolicy func(numWays int) Policy) *SuperpageTable {
	return &SuperpageTable{
		entries: make([]SuperpageEntry, numWays),
		policy:  newPolicy(numWays),
	}
}

// Snapshot returns a copy of all entries.
func (t *SuperpageTable) Snapshot() []SuperpageEntry {
	ways := make([]SuperpageEntry, len(t.entries))
	copy(ways, t.entries)

	return ways
}

// Visit updates the replacement state of a way after a hit.
func (t *SuperpageTable) Visit(way int) {
	t.policy.Visit(way)
}

// Refill writes an entry, evicting the policy's victim if no way is free.
func (t *SuperpageTable) Refill(e SuperpageEntry) (way int) {
	way = -1
	for i := range t.entries {
		old := &t.entries[i]
		if old.Valid && old.Tag == e.Tag && old.Level == e.Level &&
			old.ASID == e.ASID && old.VMID == e.VMID &&
			old.Stage == e.Stage {
			way = i
			break
		}
	}
	for i := range t.entries {
		if way >= 0 {
			break
		}
		if !t.entries[i].Valid {
			way = i
		}
	}
	if way < 0 {
		way = t.policy.Victim()
	}

	e.Valid = true
	t.entries[way] = e
	t.policy.Visit(way)

	return way
}

// InvalidateWay clears a single entry.
func (t *SuperpageTable) InvalidateWay(way int) {
	t.entries[way].Valid = false
}

// InvalidateMatching clears entries the selector matches.
func (t *SuperpageTable) InvalidateMatching(match func(e *SuperpageEntry) bool) {
	for i := range t.entries {
		if t.entries[i].Valid && match(&t.entries[i]) {
			t.entries[i].Valid = false
		}
	}
}
