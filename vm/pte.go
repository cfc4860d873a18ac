package vm

import "encoding/binary"

// Sv39 geometry.
const (
	PageShift     = 12
	PageSize      = 1 << PageShift
	PTESize       = 8
	IndexBits     = 9
	IndexMask     = (1 << IndexBits) - 1
	VPNBits       = IndexBits * NumLevels
	SectorBits    = 3
	SectorSize    = 1 << SectorBits
	SectorVPNMask = ^uint64(SectorSize - 1)
)

// PTE flag bits.
const (
	PTEValid  = 1 << 0
	PTERead   = 1 << 1
	PTEWrite  = 1 << 2
	PTEExec   = 1 << 3
	PTEUser   = 1 << 4
	PTEGlobal = 1 << 5
	PTEAccess = 1 << 6
	PTEDirty  = 1 << 7
)

const pteePPNMask = (uint64(1) << 44) - 1

// A PTE is one raw Sv39 page-table entry.
type PTE uint64

// Valid reports the V bit.
func (p PTE) Valid() bool {
	return p&PTEValid != 0
}

// IsLeaf reports whether the entry maps a page rather than pointing to the
// next-level table. An entry with any of R/W/X set is a leaf.
func (p PTE) IsLeaf() bool {
	return p&(PTERead|PTEWrite|PTEExec) != 0
}

// PPN returns the physical page number field.
func (p PTE) PPN() uint64 {
	return (uint64(p) >> 10) & pteePPNMask
}

// Perm extracts the permission bits of a leaf entry.
func (p PTE) Perm() PermBits {
	return PermBits{
		R: p&PTERead != 0,
		W: p&PTEWrite != 0,
		X: p&PTEExec != 0,
		U: p&PTEUser != 0,
		G: p&PTEGlobal != 0,
		A: p&PTEAccess != 0,
		D: p&PTEDirty != 0,
	}
}

// Reserved reports whether the entry uses a reserved encoding (W without R).
func (p PTE) Reserved() bool {
	return p&PTEWrite != 0 && p&PTERead == 0
}

// Misaligned reports whether a leaf entry at the given level has non-zero PPN
// bits below the level's page granularity.
func (p PTE) Misaligned(level Level) bool {
	if !p.IsLeaf() {
		return false
	}

	lowBits := uint(NumLevels-1-int(level)) * IndexBits
	return p.PPN()&((1<<lowBits)-1) != 0
}

// MakePTE assembles an entry from a PPN and flag bits.
func MakePTE(ppn uint64, flags uint64) PTE {
	return PTE((ppn&pteePPNMask)<<10 | flags)
}

// DecodePTEBlock interprets a 64-byte sector read as 8 little-endian PTEs.
func DecodePTEBlock(data []byte) [SectorSize]PTE {
	var block [SectorSize]PTE
	for i := 0; i < SectorSize; i++ {
		block[i] = PTE(binary.LittleEndian.Uint64(data[i*PTESize:]))
	}

	return block
}

// EncodePTEBlock is the inverse of DecodePTEBlock.
func EncodePTEBlock(block [SectorSize]PTE) []byte {
	data := make([]byte, SectorSize*PTESize)
	for i := 0; i < SectorSize; i++ {
		binary.LittleEndian.PutUint64(data[i*PTESize:], uint64(block[i]))
	}

	return data
}

// VPNIndex extracts the table index that the VPN selects at a level.
func VPNIndex(vpn uint64, level Level) uint64 {
	shift := uint(NumLevels-1-int(level)) * IndexBits
	return (vpn >> shift) & IndexMask
}

// SectorBase aligns a VPN down to its 8-entry sector.
func SectorBase(vpn uint64) uint64 {
	return vpn & SectorVPNMask
}

// SectorIndex returns the position of a VPN within its sector.
func SectorIndex(vpn uint64) int {
	return int(vpn & (SectorSize - 1))
}

// TableEntryAddr returns the physical address of the PTE that the VPN selects
// in the table at tablePPN, aligned down to a 64-byte sector.
func TableEntryAddr(tablePPN, vpn uint64, level Level) uint64 {
	idx := VPNIndex(vpn, level)
	return tablePPN<<PageShift + (idx&^uint64(SectorSize-1))*PTESize
}

// PermBits are the permission and status bits of a cached leaf entry,
// kept as explicit booleans.
type PermBits struct {
	R, W, X, U, G, A, D bool
}

// ToFlags packs the bits back into the PTE flag encoding.
func (p PermBits) ToFlags() uint64 {
	var f uint64
	if p.R {
		f |= PTERead
	}
	if p.W {
		f |= PTEWrite
	}
	if p.X {
		f |= PTEExec
	}
	if p.U {
		f |= PTEUser
	}
	if p.G {
		f |= PTEGlobal
	}
	if p.A {
		f |= PTEAccess
	}
	if p.D {
		f |= PTEDirty
	}

	return f
}
