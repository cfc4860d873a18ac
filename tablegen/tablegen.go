// Package tablegen builds three-level page tables inside a memory storage,
// for configuring simulations and testbenches.
package tablegen

import (
	"encoding/binary"
	"log"

	"github.com/sarchlab/akita/v4/mem/mem"

	"github.com/sarchlab/ptwsim/vm"
)

// A Table is a page table under construction. Table pages are allocated from
// a bump allocator starting at the given page number.
type Table struct {
	storage *mem.Storage
	root    uint64
	next    uint64
}

// New creates a table whose root page is firstPPN. Further table pages are
// allocated upward from there.
func New(storage *mem.Storage, firstPPN uint64) *Table {
	t := &Table{
		storage: storage,
		next:    firstPPN,
	}
	t.root = t.allocPage()

	return t
}

// Root returns the page number of the root table.
func (t *Table) Root() uint64 {
	return t.root
}

func (t *Table) allocPage() uint64 {
	ppn := t.next
	t.next++

	return ppn
}

// Map installs a 4KB mapping from vpn to ppn, creating intermediate tables
// as needed.
func (t *Table) Map(vpn, ppn uint64, perm vm.PermBits) {
	t.mapAtLevel(vpn, ppn, vm.Level4KB, perm)
}

// MapSuperpage installs a 1GB or 2MB leaf at the given level. The entry's
// page number must be aligned to the level's granularity.
func (t *Table) MapSuperpage(
	vpn, ppn uint64,
	level vm.Level,
	perm vm.PermBits,
) {
	pte := vm.MakePTE(ppn, vm.PTEValid|perm.ToFlags())
	if pte.Misaligned(level) {
		log.Panicf("page number 0x%x is misaligned for level %d", ppn, level)
	}

	t.mapAtLevel(vpn, ppn, level, perm)
}

// MapRaw installs an arbitrary entry at the given level, including invalid
// or malformed ones. Testbenches use it to provoke faults.
func (t *Table) MapRaw(vpn uint64, level vm.Level, pte vm.PTE) {
	tablePPN := t.descendTo(vpn, level)
	t.writeEntry(tablePPN, vpn, level, pte)
}

func (t *Table) mapAtLevel(
	vpn, ppn uint64,
	level vm.Level,
	perm vm.PermBits,
) {
	tablePPN := t.descendTo(vpn, level)
	pte := vm.MakePTE(ppn, vm.PTEValid|vm.PTEAccess|vm.PTEDirty|
		perm.ToFlags())
	t.writeEntry(tablePPN, vpn, level, pte)
}

// descendTo walks from the root to the table holding the entry for vpn at
// the given level, allocating missing intermediate tables.
func (t *Table) descendTo(vpn uint64, level vm.Level) uint64 {
	tablePPN := t.root

	for l := vm.Level1GB; l < level; l++ {
		pte := t.readEntry(tablePPN, vpn, l)
		if pte.Valid() {
			if pte.IsLeaf() {
				log.Panicf("vpn 0x%x already mapped at level %d", vpn, l)
			}
			tablePPN = pte.PPN()
			continue
		}

		child := t.allocPage()
		t.writeEntry(tablePPN, vpn, l, vm.MakePTE(child, vm.PTEValid))
		tablePPN = child
	}

	return tablePPN
}

func (t *Table) entryAddr(tablePPN, vpn uint64, level vm.Level) uint64 {
	return tablePPN<<vm.PageShift +
		vm.VPNIndex(vpn, level)*vm.PTESize
}

func (t *Table) readEntry(tablePPN, vpn uint64, level vm.Level) vm.PTE {
	data, err := t.storage.Read(
		t.entryAddr(tablePPN, vpn, level), vm.PTESize)
	if err != nil {
		log.Panic(err)
	}

	return vm.PTE(binary.LittleEndian.Uint64(data))
}

func (t *Table) writeEntry(
	tablePPN, vpn uint64,
	level vm.Level,
	pte vm.PTE,
) {
	data := make([]byte, vm.PTESize)
	binary.LittleEndian.PutUint64(data, uint64(pte))

	err := t.storage.Write(t.entryAddr(tablePPN, vpn, level), data)
	if err != nil {
		log.Panic(err)
	}
}
