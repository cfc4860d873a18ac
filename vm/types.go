// Package vm provides the data types and the messages that the page-table-walk
// cache and the walkers exchange.
package vm

// ASID identifies an address space.
type ASID uint16

// VMID identifies a virtual machine in two-stage translation.
type VMID uint16

// Stage tells under which translation mode a request runs or a cache entry was
// refilled. Hypervisor invalidations use it to select matching entries.
type Stage uint8

const (
	// OnlyStage1 is plain virtual-to-physical translation, or
	// guest-virtual-to-guest-physical when virtualization is on.
	OnlyStage1 Stage = iota

	// OnlyStage2 is guest-physical-to-host-physical translation.
	OnlyStage2

	// AllStage is nested translation; stage-1 table pointers are themselves
	// guest-physical and every dereference goes through the nested walker.
	AllStage
)

func (s Stage) String() string {
	switch s {
	case OnlyStage1:
		return "stage1"
	case OnlyStage2:
		return "stage2"
	case AllStage:
		return "nested"
	default:
		return "unknown"
	}
}

// Level is a page-table level. Level 0 is the root.
type Level int

// The three Sv39 levels and the page sizes they map at.
const (
	Level1GB Level = 0
	Level2MB Level = 1
	Level4KB Level = 2

	NumLevels = 3
)

// IsLeafLevel reports whether l is the last (4KB) level.
func (l Level) IsLeafLevel() bool {
	return l == Level4KB
}

// Fault enumerates the terminal outcomes of a walk other than success.
type Fault uint8

const (
	NoFault Fault = iota
	PageFault
	AccessFault
	GuestPageFault
	GuestAccessFault
)

func (f Fault) String() string {
	switch f {
	case NoFault:
		return "none"
	case PageFault:
		return "page-fault"
	case AccessFault:
		return "access-fault"
	case GuestPageFault:
		return "guest-page-fault"
	case GuestAccessFault:
		return "guest-access-fault"
	default:
		return "unknown"
	}
}

// IsGuest reports whether the fault was raised by a nested sub-walk.
func (f Fault) IsGuest() bool {
	return f == GuestPageFault || f == GuestAccessFault
}
