// Package internal provides the storage structures of the page-table-walk
// cache: the non-leaf tables, the sectored leaf table, the superpage table,
// and the replacement policies that age them.
package internal

// A Policy picks victims within one cache set. Implementations are pluggable
// per cache level.
type Policy interface {
	// Visit records an access to a way.
	Visit(way int)

	// Victim returns the way to evict next.
	Victim() int
}

// NewLRU creates a true least-recently-used policy over numWays ways.
func NewLRU(numWays int) Policy {
	l := &lruPolicy{}
	for i := 0; i < numWays; i++ {
		l.queue = append(l.queue, i)
	}

	return l
}

type lruPolicy struct {
	queue []int
}

func (l *lruPolicy) Visit(way int) {
	newQueue := l.queue[:0]
	for _, w := range l.queue {
		if w != way {
			newQueue = append(newQueue, w)
		}
	}

	l.queue = append(newQueue, way)
}

func (l *lruPolicy) Victim() int {
	return l.queue[0]
}

// NewTreePLRU creates a tree pseudo-LRU policy. numWays must be a power of
// two.
func NewTreePLRU(numWays int) Policy {
	if numWays&(numWays-1) != 0 {
		panic("tree PLRU requires a power-of-two way count")
	}

	return &treePLRU{
		numWays: numWays,
		bits:    make([]bool, numWays-1),
	}
}

// treePLRU keeps the direction bits of a binary tree in heap order. A set bit
// means the left subtree was touched more recently.
type treePLRU struct {
	numWays int
	bits    []bool
}

func (t *treePLRU) Visit(way int) {
	node := 0
	lo, hi := 0, t.numWays

	for hi-lo > 1 {
		mid := (lo + hi) / 2
		goLeft := way < mid
		t.bits[node] = goLeft

		if goLeft {
			node = 2*node + 1
			hi = mid
		} else {
			node = 2*node + 2
			lo = mid
		}
	}
}

func (t *treePLRU) Victim() int {
	node := 0
	lo, hi := 0, t.numWays

	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if t.bits[node] {
			// Left was recent, evict from the right.
			node = 2*node + 2
			lo = mid
		} else {
			node = 2*node + 1
			hi = mid
		}
	}

	return lo
}
