package internal_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/ptwsim/pagecache/internal"
)

var _ = Describe("LRU", func() {
	var p internal.Policy

	BeforeEach(func() {
		p = internal.NewLRU(4)
	})

	It("should evict the least recently used way", func() {
		p.Visit(0)
		p.Visit(1)
		p.Visit(2)
		p.Visit(3)
		p.Visit(0)

		Expect(p.Victim()).To(Equal(1))
	})

	It("should move a revisited way to the back", func() {
		p.Visit(2)
		p.Visit(3)
		p.Visit(2)

		Expect(p.Victim()).NotTo(Equal(2))
	})
})

var _ = Describe("TreePLRU", func() {
	var p internal.Policy

	BeforeEach(func() {
		p = internal.NewTreePLRU(4)
	})

	It("should not pick the way just visited", func() {
		for way := 0; way < 4; way++ {
			p.Visit(way)
			Expect(p.Victim()).NotTo(Equal(way))
		}
	})

	It("should panic on a non-power-of-two way count", func() {
		Expect(func() { internal.NewTreePLRU(6) }).To(Panic())
	})
})
