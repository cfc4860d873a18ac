package pagecache

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/ptwsim/pagecache/internal"
	"github.com/sarchlab/ptwsim/vm"
)

func leafPTEs(basePPN uint64) [vm.SectorSize]vm.PTE {
	var ptes [vm.SectorSize]vm.PTE
	for i := range ptes {
		ptes[i] = vm.MakePTE(basePPN+uint64(i),
			vm.PTEValid|vm.PTERead|vm.PTEAccess)
	}

	return ptes
}

func translationReq(vpn uint64, stage vm.Stage) *vm.TranslationReq {
	return vm.TranslationReqBuilder{}.
		WithVPN(vpn).
		WithASID(1).
		WithStage(stage).
		Build()
}

var _ = Describe("PageCache Middleware", func() {
	var (
		cache *Comp
		mw    *middleware
	)

	BeforeEach(func() {
		cache = MakeBuilder().
			WithEngine(sim.NewSerialEngine()).
			WithReplacementPolicy(internal.NewLRU).
			Build("Cache")
		mw = &middleware{Comp: cache}
	})

	lookup := func(req *vm.TranslationReq) *flight {
		f := mw.newFlight(req)
		mw.resolveFlight(f)

		return f
	}

	leafRefill := func(vpn uint64, basePPN uint64) *vm.RefillMsg {
		return vm.RefillMsgBuilder{}.
			WithVPN(vpn).
			WithASID(1).
			WithTargetLevel(vm.Level4KB).
			WithPTEs(leafPTEs(basePPN)).
			WithSelectedIndex(vm.SectorIndex(vpn)).
			Build()
	}

	Context("leaf lookups", func() {
		It("should hit a page after its sector is refilled", func() {
			mw.storeRefill(leafRefill(0x1008, 0x200))

			f := lookup(translationReq(0x100a, vm.OnlyStage1))

			Expect(f.res.leafHit).To(BeTrue())
			Expect(f.res.hitPPN).To(Equal(uint64(0x202)))
			Expect(f.res.hitLevel).To(Equal(vm.Level4KB))
			Expect(cache.CollectStats().LeafHits).To(Equal(uint64(1)))
		})

		It("should miss on an invalid entry within a cached sector",
			func() {
				msg := leafRefill(0x1008, 0x200)
				msg.PTEs[2] = 0
				mw.storeRefill(msg)

				f := lookup(translationReq(0x100a, vm.OnlyStage1))

				Expect(f.res.leafHit).To(BeFalse())
				Expect(f.res.hasNonLeaf).To(BeFalse())
			})

		It("should not serve a different address space", func() {
			mw.storeRefill(leafRefill(0x1008, 0x200))

			req := vm.TranslationReqBuilder{}.
				WithVPN(0x100a).WithASID(9).Build()
			f := lookup(req)

			Expect(f.res.leafHit).To(BeFalse())
		})
	})

	Context("non-leaf refills", func() {
		It("should route a cached mid-level pointer to the miss queue",
			func() {
				var ptes [vm.SectorSize]vm.PTE
				ptes[0] = vm.MakePTE(0x3000, vm.PTEValid)
				mw.storeRefill(vm.RefillMsgBuilder{}.
					WithVPN(0x1008).
					WithASID(1).
					WithTargetLevel(vm.Level2MB).
					WithPTEs(ptes).
					Build())

				f := lookup(translationReq(0x1100, vm.OnlyStage1))

				Expect(f.res.hasNonLeaf).To(BeTrue())
				Expect(f.res.nonLeafLevel).To(Equal(vm.Level2MB))
				Expect(f.res.nonLeafPPN).To(Equal(uint64(0x3000)))
			})

		It("should redirect a leaf found at a non-leaf level to the "+
			"superpage table", func() {
			var ptes [vm.SectorSize]vm.PTE
			flags := uint64(vm.PTEValid | vm.PTERead | vm.PTEAccess)
			ptes[0] = vm.MakePTE(0x4000, flags)
			mw.storeRefill(vm.RefillMsgBuilder{}.
				WithVPN(0x3 << 9).
				WithASID(1).
				WithTargetLevel(vm.Level2MB).
				WithPTEs(ptes).
				Build())

			f := lookup(translationReq(0x3<<9|0x42, vm.OnlyStage1))

			Expect(f.res.spHit).To(BeTrue())
			Expect(f.res.hitPPN).To(Equal(uint64(0x4042)))
			Expect(f.res.hitLevel).To(Equal(vm.Level2MB))
		})

		It("should not cache a misaligned superpage", func() {
			var ptes [vm.SectorSize]vm.PTE
			flags := uint64(vm.PTEValid | vm.PTERead | vm.PTEAccess)
			ptes[0] = vm.MakePTE(0x4001, flags)
			mw.storeRefill(vm.RefillMsgBuilder{}.
				WithVPN(0x3 << 9).
				WithASID(1).
				WithTargetLevel(vm.Level2MB).
				WithPTEs(ptes).
				Build())

			f := lookup(translationReq(0x3<<9, vm.OnlyStage1))

			Expect(f.res.spHit).To(BeFalse())
		})
	})

	Context("a page in both the leaf and superpage tables", func() {
		It("should drop both copies and flag the lookup", func() {
			mw.storeRefill(leafRefill(0x3<<9, 0x200))
			cache.sp.Refill(internal.SuperpageEntry{
				Tag:   0x3 << 9,
				Level: vm.Level2MB,
				PPN:   0x4000,
				ASID:  1,
				Valid: true,
			})

			f := lookup(translationReq(0x3<<9, vm.OnlyStage1))

			Expect(f.res.leafHit).To(BeFalse())
			Expect(f.res.spHit).To(BeFalse())
			Expect(f.res.eccError).To(BeTrue())
			Expect(cache.CollectStats().DualHits).To(Equal(uint64(1)))

			again := lookup(translationReq(0x3<<9, vm.OnlyStage1))
			Expect(again.res.leafHit).To(BeFalse())
			Expect(again.res.spHit).To(BeFalse())
		})
	})

	Context("integrity errors", func() {
		It("should empty the whole set around a corrupted leaf line",
			func() {
				mw.storeRefill(leafRefill(0x1008, 0x200))
				setID := cache.leaf.SetID(0x1008)
				cache.leaf.CorruptForTest(setID, 0)

				f := lookup(translationReq(0x1008, vm.OnlyStage1))

				Expect(f.res.leafHit).To(BeFalse())
				Expect(f.res.eccError).To(BeTrue())
				Expect(cache.CollectStats().ECCErrors).
					To(Equal(uint64(1)))

				for _, line := range cache.leaf.Snapshot(setID) {
					Expect(line.Valid).To(BeFalse())
				}
			})

		It("should ignore corruption when the codes are disabled", func() {
			cache = MakeBuilder().
				WithEngine(sim.NewSerialEngine()).
				WithReplacementPolicy(internal.NewLRU).
				WithECC(false).
				Build("Cache")
			mw = &middleware{Comp: cache}

			mw.storeRefill(leafRefill(0x1008, 0x200))
			cache.leaf.CorruptForTest(cache.leaf.SetID(0x1008), 0)

			f := lookup(translationReq(0x1008, vm.OnlyStage1))

			Expect(f.res.leafHit).To(BeTrue())
			Expect(f.res.eccError).To(BeFalse())
		})
	})

	Context("refills overtaking in-flight lookups", func() {
		It("should mark an overlapping flight as bypassed", func() {
			cache.delayStage = mw.newFlight(
				translationReq(0x100a, vm.OnlyStage1))

			mw.markBypassed(leafRefill(0x1008, 0x200))

			Expect(cache.delayStage.bypassed[vm.Level4KB]).To(BeTrue())
			Expect(cache.delayStage.anyBypassed()).To(BeTrue())
		})

		It("should not mark a flight of a different machine", func() {
			req := vm.TranslationReqBuilder{}.
				WithVPN(0x100a).WithASID(1).WithVMID(7).Build()
			cache.delayStage = mw.newFlight(req)

			mw.markBypassed(leafRefill(0x1008, 0x200))

			Expect(cache.delayStage.anyBypassed()).To(BeFalse())
		})

		It("should mark the respond-stage flight", func() {
			cache.respondStage = mw.newFlight(
				translationReq(0x100a, vm.OnlyStage1))

			mw.markBypassed(leafRefill(0x1008, 0x200))

			Expect(cache.respondStage.bypassed[vm.Level4KB]).
				To(BeTrue())
		})
	})

	Context("unexpected messages", func() {
		It("should panic on a wrong message type at the top port", func() {
			cache.topPort.Deliver(leafRefill(0x1008, 0x200))

			Expect(func() { mw.acceptLookup() }).To(Panic())
		})
	})

	Context("completing outstanding misses", func() {
		It("should answer every waiter in the refilled sector", func() {
			a := cache.mshr.Add(0x1008, 1, 0, vm.OnlyStage1)
			a.requests = append(a.requests,
				translationReq(0x1008, vm.OnlyStage1))
			b := cache.mshr.Add(0x100f, 1, 0, vm.OnlyStage1)
			b.requests = append(b.requests,
				translationReq(0x100f, vm.OnlyStage1))

			mw.completeMSHREntries(leafRefill(0x1008, 0x200))

			Expect(a.done).To(BeTrue())
			Expect(a.ppn).To(Equal(uint64(0x200)))
			Expect(b.done).To(BeTrue())
			Expect(b.ppn).To(Equal(uint64(0x207)))
			Expect(cache.respondQueue).To(HaveLen(2))
			Expect(cache.mshr.entries).To(BeEmpty())
		})

		It("should derive a page fault from an invalid entry", func() {
			e := cache.mshr.Add(0x100a, 1, 0, vm.OnlyStage1)

			msg := leafRefill(0x1008, 0x200)
			msg.PTEs[2] = 0
			mw.completeMSHREntries(msg)

			Expect(e.done).To(BeTrue())
			Expect(e.fault).To(Equal(vm.PageFault))
		})

		It("should derive a guest page fault on the second stage", func() {
			e := cache.mshr.Add(0x100a, 1, 0, vm.OnlyStage2)

			msg := leafRefill(0x1008, 0x200)
			msg.Stage = vm.OnlyStage2
			msg.PTEs[2] = 0
			mw.completeMSHREntries(msg)

			Expect(e.fault).To(Equal(vm.GuestPageFault))
		})

		It("should leave entries outstanding while the walk continues",
			func() {
				e := cache.mshr.Add(0x1100, 1, 0, vm.OnlyStage1)

				var ptes [vm.SectorSize]vm.PTE
				ptes[0] = vm.MakePTE(0x3000, vm.PTEValid)
				mw.completeMSHREntries(vm.RefillMsgBuilder{}.
					WithVPN(0x1008).
					WithASID(1).
					WithTargetLevel(vm.Level2MB).
					WithPTEs(ptes).
					Build())

				Expect(e.done).To(BeFalse())
				Expect(cache.mshr.entries).To(HaveLen(1))
			})

		It("should splice a superpage result into every covered miss",
			func() {
				a := cache.mshr.Add(0x3<<9|0x10, 1, 0, vm.OnlyStage1)
				b := cache.mshr.Add(0x3<<9|0x20, 1, 0, vm.OnlyStage1)

				var ptes [vm.SectorSize]vm.PTE
				flags := uint64(vm.PTEValid | vm.PTERead | vm.PTEAccess)
				ptes[0] = vm.MakePTE(0x4000, flags)
				mw.completeMSHREntries(vm.RefillMsgBuilder{}.
					WithVPN(0x3 << 9).
					WithASID(1).
					WithTargetLevel(vm.Level2MB).
					WithPTEs(ptes).
					Build())

				Expect(a.done).To(BeTrue())
				Expect(a.ppn).To(Equal(uint64(0x4010)))
				Expect(a.level).To(Equal(vm.Level2MB))
				Expect(b.ppn).To(Equal(uint64(0x4020)))
			})

		It("should fault every miss under a faulting table entry", func() {
			near := cache.mshr.Add(0x3<<9|0x10, 1, 0, vm.OnlyStage1)
			far := cache.mshr.Add(0x9<<9, 1, 0, vm.OnlyStage1)

			mw.completeMSHREntries(vm.RefillMsgBuilder{}.
				WithVPN(0x3 << 9).
				WithASID(1).
				WithTargetLevel(vm.Level2MB).
				WithFault(vm.AccessFault).
				Build())

			Expect(near.done).To(BeTrue())
			Expect(near.fault).To(Equal(vm.AccessFault))
			Expect(far.done).To(BeFalse())
		})
	})
})
