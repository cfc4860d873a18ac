package pagecache

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/ptwsim/pagecache/internal"
	"github.com/sarchlab/ptwsim/vm"
)

var _ = Describe("PageCache Invalidation", func() {
	var (
		cache *Comp
		cm    *ctrlMiddleware
		mw    *middleware
	)

	BeforeEach(func() {
		cache = MakeBuilder().
			WithEngine(sim.NewSerialEngine()).
			WithReplacementPolicy(internal.NewLRU).
			Build("Cache")
		cm = &ctrlMiddleware{Comp: cache}
		mw = &middleware{Comp: cache}
	})

	seedLeaf := func(vpn uint64, asid vm.ASID, stage vm.Stage) {
		mw.storeRefill(vm.RefillMsgBuilder{}.
			WithVPN(vpn).
			WithASID(asid).
			WithStage(stage).
			WithTargetLevel(vm.Level4KB).
			WithPTEs(leafPTEs(0x200)).
			WithSelectedIndex(vm.SectorIndex(vpn)).
			Build())
	}

	hits := func(vpn uint64, asid vm.ASID, stage vm.Stage) bool {
		req := vm.TranslationReqBuilder{}.
			WithVPN(vpn).WithASID(asid).WithStage(stage).Build()
		f := mw.newFlight(req)
		mw.resolveFlight(f)

		return f.res.leafHit || f.res.spHit
	}

	It("should clear one address space and keep the others", func() {
		seedLeaf(0x1008, 1, vm.OnlyStage1)
		seedLeaf(0x2008, 2, vm.OnlyStage1)

		cm.applyInvalidate(vm.InvalidateReqBuilder{}.
			WithKind(vm.InvStage1).WithASID(1).Build())

		Expect(hits(0x1008, 1, vm.OnlyStage1)).To(BeFalse())
		Expect(hits(0x2008, 2, vm.OnlyStage1)).To(BeTrue())
	})

	It("should keep global mappings on an ASID-targeted invalidation",
		func() {
			line := internal.LeafLine{
				Tag:    0x1008,
				ASID:   1,
				Global: true,
				Valid:  true,
			}
			line.SectorValid[0] = true
			line.PTEs[0] = vm.MakePTE(0x200,
				vm.PTEValid|vm.PTERead|vm.PTEGlobal|vm.PTEAccess)
			cache.leaf.Refill(line)

			cm.applyInvalidate(vm.InvalidateReqBuilder{}.
				WithKind(vm.InvStage1).WithASID(1).Build())

			Expect(hits(0x1008, 1, vm.OnlyStage1)).To(BeTrue())

			cm.applyInvalidate(vm.InvalidateReqBuilder{}.
				WithKind(vm.InvStage1).Build())

			Expect(hits(0x1008, 1, vm.OnlyStage1)).To(BeFalse())
		})

	It("should clear only the targeted page on an address-targeted "+
		"invalidation", func() {
		seedLeaf(0x1008, 1, vm.OnlyStage1)

		cm.applyInvalidate(vm.InvalidateReqBuilder{}.
			WithKind(vm.InvStage1).WithVPN(0x100a).Build())

		Expect(hits(0x100a, 1, vm.OnlyStage1)).To(BeFalse())
		Expect(hits(0x1009, 1, vm.OnlyStage1)).To(BeTrue())
	})

	It("should clear a superpage covering the targeted address", func() {
		cache.sp.Refill(internal.SuperpageEntry{
			Tag:   0x3 << 9,
			Level: vm.Level2MB,
			PPN:   0x4000,
			ASID:  1,
			Valid: true,
		})

		cm.applyInvalidate(vm.InvalidateReqBuilder{}.
			WithKind(vm.InvStage1).WithVPN(0x3<<9 | 0x42).Build())

		Expect(hits(0x3<<9|0x42, 1, vm.OnlyStage1)).To(BeFalse())
	})

	It("should leave non-leaf entries alone on an address-targeted "+
		"invalidation", func() {
		cache.l2.Refill(internal.NonLeafEntry{
			Tag:   0x8,
			ASID:  1,
			PPN:   0x3000,
			Valid: true,
		})

		cm.applyInvalidate(vm.InvalidateReqBuilder{}.
			WithKind(vm.InvStage1).WithVPN(0x1008).Build())

		f := mw.newFlight(translationReq(0x1008, vm.OnlyStage1))
		mw.resolveFlight(f)
		Expect(f.res.hasNonLeaf).To(BeTrue())

		cm.applyInvalidate(vm.InvalidateReqBuilder{}.
			WithKind(vm.InvStage1).Build())

		f = mw.newFlight(translationReq(0x1008, vm.OnlyStage1))
		mw.resolveFlight(f)
		Expect(f.res.hasNonLeaf).To(BeFalse())
	})

	It("should not touch nested entries unless virtualized", func() {
		seedLeaf(0x1008, 1, vm.AllStage)

		cm.applyInvalidate(vm.InvalidateReqBuilder{}.
			WithKind(vm.InvStage1).Build())

		Expect(hits(0x1008, 1, vm.AllStage)).To(BeTrue())

		cm.applyInvalidate(vm.InvalidateReqBuilder{}.
			WithKind(vm.InvStage1).Virtualized().Build())

		Expect(hits(0x1008, 1, vm.AllStage)).To(BeFalse())
	})

	It("should clear only second-stage entries on a guest-physical "+
		"invalidation, ignoring the address space", func() {
		seedLeaf(0x1008, 1, vm.OnlyStage1)
		seedLeaf(0x2008, 7, vm.OnlyStage2)

		cm.applyInvalidate(vm.InvalidateReqBuilder{}.
			WithKind(vm.InvGuestPhysical).WithASID(1).Build())

		Expect(hits(0x1008, 1, vm.OnlyStage1)).To(BeTrue())
		Expect(hits(0x2008, 7, vm.OnlyStage2)).To(BeFalse())
	})

	It("should clear both stage1 and nested entries of one machine on a "+
		"guest-virtual invalidation", func() {
		seedLeaf(0x1008, 1, vm.OnlyStage1)
		seedLeaf(0x2008, 1, vm.AllStage)

		cm.applyInvalidate(vm.InvalidateReqBuilder{}.
			WithKind(vm.InvGuestVirtual).Build())

		Expect(hits(0x1008, 1, vm.OnlyStage1)).To(BeFalse())
		Expect(hits(0x2008, 1, vm.AllStage)).To(BeFalse())
	})

	It("should change nothing when applied twice", func() {
		seedLeaf(0x1008, 1, vm.OnlyStage1)
		seedLeaf(0x2008, 2, vm.OnlyStage1)

		req := vm.InvalidateReqBuilder{}.
			WithKind(vm.InvStage1).WithASID(1).Build()
		cm.applyInvalidate(req)
		cm.applyInvalidate(req)

		Expect(hits(0x1008, 1, vm.OnlyStage1)).To(BeFalse())
		Expect(hits(0x2008, 2, vm.OnlyStage1)).To(BeTrue())
	})
})
