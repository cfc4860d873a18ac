package l2tlb_test

import (
	"log"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/akita/v4/mem/idealmemcontroller"
	"github.com/sarchlab/akita/v4/mem/mem"
	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/akita/v4/sim/directconnection"

	"github.com/sarchlab/ptwsim/agent"
	"github.com/sarchlab/ptwsim/l2tlb"
	"github.com/sarchlab/ptwsim/tablegen"
	"github.com/sarchlab/ptwsim/vm"
)

var rwx = vm.PermBits{R: true, W: true, X: true}

// A bench wires the walk subsystem to a memory controller and a scripted
// driver. Tables are written directly into the controller's storage.
type bench struct {
	engine  sim.Engine
	storage *mem.Storage
	tlb     *l2tlb.Comp
	driver  *agent.Comp
	stage1  *tablegen.Table
	stage2  *tablegen.Table
}

func makeBench(virtualized bool) *bench {
	b := &bench{}
	b.engine = sim.NewSerialEngine()
	b.storage = mem.NewStorage(1 * mem.GB)

	memCtrl := idealmemcontroller.MakeBuilder().
		WithEngine(b.engine).
		WithLatency(20).
		WithStorage(b.storage).
		Build("MemCtrl")

	b.tlb = l2tlb.MakeBuilder().
		WithEngine(b.engine).
		WithMemPort(memCtrl.GetPortByName("Top")).
		Build("L2TLB")

	b.driver = agent.MakeBuilder().
		WithEngine(b.engine).
		Build("Driver")
	b.driver.CacheModule = b.tlb.TopPort()
	b.driver.ControlModule = b.tlb.ControlPort()

	topConn := directconnection.MakeBuilder().
		WithEngine(b.engine).
		WithFreq(1 * sim.GHz).
		Build("TopConn")
	topConn.PlugIn(b.driver.GetPortByName("Top"))
	topConn.PlugIn(b.driver.GetPortByName("Ctrl"))
	topConn.PlugIn(b.tlb.TopPort())
	topConn.PlugIn(b.tlb.ControlPort())

	b.stage1 = tablegen.New(b.storage, 0x1000)
	stage2Root := uint64(0)
	if virtualized {
		b.stage2 = tablegen.New(b.storage, 0x4000)
		b.stage2.MapSuperpage(0, 0, vm.Level1GB, rwx)
		stage2Root = b.stage2.Root()
	}
	b.tlb.SetRoots(b.stage1.Root(), stage2Root)

	return b
}

func (b *bench) run() {
	b.driver.StartIssuing()
	err := b.engine.Run()
	if err != nil {
		log.Panic(err)
	}

	Expect(b.driver.Done()).To(BeTrue())
}

var _ = Describe("Page-Table-Walk Subsystem", func() {
	var b *bench

	BeforeEach(func() {
		b = makeBench(false)
	})

	It("should translate a mapped page and hit on the repeat", func() {
		b.stage1.Map(0x12345, 0x777, rwx)

		b.driver.AddLookup(0x12345, 1, 0, vm.OnlyStage1)
		b.run()

		Expect(b.driver.Received).To(HaveLen(1))
		rsp := b.driver.Received[0]
		Expect(rsp.Fault).To(Equal(vm.NoFault))
		Expect(rsp.PPN).To(Equal(uint64(0x777)))
		Expect(rsp.Level).To(Equal(vm.Level4KB))
		Expect(b.tlb.Cache.CollectStats().Misses).To(Equal(uint64(1)))

		b.driver.AddLookup(0x12345, 1, 0, vm.OnlyStage1)
		b.run()

		Expect(b.driver.Received).To(HaveLen(2))
		Expect(b.driver.Received[1].PPN).To(Equal(uint64(0x777)))
		Expect(b.tlb.Cache.CollectStats().LeafHits).To(Equal(uint64(1)))
		Expect(b.tlb.LLPTW.CollectStats().MemReads).To(Equal(uint64(1)))
	})

	It("should answer concurrent lookups of one page from one walk",
		func() {
			b.stage1.Map(0x12345, 0x777, rwx)

			for i := 0; i < 4; i++ {
				b.driver.AddLookup(0x12345, 1, 0, vm.OnlyStage1)
			}
			b.run()

			Expect(b.driver.Received).To(HaveLen(4))
			for _, rsp := range b.driver.Received {
				Expect(rsp.Fault).To(Equal(vm.NoFault))
				Expect(rsp.PPN).To(Equal(uint64(0x777)))
			}
			Expect(b.tlb.LLPTW.CollectStats().MemReads).
				To(Equal(uint64(1)))
			Expect(b.tlb.Cache.CollectStats().MSHRHits).
				To(Equal(uint64(3)))
		})

	It("should fetch a shared sector once for neighboring pages", func() {
		for i := uint64(0); i < 16; i++ {
			b.stage1.Map(0x2000+i, 0x700+i, rwx)
		}

		// Warm the non-leaf levels with one full walk.
		b.driver.AddLookup(0x2000, 1, 0, vm.OnlyStage1)
		b.run()

		for i := uint64(8); i < 12; i++ {
			b.driver.AddLookup(0x2000+i, 1, 0, vm.OnlyStage1)
		}
		b.run()

		Expect(b.driver.Received).To(HaveLen(5))
		for i, rsp := range b.driver.Received[1:] {
			Expect(rsp.PPN).To(Equal(0x708 + uint64(i)))
		}

		queue := b.tlb.LLPTW.CollectStats()
		Expect(queue.MemReads).To(Equal(uint64(2)))
		Expect(queue.Deduped).To(Equal(uint64(3)))
	})

	It("should re-walk after an address-space invalidation", func() {
		b.stage1.Map(0x12345, 0x777, rwx)

		b.driver.AddLookup(0x12345, 1, 0, vm.OnlyStage1)
		b.driver.AddInvalidateAll(vm.InvStage1, 1, true, 0, false)
		b.driver.AddLookup(0x12345, 1, 0, vm.OnlyStage1)
		b.run()

		Expect(b.driver.Received).To(HaveLen(2))
		Expect(b.driver.Received[1].PPN).To(Equal(uint64(0x777)))
		Expect(b.tlb.Cache.CollectStats().Misses).To(Equal(uint64(2)))
		Expect(b.tlb.Cache.CollectStats().Invalidations).
			To(Equal(uint64(1)))
		Expect(b.tlb.LLPTW.CollectStats().MemReads).To(Equal(uint64(2)))
	})

	It("should keep other address spaces across a targeted invalidation",
		func() {
			b.stage1.Map(0x12345, 0x777, rwx)

			b.driver.AddLookup(0x12345, 1, 0, vm.OnlyStage1)
			b.driver.AddInvalidateAll(vm.InvStage1, 9, true, 0, false)
			b.driver.AddLookup(0x12345, 1, 0, vm.OnlyStage1)
			b.run()

			Expect(b.tlb.Cache.CollectStats().LeafHits).
				To(Equal(uint64(1)))
			Expect(b.tlb.Cache.CollectStats().Misses).
				To(Equal(uint64(1)))
		})

	It("should report a page fault for an unmapped page, and not cache it",
		func() {
			b.driver.AddLookup(0x40000, 1, 0, vm.OnlyStage1)
			b.driver.AddLookup(0x40000, 1, 0, vm.OnlyStage1)
			b.run()

			Expect(b.driver.Received).To(HaveLen(2))
			Expect(b.driver.Received[0].Fault).To(Equal(vm.PageFault))
			Expect(b.driver.Received[1].Fault).To(Equal(vm.PageFault))

			b.driver.AddLookup(0x40000, 1, 0, vm.OnlyStage1)
			b.run()

			stats := b.tlb.Cache.CollectStats()
			Expect(stats.LeafHits + stats.SuperpageHits).
				To(Equal(uint64(0)))
		})

	It("should translate through a superpage", func() {
		b.stage1.MapSuperpage(0x3<<9, 0x4000, vm.Level2MB, rwx)

		b.driver.AddLookup(0x3<<9|0x42, 1, 0, vm.OnlyStage1)
		b.run()

		Expect(b.driver.Received).To(HaveLen(1))
		rsp := b.driver.Received[0]
		Expect(rsp.Fault).To(Equal(vm.NoFault))
		Expect(rsp.PPN).To(Equal(uint64(0x4042)))
		Expect(rsp.Level).To(Equal(vm.Level2MB))

		b.driver.AddLookup(0x3<<9|0x17, 1, 0, vm.OnlyStage1)
		b.run()

		Expect(b.driver.Received[1].PPN).To(Equal(uint64(0x4017)))
		Expect(b.tlb.Cache.CollectStats().SuperpageHits).
			To(Equal(uint64(1)))
	})

	It("should re-walk after a flush", func() {
		b.stage1.Map(0x12345, 0x777, rwx)

		b.driver.AddLookup(0x12345, 1, 0, vm.OnlyStage1)
		b.driver.AddFlush()
		b.driver.AddLookup(0x12345, 1, 0, vm.OnlyStage1)
		b.run()

		Expect(b.driver.Received).To(HaveLen(2))
		Expect(b.driver.Received[1].PPN).To(Equal(uint64(0x777)))
		Expect(b.tlb.Cache.CollectStats().Misses).To(Equal(uint64(2)))
	})

	It("should abandon a walk flushed while its fetch is in flight",
		func() {
			b.stage1.Map(0x12345, 0x777, rwx)

			// Enough lookups ahead of the flush that the walker is
			// waiting on memory when the flush reaches it.
			for i := 0; i < 6; i++ {
				b.driver.AddLookup(0x12345, 1, 0, vm.OnlyStage1)
			}
			b.driver.AddImmediateFlush()
			b.run()

			Expect(b.driver.Received).To(BeEmpty())

			b.driver.AddLookup(0x12345, 1, 0, vm.OnlyStage1)
			b.run()

			Expect(b.driver.Received).To(HaveLen(1))
			Expect(b.driver.Received[0].PPN).To(Equal(uint64(0x777)))

			// The abandoned walk's fetch must not refill anything
			// after the flush, so the re-lookup walks again.
			stats := b.tlb.Cache.CollectStats()
			Expect(stats.Misses).To(Equal(uint64(2)))
			Expect(stats.LeafHits).To(BeZero())
			Expect(stats.SuperpageHits).To(BeZero())
			Expect(b.tlb.LLPTW.CollectStats().MemReads).
				To(Equal(uint64(1)))
		})
})

var _ = Describe("Page-Table-Walk Subsystem, virtualized", func() {
	var b *bench

	BeforeEach(func() {
		b = makeBench(true)
	})

	It("should translate a nested lookup and hit on the repeat", func() {
		b.stage1.Map(0x12345, 0x777, rwx)

		b.driver.AddLookup(0x12345, 1, 1, vm.AllStage)
		b.run()

		Expect(b.driver.Received).To(HaveLen(1))
		rsp := b.driver.Received[0]
		Expect(rsp.Fault).To(Equal(vm.NoFault))
		Expect(rsp.PPN).To(Equal(uint64(0x777)))

		// One second-stage sub-walk per table dereference: two for the
		// non-leaf levels, one for the leaf fetch.
		Expect(b.tlb.HPTW.CollectStats().Walks).To(Equal(uint64(3)))

		b.driver.AddLookup(0x12345, 1, 1, vm.AllStage)
		b.run()

		Expect(b.driver.Received[1].PPN).To(Equal(uint64(0x777)))
		Expect(b.tlb.Cache.CollectStats().LeafHits).To(Equal(uint64(1)))
		Expect(b.tlb.HPTW.CollectStats().Walks).To(Equal(uint64(3)))
	})

	It("should serve a guest-physical lookup through the second stage",
		func() {
			b.driver.AddLookup(0x555, 1, 1, vm.OnlyStage2)
			b.run()

			Expect(b.driver.Received).To(HaveLen(1))
			rsp := b.driver.Received[0]
			Expect(rsp.Fault).To(Equal(vm.NoFault))
			Expect(rsp.PPN).To(Equal(uint64(0x555)))
			Expect(rsp.Level).To(Equal(vm.Level1GB))
		})

	It("should clear second-stage entries on a guest-physical "+
		"invalidation", func() {
		b.driver.AddLookup(0x555, 1, 1, vm.OnlyStage2)
		b.driver.AddInvalidateAll(vm.InvGuestPhysical, 0, false, 1, false)
		b.driver.AddLookup(0x555, 1, 1, vm.OnlyStage2)
		b.run()

		Expect(b.driver.Received).To(HaveLen(2))
		Expect(b.tlb.Cache.CollectStats().Misses).To(Equal(uint64(2)))
		Expect(b.tlb.Cache.CollectStats().SuperpageHits).
			To(Equal(uint64(0)))
	})

	It("should clear nested entries on a virtualized invalidation",
		func() {
			b.stage1.Map(0x12345, 0x777, rwx)

			b.driver.AddLookup(0x12345, 1, 1, vm.AllStage)
			b.driver.AddInvalidateAll(vm.InvStage1, 1, true, 1, true)
			b.driver.AddLookup(0x12345, 1, 1, vm.AllStage)
			b.run()

			Expect(b.driver.Received).To(HaveLen(2))
			Expect(b.driver.Received[1].PPN).To(Equal(uint64(0x777)))
			Expect(b.tlb.Cache.CollectStats().Misses).
				To(Equal(uint64(2)))
		})

	It("should report a guest page fault when the second stage has no "+
		"mapping", func() {
		// The identity superpage covers only the bottom gigabyte.
		b.driver.AddLookup(1<<18|0x42, 1, 1, vm.OnlyStage2)
		b.run()

		Expect(b.driver.Received).To(HaveLen(1))
		Expect(b.driver.Received[0].Fault).To(Equal(vm.GuestPageFault))
	})
})
