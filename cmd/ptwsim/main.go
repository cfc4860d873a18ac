// Command ptwsim runs a standalone address-translation simulation: it builds
// a page table in memory, drives random lookups through the walk subsystem,
// and reports hit, miss, and walk statistics.
package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"

	"github.com/sarchlab/akita/v4/mem/idealmemcontroller"
	"github.com/sarchlab/akita/v4/mem/mem"
	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/akita/v4/sim/directconnection"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/ptwsim/agent"
	"github.com/sarchlab/ptwsim/l2tlb"
	"github.com/sarchlab/ptwsim/tablegen"
	"github.com/sarchlab/ptwsim/vm"
)

var (
	numPages    int
	numRequests int
	seed        int64
	virtualized bool
	memLatency  int
)

var rootCmd = &cobra.Command{
	Use:   "ptwsim",
	Short: "ptwsim simulates a page-table-walk cache subsystem",
	Run: func(cmd *cobra.Command, args []string) {
		run()
	},
}

func main() {
	rootCmd.Flags().IntVar(&numPages, "num-pages", 256,
		"number of mapped pages")
	rootCmd.Flags().IntVar(&numRequests, "num-requests", 4096,
		"number of lookups to issue")
	rootCmd.Flags().Int64Var(&seed, "seed", 1,
		"random seed")
	rootCmd.Flags().BoolVar(&virtualized, "virtualized", false,
		"run two-stage (nested) translations")
	rootCmd.Flags().IntVar(&memLatency, "mem-latency", 100,
		"memory latency in cycles")

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}

	atexit.Exit(0)
}

func run() {
	engine := sim.NewSerialEngine()
	storage := mem.NewStorage(1 * mem.GB)

	memCtrl := idealmemcontroller.MakeBuilder().
		WithEngine(engine).
		WithLatency(memLatency).
		WithStorage(storage).
		Build("MemCtrl")

	tlb := l2tlb.MakeBuilder().
		WithEngine(engine).
		WithMemPort(memCtrl.GetPortByName("Top")).
		Build("L2TLB")

	driver := agent.MakeBuilder().
		WithEngine(engine).
		Build("Driver")
	driver.CacheModule = tlb.TopPort()
	driver.ControlModule = tlb.ControlPort()

	topConn := directconnection.MakeBuilder().
		WithEngine(engine).
		WithFreq(1 * sim.GHz).
		Build("TopConn")
	topConn.PlugIn(driver.GetPortByName("Top"))
	topConn.PlugIn(driver.GetPortByName("Ctrl"))
	topConn.PlugIn(tlb.TopPort())
	topConn.PlugIn(tlb.ControlPort())

	pages := buildTables(storage, tlb)
	queueLookups(driver, pages)

	driver.StartIssuing()
	err := engine.Run()
	if err != nil {
		log.Panic(err)
	}

	report(tlb, driver)
}

// buildTables maps numPages random pages and returns their page numbers. In
// virtualized mode the first-stage table is guest-physical and the second
// stage identity-maps the bottom gigabyte for it.
func buildTables(storage *mem.Storage, tlb *l2tlb.Comp) []uint64 {
	rng := rand.New(rand.NewSource(seed))
	perm := vm.PermBits{R: true, W: true, X: true}

	table := tablegen.New(storage, 0x1000)
	pages := make([]uint64, 0, numPages)
	for i := 0; i < numPages; i++ {
		vpn := uint64(rng.Intn(1 << 20))
		table.Map(vpn, uint64(0x20000)+uint64(i), perm)
		pages = append(pages, vpn)
	}

	stage2Root := uint64(0)
	if virtualized {
		stage2 := tablegen.New(storage, 0x4000)
		stage2.MapSuperpage(0, 0, vm.Level1GB, perm)
		stage2Root = stage2.Root()
	}

	tlb.SetRoots(table.Root(), stage2Root)

	return pages
}

func queueLookups(driver *agent.Comp, pages []uint64) {
	rng := rand.New(rand.NewSource(seed + 1))
	stage := vm.OnlyStage1
	vmid := vm.VMID(0)
	if virtualized {
		stage = vm.AllStage
		vmid = 1
	}

	for i := 0; i < numRequests; i++ {
		vpn := pages[rng.Intn(len(pages))]
		driver.AddLookup(vpn, 1, vmid, stage)
	}
}

func report(tlb *l2tlb.Comp, driver *agent.Comp) {
	stats := tlb.Cache.CollectStats()
	queue := tlb.LLPTW.CollectStats()

	fmt.Printf("responses:      %d\n", len(driver.Received))
	fmt.Printf("leaf hits:      %d\n", stats.LeafHits)
	fmt.Printf("superpage hits: %d\n", stats.SuperpageHits)
	fmt.Printf("non-leaf hits:  %d\n", stats.NonLeafHits)
	fmt.Printf("misses:         %d\n", stats.Misses)
	fmt.Printf("mshr joins:     %d\n", stats.MSHRHits)
	fmt.Printf("refills:        %d\n", stats.Refills)
	fmt.Printf("mem reads:      %d\n", queue.MemReads)

	faults := 0
	for _, rsp := range driver.Received {
		if rsp.Fault != vm.NoFault {
			faults++
		}
	}
	fmt.Printf("faults:         %d\n", faults)
}
