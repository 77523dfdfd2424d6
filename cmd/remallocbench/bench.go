package main

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/heapwright/remalloc/allocator"
	"github.com/heapwright/remalloc/internal/config"
	"github.com/heapwright/remalloc/internal/provider"
	"github.com/heapwright/remalloc/internal/stats"
)

var (
	workers    int
	opsPerGo   int
	minSize    int
	maxSize    int
	remoteFrac float64
	seed       int64
)

func init() {
	cmd := newBenchCmd()
	rootCmd.AddCommand(cmd)
}

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive a Pool of allocators with concurrent alloc/dealloc traffic",
		Long: `bench spawns one Allocator per worker goroutine, drawn from a shared
Pool, and issues a mix of allocations and frees against it. A
configurable fraction of frees are handed to a peer worker's goroutine
over a channel instead of freed locally, exercising the remote-free
mailbox/cache path the way S2 and S6 do by hand.`,
		Args: cobra.NoArgs,
		RunE: runBench,
	}
	cmd.Flags().IntVar(&workers, "workers", 4, "number of concurrent allocator goroutines")
	cmd.Flags().IntVar(&opsPerGo, "ops", 10000, "allocation/free pairs performed per worker")
	cmd.Flags().IntVar(&minSize, "min-size", 16, "minimum request size in bytes")
	cmd.Flags().IntVar(&maxSize, "max-size", 4096, "maximum request size in bytes")
	cmd.Flags().Float64Var(&remoteFrac, "remote-frac", 0.25, "fraction of frees routed to a peer worker")
	cmd.Flags().Int64Var(&seed, "seed", 1, "PRNG seed, for reproducible runs")
	return cmd
}

// freeRequest crosses a channel from the worker that allocated p to the
// worker responsible for freeing it, so the free genuinely happens on a
// different goroutine than the alloc — the scenario S2/S6 describe.
type freeRequest struct {
	ptr uintptr
}

func runBench(cmd *cobra.Command, args []string) error {
	if workers < 1 {
		return fmt.Errorf("--workers must be >= 1")
	}
	if minSize < 1 || maxSize < minSize {
		return fmt.Errorf("--min-size/--max-size must satisfy 0 < min-size <= max-size")
	}

	cfg := config.DefaultConfig()
	backend := provider.NewHeap()
	pool := allocator.NewPool(cfg, backend)

	allocators := make([]*allocator.Allocator, workers)
	inboxes := make([]chan freeRequest, workers)
	for i := 0; i < workers; i++ {
		allocators[i] = pool.New()
		inboxes[i] = make(chan freeRequest, opsPerGo)
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go runWorker(i, allocators[i], inboxes, &wg)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// Every worker has stopped issuing new allocs; drain whatever
	// remote frees are still queued and force-post anything each
	// worker's outgoing cache hadn't yet crossed threshold for.
	for _, a := range allocators {
		a.Flush()
	}
	for _, a := range allocators {
		a.DrainMailbox()
	}

	printSummary(allocators, backend.Stats.Load(), elapsed)
	return nil
}

// runWorker owns one Allocator for its entire lifetime (spec.md §5: one
// allocator, one goroutine) and mixes locally-freed and remotely-freed
// allocations according to remoteFrac.
func runWorker(id int, a *allocator.Allocator, inboxes []chan freeRequest, wg *sync.WaitGroup) {
	defer wg.Done()

	rng := rand.New(rand.NewSource(seed + int64(id)))
	span := maxSize - minSize + 1

	var pending []uintptr
	for i := 0; i < opsPerGo; i++ {
		// Drain any frees peers have routed to us before making our
		// own request, same discipline the façade itself applies on
		// every public entry.
		drainInbox(a, inboxes[id])

		size := uintptr(minSize + rng.Intn(span))
		p := a.Alloc(size, false, true)
		if p == 0 {
			continue
		}
		pending = append(pending, p)

		victim := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		if len(inboxes) > 1 && rng.Float64() < remoteFrac {
			peer := rng.Intn(len(inboxes))
			for peer == id {
				peer = rng.Intn(len(inboxes))
			}
			select {
			case inboxes[peer] <- freeRequest{ptr: victim}:
			default:
				a.Dealloc(victim)
			}
		} else {
			a.Dealloc(victim)
		}
	}

	// Free whatever this worker is still holding, and keep servicing
	// the inbox a little longer so peers' late-arriving remote frees
	// for our own objects don't leak past the run.
	for _, p := range pending {
		a.Dealloc(p)
	}
	for j := 0; j < 4; j++ {
		drainInbox(a, inboxes[id])
	}
}

func drainInbox(a *allocator.Allocator, inbox chan freeRequest) {
	for {
		select {
		case req := <-inbox:
			a.Dealloc(req.ptr)
		default:
			return
		}
	}
}

func printSummary(allocators []*allocator.Allocator, backendStats stats.Snapshot, elapsed time.Duration) {
	var totalAllocs, totalDeallocs, totalPosts, totalDrains, totalFaults uint64
	for _, a := range allocators {
		s := a.Dump()
		totalAllocs += s.Allocs
		totalDeallocs += s.Deallocs
		totalPosts += s.RemotePosts
		totalDrains += s.RemoteDrains
		totalFaults += s.PagemapFaults
	}

	if jsonOut {
		fmt.Fprintf(os.Stdout,
			"{\"workers\":%d,\"elapsed_ms\":%d,\"allocs\":%d,\"deallocs\":%d,\"remote_posts\":%d,\"remote_drains\":%d,\"pagemap_faults\":%d,\"bytes_reserved\":%d,\"bytes_released\":%d,\"bytes_live\":%d}\n",
			len(allocators), elapsed.Milliseconds(), totalAllocs, totalDeallocs, totalPosts, totalDrains, totalFaults,
			backendStats.BytesReserved, backendStats.BytesReleased, backendStats.Live())
		return
	}

	printInfo("workers=%d elapsed=%s\n", len(allocators), elapsed)
	printInfo("allocs=%d deallocs=%d remote_posts=%d remote_drains=%d pagemap_faults=%d\n", totalAllocs, totalDeallocs, totalPosts, totalDrains, totalFaults)
	printInfo("bytes_reserved=%d bytes_released=%d bytes_live=%d\n", backendStats.BytesReserved, backendStats.BytesReleased, backendStats.Live())
}
