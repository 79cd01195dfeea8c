// Command itoyori-demo exercises the end-to-end scenarios of spec.md §8
// against an in-process transport.Local cluster: Fibonacci, a
// load-balanced recursive split, a collective global vector reduce, and
// an initializer-list-style product reduce.
package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/grailbio/base/log"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/range3/itoyori/container"
	"github.com/range3/itoyori/ito"
	"github.com/range3/itoyori/transport"
)

func main() {
	scenario := flag.StringP("scenario", "s", "all", "scenario to run: fib, loadbalance, globalvector, product, all")
	nRanks := flag.IntP("ranks", "n", 4, "number of simulated ranks")
	flag.Parse()

	if err := run(*scenario, *nRanks); err != nil {
		log.Error.Printf("itoyori-demo: %v", err)
		os.Exit(1)
	}
}

func run(scenario string, nRanks int) error {
	switch scenario {
	case "fib", "all":
		if err := runFib(); err != nil {
			return err
		}
	}
	switch scenario {
	case "loadbalance", "all":
		if err := runLoadBalance(nRanks); err != nil {
			return err
		}
	}
	switch scenario {
	case "globalvector", "all":
		if err := runGlobalVector(nRanks); err != nil {
			return err
		}
	}
	switch scenario {
	case "product", "all":
		if err := runProduct(); err != nil {
			return err
		}
	}
	return nil
}

func fib(ctx context.Context, s *ito.Scheduler, n int) int {
	if n < 2 {
		return 1
	}
	tgd := s.TaskGroupBegin(ctx)
	h := ito.Fork(ctx, s, 1, 1, func(ctx context.Context) int { return fib(ctx, s, n-1) })
	y := fib(ctx, s, n-2)
	x := ito.Join(ctx, h)
	s.TaskGroupEnd(ctx, tgd, nil, nil)
	return x + y
}

func runFib() error {
	ts := transport.NewLocalCluster(1)
	s, err := ito.New(ts[0], ito.DefaultOptions())
	if err != nil {
		return err
	}
	got := ito.RootExec(context.Background(), s, nil, func(ctx context.Context) int {
		return fib(ctx, s, 10)
	})
	fmt.Printf("fib(10) = %d (want 89)\n", got)

	ts4 := transport.NewLocalCluster(4)
	ifaces := make([]transport.Transport, len(ts4))
	for i, t := range ts4 {
		ifaces[i] = t
	}
	scheds, err := ito.NewLocalCluster(ifaces, ito.DefaultOptions())
	if err != nil {
		return err
	}
	results := make([]int, len(scheds))
	g, gctx := errgroup.WithContext(context.Background())
	for i, sc := range scheds {
		i, sc := i, sc
		g.Go(func() error {
			results[i] = ito.RootExec(gctx, sc, nil, func(ctx context.Context) int {
				return fib(ctx, sc, 25)
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Printf("fib(25) @ N=4 = %d (want 121393)\n", results[0])
	return nil
}

// lb splits n down to 1 and calls the transport barrier exactly once per
// leaf, matching spec.md §8 scenario 2: each rank's lb(4) calls the
// barrier 4 times, so the shared counter reaches 4 per rank.
func lb(ctx context.Context, s *ito.Scheduler, t transport.Transport, n int, barriers *int64) {
	if n <= 1 {
		if err := t.Barrier(ctx); err != nil {
			log.Error.Printf("itoyori-demo: barrier failed: %v", err)
		}
		atomic.AddInt64(barriers, 1)
		return
	}
	tgd := s.TaskGroupBegin(ctx)
	h := ito.Fork(ctx, s, 1, 1, func(ctx context.Context) struct{} {
		lb(ctx, s, t, n/2, barriers)
		return struct{}{}
	})
	lb(ctx, s, t, n/2, barriers)
	ito.Join(ctx, h)
	s.TaskGroupEnd(ctx, tgd, nil, nil)
}

func runLoadBalance(nRanks int) error {
	ts := transport.NewLocalCluster(nRanks)
	ifaces := make([]transport.Transport, len(ts))
	for i, t := range ts {
		ifaces[i] = t
	}
	scheds, err := ito.NewLocalCluster(ifaces, ito.DefaultOptions())
	if err != nil {
		return err
	}

	var barriers int64
	g, gctx := errgroup.WithContext(context.Background())
	for i, sc := range scheds {
		sc, t := sc, ifaces[i]
		g.Go(func() error {
			ito.RootExec(gctx, sc, nil, func(ctx context.Context) struct{} {
				lb(ctx, sc, t, 4, &barriers)
				return struct{}{}
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Printf("load-balance lb(4) @ N=%d: %d total barrier calls (want 4 per rank)\n", nRanks, barriers)
	return nil
}

func runGlobalVector(nRanks int) error {
	ts := transport.NewLocalCluster(nRanks)
	ifaces := make([]transport.Transport, len(ts))
	for i, t := range ts {
		ifaces[i] = t
	}
	scheds, err := ito.NewLocalCluster(ifaces, ito.DefaultOptions())
	if err != nil {
		return err
	}

	const n = 10000
	sums := make([]int, len(scheds))
	g, gctx := errgroup.WithContext(context.Background())
	for i, sc := range scheds {
		i, sc, t := i, sc, ifaces[i]
		g.Go(func() error {
			var ferr error
			ito.RootExec(gctx, sc, nil, func(ctx context.Context) struct{} {
				gv, err := container.NewGlobalVector[int](sc, t, container.GlobalVectorOptions{Collective: true, BlockElems: 256}, n)
				if err != nil {
					ferr = err
					return struct{}{}
				}
				for j := 0; j < n; j++ {
					if err := gv.Set(ctx, j, j); err != nil {
						ferr = err
						return struct{}{}
					}
				}
				sum, err := gv.ParallelReduce(ctx, 0, func(a, b int) int { return a + b })
				if err != nil {
					ferr = err
					return struct{}{}
				}
				sums[i] = sum
				return struct{}{}
			})
			return ferr
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Printf("collective global vector sum @ N=%d = %d (want 49995000)\n", nRanks, sums[0])
	return nil
}

func runProduct() error {
	ts := transport.NewLocalCluster(1)
	s, err := ito.New(ts[0], ito.DefaultOptions())
	if err != nil {
		return err
	}
	got := ito.RootExec(context.Background(), s, nil, func(ctx context.Context) int {
		gv, err := container.NewGlobalVector[int](s, ts[0], container.GlobalVectorOptions{BlockElems: 8}, 5)
		if err != nil {
			log.Error.Printf("itoyori-demo: %v", err)
			return 0
		}
		for i, v := range []int{1, 2, 3, 4, 5} {
			if err := gv.Set(ctx, i, v); err != nil {
				log.Error.Printf("itoyori-demo: %v", err)
				return 0
			}
		}
		product, err := gv.ParallelReduce(ctx, 1, func(a, b int) int { return a * b })
		if err != nil {
			log.Error.Printf("itoyori-demo: %v", err)
			return 0
		}
		return product
	})
	fmt.Printf("product({1,2,3,4,5}) = %d (want 120)\n", got)
	return nil
}
