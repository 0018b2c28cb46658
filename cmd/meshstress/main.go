// Command meshstress is a load generator that exercises meshalloc
// end-to-end: goroutines hammer Alloc/Free across size classes while the
// background meshing driver runs, and the process prints Stats
// periodically so the meshing effect is visible.
package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/meshalloc/meshalloc"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		workers      int
		duration     time.Duration
		minSize      int
		maxSize      int
		reportEvery  time.Duration
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "meshstress",
		Short: "Hammer meshalloc's allocator with concurrent alloc/free traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			if !verbose {
				log = log.Level(zerolog.InfoLevel)
			} else {
				log = log.Level(zerolog.DebugLevel)
			}
			meshalloc.SetLogger(log)

			cfg, err := meshalloc.LoadConfig()
			if err != nil {
				return err
			}

			alloc := meshalloc.New(meshalloc.WithConfig(cfg))
			defer alloc.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			alloc.Start(ctx)

			runCtx, runCancel := context.WithTimeout(ctx, duration)
			defer runCancel()

			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go stressWorker(runCtx, &wg, alloc, minSize, maxSize)
			}

			ticker := time.NewTicker(reportEvery)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					wg.Wait()
					printStats(log, alloc.Stats())
					return nil
				case <-ticker.C:
					printStats(log, alloc.Stats())
				}
			}
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 8, "number of goroutines issuing alloc/free traffic")
	cmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "how long to run before exiting")
	cmd.Flags().IntVar(&minSize, "min-size", 16, "smallest allocation size in bytes")
	cmd.Flags().IntVar(&maxSize, "max-size", 4096, "largest allocation size in bytes")
	cmd.Flags().DurationVar(&reportEvery, "report-every", 2*time.Second, "stats reporting interval")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log meshing diagnostics at debug level")

	return cmd
}

func printStats(log zerolog.Logger, s meshalloc.Stats) {
	log.Info().
		Uint64("mallocs", s.Mallocs).
		Uint64("frees", s.Frees).
		Uint64("large_allocs", s.LargeAllocs).
		Uint64("mesh_attempts", s.MeshAttempts).
		Uint64("meshes_applied", s.MeshesApplied).
		Msg("stats")
}

type heldBlock struct {
	ptr  unsafe.Pointer
	size uintptr
}

func stressWorker(ctx context.Context, wg *sync.WaitGroup, alloc *meshalloc.Allocator, minSize, maxSize int) {
	defer wg.Done()

	var held []heldBlock

	span := maxSize - minSize + 1
	if span <= 0 {
		span = 1
	}

	for {
		select {
		case <-ctx.Done():
			for _, b := range held {
				_ = alloc.Free(b.ptr, b.size, 0)
			}
			return
		default:
		}

		if len(held) > 256 || (len(held) > 0 && rand.IntN(2) == 0) {
			idx := rand.IntN(len(held))
			b := held[idx]
			held[idx] = held[len(held)-1]
			held = held[:len(held)-1]
			_ = alloc.Free(b.ptr, b.size, 0)
			continue
		}

		size := uintptr(minSize + rand.IntN(span))
		ptr, err := alloc.Alloc(size, 0)
		if err != nil || ptr == nil {
			continue
		}
		held = append(held, heldBlock{ptr: ptr, size: size})
	}
}
