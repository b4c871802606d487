package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
)

var benchCmd = &cobra.Command{
	Use:   "bench <preset.toml>",
	Short: "Run a preset repeatedly from concurrent clients and report latency",
	Args:  cobra.ExactArgs(1),
	RunE:  runBench,
}

func init() {
	benchCmd.Flags().IntP("concurrency", "c", 1, "number of concurrent clients")
	benchCmd.Flags().Duration("duration", 30*time.Second, "test duration")
	rootCmd.AddCommand(benchCmd)
}

type benchResult struct {
	success bool
	firstMs float64
	totalMs float64
	frames  int
	rows    int
	err     string
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := loadPreset(args[0])
	if err != nil {
		return err
	}
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	duration, _ := cmd.Flags().GetDuration("duration")

	fmt.Printf("Bench: %d concurrent clients for %s\n", concurrency, duration)
	fmt.Printf("Server: %s | Model: %s%s\n\n", cfg.Server, p.Model.ID, p.Model.URL)

	results := bench(cmd.Context(), cfg, p, concurrency, duration)
	printBenchSummary(os.Stdout, results)
	return nil
}

func bench(ctx context.Context, cfg cliConfig, p preset, concurrency int, duration time.Duration) []benchResult {
	var mu sync.Mutex
	var results []benchResult
	var wg sync.WaitGroup

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	for range max(concurrency, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				r := benchOnce(ctx, cfg, p)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	return results
}

func benchOnce(ctx context.Context, cfg cliConfig, p preset) benchResult {
	began := time.Now()
	var first time.Duration
	// the dial honours ctx; a run already started is allowed to finish
	res, err := simulate(ctx, cfg, p, func(float64) {
		if first == 0 {
			first = time.Since(began)
		}
	})
	if err != nil {
		return benchResult{err: err.Error()}
	}
	return benchResult{
		success: true,
		firstMs: float64(first) / float64(time.Millisecond),
		totalMs: float64(res.elapsed) / float64(time.Millisecond),
		frames:  res.frames,
		rows:    len(res.data.Rows),
	}
}

func printBenchSummary(w io.Writer, results []benchResult) {
	var succeeded, failed int
	var firstAll, totalAll []float64
	errs := map[string]int{}

	for _, r := range results {
		if !r.success {
			failed++
			errs[r.err]++
			continue
		}
		succeeded++
		firstAll = append(firstAll, r.firstMs)
		totalAll = append(totalAll, r.totalMs)
	}

	fmt.Fprintf(w, "=== Bench Results ===\n")
	fmt.Fprintf(w, "Runs completed: %d\n", succeeded)
	fmt.Fprintf(w, "Runs failed:    %d\n", failed)
	for msg, n := range errs {
		fmt.Fprintf(w, "  %dx %s\n", n, msg)
	}

	if len(totalAll) == 0 {
		fmt.Fprintln(w, "No successful runs to report latency")
		return
	}

	fmt.Fprintf(w, "\n%-6s %8s %8s %8s\n", "Stage", "p50", "p95", "p99")
	fmt.Fprintf(w, "%-6s %6.0fms %6.0fms %6.0fms\n", "First", percentile(firstAll, 50), percentile(firstAll, 95), percentile(firstAll, 99))
	fmt.Fprintf(w, "%-6s %6.0fms %6.0fms %6.0fms\n", "Total", percentile(totalAll, 50), percentile(totalAll, 95), percentile(totalAll, 99))
}

func percentile(data []float64, pct float64) float64 {
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(data) {
		idx = len(data) - 1
	}
	return data[idx]
}
