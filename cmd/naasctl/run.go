package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/naas/internal/sim"
)

var runCmd = &cobra.Command{
	Use:   "run <preset.toml>",
	Short: "Run a simulation preset and write the traces as CSV",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringP("out", "o", "", "CSV output file (default stdout)")
	runCmd.Flags().Bool("progress", false, "print simulated time while running")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := loadPreset(args[0])
	if err != nil {
		return err
	}
	progress, _ := cmd.Flags().GetBool("progress")

	var onFrame func(t float64)
	if progress {
		onFrame = func(t float64) {
			fmt.Fprintf(os.Stderr, "\rt = %8.2f / %g ms", t, p.Simulation.TStop)
		}
	}

	res, err := simulate(cmd.Context(), cfg, p, onFrame)
	if progress {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d snapshots, %d rows in %s\n", res.frames, len(res.data.Rows), res.elapsed.Round(time.Millisecond))

	out := io.Writer(os.Stdout)
	if path, _ := cmd.Flags().GetString("out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		out = f
	}
	return writeCSV(out, res.data)
}

type result struct {
	data    *sim.Dataset
	frames  int
	elapsed time.Duration
}

// simulate runs one preset on a fresh session.
func simulate(ctx context.Context, cfg cliConfig, p preset, onFrame func(t float64)) (result, error) {
	c, err := dial(ctx, cfg)
	if err != nil {
		return result{}, err
	}
	defer c.close()

	if err = c.load(p.Model); err != nil {
		return result{}, err
	}
	if len(p.Params) > 0 {
		if err = c.send("set_params", p.Params); err != nil {
			return result{}, err
		}
	}

	began := time.Now()
	if err = c.send("start_simulation", p.request()); err != nil {
		return result{}, err
	}
	frames := 0
	raw, err := c.await(sim.EventDone, func(ev event) {
		if ev.Cmd != sim.EventVoltage {
			return
		}
		frames++
		if onFrame == nil {
			return
		}
		var frame []float64
		if json.Unmarshal(ev.Data, &frame) == nil && len(frame) > 0 {
			onFrame(frame[0])
		}
	})
	if err != nil {
		return result{}, err
	}
	var ds sim.Dataset
	if err = json.Unmarshal(raw, &ds); err != nil {
		return result{}, fmt.Errorf("decode %s: %w", sim.EventDone, err)
	}
	return result{data: &ds, frames: frames, elapsed: time.Since(began)}, nil
}

func writeCSV(w io.Writer, d *sim.Dataset) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(d.Columns); err != nil {
		return err
	}
	rec := make([]string, len(d.Columns))
	for _, row := range d.Rows {
		for i := range rec {
			rec[i] = ""
			if i < len(row) && !math.IsNaN(row[i]) {
				rec[i] = strconv.FormatFloat(row[i], 'g', -1, 64)
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
