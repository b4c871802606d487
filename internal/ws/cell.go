package ws

import (
	"context"
	"log/slog"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/hubenschmidt/naas/internal/engine"
	"github.com/hubenschmidt/naas/internal/fault"
	"github.com/hubenschmidt/naas/internal/metrics"
	"github.com/hubenschmidt/naas/internal/model"
	"github.com/hubenschmidt/naas/internal/morph"
	"github.com/hubenschmidt/naas/internal/sim"
)

// cell is a loaded model with its derived static data.
type cell struct {
	pkg        *model.Package
	eng        engine.Engine
	morph      *morph.Morphology
	topology   []*morph.TopologyNode
	dendrogram *morph.DendrogramNode
	synapses   *morph.Synapses
	stepper    *sim.Stepper
}

// load makes id the session's model. Loading the current model again is a
// no-op; a different id discards the current one first.
func (s *session) load(ctx context.Context, id string) error {
	if s.cell != nil {
		if s.cell.pkg.ID == id {
			return nil
		}
		slog.Info("discarding loaded model", "session_id", s.id, "current", s.cell.pkg.ID, "model_id", id)
		s.discard()
	}

	start := time.Now()
	pkg, err := s.h.cfg.Models.Open(ctx, id)
	if err != nil {
		return err
	}
	eng, err := s.h.cfg.NewEngine(ctx, pkg)
	if err != nil {
		return fault.Wrap(fault.EngineFailure, err, "start engine")
	}
	c, err := s.prepare(ctx, pkg, eng)
	if err != nil {
		eng.Close()
		return err
	}
	s.cell = c

	elapsed := time.Since(start)
	metrics.ModelLoadDuration.WithLabelValues(string(pkg.Template.Format)).Observe(elapsed.Seconds())
	s.tracer.SetModel(id)
	s.tracer.RecordSpan("", "load_model", start, float64(elapsed.Microseconds())/1000, id, string(pkg.Template.Format), "ok", "")
	slog.Info("model loaded", "session_id", s.id, "model_id", id, "format", pkg.Template.Format,
		"sections", len(c.morph.Sections), "segments", c.morph.SegmentCount(), "duration_ms", elapsed.Milliseconds())
	s.setInfo(id, sim.Idle.String())
	return nil
}

func (s *session) prepare(ctx context.Context, pkg *model.Package, eng engine.Engine) (*cell, error) {
	if err := eng.Load(ctx, pkg.Template); err != nil {
		return nil, &fault.Error{Kind: fault.TemplateLoadFailure, Msg: "load template", Output: fault.OutputOf(err), Err: err}
	}
	secs, err := eng.Sections(ctx)
	if err != nil {
		return nil, err
	}
	m, err := morph.Derive(secs, morph.Options{})
	if err != nil {
		return nil, err
	}

	syns := orderedmap.New[string, []morph.Synapse]()
	if pkg.SynapseCatalog != "" {
		cat, err := morph.LoadCatalog(pkg.SynapseCatalog)
		if err != nil {
			return nil, err
		}
		if syns, err = morph.LocateSynapses(ctx, cat, eng, m); err != nil {
			return nil, err
		}
	}

	c := &cell{
		pkg:        pkg,
		eng:        eng,
		morph:      m,
		topology:   morph.BuildTopology(secs),
		dendrogram: morph.BuildDendrogram(secs),
		synapses:   syns,
	}
	c.stepper = sim.NewStepper(sim.Config{
		Engine:     eng,
		Morphology: m,
		ModelDir:   pkg.Dir,
		Scheduler:  s.loop,
		Sink:       s,
		Observer:   runObserver{s},
	})
	return c, nil
}
