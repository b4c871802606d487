package ws

import (
	"context"
	"encoding/json"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/hubenschmidt/naas/internal/engine"
	"github.com/hubenschmidt/naas/internal/fault"
	"github.com/hubenschmidt/naas/internal/metrics"
	"github.com/hubenschmidt/naas/internal/params"
	"github.com/hubenschmidt/naas/internal/sim"
)

// Events sent in reply to commands.
const (
	EventInitParams     = "init_params"
	EventMorphology     = "morphology"
	EventTopology       = "topology"
	EventDendrogram     = "dendrogram"
	EventSynapses       = "synapses"
	EventIClamp         = "iclamp"
	EventSecInfo        = "sec_info"
	EventSimulationDone = "simulation_done"
)

type command func(ctx context.Context, s *session, data json.RawMessage) error

var commands = map[string]command{
	"set_model":        setModel,
	"set_url":          setURL,
	"set_params":       withCell(setParams),
	"run_simulation":   withCell(runSimulation),
	"get_ui_data":      withCell(getUIData),
	"get_sec_info":     withCell(getSecInfo),
	"set_iclamp":       withCell(setIClamp),
	"start_simulation": withCell(startSimulation),
	"stop_simulation":  withCell(stopSimulation),
}

type cellCommand func(ctx context.Context, s *session, c *cell, data json.RawMessage) error

func withCell(fn cellCommand) command {
	return func(ctx context.Context, s *session, data json.RawMessage) error {
		if s.cell == nil {
			return fault.New(fault.NoModelLoaded, "no model loaded")
		}
		return fn(ctx, s, s.cell, data)
	}
}

func (s *session) dispatch(ctx context.Context, msg message) {
	cmd, ok := commands[msg.Cmd]
	if !ok {
		metrics.MessagesTotal.WithLabelValues("in", "unknown").Inc()
		s.Fail(fault.New(fault.UnknownCommand, "Unknown message %q", msg.Cmd))
		return
	}
	metrics.MessagesTotal.WithLabelValues("in", msg.Cmd).Inc()

	start := time.Now()
	err := cmd(ctx, s, msg.Data)
	if msg.Cmd != "start_simulation" && msg.Cmd != "stop_simulation" {
		status, errMsg := "ok", ""
		if err != nil {
			status, errMsg = "error", err.Error()
		}
		s.tracer.RecordSpan("", msg.Cmd, start, float64(time.Since(start).Microseconds())/1000, string(msg.Data), "", status, errMsg)
	}
	if err != nil {
		s.Fail(err)
	}
}

// stringArg decodes a JSON string argument.
func stringArg(data json.RawMessage, what string) (string, error) {
	var v *string
	if len(data) == 0 || json.Unmarshal(data, &v) != nil || v == nil || *v == "" {
		return "", fault.New(fault.RequestValidationError, "Missing %s", what)
	}
	return *v, nil
}

func setModel(ctx context.Context, s *session, data json.RawMessage) error {
	id, err := stringArg(data, "model id")
	if err != nil {
		return err
	}
	return s.load(ctx, id)
}

func setURL(ctx context.Context, s *session, data json.RawMessage) error {
	url, err := stringArg(data, "model url")
	if err != nil {
		return err
	}
	var last int64
	id, err := s.h.cfg.Models.Fetch(ctx, url, func(n, total int64) {
		metrics.ModelDownloadBytes.Add(float64(n - last))
		last = n
	})
	if err != nil {
		return err
	}
	return s.load(ctx, id)
}

func setParams(ctx context.Context, s *session, c *cell, data json.RawMessage) error {
	plan, err := params.Compile(data)
	if err != nil {
		return err
	}
	return plan.Apply(ctx, c.eng)
}

// runSimulation runs a script-driven model's own protocol and returns the
// requested vectors by label.
func runSimulation(ctx context.Context, s *session, c *cell, data json.RawMessage) error {
	recordFrom := orderedmap.New[string, string]()
	if err := json.Unmarshal(data, recordFrom); err != nil {
		return fault.Wrap(fault.RequestValidationError, err, "run_simulation expects an object of label to vector name")
	}
	if err := c.eng.Run(ctx); err != nil {
		return err
	}
	out := orderedmap.New[string, []float64]()
	for pair := recordFrom.Oldest(); pair != nil; pair = pair.Next() {
		v, err := c.eng.Vector(ctx, pair.Value)
		if err != nil {
			return err
		}
		out.Set(pair.Key, v)
	}
	s.Send(EventSimulationDone, out)
	return nil
}

func getUIData(ctx context.Context, s *session, c *cell, _ json.RawMessage) error {
	if c.pkg.Init != nil {
		s.Send(EventInitParams, c.pkg.Init)
	}
	s.Send(EventMorphology, c.morph)
	s.Send(EventTopology, c.topology)
	s.Send(EventDendrogram, c.dendrogram)
	s.Send(EventSynapses, c.synapses)
	return sendIClamp(ctx, s, c)
}

func sendIClamp(ctx context.Context, s *session, c *cell) error {
	sec, err := c.eng.ClampSection(ctx, engine.StimulusClamp)
	if err != nil {
		return err
	}
	s.Send(EventIClamp, sec)
	return nil
}

func getSecInfo(ctx context.Context, s *session, c *cell, data json.RawMessage) error {
	name, err := stringArg(data, "section name")
	if err != nil {
		return err
	}
	txt, err := c.eng.SectionInfo(ctx, name)
	if err != nil {
		return err
	}
	s.Send(EventSecInfo, map[string]string{"txt": txt})
	return nil
}

func setIClamp(ctx context.Context, s *session, c *cell, data json.RawMessage) error {
	name, err := stringArg(data, "section name")
	if err != nil {
		return err
	}
	if err = c.eng.PlaceClamp(ctx, engine.StimulusClamp, name, 0.5); err != nil {
		return err
	}
	return sendIClamp(ctx, s, c)
}

func startSimulation(ctx context.Context, s *session, c *cell, data json.RawMessage) error {
	req, err := sim.ParseRequest(data)
	if err != nil {
		return err
	}
	c.stepper.Start(ctx, req)
	return nil
}

func stopSimulation(ctx context.Context, s *session, c *cell, _ json.RawMessage) error {
	c.stepper.Stop()
	return nil
}
