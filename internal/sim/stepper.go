// Package sim drives a simulation in bounded chunks on a session loop,
// streaming voltage snapshots and a final merged dataset.
package sim

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"path/filepath"
	"time"

	"github.com/hubenschmidt/naas/internal/engine"
	"github.com/hubenschmidt/naas/internal/fault"
	"github.com/hubenschmidt/naas/internal/loop"
	"github.com/hubenschmidt/naas/internal/morph"
)

const (
	// MaxSamples is the number of snapshot intervals a run is divided into.
	MaxSamples = 300

	// timeEpsilon is the relative tolerance of time comparisons.
	timeEpsilon = 1e-9
)

// Event names sent to the client.
const (
	EventVoltage = "sim_voltage"
	EventDone    = "sim_done"
)

// Client-facing error messages.
const (
	StartErrorMsg = "Start-Simulation error"
	StepErrorMsg  = "Step-Simulation error"
)

// State is the stepper lifecycle.
type State int

const (
	Idle State = iota
	Initializing
	Running
	Done
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Done:
		return "done"
	case Error:
		return "error"
	}
	return "unknown"
}

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeDone       Outcome = "done"
	OutcomeStopped    Outcome = "stopped"
	OutcomeStartError Outcome = "start_error"
	OutcomeStepError  Outcome = "step_error"
)

// Scheduler queues work on the session loop.
type Scheduler interface {
	Post(t loop.Task)
}

// Sink receives the events of a run. Fail is called at most once per run,
// with a *fault.Error.
type Sink interface {
	Send(event string, data any)
	Fail(err error)
}

// Observer is told about run progress.
type Observer interface {
	RunStarted(req Request)
	ChunkDone(steps int, elapsed time.Duration)
	RunFinished(outcome Outcome, chunks int, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) RunStarted(Request)                      {}
func (nopObserver) ChunkDone(int, time.Duration)            {}
func (nopObserver) RunFinished(Outcome, int, time.Duration) {}

// Config wires a Stepper.
type Config struct {
	Engine     engine.Solver
	Morphology *morph.Morphology
	// ModelDir is searched for the reference traces file. Empty disables
	// the join.
	ModelDir  string
	Scheduler Scheduler
	Sink      Sink
	Observer  Observer
}

type recording struct {
	label string
	probe engine.Probe
}

// Stepper runs simulations for one loaded model. It is not safe for
// concurrent use; every method must run on the session loop.
type Stepper struct {
	cfg Config
	obs Observer

	state      State
	stop       bool
	t          float64
	tstop      float64
	deltaT     float64
	recordings []recording
	chunks     int
	started    time.Time
}

// NewStepper creates an idle stepper.
func NewStepper(cfg Config) *Stepper {
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Stepper{cfg: cfg, obs: obs}
}

// State returns the current lifecycle state.
func (s *Stepper) State() State { return s.state }

// Start initializes a run and schedules its first chunk. Failures are
// reported to the sink.
func (s *Stepper) Start(ctx context.Context, req Request) {
	if s.state == Running || s.state == Initializing {
		s.cfg.Sink.Fail(runError(fault.SimulationStartFailure, StartErrorMsg, errors.New("a simulation is already running")))
		return
	}

	s.state = Initializing
	s.started = time.Now()
	s.chunks = 0
	s.obs.RunStarted(req)

	if err := s.initialize(ctx, req); err != nil {
		s.state = Error
		s.obs.RunFinished(OutcomeStartError, 0, time.Since(s.started))
		s.cfg.Sink.Fail(runError(fault.SimulationStartFailure, StartErrorMsg, err))
		return
	}

	s.state = Running
	slog.Debug("simulation started", "tstop", s.tstop, "delta_t", s.deltaT, "recordings", len(s.recordings))
	s.cfg.Scheduler.Post(s.chunk)
}

// Stop ends a running simulation at the next chunk boundary. It is a no-op
// when nothing runs.
func (s *Stepper) Stop() {
	if s.state != Running {
		return
	}
	s.stop = true
}

func (s *Stepper) initialize(ctx context.Context, req Request) error {
	eng := s.cfg.Engine

	targets := make([]struct {
		section string
		x       float64
	}, len(req.RecordFrom))
	for i, label := range req.RecordFrom {
		section, seg, err := ParseLabel(label)
		if err != nil {
			return err
		}
		g, ok := s.cfg.Morphology.Section(section)
		if !ok {
			return fault.New(fault.SimulationStartFailure, "unknown section %s", section)
		}
		if seg >= len(g.SegX) {
			return fault.New(fault.SimulationStartFailure, "section %s has no segment %d", section, seg)
		}
		targets[i].section, targets[i].x = section, g.SegX[seg]
	}

	if err := eng.ResetRecordings(ctx); err != nil {
		return err
	}
	s.recordings = s.recordings[:0]
	tp, err := eng.RecordTime(ctx)
	if err != nil {
		return err
	}
	s.recordings = append(s.recordings, recording{label: TimeColumn, probe: tp})
	for i, tg := range targets {
		p, err := eng.RecordVoltage(ctx, tg.section, tg.x)
		if err != nil {
			return err
		}
		s.recordings = append(s.recordings, recording{label: req.RecordFrom[i], probe: p})
	}

	if err = eng.ConfigureClamp(ctx, engine.StimulusClamp, engine.Stimulus{Amp: req.Amp, Delay: req.Delay, Dur: req.Dur}); err != nil {
		return err
	}
	if err = eng.ConfigureClamp(ctx, engine.HoldingClamp, engine.Stimulus{Amp: req.HypAmp, Delay: 0, Dur: req.TStop}); err != nil {
		return err
	}
	if err = eng.Configure(ctx, engine.Integration{Dt: req.Dt, Celsius: req.Celsius, TStop: req.TStop}); err != nil {
		return err
	}

	s.tstop = req.TStop
	s.deltaT = req.TStop / MaxSamples
	s.stop = false

	if err = eng.Initialize(ctx, req.VInit); err != nil {
		return err
	}
	if s.t, err = eng.Time(ctx); err != nil {
		return err
	}
	return s.snapshot(ctx)
}

func (s *Stepper) chunk(ctx context.Context) {
	if s.state != Running {
		return
	}
	if err := s.advance(ctx); err != nil {
		s.fail(err)
		return
	}
	if s.stop || !before(s.t, s.tstop) {
		s.finalize(ctx)
		return
	}
	s.cfg.Scheduler.Post(s.chunk)
}

// advance steps once, then until the chunk target, stop or tstop, and sends
// the snapshot.
func (s *Stepper) advance(ctx context.Context) error {
	began := time.Now()
	eng := s.cfg.Engine
	target := s.t + s.deltaT

	t, err := eng.Step(ctx)
	if err != nil {
		return err
	}
	steps := 1
	for !s.stop && before(t, target) && before(t, s.tstop) {
		if t, err = eng.Step(ctx); err != nil {
			return err
		}
		steps++
	}
	s.t = t
	if err = s.snapshot(ctx); err != nil {
		return err
	}
	s.chunks++
	s.obs.ChunkDone(steps, time.Since(began))
	return nil
}

func (s *Stepper) snapshot(ctx context.Context) error {
	vs, err := s.cfg.Engine.Voltages(ctx)
	if err != nil {
		return err
	}
	frame := make([]float64, 0, len(vs)+1)
	frame = append(frame, s.t)
	frame = append(frame, vs...)
	s.cfg.Sink.Send(EventVoltage, frame)
	return nil
}

func (s *Stepper) finalize(ctx context.Context) {
	labels := make([]string, len(s.recordings))
	vectors := make([][]float64, len(s.recordings))
	for i, r := range s.recordings {
		v, err := s.cfg.Engine.ReadProbe(ctx, r.probe)
		if err != nil {
			s.fail(err)
			return
		}
		labels[i], vectors[i] = r.label, v
	}
	ds, err := Merge(labels, vectors)
	if err != nil {
		s.fail(err)
		return
	}

	if s.cfg.ModelDir != "" {
		ref, err := LoadReference(filepath.Join(s.cfg.ModelDir, ReferenceFile))
		if err != nil {
			s.fail(err)
			return
		}
		if ref != nil && len(ref.Rows) > 0 {
			if ds, err = OuterJoin(ref, ds, TimeColumn); err != nil {
				s.fail(err)
				return
			}
		}
	}

	outcome := OutcomeDone
	if s.stop {
		outcome = OutcomeStopped
	}
	s.state = Done
	s.stop = false
	s.obs.RunFinished(outcome, s.chunks, time.Since(s.started))
	slog.Debug("simulation finished", "outcome", outcome, "chunks", s.chunks, "t", s.t)
	s.cfg.Sink.Send(EventDone, ds)
}

func (s *Stepper) fail(err error) {
	s.state = Error
	s.stop = false
	s.obs.RunFinished(OutcomeStepError, s.chunks, time.Since(s.started))
	s.cfg.Sink.Fail(runError(fault.SimulationStepFailure, StepErrorMsg, err))
}

// runError classifies a start or step failure. The client sees msg and the
// engine output, or the cause when the engine printed nothing.
func runError(kind fault.Kind, msg string, err error) *fault.Error {
	raw := fault.OutputOf(err)
	if raw == "" {
		raw = err.Error()
	}
	return &fault.Error{Kind: kind, Msg: msg, Output: raw, Err: err}
}

// before reports a < b beyond floating point noise.
func before(a, b float64) bool {
	return a < b-timeEpsilon*math.Max(math.Abs(b), 1)
}
