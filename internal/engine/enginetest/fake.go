// Package enginetest provides an in-memory engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/hubenschmidt/naas/internal/engine"
)

// DefaultDt is the step used when the run is configured for variable steps.
const DefaultDt = 0.025

// Call records one scripting call.
type Call struct {
	Op    string
	Path  string
	Value any
	Args  []any
}

type probe struct {
	time    bool
	section string
	x       float64
	values  []float64
}

// Fake is a deterministic engine. Time advances by exactly n*dt, so runs are
// reproducible. Voltages are a simple function of time and segment index.
type Fake struct {
	mu sync.Mutex

	sections []engine.Section
	synapses map[string][]engine.SynapseInstance
	vectors  map[string][]float64
	info     map[string]string

	// LoadErr, InitErr are returned from Load and Initialize when set.
	LoadErr error
	InitErr error
	// FailStep makes the n-th step (1-based) fail; zero disables.
	FailStep int
	// OnStep runs after every successful step, outside the lock.
	OnStep func(n int, t float64)

	template engine.Template
	loaded   bool
	clamps   map[engine.Clamp]engine.Attachment
	stims    map[engine.Clamp]engine.Stimulus
	probes   []*probe
	integ    engine.Integration
	vinit    float64
	steps    int
	t        float64
	calls    []Call
	runs     int
	closed   bool
}

// New creates a fake engine with the given morphology. The first section
// hosts both clamps.
func New(sections []engine.Section) *Fake {
	f := &Fake{
		sections: sections,
		synapses: map[string][]engine.SynapseInstance{},
		vectors:  map[string][]float64{},
		info:     map[string]string{},
		clamps:   map[engine.Clamp]engine.Attachment{},
		stims:    map[engine.Clamp]engine.Stimulus{},
	}
	if len(sections) > 0 {
		root := engine.Attachment{Section: sections[0].Name, X: 0.5}
		f.clamps[engine.StimulusClamp] = root
		f.clamps[engine.HoldingClamp] = root
	}
	return f
}

// AddSynapses registers instances of a point-process class.
func (f *Fake) AddSynapses(class string, syns ...engine.SynapseInstance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synapses[class] = append(f.synapses[class], syns...)
}

// SetVector registers a named script vector.
func (f *Fake) SetVector(name string, v []float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[name] = v
}

// SetInfo registers the section description returned by SectionInfo.
func (f *Fake) SetInfo(section, txt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info[section] = txt
}

func (f *Fake) Load(ctx context.Context, t engine.Template) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LoadErr != nil {
		return f.LoadErr
	}
	f.template = t
	f.loaded = true
	return nil
}

// Template returns what was loaded.
func (f *Fake) Template() engine.Template {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.template
}

func (f *Fake) Sections(ctx context.Context) ([]engine.Section, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.Section, len(f.sections))
	copy(out, f.sections)
	return out, nil
}

func (f *Fake) SectionInfo(ctx context.Context, section string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if txt, ok := f.info[section]; ok {
		return txt, nil
	}
	if f.find(section) == nil {
		return "", &engine.Error{Op: "section_info", Msg: "no section " + section}
	}
	return section + " {}", nil
}

func (f *Fake) Synapses(ctx context.Context, class string) ([]engine.SynapseInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.SynapseInstance(nil), f.synapses[class]...), nil
}

func (f *Fake) ClampSection(ctx context.Context, clamp engine.Clamp) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	att, ok := f.clamps[clamp]
	if !ok {
		return "", &engine.Error{Op: "clamp_section", Msg: "no clamp " + string(clamp)}
	}
	return att.Section, nil
}

// ClampAt returns where a clamp sits.
func (f *Fake) ClampAt(clamp engine.Clamp) engine.Attachment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clamps[clamp]
}

// Stimulus returns a clamp's configuration.
func (f *Fake) Stimulus(clamp engine.Clamp) engine.Stimulus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stims[clamp]
}

func (f *Fake) PlaceClamp(ctx context.Context, clamp engine.Clamp, section string, x float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.find(section) == nil {
		return &engine.Error{Op: "place_clamp", Msg: "no section " + section}
	}
	f.clamps[clamp] = engine.Attachment{Section: section, X: x}
	return nil
}

func (f *Fake) ConfigureClamp(ctx context.Context, clamp engine.Clamp, stim engine.Stimulus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stims[clamp] = stim
	return nil
}

func (f *Fake) ResetRecordings(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = nil
	return nil
}

func (f *Fake) RecordTime(ctx context.Context) (engine.Probe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = append(f.probes, &probe{time: true})
	return engine.Probe(len(f.probes) - 1), nil
}

func (f *Fake) RecordVoltage(ctx context.Context, section string, x float64) (engine.Probe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.find(section) == nil {
		return 0, &engine.Error{Op: "record_voltage", Msg: "no section " + section}
	}
	f.probes = append(f.probes, &probe{section: section, x: x})
	return engine.Probe(len(f.probes) - 1), nil
}

func (f *Fake) ReadProbe(ctx context.Context, p engine.Probe) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(p) < 0 || int(p) >= len(f.probes) {
		return nil, &engine.Error{Op: "read_probe", Msg: fmt.Sprintf("no probe %d", p)}
	}
	return append([]float64(nil), f.probes[p].values...), nil
}

func (f *Fake) Configure(ctx context.Context, integ engine.Integration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.integ = integ
	return nil
}

// Integration returns the last integration settings.
func (f *Fake) Integration() engine.Integration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.integ
}

func (f *Fake) Initialize(ctx context.Context, vinit float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InitErr != nil {
		return f.InitErr
	}
	f.vinit = vinit
	f.steps = 0
	f.t = 0
	f.sample()
	return nil
}

func (f *Fake) Step(ctx context.Context) (float64, error) {
	f.mu.Lock()
	if f.FailStep > 0 && f.steps+1 == f.FailStep {
		f.mu.Unlock()
		return 0, &engine.Error{Op: "step", Msg: "integration failed", Output: "fake: step failed"}
	}
	f.steps++
	f.t = float64(f.steps) * f.dt()
	f.sample()
	n, t, hook := f.steps, f.t, f.OnStep
	f.mu.Unlock()

	if hook != nil {
		hook(n, t)
	}
	return t, nil
}

// Steps returns how many steps ran since the last Initialize.
func (f *Fake) Steps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.steps
}

func (f *Fake) Time(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t, nil
}

func (f *Fake) Voltages(ctx context.Context) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []float64
	idx := 0
	for _, sec := range f.sections {
		for range sec.NSeg {
			out = append(out, f.voltage(idx))
			idx++
		}
	}
	return out, nil
}

func (f *Fake) Assign(ctx context.Context, path engine.Path, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "assign", Path: path.String(), Value: value})
	return nil
}

func (f *Fake) Invoke(ctx context.Context, path engine.Path, args []any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "invoke", Path: path.String(), Args: args})
	return nil
}

// Calls returns the recorded scripting calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func (f *Fake) Run(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return nil
}

func (f *Fake) Vector(ctx context.Context, name string) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vectors[name]
	if !ok {
		return nil, &engine.Error{Op: "vector", Msg: "no vector " + name}
	}
	return append([]float64(nil), v...), nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) dt() float64 {
	if f.integ.Dt != nil && *f.integ.Dt > 0 {
		return *f.integ.Dt
	}
	return DefaultDt
}

func (f *Fake) voltage(segIdx int) float64 {
	return f.vinit + f.t*0.01 + float64(segIdx)*0.001
}

func (f *Fake) sample() {
	for _, p := range f.probes {
		if p.time {
			p.values = append(p.values, f.t)
			continue
		}
		p.values = append(p.values, f.vinit+f.t*0.01)
	}
}

func (f *Fake) find(name string) *engine.Section {
	for i := range f.sections {
		if f.sections[i].Name == name {
			return &f.sections[i]
		}
	}
	return nil
}

var _ engine.Engine = (*Fake)(nil)
