// Package engine defines the contract with the external cable-equation
// simulator and a JSON-lines RPC client for a simulator worker process.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Point is one 3D sample of a section polyline with its arc-length position.
type Point struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Z   float64 `json:"z"`
	Arc float64 `json:"arc"`
}

// Segment holds the static per-segment properties reported by the engine.
type Segment struct {
	X    float64 `json:"x"`
	Diam float64 `json:"diam"`
}

// Attachment locates a point on a section as a normalized position.
type Attachment struct {
	Section string  `json:"section"`
	X       float64 `json:"x"`
}

// Section is the raw section data of a loaded model, after shape definition.
type Section struct {
	Name     string      `json:"name"`
	L        float64     `json:"L"`
	NSeg     int         `json:"nseg"`
	Points   []Point     `json:"points"`
	Segments []Segment   `json:"segments"`
	Parent   *Attachment `json:"parent,omitempty"`
	Children []string    `json:"children"`
}

// SynapseInstance is one point-process instance of a synapse class.
type SynapseInstance struct {
	ID      string  `json:"id"`
	Section string  `json:"section"`
	X       float64 `json:"x"`
}

// Clamp identifies one of the two current clamps created at load time.
type Clamp string

const (
	StimulusClamp Clamp = "stimulus"
	HoldingClamp  Clamp = "holding"
)

// Stimulus configures a current clamp.
type Stimulus struct {
	Amp   float64 `json:"amp"`
	Delay float64 `json:"delay"`
	Dur   float64 `json:"dur"`
}

// Integration selects the integration mode. A nil Dt selects the variable
// time step integrator.
type Integration struct {
	Dt      *float64 `json:"dt"`
	Celsius float64  `json:"celsius"`
	TStop   float64  `json:"tstop"`
}

// Probe is a handle to a bound recording vector.
type Probe int

// Format is the layout of a model package.
type Format string

const (
	FormatBSP    Format = "bsp"
	FormatNMC    Format = "nmc"
	FormatCell   Format = "cell"
	FormatPython Format = "python"
)

// Template describes what the engine must instantiate.
type Template struct {
	Format     Format `json:"format"`
	Dir        string `json:"dir"`
	HocFile    string `json:"hoc_file,omitempty"`
	Name       string `json:"name,omitempty"`
	Morphology string `json:"morphology,omitempty"`
	Args       []any  `json:"args,omitempty"`
}

// PathElem is one step of a scripting path, e.g. soma[0] is {soma, [0]}.
type PathElem struct {
	Name  string `json:"name"`
	Index []int  `json:"index,omitempty"`
}

// Path addresses an attribute of the script namespace. The first element
// names the root: GlobalRoot for simulator globals, ModelRoot for the
// object exported by a script-driven model.
type Path []PathElem

// Path roots.
const (
	GlobalRoot = "h"
	ModelRoot  = "model"
)

func (p Path) String() string {
	var b strings.Builder
	for i, el := range p {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(el.Name)
		for _, idx := range el.Index {
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(idx))
			b.WriteByte(']')
		}
	}
	return b.String()
}

// Morphology reports the static structure of a loaded model.
type Morphology interface {
	Sections(ctx context.Context) ([]Section, error)
	SectionInfo(ctx context.Context, section string) (string, error)
	Synapses(ctx context.Context, class string) ([]SynapseInstance, error)
}

// Solver drives a simulation. Implementations are not safe for concurrent
// use unless documented otherwise.
type Solver interface {
	ClampSection(ctx context.Context, clamp Clamp) (string, error)
	PlaceClamp(ctx context.Context, clamp Clamp, section string, x float64) error
	ConfigureClamp(ctx context.Context, clamp Clamp, stim Stimulus) error
	ResetRecordings(ctx context.Context) error
	RecordTime(ctx context.Context) (Probe, error)
	RecordVoltage(ctx context.Context, section string, x float64) (Probe, error)
	ReadProbe(ctx context.Context, probe Probe) ([]float64, error)
	Configure(ctx context.Context, integ Integration) error
	Initialize(ctx context.Context, vinit float64) error
	Step(ctx context.Context) (float64, error)
	Time(ctx context.Context) (float64, error)
	Voltages(ctx context.Context) ([]float64, error)
}

// Scripting exposes the model's script namespace, used by script-driven
// models that run their own protocol.
type Scripting interface {
	Assign(ctx context.Context, path Path, value any) error
	Invoke(ctx context.Context, path Path, args []any) error
	Run(ctx context.Context) error
	Vector(ctx context.Context, name string) ([]float64, error)
}

// Engine is a loaded simulator instance.
type Engine interface {
	Load(ctx context.Context, t Template) error
	Morphology
	Solver
	Scripting
	Close() error
}

// Error is an engine-side failure with the output the engine printed while
// handling the failing call.
type Error struct {
	Op     string
	Msg    string
	Output string
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine %s: %s", e.Op, e.Msg)
}

// EngineOutput returns the captured diagnostic text.
func (e *Error) EngineOutput() string { return e.Output }

// SectionName strips the template instance prefix ("Tmpl[0].") from a raw
// engine section name.
func SectionName(template, raw string) string {
	if template == "" {
		return raw
	}
	return strings.Replace(raw, template+"[0].", "", 1)
}
