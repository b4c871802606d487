// Package morph derives per-segment geometry, dendrogram and topology layouts
// and synapse locations from the raw section data of a loaded model.
package morph

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"sort"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/hubenschmidt/naas/internal/engine"
)

// segmentEpsilon keeps a position of exactly 1.0 inside the last segment.
const segmentEpsilon = 1e-7

// SegmentIndex maps a normalized position on a section to a segment index.
func SegmentIndex(nseg int, x float64) int {
	return int(math.Trunc(float64(nseg) * x * (1 - segmentEpsilon)))
}

// SectionGeometry holds the derived attributes of every segment of one
// section. The per-segment slices are empty for sections without 3D points.
type SectionGeometry struct {
	Index int
	Name  string
	NSeg  int

	SegX     []float64
	Diam     []float64
	Length   []float64
	Distance []float64

	Start     []Vec3
	End       []Vec3
	Center    []Vec3
	Direction []Vec3
}

// HasGeometry reports whether segment geometry was derived.
func (g *SectionGeometry) HasGeometry() bool {
	return len(g.Start) == g.NSeg && g.NSeg > 0
}

func (g *SectionGeometry) setSegment(i int, start, end Vec3) {
	g.Start[i] = start
	g.End[i] = end
	g.Center[i] = start.Mid(end)
	g.Direction[i] = end.Sub(start)
	g.Distance[i] = g.Direction[i].Norm()
}

// Morphology is the derived geometry of a loaded model, in engine section
// order.
type Morphology struct {
	Sections []*SectionGeometry
	byName   map[string]*SectionGeometry
	tree     *tree
}

// Section returns the geometry of a section by name.
func (m *Morphology) Section(name string) (*SectionGeometry, bool) {
	g, ok := m.byName[name]
	return g, ok
}

// SegmentCount returns the number of segments over all sections.
func (m *Morphology) SegmentCount() int {
	n := 0
	for _, g := range m.Sections {
		n += g.NSeg
	}
	return n
}

// Options tune derivation.
type Options struct {
	// Rand drives the random spine orientation. Nil uses the global source.
	Rand *rand.Rand
}

// Derive computes segment geometry for every section and corrects spine
// placement.
func Derive(secs []engine.Section, opts Options) (*Morphology, error) {
	m := &Morphology{
		Sections: make([]*SectionGeometry, 0, len(secs)),
		byName:   make(map[string]*SectionGeometry, len(secs)),
		tree:     newTree(secs),
	}

	offset := somaOffset(secs)
	for i := range secs {
		g := deriveSection(i, &secs[i], offset)
		m.Sections = append(m.Sections, g)
		m.byName[g.Name] = g
	}

	c := newSpineCorrector(m, opts.Rand)
	for _, g := range m.Sections {
		if !IsSpine(g.Name) || !g.HasGeometry() {
			continue
		}
		if err := c.correct(g.Name); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// somaOffset returns the centroid of the first section's points when the
// model has more than one section, so that the soma sits at the origin.
func somaOffset(secs []engine.Section) Vec3 {
	if len(secs) < 2 || len(secs[0].Points) == 0 {
		return Vec3{}
	}
	var sum Vec3
	for _, p := range secs[0].Points {
		sum = sum.Add(Vec3{p.X, p.Y, p.Z})
	}
	return sum.Scale(1 / float64(len(secs[0].Points)))
}

func deriveSection(index int, sec *engine.Section, offset Vec3) *SectionGeometry {
	g := &SectionGeometry{Index: index, Name: sec.Name, NSeg: sec.NSeg}
	if len(sec.Points) == 0 || sec.NSeg <= 0 {
		return g
	}

	n := sec.NSeg
	g.SegX = make([]float64, n)
	g.Diam = make([]float64, n)
	g.Length = make([]float64, n)
	g.Distance = make([]float64, n)
	g.Start = make([]Vec3, n)
	g.End = make([]Vec3, n)
	g.Center = make([]Vec3, n)
	g.Direction = make([]Vec3, n)

	arc := make([]float64, len(sec.Points))
	xs := make([]float64, len(sec.Points))
	ys := make([]float64, len(sec.Points))
	zs := make([]float64, len(sec.Points))
	for i, p := range sec.Points {
		if sec.L > 0 {
			arc[i] = p.Arc / sec.L
		}
		xs[i] = p.X - offset.X
		ys[i] = p.Y - offset.Y
		zs[i] = p.Z - offset.Z
	}

	delta := 0.5 / float64(n)
	segLen := sec.L / float64(n)
	for i := range n {
		x := (float64(i) + 0.5) / float64(n)
		if i < len(sec.Segments) {
			x = sec.Segments[i].X
			g.Diam[i] = sec.Segments[i].Diam
		}
		g.SegX[i] = x
		g.Length[i] = segLen

		lo, hi := x-delta, x+delta
		start := Vec3{interp(lo, arc, xs), interp(lo, arc, ys), interp(lo, arc, zs)}
		end := Vec3{interp(hi, arc, xs), interp(hi, arc, ys), interp(hi, arc, zs)}
		g.setSegment(i, start, end)
	}
	return g
}

// interp is piecewise linear interpolation over increasing xp, clamping to
// the end values outside the sampled range.
func interp(x float64, xp, fp []float64) float64 {
	last := len(xp) - 1
	if x <= xp[0] {
		return fp[0]
	}
	if x >= xp[last] {
		return fp[last]
	}
	j := sort.SearchFloat64s(xp, x)
	// xp[j-1] < x <= xp[j]
	if xp[j] == x {
		for j < last && xp[j+1] == x {
			j++
		}
		return fp[j]
	}
	x0, x1 := xp[j-1], xp[j]
	t := (x - x0) / (x1 - x0)
	return fp[j-1] + t*(fp[j]-fp[j-1])
}

type sectionJSON struct {
	Index      int       `json:"index"`
	NSeg       int       `json:"nseg"`
	SegX       []float64 `json:"segx,omitempty"`
	Diam       []float64 `json:"diam,omitempty"`
	Length     []float64 `json:"length,omitempty"`
	Distance   []float64 `json:"distance,omitempty"`
	XStart     []float64 `json:"xstart,omitempty"`
	XEnd       []float64 `json:"xend,omitempty"`
	XCenter    []float64 `json:"xcenter,omitempty"`
	XDirection []float64 `json:"xdirection,omitempty"`
	YStart     []float64 `json:"ystart,omitempty"`
	YEnd       []float64 `json:"yend,omitempty"`
	YCenter    []float64 `json:"ycenter,omitempty"`
	YDirection []float64 `json:"ydirection,omitempty"`
	ZStart     []float64 `json:"zstart,omitempty"`
	ZEnd       []float64 `json:"zend,omitempty"`
	ZCenter    []float64 `json:"zcenter,omitempty"`
	ZDirection []float64 `json:"zdirection,omitempty"`
}

func columns(vs []Vec3) (xs, ys, zs []float64) {
	if len(vs) == 0 {
		return nil, nil, nil
	}
	xs = make([]float64, len(vs))
	ys = make([]float64, len(vs))
	zs = make([]float64, len(vs))
	for i, v := range vs {
		xs[i], ys[i], zs[i] = v.X, v.Y, v.Z
	}
	return xs, ys, zs
}

// MarshalJSON encodes a section in the column layout the browser client
// renders from.
func (g *SectionGeometry) MarshalJSON() ([]byte, error) {
	out := sectionJSON{
		Index:    g.Index,
		NSeg:     g.NSeg,
		SegX:     g.SegX,
		Diam:     g.Diam,
		Length:   g.Length,
		Distance: g.Distance,
	}
	out.XStart, out.YStart, out.ZStart = columns(g.Start)
	out.XEnd, out.YEnd, out.ZEnd = columns(g.End)
	out.XCenter, out.YCenter, out.ZCenter = columns(g.Center)
	out.XDirection, out.YDirection, out.ZDirection = columns(g.Direction)
	return json.Marshal(out)
}

// MarshalJSON encodes the morphology as an object keyed by section name, in
// engine section order.
func (m *Morphology) MarshalJSON() ([]byte, error) {
	out := orderedmap.New[string, *SectionGeometry]()
	for _, g := range m.Sections {
		out.Set(g.Name, g)
	}
	return json.Marshal(out)
}
