package morph

import (
	"math"
	"math/rand/v2"
	"strings"

	"github.com/hubenschmidt/naas/internal/fault"
)

const (
	spineMarker = "spine"

	// orthoDraws bounds the re-draws of a random vector that is nearly
	// parallel to the parent direction.
	orthoDraws = 16
	orthoMin   = 1e-9
)

// IsSpine reports whether a section name marks a spine compartment.
func IsSpine(name string) bool {
	return strings.Contains(name, spineMarker)
}

// spineCorrector re-places spine segments relative to their parent segment,
// since spines are not part of the dendrite polyline.
type spineCorrector struct {
	m     *Morphology
	float func() float64
	done  map[string]bool
}

func newSpineCorrector(m *Morphology, rng *rand.Rand) *spineCorrector {
	c := &spineCorrector{m: m, float: rand.Float64, done: map[string]bool{}}
	if rng != nil {
		c.float = rng.Float64
	}
	return c
}

func (c *spineCorrector) correct(name string) error {
	if c.done[name] {
		return nil
	}
	g := c.m.byName[name]
	raw := c.m.tree.byName[name]
	if raw.NSeg != 1 {
		return fault.New(fault.MalformedSpineSection, "spine section %s has %d segments, want 1", name, raw.NSeg)
	}
	if raw.Parent == nil {
		return fault.New(fault.MalformedSpineSection, "spine section %s has no parent", name)
	}
	parent, ok := c.m.byName[raw.Parent.Section]
	if !ok || !parent.HasGeometry() {
		return fault.New(fault.MalformedSpineSection, "spine section %s: parent %s has no geometry", name, raw.Parent.Section)
	}
	idx := SegmentIndex(parent.NSeg, raw.Parent.X)
	if idx < 0 || idx >= parent.NSeg {
		return fault.New(fault.MalformedSpineSection, "spine section %s attaches outside parent %s at %g", name, raw.Parent.Section, raw.Parent.X)
	}

	var start, dir Vec3
	if IsSpine(parent.Name) {
		if err := c.correct(parent.Name); err != nil {
			return err
		}
		// spine neck continues in the direction of its parent
		start = parent.End[idx]
		u, ok := parent.Direction[idx].Unit()
		if !ok {
			u = c.randomUnit()
		}
		dir = u
	} else {
		step := 1 / float64(parent.NSeg)
		frac := (raw.Parent.X - step*float64(idx)) / step
		attach := parent.Start[idx].Add(parent.Direction[idx].Scale(frac))
		u, ok := parent.Direction[idx].Unit()
		if ok {
			dir = c.orthogonal(u)
		} else {
			dir = c.randomUnit()
		}
		start = attach.Add(dir.Scale(parent.Diam[idx] / 2))
	}

	g.setSegment(0, start, start.Add(dir.Scale(g.Length[0])))
	c.done[name] = true
	return nil
}

func (c *spineCorrector) uniform() Vec3 {
	return Vec3{2*c.float() - 1, 2*c.float() - 1, 2*c.float() - 1}
}

// orthogonal returns a random unit vector orthogonal to the unit vector u.
// Draws nearly parallel to u are re-drawn. If every draw is degenerate, a
// fixed axis least aligned with u is used instead.
func (c *spineCorrector) orthogonal(u Vec3) Vec3 {
	for range orthoDraws {
		cr := u.Cross(c.uniform())
		if cr.Norm() > orthoMin {
			v, _ := cr.Unit()
			return v
		}
	}
	axis := Vec3{1, 0, 0}
	if math.Abs(u.Y) < math.Abs(u.X) && math.Abs(u.Y) <= math.Abs(u.Z) {
		axis = Vec3{0, 1, 0}
	} else if math.Abs(u.Z) < math.Abs(u.X) {
		axis = Vec3{0, 0, 1}
	}
	v, _ := u.Cross(axis).Unit()
	return v
}

func (c *spineCorrector) randomUnit() Vec3 {
	for range orthoDraws {
		if v, ok := c.uniform().Unit(); ok {
			return v
		}
	}
	return Vec3{1, 0, 0}
}
