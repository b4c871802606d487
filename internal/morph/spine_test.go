package morph

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/hubenschmidt/naas/internal/engine"
	"github.com/hubenschmidt/naas/internal/fault"
)

// spineCell is a straight dendrite along x with a two-part spine at x=0.75.
// The head is listed before the neck on purpose.
func spineCell() []engine.Section {
	stub := []engine.Point{{X: 0, Y: 0, Z: 0, Arc: 0}, {X: 0, Y: 0, Z: 1, Arc: 1}}
	return []engine.Section{
		{
			Name: "dend[0]", L: 10, NSeg: 2,
			Points:   []engine.Point{{X: 0, Arc: 0}, {X: 10, Arc: 10}},
			Segments: segments(2, 2),
			Children: []string{"spine_neck[0]"},
		},
		{
			Name: "spine_head[0]", L: 0.8, NSeg: 1,
			Points:   stub,
			Segments: segments(1, 0.5),
			Parent:   &engine.Attachment{Section: "spine_neck[0]", X: 1},
		},
		{
			Name: "spine_neck[0]", L: 1.5, NSeg: 1,
			Points:   stub,
			Segments: segments(1, 0.2),
			Parent:   &engine.Attachment{Section: "dend[0]", X: 0.75},
			Children: []string{"spine_head[0]"},
		},
	}
}

func TestSpineOnDendriteIsOrthogonalAndOffset(t *testing.T) {
	m, err := Derive(spineCell(), Options{Rand: rand.New(rand.NewPCG(1, 2))})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	neck, _ := m.Section("spine_neck[0]")
	dend, _ := m.Section("dend[0]")
	// x=0.75 falls halfway along the second dendrite segment
	attach := dend.Start[1].Add(dend.Direction[1].Scale(0.5))

	if got := neck.Direction[0].Norm(); math.Abs(got-1.5) > tol {
		t.Fatalf("|direction| = %g, want spine length 1.5", got)
	}
	if dot := neck.Direction[0].Dot(Vec3{1, 0, 0}); math.Abs(dot) > 1e-9 {
		t.Fatalf("spine direction not orthogonal to dendrite: dot=%g", dot)
	}
	if off := neck.Start[0].Sub(attach).Norm(); math.Abs(off-1) > tol {
		t.Fatalf("start offset from attachment = %g, want half parent diameter 1", off)
	}
	if !nearVec(neck.Center[0], neck.Start[0].Mid(neck.End[0])) {
		t.Fatal("center not recomputed")
	}
	if math.Abs(neck.Distance[0]-1.5) > tol {
		t.Fatalf("distance = %g, want 1.5", neck.Distance[0])
	}
}

func TestSpineOnSpineContinuesParentDirection(t *testing.T) {
	m, err := Derive(spineCell(), Options{Rand: rand.New(rand.NewPCG(3, 4))})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	neck, _ := m.Section("spine_neck[0]")
	head, _ := m.Section("spine_head[0]")

	if !nearVec(head.Start[0], neck.End[0]) {
		t.Fatalf("head start %v, want neck end %v", head.Start[0], neck.End[0])
	}
	if got := head.Direction[0].Norm(); math.Abs(got-0.8) > tol {
		t.Fatalf("|direction| = %g, want 0.8", got)
	}
	nu, _ := neck.Direction[0].Unit()
	hu, _ := head.Direction[0].Unit()
	if !nearVec(nu, hu) {
		t.Fatalf("head direction %v not parallel to neck %v", hu, nu)
	}
}

func TestSpineWithSeveralSegmentsIsMalformed(t *testing.T) {
	secs := spineCell()
	secs[2].NSeg = 2
	secs[2].Segments = segments(2, 0.2)

	_, err := Derive(secs, Options{})
	if !fault.Is(err, fault.MalformedSpineSection) {
		t.Fatalf("err = %v, want malformed spine", err)
	}
}

func TestSpineWithoutParentIsMalformed(t *testing.T) {
	secs := spineCell()
	secs[2].Parent = nil

	_, err := Derive(secs, Options{})
	if !fault.Is(err, fault.MalformedSpineSection) {
		t.Fatalf("err = %v, want malformed spine", err)
	}
}

// zeroSource makes every uniform draw the zero vector.
type zeroSource struct{}

func (zeroSource) Uint64() uint64 { return 1 << 52 }

func TestOrthogonalFallsBackOnDegenerateDraws(t *testing.T) {
	c := &spineCorrector{float: rand.New(zeroSource{}).Float64}
	u, _ := Vec3{1, 1, 1}.Unit()
	v := c.orthogonal(u)
	if math.Abs(v.Norm()-1) > tol {
		t.Fatalf("|v| = %g, want 1", v.Norm())
	}
	if math.Abs(v.Dot(u)) > tol {
		t.Fatalf("v not orthogonal: dot=%g", v.Dot(u))
	}
}

func TestSpineMagnitudeHoldsForManyDraws(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	for i := range 50 {
		m, err := Derive(spineCell(), Options{Rand: rng})
		if err != nil {
			t.Fatalf("derive %d: %v", i, err)
		}
		neck, _ := m.Section("spine_neck[0]")
		head, _ := m.Section("spine_head[0]")
		if math.Abs(neck.Direction[0].Norm()-1.5) > tol || math.Abs(head.Direction[0].Norm()-0.8) > tol {
			t.Fatalf("draw %d: magnitudes %g/%g", i, neck.Direction[0].Norm(), head.Direction[0].Norm())
		}
	}
}
