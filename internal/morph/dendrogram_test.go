package morph

import (
	"testing"

	"github.com/hubenschmidt/naas/internal/engine"
)

func TestDendrogramTotalWidth(t *testing.T) {
	// leaf widths 4 and 6 under a parent of width 5, below the soma
	secs := []engine.Section{
		{Name: "soma[0]", L: 20, NSeg: 1, Segments: segments(1, 20), Children: []string{"dend[0]"}},
		{Name: "dend[0]", L: 100, NSeg: 2, Segments: segments(2, 1), Children: []string{"dend[1]", "dend[2]"},
			Parent: &engine.Attachment{Section: "soma[0]", X: 1}},
		{Name: "dend[1]", L: 50, NSeg: 1, Segments: segments(1, 0), Parent: &engine.Attachment{Section: "dend[0]", X: 1}},
		{Name: "dend[2]", L: 30, NSeg: 3, Segments: segments(3, 2), Parent: &engine.Attachment{Section: "dend[0]", X: 1}},
	}

	root := BuildDendrogram(secs)
	if root == nil || root.Name != "soma[0]" {
		t.Fatalf("root = %+v", root)
	}
	parent := root.Sections[0]
	if parent.Width != 5 {
		t.Fatalf("parent width = %g, want 5", parent.Width)
	}
	if parent.Sections[0].TotalWidth != 4 || parent.Sections[1].TotalWidth != 6 {
		t.Fatalf("leaf total widths = %g, %g", parent.Sections[0].TotalWidth, parent.Sections[1].TotalWidth)
	}
	if parent.TotalWidth != 10 {
		t.Fatalf("parent total width = %g, want 10", parent.TotalWidth)
	}
	if root.TotalWidth != 10 {
		t.Fatalf("root total width = %g, want 10", root.TotalWidth)
	}
	if parent.Height != 104 {
		t.Fatalf("parent height = %g, want L + nseg*padding = 104", parent.Height)
	}
	if len(parent.Segments) != 2 || parent.Segments[0].Length != 50 {
		t.Fatalf("parent segments = %+v", parent.Segments)
	}
}

func TestDendrogramFromParentsOnly(t *testing.T) {
	secs := []engine.Section{
		{Name: "soma[0]", L: 10, NSeg: 1, Segments: segments(1, 8)},
		{Name: "axon[0]", L: 10, NSeg: 1, Segments: segments(1, 1), Parent: &engine.Attachment{Section: "soma[0]", X: 0}},
		{Name: "dend[0]", L: 10, NSeg: 1, Segments: segments(1, 3), Parent: &engine.Attachment{Section: "soma[0]", X: 1}},
	}
	root := BuildDendrogram(secs)
	if len(root.Sections) != 2 || root.Sections[0].Name != "axon[0]" {
		t.Fatalf("children = %+v", root.Sections)
	}
	if root.TotalWidth != 5+7 {
		t.Fatalf("root total width = %g, want 12", root.TotalWidth)
	}

	topo := BuildTopology(secs)
	if len(topo) != 1 || len(topo[0].Children) != 2 || topo[0].Children[1].Level != 1 {
		t.Fatalf("topology = %+v", topo)
	}
}

func TestDendrogramEmptyModel(t *testing.T) {
	if BuildDendrogram(nil) != nil {
		t.Fatal("expected nil dendrogram")
	}
	if len(BuildTopology(nil)) != 0 {
		t.Fatal("expected empty topology")
	}
}
