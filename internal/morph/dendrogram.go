package morph

import "github.com/hubenschmidt/naas/internal/engine"

// Padding is added around every drawn segment of the dendrogram.
const Padding = 2.0

// DendrogramSegment is one drawn segment.
type DendrogramSegment struct {
	Length float64 `json:"length"`
	Diam   float64 `json:"diam"`
}

// DendrogramNode is the schematic layout of one section and its subtree.
type DendrogramNode struct {
	Name       string              `json:"name"`
	Height     float64             `json:"height"`
	Width      float64             `json:"width"`
	Segments   []DendrogramSegment `json:"segments"`
	Sections   []*DendrogramNode   `json:"sections"`
	TotalWidth float64             `json:"total_width"`
}

// BuildDendrogram lays out the section tree from its root. It returns nil for
// an empty model.
func BuildDendrogram(secs []engine.Section) *DendrogramNode {
	t := newTree(secs)
	root, ok := t.root()
	if !ok {
		return nil
	}
	return t.dendrogram(root)
}

func (t *tree) dendrogram(sec *engine.Section) *DendrogramNode {
	node := &DendrogramNode{
		Name:     sec.Name,
		Height:   sec.L + float64(sec.NSeg)*Padding,
		Segments: make([]DendrogramSegment, 0, len(sec.Segments)),
		Sections: []*DendrogramNode{},
	}

	maxDiam := 0.0
	segLen := 0.0
	if sec.NSeg > 0 {
		segLen = sec.L / float64(sec.NSeg)
	}
	for _, seg := range sec.Segments {
		maxDiam = max(maxDiam, seg.Diam)
		node.Segments = append(node.Segments, DendrogramSegment{Length: segLen, Diam: seg.Diam})
	}
	node.Width = maxDiam + 2*Padding

	for _, name := range t.children[sec.Name] {
		child, ok := t.byName[name]
		if !ok {
			continue
		}
		node.Sections = append(node.Sections, t.dendrogram(child))
	}

	if len(node.Sections) == 0 {
		node.TotalWidth = node.Width
		return node
	}
	for _, c := range node.Sections {
		node.TotalWidth += c.TotalWidth
	}
	return node
}
