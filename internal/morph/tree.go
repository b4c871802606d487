package morph

import "github.com/hubenschmidt/naas/internal/engine"

// rootSectionName is where the engine's templates put the cell body.
const rootSectionName = "soma[0]"

// tree indexes the section hierarchy reported by the engine.
type tree struct {
	order    []string
	byName   map[string]*engine.Section
	children map[string][]string
}

func newTree(secs []engine.Section) *tree {
	t := &tree{
		order:    make([]string, 0, len(secs)),
		byName:   make(map[string]*engine.Section, len(secs)),
		children: make(map[string][]string, len(secs)),
	}
	declared := false
	for i := range secs {
		s := &secs[i]
		t.order = append(t.order, s.Name)
		t.byName[s.Name] = s
		if len(s.Children) > 0 {
			declared = true
			t.children[s.Name] = append([]string(nil), s.Children...)
		}
	}
	if declared {
		return t
	}
	// engines that only report parents: rebuild children in engine order
	for _, name := range t.order {
		if p := t.byName[name].Parent; p != nil {
			t.children[p.Section] = append(t.children[p.Section], name)
		}
	}
	return t
}

// root returns the cell body, or the first parentless section.
func (t *tree) root() (*engine.Section, bool) {
	if s, ok := t.byName[rootSectionName]; ok {
		return s, true
	}
	for _, name := range t.order {
		if s := t.byName[name]; s.Parent == nil {
			return s, true
		}
	}
	if len(t.order) > 0 {
		return t.byName[t.order[0]], true
	}
	return nil, false
}
