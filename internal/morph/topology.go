package morph

import "github.com/hubenschmidt/naas/internal/engine"

// TopologyNode is one section of the topology tree.
type TopologyNode struct {
	ID       string          `json:"id"`
	Children []*TopologyNode `json:"children"`
	Level    int             `json:"level"`
}

// BuildTopology returns the section hierarchy as a single-root forest.
func BuildTopology(secs []engine.Section) []*TopologyNode {
	t := newTree(secs)
	root, ok := t.root()
	if !ok {
		return []*TopologyNode{}
	}
	return []*TopologyNode{t.topology(root.Name, 0)}
}

func (t *tree) topology(name string, level int) *TopologyNode {
	node := &TopologyNode{ID: name, Children: []*TopologyNode{}, Level: level}
	for _, child := range t.children[name] {
		if _, ok := t.byName[child]; !ok {
			continue
		}
		node.Children = append(node.Children, t.topology(child, level+1))
	}
	return node
}
