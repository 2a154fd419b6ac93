package scene

import (
	"strings"

	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/variant"
)

// Model is the format-agnostic content of one or more scene files.
type Model struct {
	Nodes       []*Node
	Connections []Connection
}

// Node describes one splice node.
type Node struct {
	Name      string
	Size      int
	Members   []Member
	Ports     []Port
	Operators []Operator
	// DependsOn maps a dependency name to a node name.
	DependsOn map[string]string
}

type Member struct {
	Name       string
	Type       string
	Default    variant.Variant
	Persistent bool
}

type Port struct {
	Name   string
	Member string
	Mode   string
	Group  string
}

// Operator carries either inline Source or the Path of its source file.
type Operator struct {
	Name   string
	Source string
	Path   string
}

// Connection joins two ports given as "node.port".
type Connection struct {
	From string
	To   string
}

// Node returns the named node or nil.
func (m *Model) Node(name string) *Node {
	for _, n := range m.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// Graph builds the node graph of the model from depends_on and
// connections.
func (m *Model) Graph() (*Graph, error) {
	g := NewGraph()
	for _, n := range m.Nodes {
		g.AddNode(n.Name)
	}
	for _, n := range m.Nodes {
		for _, dep := range sortedKeys(n.DependsOn) {
			if err := g.AddEdge(n.DependsOn[dep], n.Name); err != nil {
				return nil, err
			}
		}
	}
	for _, c := range m.Connections {
		from, _, err := splitPortKey(c.From)
		if err != nil {
			return nil, err
		}
		to, _, err := splitPortKey(c.To)
		if err != nil {
			return nil, err
		}
		if err := g.AddEdge(from, to); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func splitPortKey(key string) (string, string, error) {
	i := strings.LastIndex(key, ".")
	if i <= 0 || i == len(key)-1 {
		return "", "", dgerr.New(dgerr.NotFound, "scene.Connection", "invalid port reference '%s': expected node.port", key)
	}
	return key[:i], key[i+1:], nil
}
