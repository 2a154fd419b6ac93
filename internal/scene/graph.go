package scene

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vk/dgsplice/internal/dgerr"
)

// Graph is the node-level dependency graph of a scene. An edge from -> to
// means "to" needs "from" first, either through depends_on or through a
// connection. All operations are concurrency-safe.
type Graph struct {
	mutex sync.RWMutex
	nodes map[string]*vertex
}

type vertex struct {
	id         string
	deps       map[string]*vertex
	dependents map[string]*vertex
}

// NewGraph creates an empty Graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*vertex)}
}

// AddNode adds a vertex. Adding an existing id does nothing.
func (g *Graph) AddNode(id string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = &vertex{
		id:         id,
		deps:       make(map[string]*vertex),
		dependents: make(map[string]*vertex),
	}
}

// AddEdge records that toID depends on fromID.
func (g *Graph) AddEdge(fromID, toID string) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	from, ok := g.nodes[fromID]
	if !ok {
		return dgerr.New(dgerr.NotFound, "scene.AddEdge", "source node not found: %s", fromID)
	}
	to, ok := g.nodes[toID]
	if !ok {
		return dgerr.New(dgerr.NotFound, "scene.AddEdge", "destination node not found: %s", toID)
	}
	to.deps[fromID] = from
	from.dependents[toID] = to
	return nil
}

// Dependencies returns the sorted ids id depends on.
func (g *Graph) Dependencies(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	v, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return sortedKeys(v.deps), nil
}

// Dependents returns the sorted ids depending on id.
func (g *Graph) Dependents(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	v, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return sortedKeys(v.dependents), nil
}

// DetectCycles returns a CycleDetected error naming one cycle, if any.
func (g *Graph) DetectCycles() error {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	permanent := make(map[string]bool)
	temporary := make(map[string]bool)
	var path []string

	var visit func(v *vertex) error
	visit = func(v *vertex) error {
		if permanent[v.id] {
			return nil
		}
		if temporary[v.id] {
			start := 0
			for i, id := range path {
				if id == v.id {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), path[start:]...), v.id)
			return dgerr.New(dgerr.CycleDetected, "scene.DetectCycles", "dependency cycle: %s", strings.Join(cycle, " -> "))
		}
		temporary[v.id] = true
		path = append(path, v.id)
		for _, id := range sortedKeys(v.dependents) {
			if err := visit(v.dependents[id]); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		delete(temporary, v.id)
		permanent[v.id] = true
		return nil
	}

	for _, id := range sortedKeys(g.nodes) {
		if err := visit(g.nodes[id]); err != nil {
			return err
		}
	}
	return nil
}

// Order returns every id with dependencies before dependents; ties are
// broken by name.
func (g *Graph) Order() ([]string, error) {
	if err := g.DetectCycles(); err != nil {
		return nil, err
	}
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	pending := make(map[string]int, len(g.nodes))
	var ready []string
	for id, v := range g.nodes {
		pending[id] = len(v.deps)
		if len(v.deps) == 0 {
			ready = append(ready, id)
		}
	}
	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for dep := range g.nodes[id].dependents {
			pending[dep]--
			if pending[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return order, nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
