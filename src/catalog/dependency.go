package catalog

import (
	"maps"
	"slices"
	"sync"

	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
)

type idSet map[common.EntryID]struct{}

// DependencyManager tracks which objects refer to which. dependents and
// dependencies are kept as inverses of each other.
type DependencyManager struct {
	mu sync.Mutex

	// dependency -> objects that depend on it
	dependents map[common.EntryID]idSet
	// dependent -> objects it depends on
	dependencies map[common.EntryID]idSet
}

func NewDependencyManager() *DependencyManager {
	return &DependencyManager{
		dependents:   map[common.EntryID]idSet{},
		dependencies: map[common.EntryID]idSet{},
	}
}

func addEdge(m map[common.EntryID]idSet, from, to common.EntryID) {
	s, ok := m[from]
	if !ok {
		s = idSet{}
		m[from] = s
	}
	s[to] = struct{}{}
}

func removeEdge(m map[common.EntryID]idSet, from, to common.EntryID) {
	s, ok := m[from]
	if !ok {
		return
	}
	delete(s, to)
	if len(s) == 0 {
		delete(m, from)
	}
}

// AddDependency records that dependent refers to dependency. Adding an
// existing edge is a no-op.
func (d *DependencyManager) AddDependency(dependent, dependency common.EntryID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	addEdge(d.dependents, dependency, dependent)
	addEdge(d.dependencies, dependent, dependency)
}

// Dependents returns the objects that depend on id, in ascending order.
func (d *DependencyManager) Dependents(id common.EntryID) []common.EntryID {
	d.mu.Lock()
	defer d.mu.Unlock()

	return slices.Sorted(maps.Keys(d.dependents[id]))
}

// Dependencies returns the objects id depends on, in ascending order.
func (d *DependencyManager) Dependencies(id common.EntryID) []common.EntryID {
	d.mu.Lock()
	defer d.mu.Unlock()

	return slices.Sorted(maps.Keys(d.dependencies[id]))
}

func (d *DependencyManager) CanDrop(id common.EntryID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.dependents[id]) == 0
}

// EraseObject removes every edge that touches id.
func (d *DependencyManager) EraseObject(id common.EntryID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for dep := range d.dependencies[id] {
		removeEdge(d.dependents, dep, id)
	}
	for dep := range d.dependents[id] {
		removeEdge(d.dependencies, dep, id)
	}
	delete(d.dependencies, id)
	delete(d.dependents, id)
}

// CascadeOrder lists root and everything that transitively depends on it,
// breadth first, siblings in ascending id order. follow filters which
// dependents are taken into account; it is called without holding the
// manager lock. Every object is listed once, even on cycles.
func (d *DependencyManager) CascadeOrder(
	root common.EntryID,
	follow func(common.EntryID) bool,
) []common.EntryID {
	order := []common.EntryID{root}
	visited := idSet{root: {}}

	for i := 0; i < len(order); i++ {
		for _, dep := range d.Dependents(order[i]) {
			if _, ok := visited[dep]; ok {
				continue
			}
			visited[dep] = struct{}{}
			if follow(dep) {
				order = append(order, dep)
			}
		}
	}
	return order
}

// EdgeCount is the number of dependency edges.
func (d *DependencyManager) EdgeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, s := range d.dependencies {
		n += len(s)
	}
	return n
}

// HasObject reports whether id takes part in any edge.
func (d *DependencyManager) HasObject(id common.EntryID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.dependents[id]) > 0 || len(d.dependencies[id]) > 0
}
