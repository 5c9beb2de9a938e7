package scheduler

import (
	"errors"
	"fmt"

	"github.com/gammazero/toposort"
	"go.trai.ch/zerr"
)

// Edge declares that To depends on From, in addition to To's declared Inputs.
type Edge struct {
	From string
	To   string
}

// StageGraph is an immutable, validated DAG of task units.
type StageGraph struct {
	units []*TaskUnit          // Declaration order
	index map[string]int       // Unit name -> declaration index
	deps  map[string][]string  // Unit name -> dependencies (inputs + extra edges), declaration-ordered
	order []string             // Stable topological order
}

// Build validates units and edges and returns the graph.
// Returns *UnresolvedDependencyError when an input or edge names an unknown
// unit or an input names a unit declared at or after the unit itself, and
// *CycleError when the dependencies are cyclic.
func Build(units []*TaskUnit, edges []Edge) (*StageGraph, error) {
	g := &StageGraph{
		units: make([]*TaskUnit, 0, len(units)),
		index: make(map[string]int, len(units)),
		deps:  make(map[string][]string, len(units)),
	}

	for _, u := range units {
		if u == nil || u.Name == "" {
			return nil, zerr.Wrap(ErrDuplicateUnit, "task unit without a name")
		}
		if _, exists := g.index[u.Name]; exists {
			return nil, zerr.With(zerr.Wrap(ErrDuplicateUnit, "building stage graph"), "unit", u.Name)
		}
		g.index[u.Name] = len(g.units)
		g.units = append(g.units, cloneUnit(u))
	}

	// Inputs must name units declared earlier
	for i, u := range g.units {
		for _, in := range u.Inputs {
			j, ok := g.index[in]
			if !ok {
				return nil, &UnresolvedDependencyError{Unit: u.Name, Missing: in}
			}
			if j >= i {
				return nil, &UnresolvedDependencyError{Unit: u.Name, Missing: in, Later: true}
			}
			g.addDep(u.Name, in)
		}
	}
	for _, e := range edges {
		if _, ok := g.index[e.To]; !ok {
			return nil, &UnresolvedDependencyError{Unit: e.To, Missing: e.To}
		}
		if _, ok := g.index[e.From]; !ok {
			return nil, &UnresolvedDependencyError{Unit: e.To, Missing: e.From}
		}
		g.addDep(e.To, e.From)
	}

	if err := g.detectCycle(); err != nil {
		return nil, err
	}

	order, leftover := g.stableOrder()
	if len(leftover) > 0 {
		return nil, &CycleError{Units: leftover, Err: errors.New("dependencies never resolve")}
	}
	g.order = order

	return g, nil
}

func (g *StageGraph) addDep(unit, dep string) {
	for _, existing := range g.deps[unit] {
		if existing == dep {
			return
		}
	}
	g.deps[unit] = append(g.deps[unit], dep)
}

// detectCycle runs gammazero/toposort over the dependency edges.
func (g *StageGraph) detectCycle() error {
	var edges []toposort.Edge
	for _, u := range g.units {
		deps := g.deps[u.Name]
		if len(deps) == 0 {
			// Task with no dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, u.Name})
			continue
		}
		for _, dep := range deps {
			// Edge (dep, unit) means dep must come before unit
			edges = append(edges, toposort.Edge{dep, u.Name})
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		_, leftover := g.stableOrder()
		return &CycleError{Units: leftover, Err: err}
	}
	return nil
}

// stableOrder is Kahn's algorithm where the next unit is always the earliest
// declared one whose dependencies are done. Units that never become ready are
// returned as leftover.
func (g *StageGraph) stableOrder() ([]string, []string) {
	done := make(map[string]bool, len(g.units))
	order := make([]string, 0, len(g.units))

	for len(order) < len(g.units) {
		progressed := false
		for _, u := range g.units {
			if done[u.Name] || !g.depsDone(u.Name, done) {
				continue
			}
			done[u.Name] = true
			order = append(order, u.Name)
			progressed = true
			break
		}
		if !progressed {
			break
		}
	}

	var leftover []string
	for _, u := range g.units {
		if !done[u.Name] {
			leftover = append(leftover, u.Name)
		}
	}
	return order, leftover
}

func (g *StageGraph) depsDone(unit string, done map[string]bool) bool {
	for _, dep := range g.deps[unit] {
		if !done[dep] {
			return false
		}
	}
	return true
}

// Order returns the stable topological order of unit names.
func (g *StageGraph) Order() []string {
	return append([]string(nil), g.order...)
}

// Units returns copies of the units in declaration order.
func (g *StageGraph) Units() []*TaskUnit {
	units := make([]*TaskUnit, 0, len(g.units))
	for _, u := range g.units {
		units = append(units, cloneUnit(u))
	}
	return units
}

// Get returns a copy of the named unit.
func (g *StageGraph) Get(name string) (*TaskUnit, bool) {
	i, ok := g.index[name]
	if !ok {
		return nil, false
	}
	return cloneUnit(g.units[i]), true
}

// DependsOn returns the dependencies of the named unit, inputs first.
func (g *StageGraph) DependsOn(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Len returns the number of units.
func (g *StageGraph) Len() int {
	return len(g.units)
}

func (g *StageGraph) String() string {
	return fmt.Sprintf("StageGraph(%d units: %v)", len(g.units), g.order)
}

// waves groups the topological order into batches whose members have no
// dependency on each other. Members keep declaration order.
func (g *StageGraph) waves() [][]*TaskUnit {
	done := make(map[string]bool, len(g.units))
	var out [][]*TaskUnit

	for len(done) < len(g.units) {
		var wave []*TaskUnit
		for _, u := range g.units {
			if done[u.Name] || !g.depsDone(u.Name, done) {
				continue
			}
			wave = append(wave, u)
		}
		if len(wave) == 0 {
			break
		}
		for _, u := range wave {
			done[u.Name] = true
		}
		out = append(out, wave)
	}
	return out
}
