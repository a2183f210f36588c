package filter

import (
	"math"
	"slices"
	"sync"
	"time"
)

// GroupConfig is one named parameter group's tuning.
type GroupConfig struct {
	Name      string
	Indices   []int
	MinCutoff float64
	Beta      float64
}

type groupState struct {
	indices     []int
	xPrev       []float64
	dxPrev      []float64
	minCutoff   float64
	beta        float64
	lastUpdate  time.Time
	initialized bool
}

// Grouped filters disjoint index subsets of a vector, each with its own coefficients.
// Indices not covered by a group pass through. Groups are applied in configuration
// order, so for an index shared by two groups the most recently configured one wins.
type Grouped struct {
	mu      sync.Mutex
	groups  map[string]*groupState
	order   []string
	dCutoff float64
	now     Clock
}

func NewGrouped() *Grouped {
	return NewGroupedWithClock(time.Now)
}

func NewGroupedWithClock(now Clock) *Grouped {
	return &Grouped{
		groups:  make(map[string]*groupState),
		dCutoff: DefaultDerivativeCutoff,
		now:     now,
	}
}

// ConfigureGroup (re)creates a group's state. An empty index list is a no-op.
func (g *Grouped) ConfigureGroup(name string, indices []int, minCutoff, beta float64) {
	if len(indices) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(name)
	g.groups[name] = newGroupState(indices, minCutoff, beta)
	g.order = append(g.order, name)
}

func newGroupState(indices []int, minCutoff, beta float64) *groupState {
	return &groupState{
		indices:   slices.Clone(indices),
		xPrev:     make([]float64, len(indices)),
		dxPrev:    make([]float64, len(indices)),
		minCutoff: clampMinCutoff(minCutoff),
		beta:      clampBeta(beta),
	}
}

func (g *Grouped) DisableGroup(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(name)
}

func (g *Grouped) removeLocked(name string) {
	if _, ok := g.groups[name]; !ok {
		return
	}
	delete(g.groups, name)
	g.order = slices.DeleteFunc(g.order, func(n string) bool { return n == name })
}

func (g *Grouped) Groups() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.order)
}

func (g *Grouped) Filter(input []float32) []float32 {
	out := slices.Clone(input)
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.now()
	for _, name := range g.order {
		g.groups[name].step(input, out, t, g.dCutoff)
	}
	return out
}

func (s *groupState) step(input, out []float32, t time.Time, dCutoff float64) {
	dt := t.Sub(s.lastUpdate).Seconds()
	if !s.initialized || dt <= 0 {
		for i, idx := range s.indices {
			if idx >= 0 && idx < len(input) {
				s.xPrev[i] = float64(input[idx])
			}
		}
		s.lastUpdate = t
		s.initialized = true
		return
	}

	aD := smoothingFactor(dt, dCutoff)
	for i, idx := range s.indices {
		if idx < 0 || idx >= len(input) {
			continue
		}
		x := float64(input[idx])
		dx := (x - s.xPrev[i]) / dt
		dxHat := exponentialSmoothing(aD, dx, s.dxPrev[i])
		cutoff := s.minCutoff + s.beta*math.Abs(dxHat)
		a := smoothingFactor(dt, cutoff)
		xHat := exponentialSmoothing(a, x, s.xPrev[i])
		out[idx] = float32(xHat)
		s.xPrev[i] = xHat
		s.dxPrev[i] = dxHat
	}
	s.lastUpdate = t
}

// Apply replaces every group with cfgs in one step, so a concurrent Filter sees either
// the old groups or the new ones. Configs with no indices are skipped and a repeated
// name keeps its last config.
func (g *Grouped) Apply(cfgs []GroupConfig) {
	groups := make(map[string]*groupState, len(cfgs))
	var order []string
	for _, c := range cfgs {
		if len(c.Indices) == 0 {
			continue
		}
		if _, ok := groups[c.Name]; ok {
			order = slices.DeleteFunc(order, func(n string) bool { return n == c.Name })
		}
		groups[c.Name] = newGroupState(c.Indices, c.MinCutoff, c.Beta)
		order = append(order, c.Name)
	}
	g.mu.Lock()
	g.groups = groups
	g.order = order
	g.mu.Unlock()
}
