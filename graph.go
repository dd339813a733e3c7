package ic

import "sync"

// graphEdge records the outcome of one operation: the label the instance
// advanced to and the operation's output.
type graphEdge struct {
	newLabel StateLabel
	out      OpOut
}

// computations maps an operation id to the observed transition from the
// enclosing state label.
type computations map[OpId]graphEdge

// computationGraph is the cache of all observed transitions
// (label, op) -> (label', out). It grows monotonically: entries are never
// mutated or removed for the life of the process.
//
// Lock order: callers that also hold the instances lock must acquire it
// before the graph lock.
type computationGraph struct {
	mu    sync.RWMutex
	edges map[StateLabel]computations
}

func newComputationGraph() *computationGraph {
	return &computationGraph{edges: make(map[StateLabel]computations)}
}

// seed ensures an (empty) entry for a label exists. Used for the initial
// labels of instances present at startup.
func (g *computationGraph) seed(label StateLabel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.edges[label]; !ok {
		g.edges[label] = make(computations)
	}
}

// record inserts the edge (label, op) -> (newLabel, out). Re-recording an
// existing key is idempotent by the determinism contract; the first write
// wins so pollers never observe a mutation.
func (g *computationGraph) record(label StateLabel, op OpId, newLabel StateLabel, out OpOut) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.edges[label]
	if !ok {
		c = make(computations)
		g.edges[label] = c
	}
	if _, ok := c[op]; ok {
		return
	}
	c[op] = graphEdge{newLabel: newLabel, out: out}
}

// lookup returns the cached edge for (label, op). The read lock is only
// tried, never awaited: under contention the lookup reports a miss and the
// caller falls through to recomputation or a later poll.
func (g *computationGraph) lookup(label StateLabel, op OpId) (StateLabel, OpOut, bool) {
	if !g.mu.TryRLock() {
		return StateLabel{}, OpOut{}, false
	}
	defer g.mu.RUnlock()
	c, ok := g.edges[label]
	if !ok {
		return StateLabel{}, OpOut{}, false
	}
	e, ok := c[op]
	if !ok {
		return StateLabel{}, OpOut{}, false
	}
	return e.newLabel, e.out, true
}
