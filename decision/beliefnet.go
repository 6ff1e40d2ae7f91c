package decision

import "sync"

// BeliefNetwork propagates opaque evidence tokens to posterior
// distributions over network nodes. Implementations substitute their own
// posterior-propagation logic; the matrix only consumes the posteriors.
type BeliefNetwork interface {
	// Propagate walks the evidence through the network and returns, per
	// node, a posterior distribution over that node's states.
	Propagate(evidence []string) map[string]map[string]float64
}

// TableBeliefNetwork is a minimal BeliefNetwork backed by a lookup table of
// conditional distributions keyed by evidence token. Unknown tokens yield a
// maximally uncertain uniform posterior.
type TableBeliefNetwork struct {
	mu    sync.RWMutex
	table map[string]map[string]float64
}

// NewTableBeliefNetwork creates an empty table-driven network.
func NewTableBeliefNetwork() *TableBeliefNetwork {
	return &TableBeliefNetwork{
		table: make(map[string]map[string]float64),
	}
}

// SetPosterior registers the posterior distribution observed for an
// evidence token. Values are clamped to [0,1].
func (n *TableBeliefNetwork) SetPosterior(evidence string, dist map[string]float64) {
	clamped := make(map[string]float64, len(dist))
	for state, p := range dist {
		clamped[state] = clamp01(p)
	}
	n.mu.Lock()
	n.table[evidence] = clamped
	n.mu.Unlock()
}

// Propagate returns the stored posterior per evidence token.
func (n *TableBeliefNetwork) Propagate(evidence []string) map[string]map[string]float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make(map[string]map[string]float64, len(evidence))
	for _, token := range evidence {
		if dist, ok := n.table[token]; ok {
			copied := make(map[string]float64, len(dist))
			for k, v := range dist {
				copied[k] = v
			}
			out[token] = copied
			continue
		}
		out[token] = map[string]float64{"true": 0.5, "false": 0.5}
	}
	return out
}
