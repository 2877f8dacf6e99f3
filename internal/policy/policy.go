// Package policy implements the load-balancing policies of C2: a pure
// function from a load vector to a chosen index. Grounded on the chooser
// functions of original_source/IPython/parallel/controller/scheduler.py
// (plainrandom/lru/twobin/weighted/leastload) and on the weighted-selection
// math of the teacher's internal/relay/endpoint_manager.go
// (EndpointSelector.GetBestEndpoint).
package policy

import (
	"fmt"
	"math/rand"
)

// Name identifies one of the closed set of policy variants named in
// section 6's configuration table. The set is intentionally closed —
// section 9's design notes call out resisting extension points here.
type Name string

const (
	LeastLoad  Name = "leastload"
	Pure       Name = "pure"
	LRU        Name = "lru"
	PlainRand  Name = "plainrandom"
	Weighted   Name = "weighted"
	TwoBin     Name = "twobin"
)

// weightEpsilon keeps a zero-load engine from producing a divide-by-zero
// weight while still dominating the weighted draw, per section 4.2.
const weightEpsilon = 1e-6

// Policy is a pick(loads) -> index function over a non-empty load vector.
type Policy func(loads []int, rnd *rand.Rand) int

// Table is the compile-time mapping from scheme_name to Policy, replacing
// the original's attribute-assigned free functions (section 9's "global
// state" note) with a fixed lookup table.
var Table = map[Name]Policy{
	LeastLoad: leastLoad,
	Pure:      leastLoad, // "pure" delegates to transport-layer LRU routing out of scope here; treated as leastload's sibling so a misconfigured build still dispatches sanely.
	LRU:       lru,
	PlainRand: plainRandom,
	Weighted:  weighted,
	TwoBin:    twoBin,
}

// Lookup resolves a scheme_name to its Policy, or an error if unknown.
func Lookup(name Name) (Policy, error) {
	p, ok := Table[name]
	if !ok {
		return nil, fmt.Errorf("policy: unknown scheme_name %q", name)
	}
	return p, nil
}

// lru always picks the front of the LRU-ordered list. The content of loads
// is ignored; it assumes the caller maintains LRU ordering (C3's
// register/add_job rotation discipline).
func lru(loads []int, _ *rand.Rand) int {
	return 0
}

// plainRandom picks a uniformly random index.
func plainRandom(loads []int, rnd *rand.Rand) int {
	return rnd.Intn(len(loads))
}

// twoBin draws two indices uniformly and returns the smaller (the
// LRU-of-two, since the list is LRU-ordered).
func twoBin(loads []int, rnd *rand.Rand) int {
	a := rnd.Intn(len(loads))
	b := rnd.Intn(len(loads))
	if a < b {
		return a
	}
	return b
}

// weighted draws two indices with probability proportional to
// 1/(epsilon+load) and returns the less-loaded of the two draws, matching
// section 4.2 and the inverse-response-time weighting idea of
// endpoint_manager.go's EndpointHealth.Weight.
func weighted(loads []int, rnd *rand.Rand) int {
	weights := make([]float64, len(loads))
	var total float64
	for i, l := range loads {
		w := 1.0 / (weightEpsilon + float64(l))
		weights[i] = w
		total += w
	}
	x := rnd.Float64() * total
	y := rnd.Float64() * total
	idx := weightedIndex(weights, x)
	idy := weightedIndex(weights, y)
	if weights[idy] > weights[idx] {
		return idy
	}
	return idx
}

func weightedIndex(weights []float64, target float64) int {
	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if cumulative >= target {
			return i
		}
	}
	return len(weights) - 1
}

// leastLoad returns the index of the minimum load, first occurrence on
// ties — which, given LRU list ordering, is the LRU among the lowest-load
// engines.
func leastLoad(loads []int, _ *rand.Rand) int {
	best := 0
	for i, l := range loads {
		if l < loads[best] {
			best = i
		}
	}
	return best
}
