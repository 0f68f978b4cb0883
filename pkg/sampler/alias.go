package sampler

import (
	"math"
	"math/rand"
)

// Alias draws indices in O(1) from a fixed discrete distribution using
// Vose's alias method. Slot i keeps itself with probability prob[i] and
// yields alias[i] otherwise.
type Alias struct {
	prob  []float64
	alias []int
}

// NewAlias builds a sampler over weights raised to power. Non-positive
// weights are never drawn, so a power of 0 is uniform over the support. An
// all-zero distribution falls back to uniform over every index.
func NewAlias(weights []float64, power float64) *Alias {
	n := len(weights)
	a := &Alias{prob: make([]float64, n), alias: make([]int, n)}
	if n == 0 {
		return a
	}

	scaled := make([]float64, n)
	total := 0.0
	for i, w := range weights {
		if w > 0 {
			scaled[i] = math.Pow(w, power)
			total += scaled[i]
		}
	}
	if total == 0 {
		for i := range a.prob {
			a.prob[i], a.alias[i] = 1, i
		}
		return a
	}

	var under, over []int
	for i := range scaled {
		scaled[i] *= float64(n) / total
		if scaled[i] < 1 {
			under = append(under, i)
		} else {
			over = append(over, i)
		}
	}
	for len(under) > 0 && len(over) > 0 {
		s, l := under[len(under)-1], over[len(over)-1]
		under, over = under[:len(under)-1], over[:len(over)-1]

		a.prob[s], a.alias[s] = scaled[s], l
		scaled[l] -= 1 - scaled[s]
		if scaled[l] < 1 {
			under = append(under, l)
		} else {
			over = append(over, l)
		}
	}
	// whatever is left is 1 up to rounding
	for _, i := range append(under, over...) {
		a.prob[i], a.alias[i] = 1, i
	}
	return a
}

// Len returns the number of outcomes
func (a *Alias) Len() int {
	return len(a.prob)
}

// Sample returns an index, or -1 for an empty distribution
func (a *Alias) Sample(rng *rand.Rand) int {
	if len(a.prob) == 0 {
		return -1
	}
	i := rng.Intn(len(a.prob))
	if rng.Float64() < a.prob[i] {
		return i
	}
	return a.alias[i]
}
