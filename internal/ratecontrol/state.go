// Package ratecontrol implements the RateController of spec.md §4.5: the
// main control loop that reads interface byte counters and per-reflector
// OWD deltas and decides whether to raise, lower, or hold each direction's
// shaper rate.
package ratecontrol

import (
	"math/rand"
	"time"

	"github.com/Lochnair/sqm-autorate/internal/qdisc"
)

// State is the per-direction control state of spec.md §3. Two instances are
// held by RateController, one per direction, matching the upstream Rust
// reference's struct-of-two-states shape rather than a Direction-keyed map
// (original_source/src/ratecontroller.rs).
type State struct {
	CurrentBytes  uint64
	PreviousBytes uint64
	PrevT         time.Time

	CurrentRate float64
	NextRate    float64
	MinRate     float64
	BaseRate    float64

	Load        float64
	Utilisation float64
	DeltaStat   float64

	SafeRates []float64
	NRate     int

	Qdisc qdisc.Handle
}

// newState constructs a zeroed State with its safe-rate ring seeded per
// original_source/src/ratecontroller.rs's generate_initial_speeds: random
// values scattered around base rate rather than zeros, so the very first
// probe-up/back-off decisions have a sane max()/random_choice() to draw
// from.
func newState(baseRate, minRate float64, histSize int, rng *rand.Rand) State {
	rates := make([]float64, histSize)
	for i := range rates {
		rates[i] = (rng.Float64()*0.2 + 0.75) * baseRate
	}
	return State{
		CurrentRate: baseRate * 0.6,
		NextRate:    baseRate * 0.6,
		MinRate:     minRate,
		BaseRate:    baseRate,
		SafeRates:   rates,
		PrevT:       time.Time{},
	}
}

// recordSafeRate writes v into the ring at NRate and advances the index
// modulo len(SafeRates), per spec.md §4.5 step 5's probe-up rule.
func (s *State) recordSafeRate(v float64) {
	s.SafeRates[s.NRate] = v
	s.NRate = (s.NRate + 1) % len(s.SafeRates)
}

func maxOf(vs []float64) float64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
