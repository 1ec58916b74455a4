package gacha

import (
	"errors"
	"math"
)

var ErrInvalidProb = errors.New("invalid probability p; must be 0..1")

// Chance reports whether a Bernoulli trial with probability p hits.
// p <= 0 => never. p >= 1 => always. otherwise rng.Float64() < p
func Chance(p float64, rng RandomSource) (bool, error) {
	if err := validateProb(p); err != nil {
		return false, err
	}
	if p <= 0 {
		return false, nil
	}
	if p >= 1 {
		return true, nil
	}
	if rng == nil {
		rng = DefaultRNG()
	}
	return rng.Float64() < p, nil
}

func validateProb(p float64) error {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return ErrInvalidProb
	}
	if p < 0 || p > 1 {
		return ErrInvalidProb
	}
	return nil
}

// clampProb keeps a computed rate inside [0,1]; ramps may overshoot.
func clampProb(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
