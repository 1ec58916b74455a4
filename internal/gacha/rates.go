package gacha

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrInvalidRates = errors.New("invalid rates")

// Rates holds every tunable constant of a draw.
// Example: SoftPity5=36, Increment5=0.07 → draw #36 uses Base+7%, #37 Base+14%, ... capped at 1.
type Rates struct {
	BaseRate5     float64 `yaml:"base_rate_5"`    // Mythic rate below soft pity
	SoftPity5     uint    `yaml:"soft_pity_5"`    // first pity5 value that ramps; 0 disables the ramp
	HardPity5     uint    `yaml:"hard_pity_5"`    // pity5 value that guarantees Mythic
	Increment5    float64 `yaml:"increment_5"`    // added per draw at or past soft pity
	BaseRate4     float64 `yaml:"base_rate_4"`    // flat 4-tier rate
	HardPity4     uint    `yaml:"hard_pity_4"`    // pity4 value that guarantees a 4-tier
	EpicSplit     float64 `yaml:"epic_split"`     // P(Epic | 4-tier hit), Rare otherwise
	UncommonSplit float64 `yaml:"uncommon_split"` // P(Uncommon | fallback), Common otherwise
}

// DefaultRates mirrors the live event configuration.
func DefaultRates() Rates {
	return Rates{
		BaseRate5:     0.01,
		SoftPity5:     36,
		HardPity5:     50,
		Increment5:    0.07,
		BaseRate4:     0.05,
		HardPity4:     12,
		EpicSplit:     0.30,
		UncommonSplit: 0.40,
	}
}

// Validate checks semantic constraints and reports every violation at once.
func (r Rates) Validate() error {
	var errs []string
	probs := []struct {
		name string
		v    float64
	}{
		{"base_rate_5", r.BaseRate5},
		{"base_rate_4", r.BaseRate4},
		{"epic_split", r.EpicSplit},
		{"uncommon_split", r.UncommonSplit},
	}
	for _, p := range probs {
		if validateProb(p.v) != nil {
			errs = append(errs, p.name+" must be in [0,1]")
		}
	}
	if r.HardPity5 == 0 {
		errs = append(errs, "hard_pity_5 must be >= 1")
	}
	if r.HardPity4 == 0 {
		errs = append(errs, "hard_pity_4 must be >= 1")
	}
	if r.SoftPity5 > 0 && r.SoftPity5 >= r.HardPity5 {
		errs = append(errs, "soft_pity_5 must satisfy soft_pity_5 < hard_pity_5")
	}
	if math.IsNaN(r.Increment5) || math.IsInf(r.Increment5, 0) || r.Increment5 < 0 {
		errs = append(errs, "increment_5 must be >= 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRates, strings.Join(errs, "; "))
	}
	return nil
}

// MythicRate is the probability used for a draw evaluated at pity5 (already incremented).
// - pity5 >= HardPity5: 1 (hard pity).
// - soft ramp configured and pity5 >= SoftPity5: Base + (pity5-SoftPity5+1)*Increment5.
// - else: Base.
func (r Rates) MythicRate(pity5 uint) float64 {
	if pity5 >= r.HardPity5 {
		return 1
	}
	if r.SoftPity5 == 0 || pity5 < r.SoftPity5 {
		return clampProb(r.BaseRate5)
	}
	steps := float64(pity5 - r.SoftPity5 + 1)
	return clampProb(r.BaseRate5 + steps*r.Increment5)
}

// FourStarRate is the probability of a 4-tier hit at pity4 (already incremented).
func (r Rates) FourStarRate(pity4 uint) float64 {
	if pity4 >= r.HardPity4 {
		return 1
	}
	return clampProb(r.BaseRate4)
}
