package config

import (
	"fmt"
	"strings"
)

// ValidateRaw checks the fields that are set. Cross-field rules run on the resolved rates.
func ValidateRaw(r RawRates) error {
	var errs []string

	probs := []struct {
		name string
		v    *float64
	}{
		{"rates.base_rate_5", r.BaseRate5},
		{"rates.base_rate_4", r.BaseRate4},
		{"rates.epic_split", r.EpicSplit},
		{"rates.uncommon_split", r.UncommonSplit},
	}
	for _, p := range probs {
		if p.v != nil && !(*p.v >= 0 && *p.v <= 1) {
			errs = append(errs, p.name+" must be in [0,1]")
		}
	}
	if r.Increment5 != nil && !(*r.Increment5 >= 0) {
		errs = append(errs, "rates.increment_5 must be >= 0")
	}
	if r.SoftPity5 != nil && *r.SoftPity5 < 0 {
		errs = append(errs, "rates.soft_pity_5 must be >= 0 (0 disables the ramp)")
	}
	if r.HardPity5 != nil && *r.HardPity5 < 1 {
		errs = append(errs, "rates.hard_pity_5 must be >= 1")
	}
	if r.HardPity4 != nil && *r.HardPity4 < 1 {
		errs = append(errs, "rates.hard_pity_4 must be >= 1")
	}
	if r.SoftPity5 != nil && r.HardPity5 != nil && *r.SoftPity5 > 0 && *r.SoftPity5 >= *r.HardPity5 {
		errs = append(errs, "rates.soft_pity_5 must satisfy soft_pity_5 < hard_pity_5")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
