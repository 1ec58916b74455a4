// Package config loads process settings from the environment and draw rates from YAML.
package config

// RatesFile is one YAML rates file. Unset fields fall through to the layer below.
type RatesFile struct {
	Version string   `yaml:"version"`
	Rates   RawRates `yaml:"rates"`
	Notes   string   `yaml:"notes,omitempty"`
}

// RawRates mirrors gacha.Rates with optional fields.
type RawRates struct {
	BaseRate5     *float64 `yaml:"base_rate_5"`
	SoftPity5     *int     `yaml:"soft_pity_5"`
	HardPity5     *int     `yaml:"hard_pity_5"`
	Increment5    *float64 `yaml:"increment_5"`
	BaseRate4     *float64 `yaml:"base_rate_4"`
	HardPity4     *int     `yaml:"hard_pity_4"`
	EpicSplit     *float64 `yaml:"epic_split"`
	UncommonSplit *float64 `yaml:"uncommon_split"`
}
