package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/xtding233/reindeer-gacha/internal/gacha"
)

// Paths locates the rates files under a config directory.
type Paths struct {
	BaseDir string // e.g. ./config
}

func (p Paths) DefaultPath() string {
	return filepath.Join(p.BaseDir, "rates", "default.yaml")
}

func (p Paths) EventPath(event string) string {
	return filepath.Join(p.BaseDir, "rates", event+".yaml")
}

// Loader reads rates YAML and merges built-in defaults → default.yaml → <event>.yaml.
type Loader struct {
	paths Paths
	event string

	mu    sync.RWMutex
	cache *RatesFile
}

// NewLoader creates a loader for baseDir. An empty event loads default.yaml only.
func NewLoader(baseDir, event string) *Loader {
	return &Loader{paths: Paths{BaseDir: baseDir}, event: event}
}

// Files lists the paths the loader reads, for the watcher.
func (l *Loader) Files() []string {
	files := []string{l.paths.DefaultPath()}
	if l.event != "" {
		files = append(files, l.paths.EventPath(l.event))
	}
	return files
}

// LoadMerged returns the merged file contents, cached until Invalidate.
func (l *Loader) LoadMerged() (RatesFile, error) {
	l.mu.RLock()
	if l.cache != nil {
		cfg := *l.cache
		l.mu.RUnlock()
		return cfg, nil
	}
	l.mu.RUnlock()

	defCfg, err := readYAML(l.paths.DefaultPath())
	if err != nil {
		return RatesFile{}, fmt.Errorf("read default: %w", err)
	}
	merged := defCfg
	if l.event != "" {
		eventCfg, err := readYAML(l.paths.EventPath(l.event))
		if err != nil {
			return RatesFile{}, fmt.Errorf("read event %s: %w", l.event, err)
		}
		merged = mergeRaw(merged, eventCfg)
	}

	l.mu.Lock()
	l.cache = &merged
	l.mu.Unlock()
	return merged, nil
}

// Rates loads, validates and resolves the merged rates.
func (l *Loader) Rates() (gacha.Rates, error) {
	cfg, err := l.LoadMerged()
	if err != nil {
		return gacha.Rates{}, err
	}
	if err := ValidateRaw(cfg.Rates); err != nil {
		return gacha.Rates{}, err
	}
	r := Resolve(cfg.Rates)
	if err := r.Validate(); err != nil {
		return gacha.Rates{}, err
	}
	return r, nil
}

// Invalidate clears the cache. Call after the watcher reports a change.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.cache = nil
	l.mu.Unlock()
}

// readYAML loads a rates file. Missing files return a zero file, no error.
func readYAML(path string) (RatesFile, error) {
	var cfg RatesFile
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return RatesFile{}, nil
		}
		return RatesFile{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return RatesFile{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// mergeRaw returns a with every field set in b overriding it.
func mergeRaw(a, b RatesFile) RatesFile {
	out := a
	if b.Version != "" {
		out.Version = b.Version
	}
	if b.Notes != "" {
		out.Notes = b.Notes
	}
	pickF := func(dst **float64, src *float64) {
		if src != nil {
			v := *src
			*dst = &v
		}
	}
	pickI := func(dst **int, src *int) {
		if src != nil {
			v := *src
			*dst = &v
		}
	}
	pickF(&out.Rates.BaseRate5, b.Rates.BaseRate5)
	pickI(&out.Rates.SoftPity5, b.Rates.SoftPity5)
	pickI(&out.Rates.HardPity5, b.Rates.HardPity5)
	pickF(&out.Rates.Increment5, b.Rates.Increment5)
	pickF(&out.Rates.BaseRate4, b.Rates.BaseRate4)
	pickI(&out.Rates.HardPity4, b.Rates.HardPity4)
	pickF(&out.Rates.EpicSplit, b.Rates.EpicSplit)
	pickF(&out.Rates.UncommonSplit, b.Rates.UncommonSplit)
	return out
}

// Resolve fills unset fields from gacha.DefaultRates. Call ValidateRaw first.
func Resolve(raw RawRates) gacha.Rates {
	r := gacha.DefaultRates()
	if raw.BaseRate5 != nil {
		r.BaseRate5 = *raw.BaseRate5
	}
	if raw.SoftPity5 != nil {
		r.SoftPity5 = uint(*raw.SoftPity5)
	}
	if raw.HardPity5 != nil {
		r.HardPity5 = uint(*raw.HardPity5)
	}
	if raw.Increment5 != nil {
		r.Increment5 = *raw.Increment5
	}
	if raw.BaseRate4 != nil {
		r.BaseRate4 = *raw.BaseRate4
	}
	if raw.HardPity4 != nil {
		r.HardPity4 = uint(*raw.HardPity4)
	}
	if raw.EpicSplit != nil {
		r.EpicSplit = *raw.EpicSplit
	}
	if raw.UncommonSplit != nil {
		r.UncommonSplit = *raw.UncommonSplit
	}
	return r
}
