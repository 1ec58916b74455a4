package reward

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/xtding233/reindeer-gacha/internal/gacha"
	"github.com/xtding233/reindeer-gacha/internal/storage"
)

// Engine advances a user's pity counters and draws a rarity.
// Callers serialize calls per key; different keys may draw concurrently.
type Engine struct {
	store storage.PityStore
	rng   gacha.RandomSource
	rates atomic.Pointer[gacha.Rates]
}

// NewEngine validates rates and builds an engine. A nil rng uses gacha.DefaultRNG.
func NewEngine(store storage.PityStore, rates gacha.Rates, rng gacha.RandomSource) (*Engine, error) {
	if store == nil {
		return nil, errors.New("pity store is required")
	}
	if err := rates.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = gacha.DefaultRNG()
	}
	e := &Engine{store: store, rng: rng}
	e.rates.Store(&rates)
	return e, nil
}

// Rates returns the rates the next draw will use.
func (e *Engine) Rates() gacha.Rates { return *e.rates.Load() }

// SetRates swaps rates atomically; in-flight draws finish with the old ones.
func (e *Engine) SetRates(r gacha.Rates) error {
	if err := r.Validate(); err != nil {
		return err
	}
	e.rates.Store(&r)
	return nil
}

// Pity returns the stored record, zero for a user that never drew.
func (e *Engine) Pity(ctx context.Context, key string) (gacha.PityRecord, error) {
	rec, err := e.store.GetPity(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return gacha.PityRecord{}, nil
	}
	if err != nil {
		return gacha.PityRecord{}, fmt.Errorf("load pity record: %w", err)
	}
	return rec, nil
}

// Draw loads the record, rolls once and persists the advanced record.
// On a failed save the computed outcome is still returned with a storage.WriteError,
// so the caller can retry Save without drawing again.
func (e *Engine) Draw(ctx context.Context, key string) (gacha.Outcome, error) {
	if key == "" {
		return gacha.Outcome{}, ErrInvalidInput
	}
	rec, err := e.Pity(ctx, key)
	if err != nil {
		return gacha.Outcome{}, err
	}
	out := gacha.Roll(rec, e.Rates(), e.rng)
	return out, e.Save(ctx, key, out.Record)
}

// Save persists rec for key.
func (e *Engine) Save(ctx context.Context, key string, rec gacha.PityRecord) error {
	return storage.WriteFailure("pity", e.store.PutPity(ctx, key, rec))
}
