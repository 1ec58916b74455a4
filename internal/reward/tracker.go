package reward

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtding233/reindeer-gacha/internal/gacha"
	"github.com/xtding233/reindeer-gacha/internal/storage"
)

// Class is the record gate decision for one draw.
type Class int

const (
	ClassUpgrade Class = iota + 1
	ClassDuplicate
)

func (c Class) String() string {
	switch c {
	case ClassUpgrade:
		return "UPGRADE"
	case ClassDuplicate:
		return "DUPLICATE"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// Verdict is the outcome of Classify.
type Verdict struct {
	Class       Class
	MaxPrevious gacha.Rarity // highest tier before this draw, RarityNone if none
	History     gacha.RaritySet
	Existing    *storage.DisplayedEntity // entity shown before this draw, nil if none
}

// Decide is the pure gate: a draw upgrades when nothing is displayed, or when it beats
// every tier unlocked before it. Ties never replace.
func Decide(maxPrevious, drawn gacha.Rarity, hasEntity bool) Class {
	if !hasEntity || drawn > maxPrevious {
		return ClassUpgrade
	}
	return ClassDuplicate
}

// Tracker keeps rarity history and classifies draws against it.
type Tracker struct {
	history  storage.HistoryStore
	entities storage.EntityStore
}

func NewTracker(history storage.HistoryStore, entities storage.EntityStore) *Tracker {
	return &Tracker{history: history, entities: entities}
}

// History returns the unlocked set, empty for a user that never drew.
func (t *Tracker) History(ctx context.Context, key string) (gacha.RaritySet, error) {
	set, err := t.history.GetHistory(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load rarity history: %w", err)
	}
	return set, nil
}

// Classify decides UPGRADE or DUPLICATE and records drawn in history either way.
// A failed history save returns the verdict with a storage.WriteError.
func (t *Tracker) Classify(ctx context.Context, key string, drawn gacha.Rarity) (Verdict, error) {
	if key == "" || !drawn.Valid() {
		return Verdict{}, ErrInvalidInput
	}
	hist, err := t.History(ctx, key)
	if err != nil {
		return Verdict{}, err
	}
	var existing *storage.DisplayedEntity
	e, err := t.entities.GetEntity(ctx, key)
	switch {
	case err == nil:
		existing = &e
	case errors.Is(err, storage.ErrNotFound):
	default:
		return Verdict{}, fmt.Errorf("load entity: %w", err)
	}

	v := Verdict{
		Class:       Decide(hist.Max(), drawn, existing != nil),
		MaxPrevious: hist.Max(),
		History:     hist.With(drawn),
		Existing:    existing,
	}
	if v.History == hist {
		return v, nil
	}
	return v, t.SaveHistory(ctx, key, v.History)
}

func (t *Tracker) SaveHistory(ctx context.Context, key string, set gacha.RaritySet) error {
	return storage.WriteFailure("history", t.history.PutHistory(ctx, key, set))
}
