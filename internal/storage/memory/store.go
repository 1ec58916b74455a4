// Package memory keeps every table in process memory. Used by tests and by
// REINDEER_STORE_DRIVER=memory for throwaway runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xtding233/reindeer-gacha/internal/gacha"
	"github.com/xtding233/reindeer-gacha/internal/storage"
)

type Store struct {
	mu       sync.RWMutex
	pity     map[string]gacha.PityRecord
	history  map[string]gacha.RaritySet
	entities map[string]storage.DisplayedEntity
	audit    []storage.AuditEntry
	seen     map[string]time.Time
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		pity:     make(map[string]gacha.PityRecord),
		history:  make(map[string]gacha.RaritySet),
		entities: make(map[string]storage.DisplayedEntity),
		seen:     make(map[string]time.Time),
	}
}

func (s *Store) GetPity(ctx context.Context, key string) (gacha.PityRecord, error) {
	if err := ctx.Err(); err != nil {
		return gacha.PityRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.pity[key]
	if !ok {
		return gacha.PityRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (s *Store) PutPity(ctx context.Context, key string, rec gacha.PityRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pity[key] = rec
	return nil
}

func (s *Store) GetHistory(ctx context.Context, key string) (gacha.RaritySet, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.history[key]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return set, nil
}

func (s *Store) PutHistory(ctx context.Context, key string, set gacha.RaritySet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[key] = set
	return nil
}

func (s *Store) GetEntity(ctx context.Context, key string) (storage.DisplayedEntity, error) {
	if err := ctx.Err(); err != nil {
		return storage.DisplayedEntity{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[key]
	if !ok {
		return storage.DisplayedEntity{}, storage.ErrNotFound
	}
	return e, nil
}

func (s *Store) PutEntity(ctx context.Context, key string, e storage.DisplayedEntity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[key] = e
	return nil
}

func (s *Store) DeleteEntity(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, key)
	return nil
}

func (s *Store) ListEntities(ctx context.Context) (map[string]storage.DisplayedEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]storage.DisplayedEntity, len(s.entities))
	for k, v := range s.entities {
		out[k] = v
	}
	return out, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry storage.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.audit)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]storage.AuditEntry, 0, n)
	for i := len(s.audit) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}

func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := at.Add(-storage.DeliveryRetention)
	for k, t := range s.seen {
		if t.Before(cutoff) {
			delete(s.seen, k)
		}
	}
	if _, ok := s.seen[id]; ok {
		return false, nil
	}
	s.seen[id] = at
	return true, nil
}

func (s *Store) Close() error { return nil }
