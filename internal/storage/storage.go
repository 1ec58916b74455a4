// Package storage defines the persisted tables behind the overlay: pity records,
// unlocked-rarity history, the active entity per user, the spawn audit log and
// delivered webhook message ids.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xtding233/reindeer-gacha/internal/gacha"
)

var (
	ErrNotFound = errors.New("not found")
	ErrWrite    = errors.New("persistence write failed")
)

// WriteError marks a failed write to one table. It matches ErrWrite and the cause.
type WriteError struct {
	Table string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Table, e.Err)
}

func (e *WriteError) Unwrap() []error { return []error{ErrWrite, e.Err} }

// WriteFailure wraps err as a WriteError for table, nil stays nil.
func WriteFailure(table string, err error) error {
	if err == nil {
		return nil
	}
	var we *WriteError
	if errors.As(err, &we) {
		return err
	}
	return &WriteError{Table: table, Err: err}
}

// Key normalizes a user name into the lower-cased table key.
func Key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DisplayedEntity is the reindeer currently shown for one user.
type DisplayedEntity struct {
	Owner       string       `json:"owner"`
	Rarity      gacha.Rarity `json:"rarity"`
	Wish        string       `json:"wish,omitempty"`
	BubbleStyle string       `json:"bubbleStyle"`
	Behavior    string       `json:"behavior"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// AuditEntry is one appended spawn record.
type AuditEntry struct {
	ID          string       `json:"id"`
	UserKey     string       `json:"userKey"`
	Owner       string       `json:"owner"`
	Rarity      gacha.Rarity `json:"rarity"`
	Wish        string       `json:"wish,omitempty"`
	BubbleStyle string       `json:"bubbleStyle"`
	Behavior    string       `json:"behavior"`
	CreatedAt   time.Time    `json:"createdAt"`
}

type PityStore interface {
	// GetPity returns ErrNotFound for a user that never drew.
	GetPity(ctx context.Context, key string) (gacha.PityRecord, error)
	PutPity(ctx context.Context, key string, rec gacha.PityRecord) error
}

type HistoryStore interface {
	// GetHistory returns ErrNotFound for a user that never drew.
	GetHistory(ctx context.Context, key string) (gacha.RaritySet, error)
	PutHistory(ctx context.Context, key string, set gacha.RaritySet) error
}

type EntityStore interface {
	GetEntity(ctx context.Context, key string) (DisplayedEntity, error)
	PutEntity(ctx context.Context, key string, e DisplayedEntity) error
	// DeleteEntity is a no-op for a missing key.
	DeleteEntity(ctx context.Context, key string) error
	ListEntities(ctx context.Context) (map[string]DisplayedEntity, error)
}

type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	// ListAudit returns the most recent entries first; limit <= 0 means all.
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
}

// DeliveryRetention is how long a delivered webhook message id is remembered.
const DeliveryRetention = time.Hour

// DeliveryLog remembers webhook message ids so redeliveries are applied once.
type DeliveryLog interface {
	// MarkDelivered records id at time at and reports whether it was new.
	// Ids older than DeliveryRetention may be forgotten.
	MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error)
}

// Store bundles every table of one backend.
type Store interface {
	PityStore
	HistoryStore
	EntityStore
	AuditLog
	DeliveryLog
	Close() error
}
