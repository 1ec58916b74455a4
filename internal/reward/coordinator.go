// Package reward turns channel point redemptions into overlay emissions:
// draw, record gate, persist, emit.
package reward

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/xtding233/reindeer-gacha/internal/events"
	"github.com/xtding233/reindeer-gacha/internal/gacha"
	"github.com/xtding233/reindeer-gacha/internal/keylock"
	"github.com/xtding233/reindeer-gacha/internal/storage"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNoEntity     = errors.New("no reindeer displayed for user")
	ErrSkinLocked   = errors.New("rarity not unlocked")
)

// Presence is the slice of the presence monitor the coordinator drives.
type Presence interface {
	// Ping marks key as definitely present.
	Ping(ctx context.Context, key string)
	// MarkVisible records that key was just spawned by a redemption.
	MarkVisible(key string)
}

type noPresence struct{}

func (noPresence) Ping(context.Context, string) {}
func (noPresence) MarkVisible(string)           {}

// Config tunes validation and write retries.
type Config struct {
	WriteAttempts uint          // total tries per write, including the first
	RetryInterval time.Duration // initial backoff between tries
	MaxWishRunes  int
}

func DefaultConfig() Config {
	return Config{WriteAttempts: 3, RetryInterval: 100 * time.Millisecond, MaxWishRunes: 200}
}

// Deps are the collaborators of a Coordinator. Presence and Emitter are optional.
type Deps struct {
	Engine   *Engine
	Tracker  *Tracker
	Entities storage.EntityStore
	Audit    storage.AuditLog
	Presence Presence
	Emitter  events.Emitter
	Now      func() time.Time
}

// Emission is what one redemption produced.
type Emission struct {
	Event   events.Event
	Outcome gacha.Outcome
	Verdict Verdict
}

// Coordinator orchestrates redemptions and entity updates, serialized per user key.
type Coordinator struct {
	engine   *Engine
	tracker  *Tracker
	entities storage.EntityStore
	audit    storage.AuditLog
	presence Presence
	emitter  events.Emitter
	now      func() time.Time
	locks    *keylock.Locker
	cfg      Config
}

func NewCoordinator(d Deps, cfg Config) (*Coordinator, error) {
	if d.Engine == nil || d.Tracker == nil || d.Entities == nil {
		return nil, errors.New("engine, tracker and entity store are required")
	}
	def := DefaultConfig()
	if cfg.WriteAttempts == 0 {
		cfg.WriteAttempts = def.WriteAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.MaxWishRunes <= 0 {
		cfg.MaxWishRunes = def.MaxWishRunes
	}
	c := &Coordinator{
		engine:   d.Engine,
		tracker:  d.Tracker,
		entities: d.Entities,
		audit:    d.Audit,
		presence: d.Presence,
		emitter:  d.Emitter,
		now:      d.Now,
		locks:    keylock.New(),
		cfg:      cfg,
	}
	if c.presence == nil {
		c.presence = noPresence{}
	}
	if c.emitter == nil {
		c.emitter = events.Discard
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// HandleRedemption runs one redemption for a user whose name is also their login.
func (c *Coordinator) HandleRedemption(ctx context.Context, user, wish string) (Emission, error) {
	return c.HandleRedemptionAs(ctx, user, user, wish)
}

// HandleRedemptionAs runs one redemption to completion: ping presence, draw, classify,
// then either emit DUPLICATE or persist the new entity and emit SPAWN. State is keyed by
// login; displayName becomes the entity owner and falls back to login when blank.
// Cancellation of ctx after validation is ignored.
func (c *Coordinator) HandleRedemptionAs(ctx context.Context, login, displayName, wish string) (Emission, error) {
	owner, key, err := identify(login)
	if err != nil {
		return Emission{}, c.reject(login, err)
	}
	if name := strings.TrimSpace(displayName); name != "" {
		owner = name
	}
	wish, err = c.cleanWish(wish)
	if err != nil {
		return Emission{}, c.reject(login, err)
	}
	ctx = context.WithoutCancel(ctx)

	unlock := c.locks.Lock(key)
	defer unlock()

	c.presence.Ping(ctx, key)

	var (
		out   gacha.Outcome
		drawn bool
	)
	err = c.retry(ctx, key, "pity", func() error {
		if drawn {
			return c.engine.Save(ctx, key, out.Record)
		}
		o, err := c.engine.Draw(ctx, key)
		if err == nil || errors.Is(err, storage.ErrWrite) {
			out, drawn = o, true
		}
		return err
	})
	if err != nil {
		return Emission{}, c.fail(owner, err)
	}

	var (
		verdict    Verdict
		classified bool
	)
	err = c.retry(ctx, key, "history", func() error {
		if classified {
			return c.tracker.SaveHistory(ctx, key, verdict.History)
		}
		v, err := c.tracker.Classify(ctx, key, out.Rarity)
		if err == nil || errors.Is(err, storage.ErrWrite) {
			verdict, classified = v, true
		}
		return err
	})
	if err != nil {
		return Emission{}, c.fail(owner, err)
	}

	if verdict.Class == ClassDuplicate {
		cur := verdict.Existing
		ev := events.Duplicate(cur.Owner, cur.Wish, cur.BubbleStyle)
		log.Printf("[reward] %s rolled %s (pity5=%d pity4=%d): duplicate of %s",
			owner, out.Rarity, out.Record.Pity5, out.Record.Pity4, verdict.MaxPrevious)
		c.emitter.Emit(ev)
		return Emission{Event: ev, Outcome: out, Verdict: verdict}, nil
	}

	entity := storage.DisplayedEntity{
		Owner:       owner,
		Rarity:      out.Rarity,
		Wish:        wish,
		BubbleStyle: BubbleStyle(wish),
		Behavior:    out.Rarity.Behavior(),
		CreatedAt:   c.now().UTC(),
	}
	err = c.retry(ctx, key, "entity", func() error {
		return storage.WriteFailure("entity", c.entities.PutEntity(ctx, key, entity))
	})
	if err != nil {
		return Emission{}, c.fail(owner, err)
	}
	c.appendAudit(ctx, key, entity)
	c.presence.MarkVisible(key)

	ev := events.Spawn(entity, false, verdict.Existing != nil)
	log.Printf("[reward] %s rolled %s (pity5=%d pity4=%d): spawn", owner, out.Rarity, out.Record.Pity5, out.Record.Pity4)
	c.emitter.Emit(ev)
	return Emission{Event: ev, Outcome: out, Verdict: verdict}, nil
}

// UpdateWish replaces the wish of the displayed entity without touching rarity or behavior.
func (c *Coordinator) UpdateWish(ctx context.Context, user, wish string) (storage.DisplayedEntity, error) {
	wish, err := c.cleanWish(wish)
	if err != nil {
		return storage.DisplayedEntity{}, c.reject(user, err)
	}
	return c.mutateEntity(ctx, user, events.UpdateWish, func(e *storage.DisplayedEntity) error {
		e.Wish = wish
		e.BubbleStyle = BubbleStyle(wish)
		return nil
	})
}

// ClearWish removes the wish and resets the bubble.
func (c *Coordinator) ClearWish(ctx context.Context, user string) (storage.DisplayedEntity, error) {
	return c.mutateEntity(ctx, user, events.UpdateWish, func(e *storage.DisplayedEntity) error {
		e.Wish = ""
		e.BubbleStyle = BubbleDefault
		return nil
	})
}

// ChangeSkin switches the displayed rarity to one the user already unlocked.
func (c *Coordinator) ChangeSkin(ctx context.Context, user, rarity string) (storage.DisplayedEntity, error) {
	r, err := gacha.ParseRarity(rarity)
	if err != nil {
		return storage.DisplayedEntity{}, c.reject(user, fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}
	return c.mutateEntity(ctx, user, events.UpdateSkin, func(e *storage.DisplayedEntity) error {
		hist, err := c.tracker.History(ctx, storage.Key(user))
		if err != nil {
			return err
		}
		if !hist.Has(r) {
			return fmt.Errorf("%w: %s", ErrSkinLocked, r)
		}
		e.Rarity = r
		e.Behavior = r.Behavior()
		return nil
	})
}

// Command broadcasts an overlay-wide command.
func (c *Coordinator) Command(name string) error {
	switch name {
	case events.CommandRunLeft, events.CommandJumpAll:
		c.emitter.Emit(events.Command(name))
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidInput, name)
	}
}

// Pity exposes a user's counters for diagnostics.
func (c *Coordinator) Pity(ctx context.Context, user string) (gacha.PityRecord, gacha.RaritySet, error) {
	_, key, err := identify(user)
	if err != nil {
		return gacha.PityRecord{}, 0, err
	}
	rec, err := c.engine.Pity(ctx, key)
	if err != nil {
		return gacha.PityRecord{}, 0, err
	}
	hist, err := c.tracker.History(ctx, key)
	if err != nil {
		return gacha.PityRecord{}, 0, err
	}
	return rec, hist, nil
}

func (c *Coordinator) mutateEntity(ctx context.Context, user string, emit func(storage.DisplayedEntity) events.Event, apply func(*storage.DisplayedEntity) error) (storage.DisplayedEntity, error) {
	_, key, err := identify(user)
	if err != nil {
		return storage.DisplayedEntity{}, c.reject(user, err)
	}
	ctx = context.WithoutCancel(ctx)
	unlock := c.locks.Lock(key)
	defer unlock()

	c.presence.Ping(ctx, key)

	e, err := c.entities.GetEntity(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.DisplayedEntity{}, ErrNoEntity
	}
	if err != nil {
		return storage.DisplayedEntity{}, fmt.Errorf("load entity: %w", err)
	}
	if err := apply(&e); err != nil {
		return storage.DisplayedEntity{}, err
	}
	err = c.retry(ctx, key, "entity", func() error {
		return storage.WriteFailure("entity", c.entities.PutEntity(ctx, key, e))
	})
	if err != nil {
		return storage.DisplayedEntity{}, c.fail(e.Owner, err)
	}
	c.emitter.Emit(emit(e))
	return e, nil
}

func (c *Coordinator) appendAudit(ctx context.Context, key string, e storage.DisplayedEntity) {
	if c.audit == nil {
		return
	}
	entry := storage.AuditEntry{
		ID:          uuid.NewString(),
		UserKey:     key,
		Owner:       e.Owner,
		Rarity:      e.Rarity,
		Wish:        e.Wish,
		BubbleStyle: e.BubbleStyle,
		Behavior:    e.Behavior,
		CreatedAt:   e.CreatedAt,
	}
	if err := c.audit.AppendAudit(ctx, entry); err != nil {
		log.Printf("[reward] audit append for %q failed: %v", key, err)
	}
}

// retry runs op until it succeeds or WriteAttempts is exhausted.
func (c *Coordinator) retry(ctx context.Context, key, table string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval
	b.MaxInterval = 10 * c.cfg.RetryInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.WriteAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("[reward] %s write for %q failed, retrying in %v: %v", table, key, next, err)
		}),
	)
	return err
}

func (c *Coordinator) reject(user string, err error) error {
	log.Printf("[reward] rejected request for %q: %v", user, err)
	return err
}

func (c *Coordinator) fail(owner string, err error) error {
	log.Printf("[reward] redemption for %q failed: %v", owner, err)
	return fmt.Errorf("redemption for %s: %w", owner, err)
}

// identify returns the display owner and the normalized key for a user name.
func identify(user string) (owner, key string, err error) {
	owner = strings.TrimSpace(user)
	key = storage.Key(owner)
	if key == "" {
		return "", "", fmt.Errorf("%w: empty user key", ErrInvalidInput)
	}
	return owner, key, nil
}

func (c *Coordinator) cleanWish(wish string) (string, error) {
	if !utf8.ValidString(wish) {
		return "", fmt.Errorf("%w: wish is not valid utf-8", ErrInvalidInput)
	}
	wish = strings.TrimSpace(wish)
	if n := utf8.RuneCountInString(wish); n > c.cfg.MaxWishRunes {
		return "", fmt.Errorf("%w: wish has %d characters, limit %d", ErrInvalidInput, n, c.cfg.MaxWishRunes)
	}
	for _, r := range wish {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: wish contains control characters", ErrInvalidInput)
		}
	}
	return wish, nil
}
