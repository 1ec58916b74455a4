// Package presence keeps the overlay's visible set in step with the channel's
// viewer list. Each user key moves through ABSENT, VISIBLE and GRACE; a key is
// dismissed only after it has been missing for longer than the grace window.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/xtding233/reindeer-gacha/internal/events"
	"github.com/xtding233/reindeer-gacha/internal/gacha"
	"github.com/xtding233/reindeer-gacha/internal/storage"
)

// ErrProviderUnavailable wraps every viewer list failure, timeouts included.
var ErrProviderUnavailable = errors.New("viewer list unavailable")

// ViewerListProvider returns the lower-cased keys currently in chat.
// An error means unknown, never empty.
type ViewerListProvider interface {
	GetOnlineViewers(ctx context.Context) (map[string]struct{}, error)
}

// ProviderFunc adapts a func to ViewerListProvider.
type ProviderFunc func(ctx context.Context) (map[string]struct{}, error)

func (f ProviderFunc) GetOnlineViewers(ctx context.Context) (map[string]struct{}, error) {
	return f(ctx)
}

type State int

const (
	StateAbsent State = iota
	StateVisible
	StateGrace
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "ABSENT"
	case StateVisible:
		return "VISIBLE"
	case StateGrace:
		return "GRACE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Config struct {
	Interval     time.Duration // reconcile cadence
	Grace        time.Duration // how long a key may be missing before dismissal
	FetchTimeout time.Duration // bound on one viewer list fetch
	Stagger      time.Duration // delay between initial sync spawns
	// KeepEntityOnDismiss leaves the entity stored so the viewer is restored on return.
	KeepEntityOnDismiss bool
}

func DefaultConfig() Config {
	return Config{
		Interval:     20 * time.Second,
		Grace:        120 * time.Second,
		FetchTimeout: 10 * time.Second,
		Stagger:      200 * time.Millisecond,
	}
}

type Deps struct {
	Provider ViewerListProvider
	Entities storage.EntityStore
	Emitter  events.Emitter
	Now      func() time.Time
	RNG      gacha.RandomSource // picks exit sides
}

type tracked struct {
	state        State
	owner        string
	missingSince time.Time
}

// Entry is one tracked key, as reported by Snapshot.
type Entry struct {
	Key          string    `json:"key"`
	Owner        string    `json:"owner,omitempty"`
	State        State     `json:"state"`
	MissingSince time.Time `json:"missingSince,omitzero"`
}

// Monitor owns the visible set. Untracked keys are ABSENT.
type Monitor struct {
	provider ViewerListProvider
	entities storage.EntityStore
	emitter  events.Emitter
	now      func() time.Time
	rng      gacha.RandomSource
	cfg      Config

	mu      sync.Mutex
	keys    map[string]*tracked
	online  map[string]struct{}
	fetched time.Time
	// dismissSeq counts dismissals; dismissed holds the sequence of each key's
	// latest dismissal until the key is tracked again.
	dismissSeq uint64
	dismissed  map[string]uint64
}

func New(d Deps, cfg Config) (*Monitor, error) {
	if d.Provider == nil || d.Entities == nil {
		return nil, errors.New("viewer list provider and entity store are required")
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Grace < 0 {
		cfg.Grace = def.Grace
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.Stagger < 0 {
		cfg.Stagger = 0
	}
	m := &Monitor{
		provider: d.Provider,
		entities: d.Entities,
		emitter:  d.Emitter,
		now:      d.Now,
		rng:      d.RNG,
		cfg:      cfg,
		keys:      make(map[string]*tracked),
		dismissed: make(map[string]uint64),
	}
	if m.emitter == nil {
		m.emitter = events.Discard
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.rng == nil {
		m.rng = gacha.DefaultRNG()
	}
	return m, nil
}

// Run reconciles immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	log.Printf("[presence] reconciling every %v, grace %v", m.cfg.Interval, m.cfg.Grace)
	_ = m.Reconcile(ctx)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = m.Reconcile(ctx)
		}
	}
}

// Reconcile applies one round of transitions against a fresh viewer list.
// A failed fetch leaves every state untouched.
func (m *Monitor) Reconcile(ctx context.Context) error {
	online, err := m.fetch(ctx)
	if err != nil {
		log.Printf("[presence] %v", err)
		return err
	}
	ents, err := m.entities.ListEntities(ctx)
	if err != nil {
		log.Printf("[presence] list entities failed, skipping round: %v", err)
		return fmt.Errorf("list entities: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	for key, t := range m.keys {
		_, here := online[key]
		if e, ok := ents[key]; ok {
			t.owner = e.Owner
		}
		switch t.state {
		case StateVisible:
			if !here {
				t.state = StateGrace
				t.missingSince = now
			}
		case StateGrace:
			switch {
			case here:
				t.state = StateVisible
				t.missingSince = time.Time{}
			case now.Sub(t.missingSince) > m.cfg.Grace:
				m.dismissLocked(ctx, key, t)
			}
		}
	}

	keys := make([]string, 0, len(ents))
	for key := range ents {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, ok := m.keys[key]; ok {
			continue
		}
		if _, here := online[key]; !here {
			continue
		}
		e := ents[key]
		m.trackLocked(key, e.Owner)
		log.Printf("[presence] %s is back, restoring %s", e.Owner, e.Rarity)
		m.emitter.Emit(events.Spawn(e, true, false))
	}
	return nil
}

// dismissLocked removes key from the visible set. Callers hold m.mu.
func (m *Monitor) dismissLocked(ctx context.Context, key string, t *tracked) {
	delete(m.keys, key)
	m.dismissSeq++
	m.dismissed[key] = m.dismissSeq
	owner := t.owner
	if owner == "" {
		owner = key
	}
	dir := events.ExitLeft
	if m.rng.Float64() >= 0.5 {
		dir = events.ExitRight
	}
	if !m.cfg.KeepEntityOnDismiss {
		if err := m.entities.DeleteEntity(ctx, key); err != nil {
			log.Printf("[presence] delete entity for %q failed: %v", key, err)
		}
	}
	log.Printf("[presence] %s left %v ago, dismissing %s", owner, m.now().Sub(t.missingSince).Round(time.Second), dir)
	m.emitter.Emit(events.Dismiss(owner, dir))
}

// Ping marks key as present right now. A key in GRACE becomes VISIBLE again;
// an untracked key with a stored entity is spawned immediately.
func (m *Monitor) Ping(ctx context.Context, key string) {
	key = storage.Key(key)
	if key == "" {
		return
	}
	m.mu.Lock()
	if t, ok := m.keys[key]; ok {
		if t.state == StateGrace {
			t.state = StateVisible
			t.missingSince = time.Time{}
		}
		m.mu.Unlock()
		return
	}
	since := m.dismissSeq
	m.mu.Unlock()

	e, err := m.entities.GetEntity(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		log.Printf("[presence] ping lookup for %q failed: %v", key, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.keys[key]; ok {
		if t.state == StateGrace {
			t.state = StateVisible
			t.missingSince = time.Time{}
		}
		return
	}
	if m.dismissed[key] > since {
		// dismissed while we looked it up; the entity we read may be gone
		return
	}
	m.trackLocked(key, e.Owner)
	m.emitter.Emit(events.Spawn(e, true, false))
}

// MarkVisible records a spawn emitted elsewhere so reconciliation does not restore it again.
func (m *Monitor) MarkVisible(key string) {
	key = storage.Key(key)
	if key == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.keys[key]; ok {
		t.state = StateVisible
		t.missingSince = time.Time{}
		return
	}
	m.trackLocked(key, "")
}

// trackLocked starts tracking key as VISIBLE. Callers hold m.mu.
func (m *Monitor) trackLocked(key, owner string) {
	m.keys[key] = &tracked{state: StateVisible, owner: owner}
	delete(m.dismissed, key)
}

// HandleInitialSync sends a restore SPAWN to obs alone for every key that is both online
// and holding an entity. If the viewer list is unavailable it falls back to the keys the
// monitor already tracks. It never changes tracked state. Each key is re-read right before
// its spawn and skipped if it was dismissed or its entity removed in the meantime.
// It returns how many spawns were delivered.
func (m *Monitor) HandleInitialSync(ctx context.Context, obs events.Observer) (int, error) {
	ents, err := m.entities.ListEntities(ctx)
	if err != nil {
		return 0, fmt.Errorf("list entities: %w", err)
	}
	online, fetchErr := m.fetch(ctx)

	type pending struct {
		key string
		e   storage.DisplayedEntity
	}
	var batch []pending
	m.mu.Lock()
	since := m.dismissSeq
	for key, e := range ents {
		if fetchErr != nil {
			if _, ok := m.keys[key]; !ok {
				continue
			}
		} else if _, here := online[key]; !here {
			continue
		}
		batch = append(batch, pending{key: key, e: e})
	}
	m.mu.Unlock()
	if fetchErr != nil {
		log.Printf("[presence] initial sync using tracked set: %v", fetchErr)
	}

	sort.Slice(batch, func(i, j int) bool {
		a, b := batch[i].e, batch[j].e
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Owner < b.Owner
	})

	sent := 0
	for i, p := range batch {
		if i > 0 && m.cfg.Stagger > 0 {
			timer := time.NewTimer(m.cfg.Stagger)
			select {
			case <-ctx.Done():
				timer.Stop()
				return sent, ctx.Err()
			case <-timer.C:
			}
		}
		key := p.key
		e, err := m.entities.GetEntity(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Printf("[presence] initial sync lookup for %q failed: %v", key, err)
			continue
		}
		// sending under m.mu orders this spawn against a concurrent dismissal
		m.mu.Lock()
		if m.dismissed[key] > since {
			m.mu.Unlock()
			continue
		}
		ok := obs.Send(events.Spawn(e, true, false))
		m.mu.Unlock()
		if !ok {
			return sent, nil
		}
		sent++
	}
	return sent, nil
}

// Online returns the last successfully fetched viewer list and when it was fetched.
func (m *Monitor) Online() (map[string]struct{}, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{}, len(m.online))
	for k := range m.online {
		out[k] = struct{}{}
	}
	return out, m.fetched
}

// State reports the current state of key.
func (m *Monitor) State(key string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.keys[storage.Key(key)]; ok {
		return t.state
	}
	return StateAbsent
}

// Snapshot lists every tracked key sorted by key.
func (m *Monitor) Snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.keys))
	for key, t := range m.keys {
		out = append(out, Entry{Key: key, Owner: t.owner, State: t.state, MissingSince: t.missingSince})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (m *Monitor) fetch(ctx context.Context) (map[string]struct{}, error) {
	fctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()
	online, err := m.provider.GetOnlineViewers(fctx)
	if err == nil && fctx.Err() != nil {
		err = fctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	if online == nil {
		online = map[string]struct{}{}
	}
	m.mu.Lock()
	m.online = online
	m.fetched = m.now()
	m.mu.Unlock()
	return online, nil
}
