package reward_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xtding233/reindeer-gacha/internal/events"
	"github.com/xtding233/reindeer-gacha/internal/gacha"
	"github.com/xtding233/reindeer-gacha/internal/reward"
	"github.com/xtding233/reindeer-gacha/internal/storage"
	"github.com/xtding233/reindeer-gacha/internal/storage/memory"
)

// Values that steer a single fresh-record Roll under DefaultRates.
// Rare needs three reads: Mythic miss, 4-tier hit, Epic miss.
var (
	rollCommon   = []float64{0.9, 0.9, 0.9}
	rollUncommon = []float64{0.9, 0.9, 0.1}
	rollRare     = []float64{0.02, 0.02, 0.9}
	rollEpic     = []float64{0.02, 0.02, 0.1}
	rollMythic   = []float64{0.001}
)

// seqRNG returns queued values, then def.
type seqRNG struct {
	mu   sync.Mutex
	vals []float64
	def  float64
}

func (s *seqRNG) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.vals) == 0 {
		return s.def
	}
	v := s.vals[0]
	s.vals = s.vals[1:]
	return v
}

func (s *seqRNG) Push(vals ...float64) {
	s.mu.Lock()
	s.vals = append(s.vals, vals...)
	s.mu.Unlock()
}

// flakyStore fails the first N writes to each table it is told to break.
type flakyStore struct {
	*memory.Store

	mu          sync.Mutex
	pityFails   int
	histFails   int
	entityFails int
	pityPuts    int
}

var errDisk = errors.New("disk unavailable")

func (f *flakyStore) PutPity(ctx context.Context, key string, rec gacha.PityRecord) error {
	f.mu.Lock()
	f.pityPuts++
	fail := f.pityFails != 0
	if f.pityFails > 0 {
		f.pityFails--
	}
	f.mu.Unlock()
	if fail {
		return errDisk
	}
	return f.Store.PutPity(ctx, key, rec)
}

func (f *flakyStore) PutHistory(ctx context.Context, key string, set gacha.RaritySet) error {
	f.mu.Lock()
	fail := f.histFails != 0
	if f.histFails > 0 {
		f.histFails--
	}
	f.mu.Unlock()
	if fail {
		return errDisk
	}
	return f.Store.PutHistory(ctx, key, set)
}

func (f *flakyStore) PutEntity(ctx context.Context, key string, e storage.DisplayedEntity) error {
	f.mu.Lock()
	fail := f.entityFails != 0
	if f.entityFails > 0 {
		f.entityFails--
	}
	f.mu.Unlock()
	if fail {
		return errDisk
	}
	return f.Store.PutEntity(ctx, key, e)
}

type fakePresence struct {
	mu      sync.Mutex
	pings   []string
	visible []string
}

func (p *fakePresence) Ping(_ context.Context, key string) {
	p.mu.Lock()
	p.pings = append(p.pings, key)
	p.mu.Unlock()
}

func (p *fakePresence) MarkVisible(key string) {
	p.mu.Lock()
	p.visible = append(p.visible, key)
	p.mu.Unlock()
}

type fixture struct {
	store    storage.Store
	rng      *seqRNG
	rec      *events.Recorder
	presence *fakePresence
	coord    *reward.Coordinator
}

func newFixture(t *testing.T, store storage.Store) *fixture {
	t.Helper()
	if store == nil {
		store = memory.New()
	}
	f := &fixture{
		store:    store,
		rng:      &seqRNG{def: 0.9},
		rec:      &events.Recorder{},
		presence: &fakePresence{},
	}
	engine, err := reward.NewEngine(store, gacha.DefaultRates(), f.rng)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	f.coord, err = reward.NewCoordinator(reward.Deps{
		Engine:   engine,
		Tracker:  reward.NewTracker(store, store),
		Entities: store,
		Audit:    store,
		Presence: f.presence,
		Emitter:  f.rec,
		Now:      func() time.Time { return time.Date(2025, 12, 24, 20, 0, 0, 0, time.UTC) },
	}, reward.Config{WriteAttempts: 3, RetryInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return f
}
