package reward_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/xtding233/reindeer-gacha/internal/events"
	"github.com/xtding233/reindeer-gacha/internal/gacha"
	"github.com/xtding233/reindeer-gacha/internal/reward"
	"github.com/xtding233/reindeer-gacha/internal/storage"
	"github.com/xtding233/reindeer-gacha/internal/storage/memory"
)

func TestRedemptionScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	// First redemption always spawns.
	f.rng.Push(rollRare...)
	em, err := f.coord.HandleRedemption(ctx, "Ada", "I love reindeer")
	if err != nil {
		t.Fatalf("first redemption: %v", err)
	}
	if em.Event.Kind != events.KindSpawn || em.Event.Owner != "Ada" || em.Event.Rarity != gacha.Rare {
		t.Fatalf("first emission = %+v, want SPAWN Ada Rare", em.Event)
	}
	if em.Event.WasAlreadyDisplayed || em.Event.IsRestore {
		t.Fatalf("first spawn flags wrong: %+v", em.Event)
	}
	if em.Event.BubbleStyle != reward.BubbleLove || em.Event.Behavior != "shy" {
		t.Fatalf("style/behavior = %q/%q", em.Event.BubbleStyle, em.Event.Behavior)
	}
	ent, err := f.store.GetEntity(ctx, "ada")
	if err != nil || ent.Rarity != gacha.Rare || ent.Owner != "Ada" {
		t.Fatalf("entity = %+v, err %v", ent, err)
	}

	// Lower tier: duplicate, history grows, entity untouched.
	f.rng.Push(rollUncommon...)
	em, err = f.coord.HandleRedemption(ctx, "ada", "new wish")
	if err != nil {
		t.Fatalf("second redemption: %v", err)
	}
	if em.Event.Kind != events.KindDuplicate || em.Event.Owner != "Ada" {
		t.Fatalf("second emission = %+v, want DUPLICATE for Ada", em.Event)
	}
	if em.Event.Wish != "I love reindeer" || em.Event.BubbleStyle != reward.BubbleLove {
		t.Fatalf("duplicate must carry the current wish, got %q/%q", em.Event.Wish, em.Event.BubbleStyle)
	}
	after, _ := f.store.GetEntity(ctx, "ada")
	if after != ent {
		t.Fatalf("entity changed on duplicate: %+v -> %+v", ent, after)
	}
	hist, _ := f.store.GetHistory(ctx, "ada")
	if hist != gacha.NewRaritySet(gacha.Rare, gacha.Uncommon) {
		t.Fatalf("history = %v, want {Uncommon, Rare}", hist.Names())
	}

	// Same tier again: still duplicate.
	f.rng.Push(rollRare...)
	em, _ = f.coord.HandleRedemption(ctx, "ada", "")
	if em.Event.Kind != events.KindDuplicate {
		t.Fatalf("tie classified as %v", em.Event.Kind)
	}

	// Higher tier replaces.
	f.rng.Push(rollEpic...)
	em, err = f.coord.HandleRedemption(ctx, "ada", "get rich")
	if err != nil {
		t.Fatalf("fourth redemption: %v", err)
	}
	if em.Event.Kind != events.KindSpawn || em.Event.Rarity != gacha.Epic || !em.Event.WasAlreadyDisplayed {
		t.Fatalf("upgrade emission = %+v", em.Event)
	}
	if em.Event.BubbleStyle != reward.BubbleLucky {
		t.Fatalf("bubble = %q, want lucky", em.Event.BubbleStyle)
	}

	if got := len(f.rec.Events()); got != 4 {
		t.Fatalf("recorded %d events, want 4", got)
	}
	audit, _ := f.store.ListAudit(ctx, 0)
	if len(audit) != 2 || audit[0].Rarity != gacha.Epic {
		t.Fatalf("audit = %+v, want two spawns newest Epic", audit)
	}
	if len(f.presence.pings) != 4 || len(f.presence.visible) != 2 {
		t.Fatalf("pings=%v visible=%v", f.presence.pings, f.presence.visible)
	}
}

func TestRedemptionRespawnsAfterDismiss(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	f.rng.Push(rollMythic...)
	if _, err := f.coord.HandleRedemption(ctx, "ada", ""); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if err := f.store.DeleteEntity(ctx, "ada"); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}

	em, err := f.coord.HandleRedemption(ctx, "ada", "")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if em.Event.Kind != events.KindSpawn || em.Event.Rarity != gacha.Common || em.Event.WasAlreadyDisplayed {
		t.Fatalf("emission = %+v, want fresh Common spawn", em.Event)
	}
	if em.Verdict.MaxPrevious != gacha.Mythic {
		t.Fatalf("maxPrevious = %v", em.Verdict.MaxPrevious)
	}
}

func TestRedemptionRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	cases := []struct{ user, wish string }{
		{"", "hi"},
		{"   ", "hi"},
		{"ada", strings.Repeat("x", 201)},
		{"ada", "bad\x00wish"},
		{"ada", string([]byte{0xff, 0xfe})},
	}
	for _, c := range cases {
		if _, err := f.coord.HandleRedemption(ctx, c.user, c.wish); !errors.Is(err, reward.ErrInvalidInput) {
			t.Fatalf("HandleRedemption(%q, %q) err = %v, want ErrInvalidInput", c.user, c.wish, err)
		}
	}
	if n := len(f.rec.Events()); n != 0 {
		t.Fatalf("rejected input emitted %d events", n)
	}
	if _, err := f.store.GetPity(ctx, "ada"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("rejected input touched the pity store: %v", err)
	}
	if len(f.presence.pings) != 0 {
		t.Fatalf("rejected input pinged presence: %v", f.presence.pings)
	}
}

func TestRedemptionRetriesWithoutRedraw(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memory.New(), pityFails: 2, histFails: 2, entityFails: 2}
	f := newFixture(t, store)

	em, err := f.coord.HandleRedemption(ctx, "ada", "")
	if err != nil {
		t.Fatalf("redemption should succeed on the third try: %v", err)
	}
	if em.Event.Kind != events.KindSpawn {
		t.Fatalf("emission = %+v", em.Event)
	}
	rec, _ := store.GetPity(ctx, "ada")
	if rec.TotalRolls != 1 || rec.Pity4 != 1 || rec.Pity5 != 1 {
		t.Fatalf("pity = %+v, want exactly one draw", rec)
	}
	if store.pityPuts != 3 {
		t.Fatalf("pity writes = %d, want 3", store.pityPuts)
	}
	if _, err := store.GetEntity(ctx, "ada"); err != nil {
		t.Fatalf("entity not persisted: %v", err)
	}
}

func TestRedemptionFailsAfterBoundedRetries(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memory.New(), pityFails: -1}
	f := newFixture(t, store)

	_, err := f.coord.HandleRedemption(ctx, "ada", "")
	if !errors.Is(err, storage.ErrWrite) {
		t.Fatalf("err = %v, want ErrWrite", err)
	}
	if store.pityPuts != 3 {
		t.Fatalf("pity writes = %d, want 3 attempts", store.pityPuts)
	}
	if n := len(f.rec.Events()); n != 0 {
		t.Fatalf("failed redemption emitted %d events", n)
	}
	if _, err := store.GetEntity(ctx, "ada"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("failed redemption created an entity: %v", err)
	}
}

func TestRedemptionEntityWriteFailureEmitsNothing(t *testing.T) {
	store := &flakyStore{Store: memory.New(), entityFails: -1}
	f := newFixture(t, store)

	if _, err := f.coord.HandleRedemption(context.Background(), "ada", ""); !errors.Is(err, errDisk) {
		t.Fatalf("err = %v, want disk error", err)
	}
	if n := len(f.rec.Events()); n != 0 {
		t.Fatalf("emitted %d events", n)
	}
	if len(f.presence.visible) != 0 {
		t.Fatalf("presence marked visible after failed spawn")
	}
}

func TestRedemptionIgnoresCancellation(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	em, err := f.coord.HandleRedemption(ctx, "ada", "")
	if err != nil {
		t.Fatalf("accepted redemption must run to completion: %v", err)
	}
	if em.Event.Kind != events.KindSpawn {
		t.Fatalf("emission = %+v", em.Event)
	}
}

func TestConcurrentRedemptionsSameUser(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	f := newFixture(t, store)
	const n = 60

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.coord.HandleRedemption(ctx, "Ada", ""); err != nil {
				t.Errorf("redeem: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, _ := store.GetPity(ctx, "ada")
	if rec.TotalRolls != n {
		t.Fatalf("totalRolls = %d, want %d (lost update)", rec.TotalRolls, n)
	}
	// Every draw here is Common except the hard 4-tier hits at 12, 24, ...
	if rec.Pity4 != n%gacha.DefaultRates().HardPity4 {
		t.Fatalf("pity4 = %d, want %d", rec.Pity4, n%gacha.DefaultRates().HardPity4)
	}
	if got := len(f.rec.Events()); got != n {
		t.Fatalf("events = %d, want %d", got, n)
	}
}

func TestConcurrentRedemptionsManyUsers(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	f := newFixture(t, store)
	const users, each = 20, 10

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		for i := 0; i < each; i++ {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				if _, err := f.coord.HandleRedemption(ctx, name, ""); err != nil {
					t.Errorf("redeem %s: %v", name, err)
				}
			}(fmt.Sprintf("viewer%02d", u))
		}
	}
	wg.Wait()

	for u := 0; u < users; u++ {
		key := fmt.Sprintf("viewer%02d", u)
		rec, err := store.GetPity(ctx, key)
		if err != nil || rec.TotalRolls != each {
			t.Fatalf("%s pity = %+v err %v, want %d rolls", key, rec, err, each)
		}
	}
	ents, _ := store.ListEntities(ctx)
	if len(ents) != users {
		t.Fatalf("entities = %d, want %d", len(ents), users)
	}
	if got := len(f.rec.OfKind(events.KindSpawn)); got != users {
		t.Fatalf("spawns = %d, want one per user", got)
	}
}

func TestUpdateAndClearWish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	if _, err := f.coord.UpdateWish(ctx, "ada", "hello"); !errors.Is(err, reward.ErrNoEntity) {
		t.Fatalf("err = %v, want ErrNoEntity", err)
	}

	f.rng.Push(rollEpic...)
	if _, err := f.coord.HandleRedemption(ctx, "Ada", ""); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	e, err := f.coord.UpdateWish(ctx, "ADA", "love <3")
	if err != nil {
		t.Fatalf("UpdateWish: %v", err)
	}
	if e.Wish != "love <3" || e.BubbleStyle != reward.BubbleLove || e.Rarity != gacha.Epic || e.Behavior != "brave" {
		t.Fatalf("entity = %+v", e)
	}
	ev := f.rec.OfKind(events.KindUpdateWish)
	if len(ev) != 1 || ev[0].Owner != "Ada" || ev[0].Wish != "love <3" {
		t.Fatalf("update events = %+v", ev)
	}

	e, err = f.coord.ClearWish(ctx, "ada")
	if err != nil {
		t.Fatalf("ClearWish: %v", err)
	}
	if e.Wish != "" || e.BubbleStyle != reward.BubbleDefault {
		t.Fatalf("cleared entity = %+v", e)
	}
}

func TestChangeSkin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	f.rng.Push(rollEpic...)
	_, _ = f.coord.HandleRedemption(ctx, "ada", "")
	f.rng.Push(rollCommon...)
	_, _ = f.coord.HandleRedemption(ctx, "ada", "")

	if _, err := f.coord.ChangeSkin(ctx, "ada", "Mythic"); !errors.Is(err, reward.ErrSkinLocked) {
		t.Fatalf("err = %v, want ErrSkinLocked", err)
	}
	if _, err := f.coord.ChangeSkin(ctx, "ada", "Golden"); !errors.Is(err, reward.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	e, err := f.coord.ChangeSkin(ctx, "ada", "common")
	if err != nil {
		t.Fatalf("ChangeSkin: %v", err)
	}
	if e.Rarity != gacha.Common || e.Behavior != "normal" {
		t.Fatalf("entity = %+v", e)
	}
	if ev := f.rec.OfKind(events.KindUpdateSkin); len(ev) != 1 || ev[0].Rarity != gacha.Common {
		t.Fatalf("skin events = %+v", ev)
	}
}

func TestCommand(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.coord.Command(events.CommandJumpAll); err != nil {
		t.Fatalf("Command: %v", err)
	}
	if err := f.coord.Command("FLY"); !errors.Is(err, reward.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	ev := f.rec.OfKind(events.KindCommand)
	if len(ev) != 1 || ev[0].Command != events.CommandJumpAll {
		t.Fatalf("command events = %+v", ev)
	}
}

func TestBubbleStyle(t *testing.T) {
	cases := []struct{ wish, want string }{
		{"", reward.BubbleNormal},
		{"Merry Xmas", reward.BubbleNormal},
		{"I LOVE this", reward.BubbleLove},
		{"อยากมีแฟน", reward.BubbleLove},
		{"gacha luck pls", reward.BubbleLucky},
		{"ขอให้รวย", reward.BubbleLucky},
	}
	for _, c := range cases {
		if got := reward.BubbleStyle(c.wish); got != c.want {
			t.Fatalf("BubbleStyle(%q) = %q, want %q", c.wish, got, c.want)
		}
	}
}

func TestRedemptionKeyedByLogin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	em, err := f.coord.HandleRedemptionAs(ctx, "tomoko_jp", "ともこ", "")
	if err != nil {
		t.Fatalf("HandleRedemptionAs: %v", err)
	}
	if em.Event.Owner != "ともこ" {
		t.Fatalf("owner = %q, want the display name", em.Event.Owner)
	}
	if ent, err := f.store.GetEntity(ctx, "tomoko_jp"); err != nil || ent.Owner != "ともこ" {
		t.Fatalf("entity = %+v err %v", ent, err)
	}
	if len(f.presence.visible) != 1 || f.presence.visible[0] != "tomoko_jp" {
		t.Fatalf("presence marked %v", f.presence.visible)
	}

	em, err = f.coord.HandleRedemptionAs(ctx, "Bob", "  ", "")
	if err != nil || em.Event.Owner != "Bob" {
		t.Fatalf("blank display name: owner %q err %v", em.Event.Owner, err)
	}
	if _, err := f.coord.HandleRedemptionAs(ctx, " ", "Ghost", ""); !errors.Is(err, reward.ErrInvalidInput) {
		t.Fatalf("blank login err = %v", err)
	}
}
