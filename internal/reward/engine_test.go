package reward_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xtding233/reindeer-gacha/internal/gacha"
	"github.com/xtding233/reindeer-gacha/internal/reward"
	"github.com/xtding233/reindeer-gacha/internal/storage"
	"github.com/xtding233/reindeer-gacha/internal/storage/memory"
)

func TestEngineDrawPersists(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	eng, err := reward.NewEngine(store, gacha.DefaultRates(), gacha.NewSeededRNG(1))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	for i := 1; i <= 5; i++ {
		out, err := eng.Draw(ctx, "ada")
		if err != nil {
			t.Fatalf("Draw: %v", err)
		}
		stored, err := store.GetPity(ctx, "ada")
		if err != nil {
			t.Fatalf("GetPity: %v", err)
		}
		if stored != out.Record || stored.TotalRolls != uint(i) {
			t.Fatalf("stored %+v, outcome %+v, want totalRolls %d", stored, out.Record, i)
		}
	}
}

func TestEngineRejectsEmptyKey(t *testing.T) {
	eng, _ := reward.NewEngine(memory.New(), gacha.DefaultRates(), nil)
	if _, err := eng.Draw(context.Background(), ""); !errors.Is(err, reward.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestEngineSaveFailureKeepsOutcome(t *testing.T) {
	store := &flakyStore{Store: memory.New(), pityFails: 1}
	eng, _ := reward.NewEngine(store, gacha.DefaultRates(), gacha.NewSeededRNG(2))

	out, err := eng.Draw(context.Background(), "ada")
	if !errors.Is(err, storage.ErrWrite) || !errors.Is(err, errDisk) {
		t.Fatalf("err = %v, want write error wrapping disk error", err)
	}
	if out.Record.TotalRolls != 1 || !out.Rarity.Valid() {
		t.Fatalf("outcome not returned with failed save: %+v", out)
	}
	if err := eng.Save(context.Background(), "ada", out.Record); err != nil {
		t.Fatalf("Save retry: %v", err)
	}
	rec, _ := eng.Pity(context.Background(), "ada")
	if rec.TotalRolls != 1 {
		t.Fatalf("totalRolls = %d, want 1", rec.TotalRolls)
	}
}

func TestEngineSetRates(t *testing.T) {
	eng, _ := reward.NewEngine(memory.New(), gacha.DefaultRates(), nil)

	bad := gacha.DefaultRates()
	bad.BaseRate5 = 2
	if err := eng.SetRates(bad); err == nil {
		t.Fatalf("SetRates accepted invalid rates")
	}
	if eng.Rates() != gacha.DefaultRates() {
		t.Fatalf("rates changed after rejected update")
	}

	next := gacha.DefaultRates()
	next.HardPity5 = 1
	next.SoftPity5 = 0
	if err := eng.SetRates(next); err != nil {
		t.Fatalf("SetRates: %v", err)
	}
	out, err := eng.Draw(context.Background(), "ada")
	if err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if out.Rarity != gacha.Mythic {
		t.Fatalf("hard pity 1 should force Mythic, got %v", out.Rarity)
	}
}
