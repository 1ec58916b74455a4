package gacha_test

import (
	"math"
	"testing"

	"github.com/xtding233/reindeer-gacha/internal/gacha"
)

// fixedRNG always returns the same value, which makes every non-forced trial deterministic.
type fixedRNG float64

func (f fixedRNG) Float64() float64 { return float64(f) }

func TestHardPity5GuaranteesMythic(t *testing.T) {
	rates := gacha.DefaultRates()
	rng := fixedRNG(0.9999) // never hits a rate below 1
	var rec gacha.PityRecord

	for i := 1; i < int(rates.HardPity5); i++ {
		out := gacha.Roll(rec, rates, rng)
		if out.Rarity == gacha.Mythic {
			t.Fatalf("unexpected Mythic before hard pity at draw %d", i)
		}
		rec = out.Record
	}
	if rec.Pity5 != rates.HardPity5-1 {
		t.Fatalf("pity5 = %d, want %d", rec.Pity5, rates.HardPity5-1)
	}

	out := gacha.Roll(rec, rates, rng)
	if out.Rarity != gacha.Mythic || !out.Forced {
		t.Fatalf("expected forced Mythic at hard pity, got %v forced=%v", out.Rarity, out.Forced)
	}
	if out.Record.Pity5 != 0 {
		t.Fatalf("pity5 should reset after Mythic; got %d", out.Record.Pity5)
	}
	// 4-tier pity hit at draws 12, 24, 36, 48; Mythic at 50 must not reset it.
	if out.Record.Pity4 != 2 {
		t.Fatalf("pity4 = %d, want 2", out.Record.Pity4)
	}
	if out.Record.TotalRolls != uint(rates.HardPity5) {
		t.Fatalf("totalRolls = %d, want %d", out.Record.TotalRolls, rates.HardPity5)
	}
}

func TestHardPity4GuaranteesFourTier(t *testing.T) {
	rates := gacha.DefaultRates()
	rng := fixedRNG(0.9999)
	var rec gacha.PityRecord

	for i := 1; i < int(rates.HardPity4); i++ {
		out := gacha.Roll(rec, rates, rng)
		if out.Rarity != gacha.Common {
			t.Fatalf("draw %d = %v, want Common", i, out.Rarity)
		}
		rec = out.Record
	}
	out := gacha.Roll(rec, rates, rng)
	if out.Rarity != gacha.Rare || !out.Forced {
		t.Fatalf("expected forced Rare at 4-tier hard pity, got %v forced=%v", out.Rarity, out.Forced)
	}
	if out.Record.Pity4 != 0 {
		t.Fatalf("pity4 should reset after 4-tier hit; got %d", out.Record.Pity4)
	}
	if out.Record.Pity5 != rates.HardPity4 {
		t.Fatalf("pity5 = %d, want %d", out.Record.Pity5, rates.HardPity4)
	}
}

func TestMythicDoesNotResetPity4(t *testing.T) {
	rates := gacha.DefaultRates()
	rng := fixedRNG(0) // every trial hits
	var rec gacha.PityRecord
	for i := 0; i < 5; i++ {
		out := gacha.Roll(rec, rates, rng)
		if out.Rarity != gacha.Mythic {
			t.Fatalf("draw %d = %v, want Mythic", i, out.Rarity)
		}
		rec = out.Record
	}
	if rec.Pity4 != 5 || rec.Pity5 != 0 {
		t.Fatalf("record = %+v, want pity4=5 pity5=0", rec)
	}
}

func TestPityInvariantsHoldOverLongRun(t *testing.T) {
	rates := gacha.DefaultRates()
	rng := gacha.NewSeededRNG(7)
	var rec gacha.PityRecord
	var history gacha.RaritySet
	for i := 0; i < 100000; i++ {
		before := rec
		out := gacha.Roll(rec, rates, rng)
		rec = out.Record

		if rec.Pity5 >= rates.HardPity5 {
			t.Fatalf("draw %d: pity5 reached %d without a Mythic", i, rec.Pity5)
		}
		if before.Pity5+1 >= rates.HardPity5 && out.Rarity != gacha.Mythic {
			t.Fatalf("draw %d: hard pity5 did not produce Mythic", i)
		}
		if out.Rarity != gacha.Mythic && before.Pity4+1 >= rates.HardPity4 &&
			out.Rarity != gacha.Rare && out.Rarity != gacha.Epic {
			t.Fatalf("draw %d: hard pity4 did not produce a 4-tier, got %v", i, out.Rarity)
		}
		next := history.With(out.Rarity)
		if !next.Contains(history) {
			t.Fatalf("draw %d: history lost a tier", i)
		}
		history = next
	}
	if history.Len() != len(gacha.AllRarities()) {
		t.Fatalf("expected every tier over a long run, got %v", history.Names())
	}
}

func TestMythicRateFreshUsers(t *testing.T) {
	rates := gacha.DefaultRates()
	rng := gacha.NewSeededRNG(42)
	const n = 100000
	hits := 0
	for i := 0; i < n; i++ {
		if gacha.Roll(gacha.PityRecord{}, rates, rng).Rarity == gacha.Mythic {
			hits++
		}
	}
	freq := float64(hits) / n
	if math.Abs(freq-rates.BaseRate5) > 0.003 {
		t.Fatalf("fresh-user Mythic freq=%f not close to base rate %f", freq, rates.BaseRate5)
	}
}

func TestLongRunMythicRate(t *testing.T) {
	rates := gacha.DefaultRates()
	freq := gacha.TierFrequencies(rates, 200000, gacha.NewSeededRNG(99))
	got := freq[gacha.Mythic]
	if got < 0.025 || got > 0.035 {
		t.Fatalf("long-run Mythic freq=%f outside [0.025, 0.035]", got)
	}
	want := gacha.ExpectedMythicRate(rates)
	if math.Abs(got-want) > 0.003 {
		t.Fatalf("long-run Mythic freq=%f, expected %f", got, want)
	}
	var total float64
	for _, v := range freq {
		total += v
	}
	if math.Abs(total-1) > 1e-9 {
		t.Fatalf("frequencies sum to %f", total)
	}
}

func TestExpectedMythicRateDefaults(t *testing.T) {
	got := gacha.ExpectedMythicRate(gacha.DefaultRates())
	if got < 0.030 || got > 0.031 {
		t.Fatalf("expected steady-state Mythic rate ~0.0306, got %f", got)
	}
}

func TestMythicRateRamp(t *testing.T) {
	rates := gacha.DefaultRates()
	if got := rates.MythicRate(rates.SoftPity5 - 1); got != rates.BaseRate5 {
		t.Fatalf("rate before soft pity = %f, want %f", got, rates.BaseRate5)
	}
	want := rates.BaseRate5 + rates.Increment5
	if got := rates.MythicRate(rates.SoftPity5); math.Abs(got-want) > 1e-12 {
		t.Fatalf("rate at soft pity = %f, want %f", got, want)
	}
	for p := uint(0); p <= rates.HardPity5+5; p++ {
		r := rates.MythicRate(p)
		if r < 0 || r > 1 {
			t.Fatalf("rate at pity %d = %f outside [0,1]", p, r)
		}
	}
	if got := rates.MythicRate(rates.HardPity5); got != 1 {
		t.Fatalf("rate at hard pity = %f, want 1", got)
	}

	// zero soft pity disables the ramp
	rates.SoftPity5 = 0
	if got := rates.MythicRate(rates.HardPity5 - 1); got != rates.BaseRate5 {
		t.Fatalf("rate without ramp = %f, want %f", got, rates.BaseRate5)
	}
}

func TestRatesValidate(t *testing.T) {
	if err := gacha.DefaultRates().Validate(); err != nil {
		t.Fatalf("default rates invalid: %v", err)
	}
	bad := gacha.DefaultRates()
	bad.BaseRate5 = 1.5
	bad.HardPity4 = 0
	bad.SoftPity5 = bad.HardPity5
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}
