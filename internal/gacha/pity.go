package gacha

// PityRecord tracks consecutive draws since the last 4-tier and Mythic hit for one user.
type PityRecord struct {
	Pity4      uint `json:"pity4"`
	Pity5      uint `json:"pity5"`
	TotalRolls uint `json:"totalRolls"`
}

// Outcome reports one draw's result.
type Outcome struct {
	Rarity Rarity
	Record PityRecord // counters after this draw
	Forced bool       // true if a hard pity ceiling produced the hit
}

// Roll performs one draw against rec and returns the advanced record.
// - Both counters increment before evaluation.
// - Mythic is checked first; a hit resets Pity5 only.
// - On a Mythic miss, the 4-tier check runs; a hit picks Epic or Rare and resets Pity4.
// - Otherwise Uncommon or Common, no reset.
func Roll(rec PityRecord, rates Rates, rng RandomSource) Outcome {
	if rng == nil {
		rng = DefaultRNG()
	}
	rec.Pity4++
	rec.Pity5++
	rec.TotalRolls++

	if trial(rates.MythicRate(rec.Pity5), rng) {
		forced := rec.Pity5 >= rates.HardPity5
		rec.Pity5 = 0
		return Outcome{Rarity: Mythic, Record: rec, Forced: forced}
	}

	if trial(rates.FourStarRate(rec.Pity4), rng) {
		forced := rec.Pity4 >= rates.HardPity4
		rec.Pity4 = 0
		r := Rare
		if trial(rates.EpicSplit, rng) {
			r = Epic
		}
		return Outcome{Rarity: r, Record: rec, Forced: forced}
	}

	r := Common
	if trial(rates.UncommonSplit, rng) {
		r = Uncommon
	}
	return Outcome{Rarity: r, Record: rec}
}

// trial is Chance over a clamped probability, which cannot fail.
func trial(p float64, rng RandomSource) bool {
	hit, err := Chance(clampProb(p), rng)
	return err == nil && hit
}
