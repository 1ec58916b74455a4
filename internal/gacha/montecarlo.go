package gacha

import (
	"math"
	"sort"
)

// TrialGoal selects what the simulation measures per trial.
type TrialGoal string

const (
	// Draws until the first Mythic from a fresh record.
	GoalFirstMythic TrialGoal = "first_mythic"
	// Draws until the first 4-tier (Rare or Epic) from a fresh record.
	GoalFirstFourStar TrialGoal = "first_four_star"
	// Given a fixed budget N, count Mythics within it.
	GoalFixedBudget TrialGoal = "fixed_budget"
)

// SimBudget controls the number of draws used in GoalFixedBudget.
type SimBudget struct {
	NumDraws int
}

// Stats summarizes simulation results.
type Stats struct {
	Mean   float64
	Var    float64
	StdDev float64
	P50    float64
	P90    float64
	P99    float64
	Max    int
	// Optional: raw samples if caller needs histograms/exports
	Samples []int `json:"-"`
}

// calcStats computes mean/variance/percentiles for integer samples.
func calcStats(xs []int) Stats {
	n := len(xs)
	if n == 0 {
		return Stats{}
	}
	var sum float64
	for _, v := range xs {
		sum += float64(v)
	}
	mean := sum / float64(n)

	// variance (population)
	var acc float64
	for _, v := range xs {
		d := float64(v) - mean
		acc += d * d
	}
	variance := acc / float64(n)

	cp := append([]int(nil), xs...)
	sort.Ints(cp)
	percentile := func(p float64) float64 {
		if n == 1 || p <= 0 {
			return float64(cp[0])
		}
		if p >= 1 {
			return float64(cp[n-1])
		}
		pos := p * float64(n-1)
		i := int(math.Floor(pos))
		f := pos - float64(i)
		if i+1 >= n {
			return float64(cp[i])
		}
		return float64(cp[i])*(1-f) + float64(cp[i+1])*f
	}

	return Stats{
		Mean:    mean,
		Var:     variance,
		StdDev:  math.Sqrt(variance),
		P50:     percentile(0.50),
		P90:     percentile(0.90),
		P99:     percentile(0.99),
		Max:     cp[n-1],
		Samples: xs,
	}
}

// simulateOne returns the primary metric for one trial depending on the goal.
func simulateOne(rates Rates, goal TrialGoal, budget *SimBudget, rng RandomSource) int {
	var rec PityRecord
	switch goal {
	case GoalFirstMythic, GoalFirstFourStar:
		// Mythic preempts the 4-tier check, so a degenerate config could loop forever.
		limit := int(rates.HardPity4+1) * int(rates.HardPity5+1)
		draws := 0
		for draws < limit {
			draws++
			out := Roll(rec, rates, rng)
			rec = out.Record
			if out.Rarity == Mythic && goal == GoalFirstMythic {
				return draws
			}
			if (out.Rarity == Epic || out.Rarity == Rare) && goal == GoalFirstFourStar {
				return draws
			}
		}
		return draws
	case GoalFixedBudget:
		if budget == nil || budget.NumDraws <= 0 {
			return 0
		}
		count := 0
		for i := 0; i < budget.NumDraws; i++ {
			out := Roll(rec, rates, rng)
			rec = out.Record
			if out.Rarity == Mythic {
				count++
			}
		}
		return count
	}
	return 0
}

// RunMonteCarlo repeats trials and returns summary stats.
func RunMonteCarlo(rates Rates, goal TrialGoal, trials int, budget *SimBudget, rng RandomSource) (Stats, error) {
	if err := rates.Validate(); err != nil {
		return Stats{}, err
	}
	if trials <= 0 {
		return Stats{}, nil
	}
	if rng == nil {
		rng = DefaultRNG()
	}
	samples := make([]int, trials)
	for i := 0; i < trials; i++ {
		samples[i] = simulateOne(rates, goal, budget, rng)
	}
	return calcStats(samples), nil
}

// TierFrequencies draws n times for one user and returns the observed share of each tier.
func TierFrequencies(rates Rates, n int, rng RandomSource) map[Rarity]float64 {
	out := make(map[Rarity]float64, len(AllRarities()))
	if n <= 0 {
		return out
	}
	var rec PityRecord
	counts := make(map[Rarity]int, len(AllRarities()))
	for i := 0; i < n; i++ {
		o := Roll(rec, rates, rng)
		rec = o.Record
		counts[o.Rarity]++
	}
	for _, r := range AllRarities() {
		out[r] = float64(counts[r]) / float64(n)
	}
	return out
}

// ExpectedMythicInterval is the exact mean number of draws between Mythic hits:
// E[T] = sum over n of P(T >= n), where P(T >= n) is the product of misses before n.
func ExpectedMythicInterval(rates Rates) float64 {
	var expected float64
	survive := 1.0
	for n := uint(1); n <= rates.HardPity5; n++ {
		expected += survive
		survive *= 1 - rates.MythicRate(n)
		if survive <= 0 {
			break
		}
	}
	return expected
}

// ExpectedMythicRate is the long-run Mythic share of draws for one user.
func ExpectedMythicRate(rates Rates) float64 {
	interval := ExpectedMythicInterval(rates)
	if interval <= 0 {
		return 0
	}
	return 1 / interval
}
