// Command simulate estimates draw statistics for a rates file.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/xtding233/reindeer-gacha/internal/config"
	"github.com/xtding233/reindeer-gacha/internal/gacha"
)

func main() {
	dir := flag.String("config", "./config", "config directory holding rates/")
	event := flag.String("event", "", "event rates overlay name")
	goal := flag.String("goal", string(gacha.GoalFirstMythic), "first_mythic, first_four_star or fixed_budget")
	trials := flag.Int("trials", 100000, "number of trials")
	budget := flag.Int("budget", 100, "draws per trial for fixed_budget")
	draws := flag.Int("draws", 1000000, "draws for the tier frequency table")
	seed := flag.Uint64("seed", 0, "seed for a replayable run, 0 uses crypto randomness")
	flag.Parse()

	rates, err := config.NewLoader(*dir, *event).Rates()
	if err != nil {
		log.Fatalf("[simulate] %v", err)
	}
	rng := gacha.DefaultRNG()
	if *seed != 0 {
		rng = gacha.NewSeededRNG(*seed)
	}

	stats, err := gacha.RunMonteCarlo(rates, gacha.TrialGoal(*goal), *trials, &gacha.SimBudget{NumDraws: *budget}, rng)
	if err != nil {
		log.Fatalf("[simulate] %v", err)
	}
	out := os.Stdout
	fmt.Fprintf(out, "goal=%s trials=%d\n", *goal, *trials)
	fmt.Fprintf(out, "mean=%.3f stddev=%.3f p50=%.0f p90=%.0f p99=%.0f max=%d\n",
		stats.Mean, stats.StdDev, stats.P50, stats.P90, stats.P99, stats.Max)
	fmt.Fprintf(out, "expected mythic interval=%.3f rate=%.5f\n",
		gacha.ExpectedMythicInterval(rates), gacha.ExpectedMythicRate(rates))

	freq := gacha.TierFrequencies(rates, *draws, rng)
	for _, r := range gacha.AllRarities() {
		fmt.Fprintf(out, "%-9s %.5f\n", r, freq[r])
	}
}
