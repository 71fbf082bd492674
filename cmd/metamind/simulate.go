package main

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/uemlabs/metamind/internal/metrics"
	"github.com/uemlabs/metamind/internal/orchestrator"
	"github.com/uemlabs/metamind/internal/report"
	"github.com/uemlabs/metamind/internal/types"
)

var (
	simCycles int
	simRate   float64
	simStress bool
	simSeed   int64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a synthetic agent loop through the full pipeline",
	RunE:  runSimulate,
}

func init() {
	simulateCmd.Flags().IntVar(&simCycles, "cycles", 300, "number of cycles to simulate")
	simulateCmd.Flags().Float64Var(&simRate, "rate", 0, "cycles per second (0 = unpaced)")
	simulateCmd.Flags().BoolVar(&simStress, "stress", false, "degrade the agent midway through the run")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", 1, "random seed")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	repo, err := openStorage(cmd, cfg.Storage)
	if err != nil {
		return err
	}
	defer repo.Close()

	runID := uuid.New().String()
	engine := orchestrator.New(cfg, repo, metrics.Scorers{}, report.NewConsole(os.Stdout), log)

	ctx := cmd.Context()
	if err := engine.StartRun(ctx, runID); err != nil {
		return err
	}

	var limiter *rate.Limiter
	if simRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(simRate), 1)
	}

	rng := rand.New(rand.NewSource(simSeed))
	for i := 0; i < simCycles; i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}
		if err := engine.OnCycle(ctx, syntheticCycle(rng, i, simCycles)); err != nil {
			return err
		}
	}

	stats, err := engine.EndRun(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("run %s: %d cycles, %d episodes, %d events, %d patterns\n",
		runID, stats.Cycles, stats.Episodes, stats.EventsSaved, stats.PatternsSaved)

	perf := engine.PerformanceStats()
	fmt.Printf("timing: last cycle %.2fms, total online %.2fms\n", perf.LastCycleTimeMS, perf.TotalOnlineTimeMS)
	names := make([]string, 0, len(perf.Jobs))
	for name := range perf.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		jp := perf.Jobs[name]
		fmt.Printf("  %-18s last run cycle %-6d %.2fms (budget %.2fms)\n",
			name, jp.LastRunCycle, jp.LastDurationMS, jp.BudgetMS)
	}
	return nil
}

// syntheticCycle produces a healthy agent for the first part of the run;
// with --stress the second half degrades into repetitive failing behavior.
func syntheticCycle(rng *rand.Rand, i, total int) *types.CycleData {
	stressed := simStress && i >= total/2

	actions := []string{"explore", "gather", "wait", "observe"}
	action := actions[rng.Intn(len(actions))]
	valence := 0.3 + 0.2*math.Sin(float64(i)/15) + rng.Float64()*0.1
	arousal := 0.4 + rng.Float64()*0.2
	coherence := 0.7 + rng.Float64()*0.2
	success := rng.Float64() > 0.15
	danger := rng.Float64() * 0.3

	if stressed {
		action = "flee"
		valence = -0.5 - rng.Float64()*0.4
		arousal = 0.8 + rng.Float64()*0.2
		coherence = 0.1 + rng.Float64()*0.15
		success = rng.Float64() > 0.8
		danger = 0.7 + rng.Float64()*0.3
	}

	return &types.CycleData{
		Action:     action,
		Valence:    valence,
		Arousal:    arousal,
		Success:    success,
		DurationMS: 5 + rng.Float64()*10,
		Context:    map[string]any{"danger_level": danger},
		Scores: map[string]float64{
			"coherence":  coherence,
			"efficiency": 0.6 + rng.Float64()*0.2,
			"quality":    0.6 + rng.Float64()*0.2,
			"trust":      0.7,
		},
	}
}
