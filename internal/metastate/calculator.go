// Package metastate computes the six confidence-weighted health indicators
// from each cycle's MetricsSnapshot. The calculator keeps only cumulative
// counters and bounded rolling histories between calls; the MetaState it
// returns is immutable.
package metastate

import (
	"math"

	"github.com/uemlabs/metamind/internal/config"
	"github.com/uemlabs/metamind/internal/logging"
	"github.com/uemlabs/metamind/internal/types"
)

// Calculator turns a MetricsSnapshot into a MetaState.
//
// globalCognitiveHealth = w1*coherence + w2*efficiency + w3*quality + w4*successRate.
// The success-rate term currently reuses the coherence score as a proxy; there
// is no independent success signal yet.
type Calculator struct {
	cfg config.MetaStateConfig
	log *logging.Logger

	samples map[string]int

	// arousalHistory is the bounded window behind the volatility estimate
	arousalHistory []float64

	ethicsBlocks int
	ethicsTotal  int

	consolidationOK    int
	consolidationTotal int
}

// New builds a calculator from configuration.
func New(cfg config.MetaStateConfig, log *logging.Logger) *Calculator {
	if log == nil {
		log = logging.Nop()
	}
	return &Calculator{
		cfg:     cfg,
		log:     log,
		samples: make(map[string]int),
	}
}

// Compute calculates all six indicators for one cycle.
func (c *Calculator) Compute(snap *types.MetricsSnapshot, runID string, cycleID int64, episodeID string) *types.MetaState {
	state := &types.MetaState{
		GlobalCognitiveHealth: c.globalHealth(snap),
		EmotionalStability:    c.emotionalStability(snap),
		EthicalAlignment:      c.ethicalAlignment(snap),
		ExplorationBias:       c.explorationBias(snap),
		FailurePressure:       c.failurePressure(snap),
		MemoryHealth:          c.memoryHealth(snap),
		Timestamp:             snap.Timestamp,
		RunID:                 runID,
		CycleID:               cycleID,
		EpisodeID:             episodeID,
	}

	if low := state.LowConfidenceMetrics(c.cfg.LowConfidenceThreshold); len(low) > 0 {
		c.log.Warn("meta-state metrics below confidence threshold",
			"cycle", cycleID, "metrics", low, "threshold", c.cfg.LowConfidenceThreshold)
	}

	return state
}

func (c *Calculator) globalHealth(snap *types.MetricsSnapshot) types.MetricWithConfidence {
	// successRate proxy: coherence stands in until a real success signal exists
	successRate := snap.Coherence

	value := c.cfg.WeightCoherence*snap.Coherence +
		c.cfg.WeightEfficiency*snap.Efficiency +
		c.cfg.WeightQuality*snap.Quality +
		c.cfg.WeightSuccessRate*successRate

	n := c.bump("global_cognitive_health")
	return types.MetricWithConfidence{
		Value:       types.Clamp01(value),
		Confidence:  c.confidence(n, 0),
		SampleCount: n,
	}
}

func (c *Calculator) emotionalStability(snap *types.MetricsSnapshot) types.MetricWithConfidence {
	c.arousalHistory = append(c.arousalHistory, snap.ArousalTrend)
	if len(c.arousalHistory) > c.cfg.ArousalWindow {
		c.arousalHistory = c.arousalHistory[1:]
	}

	volatility := 0.5
	if len(c.arousalHistory) >= 2 {
		volatility = math.Min(1, stddev(c.arousalHistory))
	}

	n := c.bump("emotional_stability")
	return types.MetricWithConfidence{
		Value:       types.Clamp01(1 - volatility),
		Confidence:  c.confidence(n, 0),
		SampleCount: n,
	}
}

func (c *Calculator) ethicalAlignment(snap *types.MetricsSnapshot) types.MetricWithConfidence {
	blockRate := snap.ExtraOr("ethics_block_rate", 0)

	c.ethicsTotal++
	if blockRate > 0.5 {
		c.ethicsBlocks++
	}

	value := 1.0
	if c.ethicsTotal > 0 {
		value = 1 - float64(c.ethicsBlocks)/float64(c.ethicsTotal)
	}

	n := c.bump("ethical_alignment")
	return types.MetricWithConfidence{
		Value:       types.Clamp01(value),
		Confidence:  c.confidence(n, c.cfg.EthicsConfidencePenalty),
		SampleCount: n,
	}
}

func (c *Calculator) explorationBias(snap *types.MetricsSnapshot) types.MetricWithConfidence {
	n := c.bump("exploration_bias")
	return types.MetricWithConfidence{
		Value:       types.Clamp01(snap.ActionDiversity),
		Confidence:  c.confidence(n, 0),
		SampleCount: n,
	}
}

func (c *Calculator) failurePressure(snap *types.MetricsSnapshot) types.MetricWithConfidence {
	value := math.Min(1, float64(snap.FailureStreak)/float64(c.cfg.FailureStreakMax))

	n := c.bump("failure_pressure")
	return types.MetricWithConfidence{
		Value:       types.Clamp01(value),
		Confidence:  c.confidence(n, 0),
		SampleCount: n,
	}
}

func (c *Calculator) memoryHealth(snap *types.MetricsSnapshot) types.MetricWithConfidence {
	// consolidation_success defaults to healthy when the memory subsystem
	// reports nothing
	c.consolidationTotal++
	if snap.ExtraOr("consolidation_success", 1) >= 0.5 {
		c.consolidationOK++
	}

	value := 1.0
	if c.consolidationTotal > 0 {
		value = float64(c.consolidationOK) / float64(c.consolidationTotal)
	}

	n := c.bump("memory_health")
	return types.MetricWithConfidence{
		Value:       types.Clamp01(value),
		Confidence:  c.confidence(n, c.cfg.MemoryConfidencePenalty),
		SampleCount: n,
	}
}

func (c *Calculator) bump(metric string) int {
	c.samples[metric]++
	return c.samples[metric]
}

// confidence ramps up with sample count: half-scale until MinSamples, then
// proportional up to saturation at 2*MinSamples. The penalty models partially
// integrated inputs. Result is clamped to [0.1, 1.0].
func (c *Calculator) confidence(samples int, penalty float64) float64 {
	min := c.cfg.MinSamples

	var base float64
	if samples >= min {
		base = math.Min(1, float64(samples)/float64(min*2))
	} else {
		base = float64(samples) / float64(min) * 0.5
	}

	conf := base - penalty
	if conf < 0.1 {
		return 0.1
	}
	if conf > 1 {
		return 1
	}
	return conf
}

// Reset clears all accumulated state for a new run.
func (c *Calculator) Reset() {
	c.samples = make(map[string]int)
	c.arousalHistory = c.arousalHistory[:0]
	c.ethicsBlocks = 0
	c.ethicsTotal = 0
	c.consolidationOK = 0
	c.consolidationTotal = 0
}

// stddev is the population standard deviation of vs.
func stddev(vs []float64) float64 {
	mean := 0.0
	for _, v := range vs {
		mean += v
	}
	mean /= float64(len(vs))

	variance := 0.0
	for _, v := range vs {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(vs))

	return math.Sqrt(variance)
}
