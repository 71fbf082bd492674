// Package metrics adapts the host's per-domain scorers into the normalized
// MetricsSnapshot the engine consumes. Scorers implement a single explicit
// capability interface; anything the host cannot supply degrades to a neutral
// default instead of failing the cycle.
package metrics

import (
	"time"

	"github.com/uemlabs/metamind/internal/logging"
	"github.com/uemlabs/metamind/internal/types"
)

// NeutralScore substitutes for any sub-score a legacy scorer cannot supply.
const NeutralScore = 0.5

// Scorer is the capability every legacy scorer must implement to feed the
// engine. Implementations receive the raw cycle data and return a score;
// whether the score is a [0,1] quality or a count-like value depends on the
// slot it is registered for.
type Scorer interface {
	Score(cycle *types.CycleData) float64
}

// ScorerFunc adapts a plain function into a Scorer.
type ScorerFunc func(cycle *types.CycleData) float64

func (f ScorerFunc) Score(cycle *types.CycleData) float64 { return f(cycle) }

// Scorers holds the optional per-domain scorer set. Nil slots fall back to
// the cycle data's own fields, then to the neutral default.
type Scorers struct {
	Coherence  Scorer
	Efficiency Scorer
	Quality    Scorer
	Trust      Scorer

	// FailureStreak returns the count of consecutive failures
	FailureStreak Scorer
	// ActionDiversity returns a normalized [0,1] diversity score
	ActionDiversity Scorer

	ValenceTrend Scorer
	ArousalTrend Scorer

	// CriticalAlerts returns the externally reported critical-alert count
	CriticalAlerts Scorer
}

// Adapter produces one MetricsSnapshot per cycle from the registered scorers.
type Adapter struct {
	scorers Scorers
	log     *logging.Logger

	// dataPoints counts samples collected per sub-score, carried into each
	// snapshot for downstream confidence calculation
	dataPoints map[string]int
}

// NewAdapter builds an adapter over the given scorer set. Any scorer may be
// nil.
func NewAdapter(scorers Scorers, log *logging.Logger) *Adapter {
	if log == nil {
		log = logging.Nop()
	}
	return &Adapter{
		scorers:    scorers,
		log:        log,
		dataPoints: make(map[string]int),
	}
}

// Snapshot collects all sub-scores for one cycle. It never fails: missing
// scorers and missing cycle fields degrade to neutral defaults.
func (a *Adapter) Snapshot(cycle *types.CycleData, cycleID int64) *types.MetricsSnapshot {
	snap := &types.MetricsSnapshot{
		Timestamp: time.Now().UTC(),
		CycleID:   cycleID,
		Extra:     make(map[string]float64),
	}

	snap.Coherence = types.Clamp01(a.score("coherence", a.scorers.Coherence, cycle, cycle.ScoreOr("coherence", NeutralScore)))
	snap.Efficiency = types.Clamp01(a.score("efficiency", a.scorers.Efficiency, cycle, cycle.ScoreOr("efficiency", NeutralScore)))
	snap.Quality = types.Clamp01(a.score("quality", a.scorers.Quality, cycle, cycle.ScoreOr("quality", NeutralScore)))
	snap.Trust = types.Clamp01(a.score("trust", a.scorers.Trust, cycle, cycle.ScoreOr("trust", NeutralScore)))

	streak := a.score("failure_streak", a.scorers.FailureStreak, cycle, cycle.ScoreOr("failure_streak", 0))
	if streak < 0 {
		streak = 0
	}
	snap.FailureStreak = int(streak)

	snap.ActionDiversity = types.Clamp01(a.score("action_diversity", a.scorers.ActionDiversity, cycle, cycle.ScoreOr("action_diversity", NeutralScore)))
	snap.ValenceTrend = a.score("valence", a.scorers.ValenceTrend, cycle, cycle.Valence)
	snap.ArousalTrend = a.score("arousal", a.scorers.ArousalTrend, cycle, cycle.Arousal)

	alerts := a.score("critical_alerts", a.scorers.CriticalAlerts, cycle, 0)
	if alerts < 0 {
		alerts = 0
	}
	snap.CriticalAlerts = int(alerts)
	snap.AlertCount = snap.CriticalAlerts

	// Forward-compatible sub-scores ride along untouched
	for key, val := range cycle.Scores {
		switch key {
		case "coherence", "efficiency", "quality", "trust",
			"failure_streak", "action_diversity":
		default:
			snap.Extra[key] = val
		}
	}

	snap.DataPoints = make(map[string]int, len(a.dataPoints))
	for k, v := range a.dataPoints {
		snap.DataPoints[k] = v
	}

	return snap
}

// score runs one scorer slot with fault isolation: a panicking scorer is
// logged and its slot degrades to the fallback for this cycle.
func (a *Adapter) score(name string, s Scorer, cycle *types.CycleData, fallback float64) (v float64) {
	if s == nil {
		return fallback
	}
	defer func() {
		if r := recover(); r != nil {
			a.log.Warn("scorer panicked, using fallback",
				"scorer", name, "panic", r, "fallback", fallback)
			v = fallback
		}
	}()
	v = s.Score(cycle)
	a.dataPoints[name]++
	return v
}

// DataPointCount reports how many samples a sub-score has collected so far.
func (a *Adapter) DataPointCount(name string) int {
	return a.dataPoints[name]
}

// Reset clears the per-run sample counters.
func (a *Adapter) Reset() {
	a.dataPoints = make(map[string]int)
}
