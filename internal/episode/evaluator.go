package episode

import (
	"fmt"
	"math"
	"sort"

	"github.com/uemlabs/metamind/internal/config"
	"github.com/uemlabs/metamind/internal/types"
)

// HealthStatus bands the overall episode score. Band floors come from
// EvaluatorConfig.
type HealthStatus string

const (
	HealthExcellent HealthStatus = "excellent"
	HealthGood      HealthStatus = "good"
	HealthModerate  HealthStatus = "moderate"
	HealthPoor      HealthStatus = "poor"
	HealthCritical  HealthStatus = "critical"
)

// HealthReport is the evaluator's verdict on one closed episode.
type HealthReport struct {
	EpisodeID  string
	RunID      string
	CycleCount int

	CognitiveScore  float64
	EmotionalScore  float64
	BehavioralScore float64
	OverallScore    float64
	// OverallConfidence is the mean meta-state confidence across the episode
	OverallConfidence float64
	Status            HealthStatus

	AvgCoherence  float64
	AvgEfficiency float64
	AvgQuality    float64
	AvgValence    float64
	AvgArousal    float64

	SuccessRate      float64
	ActionDiversity  float64
	DominantAction   string
	AnomalyCount     int
	CriticalCount    int
	FailureCount     int
	MaxFailureStreak int

	// Trends compare the last quarter of the episode against the first
	Trends          map[string]types.TrendDirection
	Recommendations []string
}

// Evaluator accumulates per-cycle observations for the open episode and
// produces a HealthReport when it closes. One instance per run; Reset is
// called at each boundary.
type Evaluator struct {
	cfg config.EvaluatorConfig

	health      []float64
	confidence  []float64
	stability   []float64
	exploration []float64
	pressure    []float64

	coherence  []float64
	efficiency []float64
	quality    []float64
	valence    []float64
	arousal    []float64

	actionCounts map[string]int
	cycles       int
	successes    int
	anomalies    int
	criticals    int

	failures      int
	currentStreak int
	maxStreak     int
}

func NewEvaluator(cfg config.EvaluatorConfig) *Evaluator {
	return &Evaluator{cfg: cfg, actionCounts: make(map[string]int)}
}

// Record folds one cycle's outcome into the running episode. state may be
// nil when the meta-state job did not run this cycle.
func (e *Evaluator) Record(cycle *types.CycleData, snap *types.MetricsSnapshot, state *types.MetaState, anomalyCount, criticalCount int) {
	e.cycles++
	e.anomalies += anomalyCount
	e.criticals += criticalCount

	if cycle != nil {
		if cycle.Action != "" {
			e.actionCounts[cycle.Action]++
		}
		e.valence = append(e.valence, cycle.Valence)
		e.arousal = append(e.arousal, cycle.Arousal)
		if cycle.Success {
			e.successes++
			e.currentStreak = 0
		} else {
			e.failures++
			e.currentStreak++
			if e.currentStreak > e.maxStreak {
				e.maxStreak = e.currentStreak
			}
		}
	}

	if snap != nil {
		e.coherence = append(e.coherence, snap.Coherence)
		e.efficiency = append(e.efficiency, snap.Efficiency)
		e.quality = append(e.quality, snap.Quality)
	}

	if state == nil {
		return
	}
	e.health = append(e.health, state.GlobalCognitiveHealth.Value)
	e.stability = append(e.stability, state.EmotionalStability.Value)
	e.exploration = append(e.exploration, state.ExplorationBias.Value)
	e.pressure = append(e.pressure, state.FailurePressure.Value)

	var confSum float64
	for _, nm := range state.Metrics() {
		confSum += nm.Metric.Confidence
	}
	e.confidence = append(e.confidence, confSum/6)
}

// Evaluate scores the closed episode. Scores default to neutral 0.5 when no
// meta-state was ever recorded.
func (e *Evaluator) Evaluate(ep *types.Episode) *HealthReport {
	r := &HealthReport{
		EpisodeID:        ep.ID,
		RunID:            ep.RunID,
		CycleCount:       e.cycles,
		AnomalyCount:     e.anomalies,
		CriticalCount:    e.criticals,
		FailureCount:     e.failures,
		MaxFailureStreak: e.maxStreak,
		Trends:           make(map[string]types.TrendDirection),
	}

	r.CognitiveScore = meanOr(e.health, 0.5)
	r.EmotionalScore = meanOr(e.stability, 0.5)
	r.BehavioralScore = (meanOr(e.exploration, 0.5) + (1 - meanOr(e.pressure, 0.5))) / 2
	r.OverallScore = e.cfg.WeightCognitive*r.CognitiveScore +
		e.cfg.WeightEmotional*r.EmotionalScore +
		e.cfg.WeightBehavioral*r.BehavioralScore
	r.OverallConfidence = meanOr(e.confidence, 0)
	r.Status = e.statusFor(r.OverallScore)

	r.AvgCoherence = meanOr(e.coherence, 0)
	r.AvgEfficiency = meanOr(e.efficiency, 0)
	r.AvgQuality = meanOr(e.quality, 0)
	r.AvgValence = meanOr(e.valence, 0)
	r.AvgArousal = meanOr(e.arousal, 0)

	if e.cycles > 0 {
		r.SuccessRate = float64(e.successes) / float64(e.cycles)
	}
	r.ActionDiversity = e.actionEntropy()
	r.DominantAction = e.dominantAction()

	r.Trends["cognitive_health"] = e.trend(e.health)
	r.Trends["emotional_stability"] = e.trend(e.stability)
	r.Trends["valence"] = e.trend(e.valence)
	r.Trends["arousal"] = e.trend(e.arousal)
	r.Recommendations = e.recommend(r)
	return r
}

// Reset clears accumulated state for the next episode.
func (e *Evaluator) Reset() {
	e.health = nil
	e.confidence = nil
	e.stability = nil
	e.exploration = nil
	e.pressure = nil
	e.coherence = nil
	e.efficiency = nil
	e.quality = nil
	e.valence = nil
	e.arousal = nil
	e.actionCounts = make(map[string]int)
	e.cycles = 0
	e.successes = 0
	e.anomalies = 0
	e.criticals = 0
	e.failures = 0
	e.currentStreak = 0
	e.maxStreak = 0
}

// trend compares the mean of the last quarter of the series against the
// first quarter.
func (e *Evaluator) trend(series []float64) types.TrendDirection {
	if len(series) < 4 {
		return types.TrendStable
	}
	q := len(series) / 4
	first := mean(series[:q])
	last := mean(series[len(series)-q:])
	diff := last - first
	switch {
	case diff > e.cfg.TrendThreshold:
		return types.TrendRising
	case diff < -e.cfg.TrendThreshold:
		return types.TrendFalling
	default:
		return types.TrendStable
	}
}

// actionEntropy is the Shannon entropy of the action distribution, normalized
// to [0,1] by the maximum entropy for the number of distinct actions.
func (e *Evaluator) actionEntropy() float64 {
	total := 0
	for _, c := range e.actionCounts {
		total += c
	}
	if total == 0 || len(e.actionCounts) < 2 {
		return 0
	}
	var h float64
	for _, c := range e.actionCounts {
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h / math.Log2(float64(len(e.actionCounts)))
}

func (e *Evaluator) dominantAction() string {
	best, bestCount := "", 0
	for a, c := range e.actionCounts {
		if c > bestCount || (c == bestCount && (best == "" || a < best)) {
			best, bestCount = a, c
		}
	}
	return best
}

func (e *Evaluator) recommend(r *HealthReport) []string {
	var recs []string

	if r.OverallScore < e.cfg.RecommendOnLowHealth {
		if r.CognitiveScore < e.cfg.HealthModerate {
			recs = append(recs, "cognitive health is low; review decision-making patterns")
		}
		if r.EmotionalScore < e.cfg.HealthModerate {
			recs = append(recs, "emotional stability is low; the agent may benefit from calmer scenarios")
		}
		if r.BehavioralScore < e.cfg.HealthModerate {
			recs = append(recs, "behavioral health is low; consider increasing action diversity")
		}
	}
	if e.maxStreak >= e.cfg.RecommendOnHighFailures {
		recs = append(recs, fmt.Sprintf("failure streak reached %d; review action selection strategy", e.maxStreak))
	}
	if e.cycles > 0 && r.ActionDiversity < e.cfg.RecommendOnLowDiversity {
		recs = append(recs, fmt.Sprintf("action diversity %.2f suggests the agent is stuck on %q; consider forcing exploration", r.ActionDiversity, r.DominantAction))
	}
	if r.Trends["cognitive_health"] == types.TrendFalling {
		recs = append(recs, "cognitive health declined across the episode; monitor closely")
	}
	if r.Trends["valence"] == types.TrendFalling {
		recs = append(recs, "valence declined across the episode; the agent may be experiencing negative states")
	}
	if r.CriticalCount > 0 {
		recs = append(recs, fmt.Sprintf("%d critical anomalies this episode; review critical events before continuing", r.CriticalCount))
	}
	if e.cycles > 0 && r.OverallConfidence < e.cfg.RecommendOnLowConfidence {
		recs = append(recs, fmt.Sprintf("confidence %.0f%% in health metrics is low; more data needed for a reliable assessment", r.OverallConfidence*100))
	}

	sort.Strings(recs)
	if e.cfg.MaxRecommendations > 0 && len(recs) > e.cfg.MaxRecommendations {
		recs = recs[:e.cfg.MaxRecommendations]
	}
	return recs
}

func (e *Evaluator) statusFor(score float64) HealthStatus {
	switch {
	case score >= e.cfg.HealthExcellent:
		return HealthExcellent
	case score >= e.cfg.HealthGood:
		return HealthGood
	case score >= e.cfg.HealthModerate:
		return HealthModerate
	case score >= e.cfg.HealthPoor:
		return HealthPoor
	default:
		return HealthCritical
	}
}

func mean(vs []float64) float64 {
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func meanOr(vs []float64, def float64) float64 {
	if len(vs) == 0 {
		return def
	}
	return mean(vs)
}
