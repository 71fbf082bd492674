// Package analyzer performs per-cycle anomaly detection: threshold and delta
// checks over the raw cycle data, the metrics snapshot, and the freshly
// computed MetaState. Checks are stateless level triggers; the only state the
// analyzer keeps is previous-value memory for delta detection.
package analyzer

import (
	"fmt"
	"strings"

	"github.com/uemlabs/metamind/internal/config"
	"github.com/uemlabs/metamind/internal/types"
)

// AnomalyKind tags the specific check that fired.
type AnomalyKind string

const (
	AnomalyValenceSpikePositive AnomalyKind = "valence_spike_positive"
	AnomalyValenceSpikeNegative AnomalyKind = "valence_spike_negative"
	AnomalyValenceRapidChange   AnomalyKind = "valence_rapid_change"
	AnomalyArousalHigh          AnomalyKind = "arousal_high"
	AnomalyArousalLow           AnomalyKind = "arousal_low"
	AnomalyArousalRapidChange   AnomalyKind = "arousal_rapid_change"
	AnomalyCycleTimeWarning     AnomalyKind = "cycle_time_warning"
	AnomalyCycleTimeCritical    AnomalyKind = "cycle_time_critical"
	AnomalyCoherenceWarning     AnomalyKind = "coherence_warning"
	AnomalyCoherenceCritical    AnomalyKind = "coherence_critical"
	AnomalyFailureStreakWarning AnomalyKind = "failure_streak_warning"
	AnomalyFailureStreakCrit    AnomalyKind = "failure_streak_critical"
	AnomalyCriticalAlerts       AnomalyKind = "critical_alerts"
	AnomalyGlobalHealthWarning  AnomalyKind = "global_health_warning"
	AnomalyGlobalHealthCritical AnomalyKind = "global_health_critical"
	AnomalyLowConfidence        AnomalyKind = "low_confidence_metrics"
)

// Anomaly is one detected threshold or delta violation.
type Anomaly struct {
	Kind     AnomalyKind
	Severity types.Severity
	Message  string
	// Value is what was measured; Threshold is the configured limit it crossed
	Value     float64
	Threshold float64
	Context   map[string]any
}

// Event converts the anomaly into a MetaEvent attributed to this analyzer.
func (a *Anomaly) Event(runID string, cycleID int64, episodeID string) *types.MetaEvent {
	ev := types.NewMetaEvent(types.EventTypeAnomaly, a.Severity, "cycle_analyzer", a.Message)
	ev.MeasuredValue = a.Value
	ev.Threshold = a.Threshold
	ev.RunID = runID
	ev.CycleID = cycleID
	ev.EpisodeID = episodeID
	ev.Context = map[string]any{"anomaly_kind": string(a.Kind)}
	for k, v := range a.Context {
		ev.Context[k] = v
	}
	return ev
}

// Analyzer runs the per-cycle checks. One instance per run.
type Analyzer struct {
	cfg config.AnalyzerConfig

	hasPrev     bool
	prevValence float64
	prevArousal float64
}

// New builds an analyzer from configuration. All thresholds come from cfg;
// the detectors hold no literals.
func New(cfg config.AnalyzerConfig) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// Analyze evaluates all checks for one cycle and returns the violations.
// snap and state may be nil; the corresponding checks are skipped.
func (a *Analyzer) Analyze(cycle *types.CycleData, snap *types.MetricsSnapshot, state *types.MetaState) []Anomaly {
	var found []Anomaly

	found = append(found, a.checkValence(cycle.Valence)...)
	found = append(found, a.checkArousal(cycle.Arousal)...)
	found = append(found, a.checkPerformance(cycle.DurationMS)...)
	if snap != nil {
		found = append(found, a.checkSnapshot(snap)...)
	}
	if state != nil {
		found = append(found, a.checkMetaState(state)...)
	}

	a.prevValence = cycle.Valence
	a.prevArousal = cycle.Arousal
	a.hasPrev = true

	return found
}

func (a *Analyzer) checkValence(valence float64) []Anomaly {
	var out []Anomaly

	if valence >= a.cfg.ValenceSpikePositive {
		out = append(out, Anomaly{
			Kind:      AnomalyValenceSpikePositive,
			Severity:  types.SeverityInfo,
			Message:   fmt.Sprintf("positive valence spike: %.2f", valence),
			Value:     valence,
			Threshold: a.cfg.ValenceSpikePositive,
		})
	} else if valence <= a.cfg.ValenceSpikeNegative {
		out = append(out, Anomaly{
			Kind:      AnomalyValenceSpikeNegative,
			Severity:  types.SeverityWarning,
			Message:   fmt.Sprintf("negative valence spike: %.2f", valence),
			Value:     valence,
			Threshold: a.cfg.ValenceSpikeNegative,
		})
	}

	if a.hasPrev {
		if change := abs(valence - a.prevValence); change >= a.cfg.ValenceChange {
			out = append(out, Anomaly{
				Kind:      AnomalyValenceRapidChange,
				Severity:  types.SeverityInfo,
				Message:   fmt.Sprintf("rapid valence change: %.2f -> %.2f", a.prevValence, valence),
				Value:     change,
				Threshold: a.cfg.ValenceChange,
				Context:   map[string]any{"prev": a.prevValence, "curr": valence},
			})
		}
	}

	return out
}

func (a *Analyzer) checkArousal(arousal float64) []Anomaly {
	var out []Anomaly

	if arousal >= a.cfg.ArousalHigh {
		out = append(out, Anomaly{
			Kind:      AnomalyArousalHigh,
			Severity:  types.SeverityInfo,
			Message:   fmt.Sprintf("high arousal: %.2f", arousal),
			Value:     arousal,
			Threshold: a.cfg.ArousalHigh,
		})
	}
	if arousal <= a.cfg.ArousalLow {
		out = append(out, Anomaly{
			Kind:      AnomalyArousalLow,
			Severity:  types.SeverityInfo,
			Message:   fmt.Sprintf("low arousal: %.2f", arousal),
			Value:     arousal,
			Threshold: a.cfg.ArousalLow,
		})
	}

	if a.hasPrev {
		if change := abs(arousal - a.prevArousal); change >= a.cfg.ArousalChange {
			out = append(out, Anomaly{
				Kind:      AnomalyArousalRapidChange,
				Severity:  types.SeverityInfo,
				Message:   fmt.Sprintf("rapid arousal change: %.2f -> %.2f", a.prevArousal, arousal),
				Value:     change,
				Threshold: a.cfg.ArousalChange,
			})
		}
	}

	return out
}

func (a *Analyzer) checkPerformance(durationMS float64) []Anomaly {
	if durationMS >= a.cfg.CycleTimeCriticalMS {
		return []Anomaly{{
			Kind:      AnomalyCycleTimeCritical,
			Severity:  types.SeverityCritical,
			Message:   fmt.Sprintf("critical cycle time: %.1fms", durationMS),
			Value:     durationMS,
			Threshold: a.cfg.CycleTimeCriticalMS,
		}}
	}
	if durationMS >= a.cfg.CycleTimeWarningMS {
		return []Anomaly{{
			Kind:      AnomalyCycleTimeWarning,
			Severity:  types.SeverityWarning,
			Message:   fmt.Sprintf("slow cycle time: %.1fms", durationMS),
			Value:     durationMS,
			Threshold: a.cfg.CycleTimeWarningMS,
		}}
	}
	return nil
}

func (a *Analyzer) checkSnapshot(snap *types.MetricsSnapshot) []Anomaly {
	var out []Anomaly

	if snap.Coherence <= a.cfg.CoherenceCritical {
		out = append(out, Anomaly{
			Kind:      AnomalyCoherenceCritical,
			Severity:  types.SeverityCritical,
			Message:   fmt.Sprintf("critical coherence: %.2f", snap.Coherence),
			Value:     snap.Coherence,
			Threshold: a.cfg.CoherenceCritical,
		})
	} else if snap.Coherence <= a.cfg.CoherenceWarning {
		out = append(out, Anomaly{
			Kind:      AnomalyCoherenceWarning,
			Severity:  types.SeverityWarning,
			Message:   fmt.Sprintf("low coherence: %.2f", snap.Coherence),
			Value:     snap.Coherence,
			Threshold: a.cfg.CoherenceWarning,
		})
	}

	if snap.FailureStreak >= a.cfg.FailureStreakCritical {
		out = append(out, Anomaly{
			Kind:      AnomalyFailureStreakCrit,
			Severity:  types.SeverityCritical,
			Message:   fmt.Sprintf("critical failure streak: %d", snap.FailureStreak),
			Value:     float64(snap.FailureStreak),
			Threshold: float64(a.cfg.FailureStreakCritical),
		})
	} else if snap.FailureStreak >= a.cfg.FailureStreakWarning {
		out = append(out, Anomaly{
			Kind:      AnomalyFailureStreakWarning,
			Severity:  types.SeverityWarning,
			Message:   fmt.Sprintf("failure streak: %d", snap.FailureStreak),
			Value:     float64(snap.FailureStreak),
			Threshold: float64(a.cfg.FailureStreakWarning),
		})
	}

	if snap.CriticalAlerts > 0 {
		out = append(out, Anomaly{
			Kind:      AnomalyCriticalAlerts,
			Severity:  types.SeverityCritical,
			Message:   fmt.Sprintf("critical alerts reported: %d", snap.CriticalAlerts),
			Value:     float64(snap.CriticalAlerts),
			Threshold: 0,
		})
	}

	return out
}

func (a *Analyzer) checkMetaState(state *types.MetaState) []Anomaly {
	var out []Anomaly

	health := state.GlobalCognitiveHealth.Value
	if health <= a.cfg.GlobalHealthCritical {
		out = append(out, Anomaly{
			Kind:      AnomalyGlobalHealthCritical,
			Severity:  types.SeverityCritical,
			Message:   fmt.Sprintf("critical global health: %.2f", health),
			Value:     health,
			Threshold: a.cfg.GlobalHealthCritical,
		})
	} else if health <= a.cfg.GlobalHealthWarning {
		out = append(out, Anomaly{
			Kind:      AnomalyGlobalHealthWarning,
			Severity:  types.SeverityWarning,
			Message:   fmt.Sprintf("low global health: %.2f", health),
			Value:     health,
			Threshold: a.cfg.GlobalHealthWarning,
		})
	}

	if low := state.LowConfidenceMetrics(a.cfg.LowConfidenceThreshold); len(low) > 0 {
		out = append(out, Anomaly{
			Kind:      AnomalyLowConfidence,
			Severity:  types.SeverityInfo,
			Message:   fmt.Sprintf("low confidence metrics: %s", strings.Join(low, ", ")),
			Value:     float64(len(low)),
			Threshold: 0,
			Context:   map[string]any{"metrics": low},
		})
	}

	return out
}

// Reset clears the previous-value memory. Called at run start.
func (a *Analyzer) Reset() {
	a.hasPrev = false
	a.prevValence = 0
	a.prevArousal = 0
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
