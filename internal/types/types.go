package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes a MetaEvent.
type EventType string

const (
	// EventTypeAnomaly indicates a threshold or delta violation detected in one cycle
	EventTypeAnomaly EventType = "anomaly"
	// EventTypeThresholdBreach indicates a configured limit was crossed
	EventTypeThresholdBreach EventType = "threshold_breach"
	// EventTypePatternDetected indicates the miner discovered or re-confirmed a pattern
	EventTypePatternDetected EventType = "pattern_detected"
	// EventTypeEpisodeBoundary indicates an episode was closed and a new one opened
	EventTypeEpisodeBoundary EventType = "episode_boundary"
	// EventTypePerformanceWarning indicates a job or cycle exceeded its latency budget
	EventTypePerformanceWarning EventType = "performance_warning"
)

// Severity indicates how serious a MetaEvent is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// PatternType categorizes a MetaPattern.
type PatternType string

const (
	// PatternActionFrequency is a single action's occurrence rate, e.g. "flee: 38%"
	PatternActionFrequency PatternType = "action_frequency"
	// PatternActionSequence is a recurring N-gram of actions, e.g. "flee->wait->flee"
	PatternActionSequence PatternType = "action_sequence"
	// PatternEmotionTrend is a directional drift in valence or arousal
	PatternEmotionTrend PatternType = "emotion_trend"
)

// BoundaryReason records why an episode transition happened.
type BoundaryReason string

const (
	BoundaryTimeWindow    BoundaryReason = "time_window"
	BoundaryEventOverride BoundaryReason = "event_override"
	BoundaryRunEnd        BoundaryReason = "run_end"
	BoundaryGoalComplete  BoundaryReason = "goal_complete"
)

// TrendDirection describes how a value series moved across a window.
type TrendDirection string

const (
	TrendRising  TrendDirection = "rising"
	TrendFalling TrendDirection = "falling"
	TrendStable  TrendDirection = "stable"
)

// JobMode selects how the scheduler executes a job.
type JobMode string

const (
	// JobModeOnline runs synchronously inside the cycle path
	JobModeOnline JobMode = "online"
	// JobModeOnlineAsync is dispatched in the background after the online jobs;
	// its effects become visible from a later cycle
	JobModeOnlineAsync JobMode = "online_async"
	// JobModeBatch runs once at run end with no time budget
	JobModeBatch JobMode = "batch"
)

// MetricsSnapshot is the normalized per-cycle measurement bundle produced by
// the upstream adapter. Immutable once constructed; one per cycle.
type MetricsSnapshot struct {
	Timestamp time.Time
	CycleID   int64

	// Score-like fields, all in [0,1]
	Coherence  float64
	Efficiency float64
	Quality    float64
	Trust      float64

	// FailureStreak counts consecutive failed cycles
	FailureStreak int
	// ActionDiversity is a normalized diversity score in [0,1]
	ActionDiversity float64
	// ValenceTrend is in [-1,1]; ArousalTrend is in [0,1]
	ValenceTrend float64
	ArousalTrend float64

	// AlertCount and CriticalAlerts are externally reported alert tallies
	AlertCount     int
	CriticalAlerts int

	// Extra carries forward-compatible sub-scores the struct has no field for,
	// e.g. "ethics_block_rate" or "consolidation_success"
	Extra map[string]float64

	// DataPoints records how many source data points backed each sub-score
	DataPoints map[string]int
}

// ExtraOr returns the named forward-compatible field, or def when missing.
func (s *MetricsSnapshot) ExtraOr(key string, def float64) float64 {
	if s.Extra == nil {
		return def
	}
	if v, ok := s.Extra[key]; ok {
		return v
	}
	return def
}

// MetricWithConfidence pairs a health indicator value with an estimate of how
// trustworthy it is. Confidence grows with sample count.
type MetricWithConfidence struct {
	// Value is in [0,1]
	Value float64
	// Confidence is in [0.1,1.0]
	Confidence float64
	// SampleCount is the number of data points behind Value
	SampleCount int
}

// LowConfidence reports whether the metric's confidence is below threshold.
func (m MetricWithConfidence) LowConfidence(threshold float64) bool {
	return m.Confidence < threshold
}

func (m MetricWithConfidence) String() string {
	return fmt.Sprintf("%.3f (confidence=%.2f)", m.Value, m.Confidence)
}

// MetaState holds the six confidence-weighted health indicators computed once
// per cycle. Immutable after construction.
type MetaState struct {
	GlobalCognitiveHealth MetricWithConfidence
	EmotionalStability    MetricWithConfidence
	EthicalAlignment      MetricWithConfidence
	ExplorationBias       MetricWithConfidence
	FailurePressure       MetricWithConfidence
	MemoryHealth          MetricWithConfidence

	Timestamp time.Time
	RunID     string
	CycleID   int64
	EpisodeID string
}

// metricNames is the canonical ordering used for iteration and logging.
var metricNames = []string{
	"global_cognitive_health",
	"emotional_stability",
	"ethical_alignment",
	"exploration_bias",
	"failure_pressure",
	"memory_health",
}

// Metrics returns the six indicators in canonical order, keyed by name.
func (ms *MetaState) Metrics() []NamedMetric {
	vals := []MetricWithConfidence{
		ms.GlobalCognitiveHealth,
		ms.EmotionalStability,
		ms.EthicalAlignment,
		ms.ExplorationBias,
		ms.FailurePressure,
		ms.MemoryHealth,
	}
	out := make([]NamedMetric, len(vals))
	for i, v := range vals {
		out[i] = NamedMetric{Name: metricNames[i], Metric: v}
	}
	return out
}

// NamedMetric is a MetaState indicator with its canonical name attached.
type NamedMetric struct {
	Name   string
	Metric MetricWithConfidence
}

// LowConfidenceMetrics lists the names of indicators below threshold.
func (ms *MetaState) LowConfidenceMetrics(threshold float64) []string {
	var low []string
	for _, nm := range ms.Metrics() {
		if nm.Metric.LowConfidence(threshold) {
			low = append(low, nm.Name)
		}
	}
	return low
}

// Summary returns the six indicator values keyed by name, suitable for
// embedding in an episode summary.
func (ms *MetaState) Summary() map[string]float64 {
	out := make(map[string]float64, 6)
	for _, nm := range ms.Metrics() {
		out[nm.Name] = nm.Metric.Value
	}
	return out
}

// Episode is a bounded run of consecutive cycles. At most one episode is open
// per run at any time. A closed episode is immutable.
type Episode struct {
	// ID is derived from the run ID and sequence number: "{runID}:{seq}"
	ID             string
	RunID          string
	SequenceNumber int
	StartCycleID   int64
	// EndCycleID is zero while the episode is open
	EndCycleID int64
	StartTime  time.Time
	// EndTime is zero while the episode is open
	EndTime        time.Time
	BoundaryReason BoundaryReason
	SemanticTag    string
	CycleCount     int
	// Summary is populated at close time
	Summary map[string]any
}

// EpisodeID formats the canonical episode identifier for a run and sequence.
func EpisodeID(runID string, seq int) string {
	return fmt.Sprintf("%s:%d", runID, seq)
}

// Open reports whether the episode has not been closed yet.
func (e *Episode) Open() bool {
	return e.EndCycleID == 0 && e.EndTime.IsZero()
}

// Close stamps the end of the episode and attaches its summary.
func (e *Episode) Close(endCycleID int64, summary map[string]any) {
	e.EndCycleID = endCycleID
	e.EndTime = time.Now().UTC()
	e.CycleCount = int(endCycleID - e.StartCycleID + 1)
	if summary != nil {
		e.Summary = summary
	}
}

// MetaEvent is a write-once, append-only record of something the engine
// observed: an anomaly, a threshold breach, a pattern discovery, an episode
// boundary, or performance trouble.
type MetaEvent struct {
	ID        string
	CreatedAt time.Time
	Type      EventType
	Severity  Severity
	// Source names the component that emitted the event
	Source  string
	Message string

	// MeasuredValue and Threshold record the check that fired, when applicable
	MeasuredValue float64
	Threshold     float64

	RunID     string
	CycleID   int64
	EpisodeID string
	Context   map[string]any
}

// NewMetaEvent constructs an event with a fresh ID and timestamp.
func NewMetaEvent(typ EventType, sev Severity, source, message string) *MetaEvent {
	return &MetaEvent{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Type:      typ,
		Severity:  sev,
		Source:    source,
		Message:   message,
	}
}

// MetaPattern is a recurring behavior discovered by mining. Patterns are
// upserted by (RunID, Type, Key): frequency accumulates and confidence only
// ever rises within a run.
type MetaPattern struct {
	ID        string
	CreatedAt time.Time
	Type      PatternType
	// Key identifies the pattern within its type, e.g. an action name,
	// "flee->wait->flee", or "valence_falling"
	Key        string
	Frequency  int
	Confidence float64
	FirstSeen  time.Time
	LastSeen   time.Time
	RunID      string
	EpisodeID  string
	Data       map[string]any
}

// NewMetaPattern constructs a pattern with a fresh ID and seen timestamps.
func NewMetaPattern(typ PatternType, key string) *MetaPattern {
	now := time.Now().UTC()
	return &MetaPattern{
		ID:        uuid.New().String(),
		CreatedAt: now,
		Type:      typ,
		Key:       key,
		FirstSeen: now,
		LastSeen:  now,
	}
}

// CycleData is the raw per-cycle input handed to the engine by the host agent
// loop. Fields the host cannot supply are left at their zero value and the
// adapter substitutes neutral defaults.
type CycleData struct {
	// Action is the action the agent selected this cycle
	Action string
	// Valence is in [-1,1]; Arousal is in [0,1]
	Valence float64
	Arousal float64
	// Success reports whether the cycle's action succeeded
	Success bool
	// DurationMS is the wall-clock cost of the host cycle in milliseconds
	DurationMS float64
	// Context carries scenario fields (danger level etc.) for pattern mining
	Context map[string]any
	// Scores carries raw sub-scores by name for the adapter; absent entries
	// fall back to the neutral default
	Scores map[string]float64
}

// ScoreOr returns the named sub-score, or def when the host did not supply it.
func (c *CycleData) ScoreOr(key string, def float64) float64 {
	if c.Scores == nil {
		return def
	}
	if v, ok := c.Scores[key]; ok {
		return v
	}
	return def
}

// Clamp01 clamps v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
