package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uemlabs/metamind/internal/config"
	"github.com/uemlabs/metamind/internal/types"
)

func newTestAnalyzer() *Analyzer {
	return New(config.Default().Analyzer)
}

func kinds(found []Anomaly) map[AnomalyKind]Anomaly {
	m := make(map[AnomalyKind]Anomaly, len(found))
	for _, a := range found {
		m[a.Kind] = a
	}
	return m
}

func calmCycle() *types.CycleData {
	return &types.CycleData{Action: "observe", Valence: 0.2, Arousal: 0.5, Success: true, DurationMS: 10}
}

func TestQuietCycleProducesNoAnomalies(t *testing.T) {
	a := newTestAnalyzer()
	found := a.Analyze(calmCycle(), nil, nil)
	assert.Empty(t, found)
}

func TestValenceSpikes(t *testing.T) {
	a := newTestAnalyzer()

	cycle := calmCycle()
	cycle.Valence = 0.85
	got := kinds(a.Analyze(cycle, nil, nil))
	pos, ok := got[AnomalyValenceSpikePositive]
	require.True(t, ok)
	assert.Equal(t, types.SeverityInfo, pos.Severity)
	assert.InDelta(t, 0.85, pos.Value, 1e-9)

	a.Reset()
	cycle.Valence = -0.9
	got = kinds(a.Analyze(cycle, nil, nil))
	neg, ok := got[AnomalyValenceSpikeNegative]
	require.True(t, ok)
	assert.Equal(t, types.SeverityWarning, neg.Severity)
}

func TestRapidChangesRequirePreviousCycle(t *testing.T) {
	a := newTestAnalyzer()

	first := calmCycle()
	first.Valence = 0.6
	first.Arousal = 0.2
	got := kinds(a.Analyze(first, nil, nil))
	_, changed := got[AnomalyValenceRapidChange]
	assert.False(t, changed, "first cycle has no previous value")

	second := calmCycle()
	second.Valence = 0.0
	second.Arousal = 0.7
	got = kinds(a.Analyze(second, nil, nil))

	v, ok := got[AnomalyValenceRapidChange]
	require.True(t, ok)
	assert.InDelta(t, 0.6, v.Value, 1e-9)

	ar, ok := got[AnomalyArousalRapidChange]
	require.True(t, ok)
	assert.InDelta(t, 0.5, ar.Value, 1e-9)
}

func TestArousalExtremes(t *testing.T) {
	a := newTestAnalyzer()

	cycle := calmCycle()
	cycle.Arousal = 0.95
	got := kinds(a.Analyze(cycle, nil, nil))
	_, ok := got[AnomalyArousalHigh]
	assert.True(t, ok)

	a.Reset()
	cycle.Arousal = 0.05
	got = kinds(a.Analyze(cycle, nil, nil))
	_, ok = got[AnomalyArousalLow]
	assert.True(t, ok)
}

func TestCycleTimeTiers(t *testing.T) {
	a := newTestAnalyzer()

	cycle := calmCycle()
	cycle.DurationMS = 60
	got := kinds(a.Analyze(cycle, nil, nil))
	warn, ok := got[AnomalyCycleTimeWarning]
	require.True(t, ok)
	assert.Equal(t, types.SeverityWarning, warn.Severity)

	cycle.DurationMS = 150
	got = kinds(a.Analyze(cycle, nil, nil))
	crit, ok := got[AnomalyCycleTimeCritical]
	require.True(t, ok)
	assert.Equal(t, types.SeverityCritical, crit.Severity)
	_, alsoWarn := got[AnomalyCycleTimeWarning]
	assert.False(t, alsoWarn, "critical tier replaces the warning tier")
}

func TestSnapshotChecks(t *testing.T) {
	a := newTestAnalyzer()

	snap := &types.MetricsSnapshot{Coherence: 0.1, FailureStreak: 6, CriticalAlerts: 2}
	got := kinds(a.Analyze(calmCycle(), snap, nil))

	coh, ok := got[AnomalyCoherenceCritical]
	require.True(t, ok)
	assert.Equal(t, types.SeverityCritical, coh.Severity)

	streak, ok := got[AnomalyFailureStreakCrit]
	require.True(t, ok)
	assert.InDelta(t, 6, streak.Value, 1e-9)

	_, ok = got[AnomalyCriticalAlerts]
	assert.True(t, ok)
}

func TestSnapshotWarningTiers(t *testing.T) {
	a := newTestAnalyzer()

	snap := &types.MetricsSnapshot{Coherence: 0.35, FailureStreak: 3}
	got := kinds(a.Analyze(calmCycle(), snap, nil))

	_, ok := got[AnomalyCoherenceWarning]
	assert.True(t, ok)
	_, ok = got[AnomalyCoherenceCritical]
	assert.False(t, ok)

	_, ok = got[AnomalyFailureStreakWarning]
	assert.True(t, ok)
}

func TestAnomaliesRefireEveryCycle(t *testing.T) {
	a := newTestAnalyzer()
	snap := &types.MetricsSnapshot{Coherence: 0.1, Efficiency: 0.5, Quality: 0.5}

	for i := 0; i < 5; i++ {
		got := kinds(a.Analyze(calmCycle(), snap, nil))
		_, ok := got[AnomalyCoherenceCritical]
		assert.True(t, ok, "cycle %d", i)
	}
}

func TestMetaStateChecks(t *testing.T) {
	a := newTestAnalyzer()

	state := &types.MetaState{
		GlobalCognitiveHealth: types.MetricWithConfidence{Value: 0.15, Confidence: 0.3, SampleCount: 2},
		EmotionalStability:    types.MetricWithConfidence{Value: 0.8, Confidence: 0.9},
		EthicalAlignment:      types.MetricWithConfidence{Value: 0.9, Confidence: 0.9},
		ExplorationBias:       types.MetricWithConfidence{Value: 0.5, Confidence: 0.9},
		FailurePressure:       types.MetricWithConfidence{Value: 0.1, Confidence: 0.9},
		MemoryHealth:          types.MetricWithConfidence{Value: 0.9, Confidence: 0.9},
	}
	got := kinds(a.Analyze(calmCycle(), nil, state))

	health, ok := got[AnomalyGlobalHealthCritical]
	require.True(t, ok)
	assert.Equal(t, types.SeverityCritical, health.Severity)

	low, ok := got[AnomalyLowConfidence]
	require.True(t, ok)
	assert.Equal(t, types.SeverityInfo, low.Severity)
	assert.Contains(t, low.Message, "global_cognitive_health")
}

func TestEventConversion(t *testing.T) {
	an := Anomaly{
		Kind:      AnomalyCoherenceCritical,
		Severity:  types.SeverityCritical,
		Message:   "critical coherence: 0.10",
		Value:     0.1,
		Threshold: 0.2,
	}
	ev := an.Event("run-1", 42, "run-1:0")

	assert.Equal(t, types.EventTypeAnomaly, ev.Type)
	assert.Equal(t, types.SeverityCritical, ev.Severity)
	assert.Equal(t, "cycle_analyzer", ev.Source)
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, int64(42), ev.CycleID)
	assert.Equal(t, "run-1:0", ev.EpisodeID)
	assert.InDelta(t, 0.1, ev.MeasuredValue, 1e-9)
	assert.InDelta(t, 0.2, ev.Threshold, 1e-9)
	assert.Equal(t, string(AnomalyCoherenceCritical), ev.Context["anomaly_kind"])
}

func TestResetClearsPreviousValues(t *testing.T) {
	a := newTestAnalyzer()

	first := calmCycle()
	first.Valence = 0.6
	a.Analyze(first, nil, nil)
	a.Reset()

	second := calmCycle()
	second.Valence = 0.0
	got := kinds(a.Analyze(second, nil, nil))
	_, ok := got[AnomalyValenceRapidChange]
	assert.False(t, ok)
}
