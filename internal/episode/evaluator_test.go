package episode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uemlabs/metamind/internal/config"
	"github.com/uemlabs/metamind/internal/types"
)

func newTestEvaluator() *Evaluator {
	return NewEvaluator(config.Default().Evaluator)
}

func stateWith(health, stability, exploration, pressure float64) *types.MetaState {
	mk := func(v float64) types.MetricWithConfidence {
		return types.MetricWithConfidence{Value: v, Confidence: 0.9, SampleCount: 20}
	}
	return &types.MetaState{
		GlobalCognitiveHealth: mk(health),
		EmotionalStability:    mk(stability),
		EthicalAlignment:      mk(1.0),
		ExplorationBias:       mk(exploration),
		FailurePressure:       mk(pressure),
		MemoryHealth:          mk(1.0),
	}
}

func cycleWith(action string, valence, arousal float64, success bool) *types.CycleData {
	return &types.CycleData{Action: action, Valence: valence, Arousal: arousal, Success: success}
}

func snapWith(coherence float64) *types.MetricsSnapshot {
	return &types.MetricsSnapshot{Coherence: coherence, Efficiency: 0.7, Quality: 0.7}
}

func closedEpisode() *types.Episode {
	ep := &types.Episode{ID: "run-1:0", RunID: "run-1", StartCycleID: 1}
	ep.Close(20, nil)
	return ep
}

func TestEvaluateHealthyEpisode(t *testing.T) {
	e := newTestEvaluator()
	for i := 0; i < 20; i++ {
		action := "explore"
		if i%2 == 0 {
			action = "gather"
		}
		e.Record(cycleWith(action, 0.3, 0.5, true), snapWith(0.8), stateWith(0.9, 0.8, 0.6, 0.1), 0, 0)
	}

	r := e.Evaluate(closedEpisode())

	assert.InDelta(t, 0.9, r.CognitiveScore, 1e-9)
	assert.InDelta(t, 0.8, r.EmotionalScore, 1e-9)
	// behavioral = (0.6 + (1 - 0.1)) / 2
	assert.InDelta(t, 0.75, r.BehavioralScore, 1e-9)
	// overall = 0.4*0.9 + 0.3*0.8 + 0.3*0.75
	assert.InDelta(t, 0.825, r.OverallScore, 1e-9)
	assert.Equal(t, HealthExcellent, r.Status)
	assert.InDelta(t, 1.0, r.SuccessRate, 1e-9)
	assert.InDelta(t, 0.8, r.AvgCoherence, 1e-9)
	assert.InDelta(t, 0.3, r.AvgValence, 1e-9)
	assert.InDelta(t, 0.5, r.AvgArousal, 1e-9)
	assert.Zero(t, r.MaxFailureStreak)
	assert.Empty(t, r.Recommendations)
	assert.Equal(t, types.TrendStable, r.Trends["cognitive_health"])
	assert.Equal(t, types.TrendStable, r.Trends["valence"])
}

func TestEvaluateCriticalEpisode(t *testing.T) {
	e := newTestEvaluator()
	for i := 0; i < 20; i++ {
		e.Record(cycleWith("flee", -0.6, 0.9, false), snapWith(0.2), stateWith(0.2, 0.3, 0.1, 0.9), 2, 1)
	}

	r := e.Evaluate(closedEpisode())

	// overall = 0.4*0.2 + 0.3*0.3 + 0.3*0.1 = 0.2, the floor of the poor band
	assert.Equal(t, HealthPoor, r.Status)
	assert.Equal(t, 40, r.AnomalyCount)
	assert.Equal(t, 20, r.CriticalCount)
	assert.Equal(t, 20, r.FailureCount)
	assert.Equal(t, 20, r.MaxFailureStreak)
	assert.Zero(t, r.SuccessRate)
	assert.NotEmpty(t, r.Recommendations)
	assert.LessOrEqual(t, len(r.Recommendations), 5)
}

func TestStatusBands(t *testing.T) {
	e := newTestEvaluator()
	cases := []struct {
		score float64
		want  HealthStatus
	}{
		{0.9, HealthExcellent},
		{0.8, HealthExcellent},
		{0.7, HealthGood},
		{0.5, HealthModerate},
		{0.3, HealthPoor},
		{0.1, HealthCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, e.statusFor(tc.score), "score %.2f", tc.score)
	}
}

func TestFailureStreakTracking(t *testing.T) {
	e := newTestEvaluator()
	st := stateWith(0.8, 0.8, 0.5, 0.1)
	outcomes := []bool{true, false, false, false, true, false, false, true}
	for _, ok := range outcomes {
		e.Record(cycleWith("act", 0.1, 0.5, ok), snapWith(0.7), st, 0, 0)
	}

	r := e.Evaluate(closedEpisode())
	assert.Equal(t, 5, r.FailureCount)
	assert.Equal(t, 3, r.MaxFailureStreak)

	found := false
	for _, rec := range r.Recommendations {
		if strings.Contains(rec, "failure streak") {
			found = true
		}
	}
	assert.True(t, found, "streak of 3 meets the recommendation threshold, got %v", r.Recommendations)
}

func TestCriticalAnomalyRecommendation(t *testing.T) {
	e := newTestEvaluator()
	for i := 0; i < 10; i++ {
		e.Record(cycleWith("explore", 0.3, 0.5, true), snapWith(0.8), stateWith(0.9, 0.8, 0.6, 0.1), 1, 0)
	}
	// a single critical anomaly is enough to surface in the recommendations
	e.Record(cycleWith("gather", 0.3, 0.5, true), snapWith(0.8), stateWith(0.9, 0.8, 0.6, 0.1), 1, 1)

	r := e.Evaluate(closedEpisode())
	found := false
	for _, rec := range r.Recommendations {
		if strings.Contains(rec, "critical anomalies") {
			found = true
		}
	}
	assert.True(t, found, "got %v", r.Recommendations)
}

func TestLowConfidenceRecommendation(t *testing.T) {
	e := newTestEvaluator()
	weak := stateWith(0.9, 0.8, 0.6, 0.1)
	weak.GlobalCognitiveHealth.Confidence = 0.1
	weak.EmotionalStability.Confidence = 0.1
	weak.EthicalAlignment.Confidence = 0.1
	weak.ExplorationBias.Confidence = 0.1
	weak.FailurePressure.Confidence = 0.1
	weak.MemoryHealth.Confidence = 0.1
	for i := 0; i < 10; i++ {
		action := "explore"
		if i%2 == 0 {
			action = "wait"
		}
		e.Record(cycleWith(action, 0.3, 0.5, true), snapWith(0.8), weak, 0, 0)
	}

	r := e.Evaluate(closedEpisode())
	assert.InDelta(t, 0.1, r.OverallConfidence, 1e-9)

	found := false
	for _, rec := range r.Recommendations {
		if strings.Contains(rec, "confidence") {
			found = true
		}
	}
	assert.True(t, found, "got %v", r.Recommendations)
}

func TestTrendsCompareQuarters(t *testing.T) {
	e := newTestEvaluator()
	// health climbs from 0.2 to ~0.96, valence sinks from 0.5 to -0.45
	for i := 0; i < 20; i++ {
		h := 0.2 + float64(i)*0.04
		v := 0.5 - float64(i)*0.05
		e.Record(cycleWith("act", v, 0.5, true), snapWith(0.7), stateWith(h, 0.8-float64(i)*0.03, 0.5, 0.2), 0, 0)
	}

	r := e.Evaluate(closedEpisode())
	assert.Equal(t, types.TrendRising, r.Trends["cognitive_health"])
	assert.Equal(t, types.TrendFalling, r.Trends["emotional_stability"])
	assert.Equal(t, types.TrendFalling, r.Trends["valence"])
	assert.Equal(t, types.TrendStable, r.Trends["arousal"])
}

func TestActionEntropy(t *testing.T) {
	e := newTestEvaluator()

	// single action: zero diversity
	for i := 0; i < 10; i++ {
		e.Record(cycleWith("wait", 0.3, 0.5, true), snapWith(0.8), stateWith(0.8, 0.8, 0.5, 0.1), 0, 0)
	}
	r := e.Evaluate(closedEpisode())
	assert.Zero(t, r.ActionDiversity)
	assert.Equal(t, "wait", r.DominantAction)

	// uniform over two actions: maximum normalized entropy
	e.Reset()
	for i := 0; i < 10; i++ {
		action := "wait"
		if i%2 == 0 {
			action = "explore"
		}
		e.Record(cycleWith(action, 0.3, 0.5, true), snapWith(0.8), stateWith(0.8, 0.8, 0.5, 0.1), 0, 0)
	}
	r = e.Evaluate(closedEpisode())
	assert.InDelta(t, 1.0, r.ActionDiversity, 1e-9)
}

func TestLowDiversityRecommendation(t *testing.T) {
	e := newTestEvaluator()
	// 19 of 20 cycles pick the same action
	for i := 0; i < 19; i++ {
		e.Record(cycleWith("flee", 0.3, 0.5, true), snapWith(0.8), stateWith(0.8, 0.8, 0.5, 0.1), 0, 0)
	}
	e.Record(cycleWith("wait", 0.3, 0.5, true), snapWith(0.8), stateWith(0.8, 0.8, 0.5, 0.1), 0, 0)

	r := e.Evaluate(closedEpisode())
	require.Less(t, r.ActionDiversity, 0.3)

	found := false
	for _, rec := range r.Recommendations {
		if strings.Contains(rec, "flee") {
			found = true
		}
	}
	assert.True(t, found, "expected a low-diversity recommendation naming the dominant action, got %v", r.Recommendations)
}

func TestEvaluateWithoutMetaState(t *testing.T) {
	e := newTestEvaluator()
	for i := 0; i < 5; i++ {
		e.Record(cycleWith("act", 0.1, 0.5, true), snapWith(0.7), nil, 0, 0)
	}

	r := e.Evaluate(closedEpisode())
	assert.InDelta(t, 0.5, r.CognitiveScore, 1e-9)
	assert.InDelta(t, 0.5, r.EmotionalScore, 1e-9)
	assert.Zero(t, r.OverallConfidence)
	assert.Equal(t, 5, r.CycleCount)
}

func TestResetClearsEpisodeState(t *testing.T) {
	e := newTestEvaluator()
	for i := 0; i < 10; i++ {
		e.Record(cycleWith("flee", -0.5, 0.9, false), snapWith(0.2), stateWith(0.2, 0.2, 0.1, 0.9), 1, 1)
	}
	e.Reset()

	r := e.Evaluate(closedEpisode())
	assert.Zero(t, r.CycleCount)
	assert.Zero(t, r.AnomalyCount)
	assert.Zero(t, r.FailureCount)
	assert.Zero(t, r.MaxFailureStreak)
	assert.Equal(t, "", r.DominantAction)
}
