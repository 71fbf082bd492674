package patterns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uemlabs/metamind/internal/config"
	"github.com/uemlabs/metamind/internal/logging"
	"github.com/uemlabs/metamind/internal/types"
)

func newTestMiner() *Miner {
	return New(config.Default().Patterns, logging.Nop())
}

func byKey(patterns []*types.MetaPattern, typ types.PatternType) map[string]*types.MetaPattern {
	m := make(map[string]*types.MetaPattern)
	for _, p := range patterns {
		if p.Type == typ {
			m[p.Key] = p
		}
	}
	return m
}

func TestFrequencyPatterns(t *testing.T) {
	m := newTestMiner()

	// 6 of 10 actions are "flee"
	actions := []string{"flee", "wait", "flee", "flee", "explore", "flee", "wait", "flee", "flee", "explore"}
	for _, a := range actions {
		m.Observe(a, 0, 0.5, nil)
	}

	freq := byKey(m.Mine(10), types.PatternActionFrequency)
	flee, ok := freq["flee"]
	require.True(t, ok)
	assert.Equal(t, 6, flee.Frequency)
	assert.InDelta(t, 0.6, flee.Confidence, 1e-9)

	// "explore" appears twice, below the minimum frequency of 3
	_, ok = freq["explore"]
	assert.False(t, ok)
}

func TestSequencePatterns(t *testing.T) {
	cfg := config.Default().Patterns
	cfg.MinConfidence = 0.2
	m := New(cfg, logging.Nop())

	// repeat a->b->c five times: 15 actions, 13 windows, 5 exact matches
	for i := 0; i < 5; i++ {
		m.Observe("a", 0, 0.5, nil)
		m.Observe("b", 0, 0.5, nil)
		m.Observe("c", 0, 0.5, nil)
	}

	seq := byKey(m.Mine(15), types.PatternActionSequence)
	p, ok := seq["a->b->c"]
	require.True(t, ok)
	assert.Equal(t, 5, p.Frequency)
	assert.InDelta(t, 5.0/13.0, p.Confidence, 1e-9)
}

func TestSequenceConfidenceGate(t *testing.T) {
	m := newTestMiner()

	// a->b->c recurs but is diluted by noise, so its share of windows stays
	// under the default 0.5 confidence gate
	for i := 0; i < 4; i++ {
		m.Observe("a", 0, 0.5, nil)
		m.Observe("b", 0, 0.5, nil)
		m.Observe("c", 0, 0.5, nil)
		m.Observe("x", 0, 0.5, nil)
		m.Observe("y", 0, 0.5, nil)
	}

	seq := byKey(m.Mine(20), types.PatternActionSequence)
	assert.Empty(t, seq)
}

func TestEmotionTrends(t *testing.T) {
	m := newTestMiner()

	// valence climbs steadily, arousal stays flat
	for i := 0; i < 10; i++ {
		m.Observe("act", float64(i)*0.08, 0.5, nil)
	}

	trends := byKey(m.Mine(10), types.PatternEmotionTrend)

	rising, ok := trends["valence_rising"]
	require.True(t, ok)
	assert.Greater(t, rising.Confidence, 0.0)

	stable, ok := trends["arousal_stable"]
	require.True(t, ok)
	assert.InDelta(t, 1.0, stable.Confidence, 1e-9)
}

func TestFallingTrend(t *testing.T) {
	m := newTestMiner()
	for i := 0; i < 10; i++ {
		m.Observe("act", 0.8-float64(i)*0.1, 0.5, nil)
	}
	trends := byKey(m.Mine(10), types.PatternEmotionTrend)
	_, ok := trends["valence_falling"]
	assert.True(t, ok)
}

func TestTrendNeedsFullWindow(t *testing.T) {
	m := newTestMiner()
	for i := 0; i < 5; i++ {
		m.Observe("act", float64(i)*0.2, 0.5, nil)
	}
	trends := byKey(m.Mine(5), types.PatternEmotionTrend)
	assert.Empty(t, trends)
}

func TestBuffersAreBounded(t *testing.T) {
	cfg := config.Default().Patterns
	cfg.ActionHistorySize = 10
	cfg.EmotionHistorySize = 5
	m := New(cfg, logging.Nop())

	for i := 0; i < 50; i++ {
		m.Observe("old", 0, 0.5, map[string]any{"i": i})
	}
	for i := 0; i < 10; i++ {
		m.Observe("new", 0, 0.5, nil)
	}

	assert.Len(t, m.actions, 10, "action buffer evicts the oldest entries")
	assert.Len(t, m.valence, 5)
	assert.Len(t, m.contexts, 10)

	// the counters keep the whole run even after eviction
	dist := m.ActionDistribution()
	assert.InDelta(t, 50.0/60.0, dist["old"], 1e-9)
	assert.InDelta(t, 10.0/60.0, dist["new"], 1e-9)
}

func TestCountsOutliveTheBuffer(t *testing.T) {
	cfg := config.Default().Patterns
	cfg.ActionHistorySize = 20
	m := New(cfg, logging.Nop())

	// 150 cycles of the same action blow well past the 20-entry buffer
	for i := 0; i < 150; i++ {
		m.Observe("flee", 0, 0.5, nil)
	}

	freq := byKey(m.Mine(150), types.PatternActionFrequency)
	flee, ok := freq["flee"]
	require.True(t, ok)
	assert.Equal(t, 150, flee.Frequency, "frequency counts the run, not the buffer")
	assert.InDelta(t, 1.0, flee.Confidence, 1e-9)

	st := m.Stats()
	assert.Equal(t, int64(150), st.TotalCycles)
	assert.Equal(t, 20, st.ActionHistory)
	assert.Equal(t, 1, st.UniqueActions)
	assert.Equal(t, 1, st.UniqueSequences)
}

func TestWeakTrendFilteredByConfidenceGate(t *testing.T) {
	cfg := config.Default().Patterns
	cfg.MinConfidence = 0.9
	m := New(cfg, logging.Nop())

	// half-window mean difference is 0.2, directional confidence 0.4
	for i := 0; i < 10; i++ {
		m.Observe("act", float64(i)*0.04, 0.5, nil)
	}

	trends := byKey(m.Mine(10), types.PatternEmotionTrend)
	_, ok := trends["valence_rising"]
	assert.False(t, ok, "trend under the confidence gate must not surface")

	// arousal is perfectly flat, stable confidence 1.0 clears the gate
	_, ok = trends["arousal_stable"]
	assert.True(t, ok)
}

func TestDominantAction(t *testing.T) {
	m := newTestMiner()

	action, share := m.DominantAction()
	assert.Equal(t, "", action)
	assert.Zero(t, share)

	for i := 0; i < 7; i++ {
		m.Observe("wait", 0, 0.5, nil)
	}
	for i := 0; i < 3; i++ {
		m.Observe("flee", 0, 0.5, nil)
	}

	action, share = m.DominantAction()
	assert.Equal(t, "wait", action)
	assert.InDelta(t, 0.7, share, 1e-9)
}

func TestFirstSeenSurvivesRemining(t *testing.T) {
	m := newTestMiner()
	for i := 0; i < 5; i++ {
		m.Observe("flee", 0, 0.5, nil)
	}

	first := byKey(m.Mine(5), types.PatternActionFrequency)["flee"]
	require.NotNil(t, first)

	for i := 0; i < 5; i++ {
		m.Observe("flee", 0, 0.5, nil)
	}
	second := byKey(m.Mine(10), types.PatternActionFrequency)["flee"]
	require.NotNil(t, second)

	assert.Equal(t, first.FirstSeen, second.FirstSeen)
	assert.NotEqual(t, first.ID, second.ID, "each mined pattern gets a fresh ID")
}

func TestEmptyActionIsIgnored(t *testing.T) {
	m := newTestMiner()
	for i := 0; i < 5; i++ {
		m.Observe("", 0.1, 0.5, nil)
	}
	assert.Empty(t, m.ActionDistribution())
	assert.Len(t, m.valence, 5, "emotion values still recorded")
}

func TestMaxPatternsPerType(t *testing.T) {
	cfg := config.Default().Patterns
	cfg.MaxPatternsPerType = 2
	cfg.MinFrequency = 1
	m := New(cfg, logging.Nop())

	m.Observe("a", 0, 0.5, nil)
	m.Observe("a", 0, 0.5, nil)
	m.Observe("a", 0, 0.5, nil)
	m.Observe("b", 0, 0.5, nil)
	m.Observe("b", 0, 0.5, nil)
	m.Observe("c", 0, 0.5, nil)

	freq := byKey(m.Mine(6), types.PatternActionFrequency)
	assert.Len(t, freq, 2)
	_, ok := freq["c"]
	assert.False(t, ok, "lowest-frequency action trimmed")
}

func TestReset(t *testing.T) {
	m := newTestMiner()
	for i := 0; i < 10; i++ {
		m.Observe("flee", 0.5, 0.5, nil)
	}
	m.Reset()
	assert.Empty(t, m.Mine(10))
	assert.Empty(t, m.ActionDistribution())
}
