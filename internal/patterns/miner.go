// Package patterns mines recurring behavior out of per-cycle observations:
// action frequencies, fixed-length action sequences, and emotion trends over
// a rolling window. Frequency and sequence counters are cumulative for the
// run; the history buffers behind sequence and trend detection are bounded.
package patterns

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/uemlabs/metamind/internal/config"
	"github.com/uemlabs/metamind/internal/logging"
	"github.com/uemlabs/metamind/internal/types"
)

// Miner accumulates observations and periodically extracts patterns.
// One instance per run; not safe for concurrent use.
type Miner struct {
	cfg config.PatternConfig
	log *logging.Logger

	actions  []string
	valence  []float64
	arousal  []float64
	contexts []map[string]any

	// run-cumulative counters; these outlive the bounded buffers so
	// frequencies keep their meaning on long runs
	actionCounts   map[string]int
	sequenceCounts map[string]int
	totalCycles    int64

	// firstSeen survives across Mine calls so re-discovered patterns keep
	// their original discovery point
	firstSeen map[string]firstSighting
}

type firstSighting struct {
	at      time.Time
	cycleID int64
}

// MinerStats summarizes the miner's accumulated state.
type MinerStats struct {
	TotalCycles     int64
	UniqueActions   int
	UniqueSequences int
	ActionHistory   int
	EmotionHistory  int
	ContextHistory  int
}

func New(cfg config.PatternConfig, log *logging.Logger) *Miner {
	return &Miner{
		cfg:            cfg,
		log:            log,
		actionCounts:   make(map[string]int),
		sequenceCounts: make(map[string]int),
		firstSeen:      make(map[string]firstSighting),
	}
}

// Observe records one cycle's action, emotion values, and optional scenario
// context. Counters accumulate for the run; buffers keep the most recent
// ActionHistorySize actions and contexts and EmotionHistorySize emotions.
func (m *Miner) Observe(action string, valence, arousal float64, ctx map[string]any) {
	m.totalCycles++

	if action != "" {
		m.actions = append(m.actions, action)
		if over := len(m.actions) - m.cfg.ActionHistorySize; over > 0 {
			m.actions = m.actions[over:]
		}
		m.actionCounts[action]++
		if n := m.cfg.SequenceLength; len(m.actions) >= n {
			m.sequenceCounts[strings.Join(m.actions[len(m.actions)-n:], "->")]++
		}
	}

	m.contexts = append(m.contexts, ctx)
	if over := len(m.contexts) - m.cfg.ActionHistorySize; over > 0 {
		m.contexts = m.contexts[over:]
	}

	m.valence = append(m.valence, valence)
	m.arousal = append(m.arousal, arousal)
	if over := len(m.valence) - m.cfg.EmotionHistorySize; over > 0 {
		m.valence = m.valence[over:]
		m.arousal = m.arousal[over:]
	}
}

// Mine extracts all current patterns. cycleID stamps newly discovered
// patterns; repeated discoveries keep their original FirstSeen.
func (m *Miner) Mine(cycleID int64) []*types.MetaPattern {
	var out []*types.MetaPattern
	out = append(out, m.mineFrequencies(cycleID)...)
	out = append(out, m.mineSequences(cycleID)...)
	out = append(out, m.mineTrends(cycleID)...)
	if len(out) > 0 {
		m.log.Debug("mined patterns", "cycle_id", cycleID, "count", len(out))
	}
	return out
}

func (m *Miner) mineFrequencies(cycleID int64) []*types.MetaPattern {
	total := 0
	for _, c := range m.actionCounts {
		total += c
	}
	if total == 0 {
		return nil
	}

	var out []*types.MetaPattern
	for action, count := range m.actionCounts {
		if count < m.cfg.MinFrequency {
			continue
		}
		p := m.newPattern(types.PatternActionFrequency, action, cycleID)
		p.Frequency = count
		p.Confidence = float64(count) / float64(total)
		p.Data = map[string]any{"count": count, "total_actions": total}
		out = append(out, p)
	}

	return m.cap(out)
}

func (m *Miner) mineSequences(cycleID int64) []*types.MetaPattern {
	total := 0
	for _, c := range m.sequenceCounts {
		total += c
	}
	if total == 0 {
		return nil
	}

	var out []*types.MetaPattern
	for seq, count := range m.sequenceCounts {
		if count < m.cfg.MinFrequency {
			continue
		}
		conf := float64(count) / float64(total)
		if conf < m.cfg.MinConfidence {
			continue
		}
		p := m.newPattern(types.PatternActionSequence, seq, cycleID)
		p.Frequency = count
		p.Confidence = conf
		p.Data = map[string]any{"count": count, "total_sequences": total, "length": m.cfg.SequenceLength}
		out = append(out, p)
	}

	return m.cap(out)
}

func (m *Miner) mineTrends(cycleID int64) []*types.MetaPattern {
	var out []*types.MetaPattern
	if p := m.mineTrend("valence", m.valence, cycleID); p != nil {
		out = append(out, p)
	}
	if p := m.mineTrend("arousal", m.arousal, cycleID); p != nil {
		out = append(out, p)
	}
	return out
}

// mineTrend compares the mean of the younger half of the window against the
// older half. The trend is directional when the difference exceeds
// TrendThreshold, stable otherwise; trends under MinConfidence are dropped.
func (m *Miner) mineTrend(dimension string, series []float64, cycleID int64) *types.MetaPattern {
	w := m.cfg.TrendWindow
	if w < 2 || len(series) < w {
		return nil
	}

	window := series[len(series)-w:]
	half := w / 2
	older := mean(window[:half])
	younger := mean(window[half:])
	diff := younger - older

	var direction types.TrendDirection
	var conf float64
	switch {
	case diff > m.cfg.TrendThreshold:
		direction = types.TrendRising
		conf = min1(abs(diff) / 0.5)
	case diff < -m.cfg.TrendThreshold:
		direction = types.TrendFalling
		conf = min1(abs(diff) / 0.5)
	default:
		direction = types.TrendStable
		conf = 1 - abs(diff)/m.cfg.TrendThreshold
	}
	if conf < m.cfg.MinConfidence {
		return nil
	}

	key := fmt.Sprintf("%s_%s", dimension, direction)
	p := m.newPattern(types.PatternEmotionTrend, key, cycleID)
	p.Frequency = 1
	p.Confidence = conf
	p.Data = map[string]any{
		"dimension": dimension,
		"direction": string(direction),
		"delta":     diff,
		"window":    w,
	}
	return p
}

func (m *Miner) newPattern(typ types.PatternType, key string, cycleID int64) *types.MetaPattern {
	p := types.NewMetaPattern(typ, key)
	full := string(typ) + ":" + key
	first, ok := m.firstSeen[full]
	if !ok {
		first = firstSighting{at: p.FirstSeen, cycleID: cycleID}
		m.firstSeen[full] = first
	}
	p.FirstSeen = first.at
	return p
}

// cap sorts by frequency descending and keeps the strongest MaxPatternsPerType.
func (m *Miner) cap(patterns []*types.MetaPattern) []*types.MetaPattern {
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Frequency != patterns[j].Frequency {
			return patterns[i].Frequency > patterns[j].Frequency
		}
		return patterns[i].Key < patterns[j].Key
	})
	if m.cfg.MaxPatternsPerType > 0 && len(patterns) > m.cfg.MaxPatternsPerType {
		patterns = patterns[:m.cfg.MaxPatternsPerType]
	}
	return patterns
}

// ActionDistribution returns the relative frequency of each action seen this
// run.
func (m *Miner) ActionDistribution() map[string]float64 {
	dist := make(map[string]float64)
	total := 0
	for _, c := range m.actionCounts {
		total += c
	}
	if total == 0 {
		return dist
	}
	for a, c := range m.actionCounts {
		dist[a] = float64(c) / float64(total)
	}
	return dist
}

// DominantAction returns the most frequent action of the run and its share,
// or "" when nothing has been observed. Ties break alphabetically.
func (m *Miner) DominantAction() (string, float64) {
	dist := m.ActionDistribution()
	best, share := "", 0.0
	for a, s := range dist {
		if s > share || (s == share && (best == "" || a < best)) {
			best, share = a, s
		}
	}
	return best, share
}

// TopPatterns mines and returns the n highest-confidence patterns.
func (m *Miner) TopPatterns(cycleID int64, n int) []*types.MetaPattern {
	all := m.Mine(cycleID)
	sort.Slice(all, func(i, j int) bool {
		if all[i].Confidence != all[j].Confidence {
			return all[i].Confidence > all[j].Confidence
		}
		return all[i].Key < all[j].Key
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// Stats reports the miner's accumulated counts and buffer fill.
func (m *Miner) Stats() MinerStats {
	return MinerStats{
		TotalCycles:     m.totalCycles,
		UniqueActions:   len(m.actionCounts),
		UniqueSequences: len(m.sequenceCounts),
		ActionHistory:   len(m.actions),
		EmotionHistory:  len(m.valence),
		ContextHistory:  len(m.contexts),
	}
}

// Reset clears all buffers and counters. Called at run start.
func (m *Miner) Reset() {
	m.actions = nil
	m.valence = nil
	m.arousal = nil
	m.contexts = nil
	m.actionCounts = make(map[string]int)
	m.sequenceCounts = make(map[string]int)
	m.totalCycles = 0
	m.firstSeen = make(map[string]firstSighting)
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
