// Package config holds the externally supplied configuration surface for the
// telemetry engine. Every threshold, weight, window size, and job budget the
// algorithms use lives here; the algorithm packages carry no literals.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/uemlabs/metamind/internal/types"
)

// JobConfig describes one scheduled job.
type JobConfig struct {
	// PeriodCycles is the run period: the job is due when
	// cycleID mod PeriodCycles == 0
	PeriodCycles int64 `yaml:"period_cycles"`
	// Mode is online, online_async, or batch
	Mode types.JobMode `yaml:"mode"`
	// BudgetMS is the latency budget; exceeding it logs a warning, never fails
	BudgetMS float64 `yaml:"budget_ms"`
	// Enabled defaults to true
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled resolves the optional Enabled flag.
func (j JobConfig) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// EpisodeConfig controls episode segmentation.
type EpisodeConfig struct {
	// WindowCycles is the episode boundary window. There is deliberately no
	// compiled-in default: it must come from configuration.
	WindowCycles int64 `yaml:"window_cycles"`
}

// MetaStateConfig controls the six-indicator calculator.
type MetaStateConfig struct {
	// Weights for globalCognitiveHealth; must sum to 1
	WeightCoherence   float64 `yaml:"weight_coherence"`
	WeightEfficiency  float64 `yaml:"weight_efficiency"`
	WeightQuality     float64 `yaml:"weight_quality"`
	WeightSuccessRate float64 `yaml:"weight_success_rate"`

	// ArousalWindow is the rolling window for volatility
	ArousalWindow int `yaml:"arousal_window"`
	// FailureStreakMax saturates failurePressure
	FailureStreakMax int `yaml:"failure_streak_max"`

	// MinSamples is the sample count at which confidence leaves the ramp-up
	// regime; LowConfidenceThreshold drives the low-confidence warning
	MinSamples             int     `yaml:"min_samples"`
	LowConfidenceThreshold float64 `yaml:"low_confidence_threshold"`

	// Fixed confidence penalties for the partially integrated inputs
	EthicsConfidencePenalty float64 `yaml:"ethics_confidence_penalty"`
	MemoryConfidencePenalty float64 `yaml:"memory_confidence_penalty"`
}

// AnalyzerConfig holds every anomaly-detection threshold.
type AnalyzerConfig struct {
	ValenceSpikePositive float64 `yaml:"valence_spike_positive"`
	ValenceSpikeNegative float64 `yaml:"valence_spike_negative"`
	ValenceChange        float64 `yaml:"valence_change"`

	ArousalHigh   float64 `yaml:"arousal_high"`
	ArousalLow    float64 `yaml:"arousal_low"`
	ArousalChange float64 `yaml:"arousal_change"`

	CycleTimeWarningMS  float64 `yaml:"cycle_time_warning_ms"`
	CycleTimeCriticalMS float64 `yaml:"cycle_time_critical_ms"`

	CoherenceWarning  float64 `yaml:"coherence_warning"`
	CoherenceCritical float64 `yaml:"coherence_critical"`

	FailureStreakWarning  int `yaml:"failure_streak_warning"`
	FailureStreakCritical int `yaml:"failure_streak_critical"`

	GlobalHealthWarning  float64 `yaml:"global_health_warning"`
	GlobalHealthCritical float64 `yaml:"global_health_critical"`

	LowConfidenceThreshold float64 `yaml:"low_confidence_threshold"`
}

// PatternConfig controls the miner's windows and gates.
type PatternConfig struct {
	SequenceLength int     `yaml:"sequence_length"`
	MinFrequency   int     `yaml:"min_frequency"`
	MinConfidence  float64 `yaml:"min_confidence"`

	ActionHistorySize  int `yaml:"action_history_size"`
	EmotionHistorySize int `yaml:"emotion_history_size"`
	MaxPatternsPerType int `yaml:"max_patterns_per_type"`

	TrendWindow    int     `yaml:"trend_window"`
	TrendThreshold float64 `yaml:"trend_threshold"`
}

// EvaluatorConfig controls episode health reporting.
type EvaluatorConfig struct {
	WeightCognitive  float64 `yaml:"weight_cognitive"`
	WeightEmotional  float64 `yaml:"weight_emotional"`
	WeightBehavioral float64 `yaml:"weight_behavioral"`

	// Status band floors, descending: excellent >= good >= moderate >= poor;
	// anything below poor is critical
	HealthExcellent float64 `yaml:"health_excellent"`
	HealthGood      float64 `yaml:"health_good"`
	HealthModerate  float64 `yaml:"health_moderate"`
	HealthPoor      float64 `yaml:"health_poor"`

	RecommendOnLowHealth     float64 `yaml:"recommend_on_low_health"`
	RecommendOnHighFailures  int     `yaml:"recommend_on_high_failures"`
	RecommendOnLowDiversity  float64 `yaml:"recommend_on_low_diversity"`
	RecommendOnLowConfidence float64 `yaml:"recommend_on_low_confidence"`
	TrendThreshold           float64 `yaml:"trend_threshold"`
	MaxRecommendations       int     `yaml:"max_recommendations"`
}

// StorageConfig selects and configures the repository backend.
type StorageConfig struct {
	// Backend is "sqlite" or "postgres"
	Backend string `yaml:"backend"`
	// Path is the sqlite database file; ":memory:" is accepted for tests
	Path string `yaml:"path"`
	// DSN is the postgres connection string
	DSN string `yaml:"dsn"`
}

// Config is the whole engine configuration tree.
type Config struct {
	Episode   EpisodeConfig        `yaml:"episode"`
	MetaState MetaStateConfig      `yaml:"meta_state"`
	Analyzer  AnalyzerConfig       `yaml:"analyzer"`
	Patterns  PatternConfig        `yaml:"patterns"`
	Evaluator EvaluatorConfig      `yaml:"evaluator"`
	Storage   StorageConfig        `yaml:"storage"`
	Jobs      map[string]JobConfig `yaml:"jobs"`
}

// Canonical job names the orchestrator schedules.
const (
	JobMetaStateUpdate = "meta_state_update"
	JobAnomalyCheck    = "anomaly_check"
	JobPatternMiner    = "pattern_miner"
	JobRunReport       = "run_report"
)

// Default returns the defaults for everything that has one. Episode window
// size is intentionally left zero: Validate rejects it until a value is
// supplied externally.
func Default() *Config {
	return &Config{
		MetaState: MetaStateConfig{
			WeightCoherence:         0.25,
			WeightEfficiency:        0.20,
			WeightQuality:           0.25,
			WeightSuccessRate:       0.30,
			ArousalWindow:           50,
			FailureStreakMax:        5,
			MinSamples:              10,
			LowConfidenceThreshold:  0.5,
			EthicsConfidencePenalty: 0.2,
			MemoryConfidencePenalty: 0.3,
		},
		Analyzer: AnalyzerConfig{
			ValenceSpikePositive:   0.8,
			ValenceSpikeNegative:   -0.8,
			ValenceChange:          0.5,
			ArousalHigh:            0.9,
			ArousalLow:             0.1,
			ArousalChange:          0.4,
			CycleTimeWarningMS:     50,
			CycleTimeCriticalMS:    100,
			CoherenceWarning:       0.4,
			CoherenceCritical:      0.2,
			FailureStreakWarning:   3,
			FailureStreakCritical:  5,
			GlobalHealthWarning:    0.4,
			GlobalHealthCritical:   0.2,
			LowConfidenceThreshold: 0.5,
		},
		Patterns: PatternConfig{
			SequenceLength:     3,
			MinFrequency:       3,
			MinConfidence:      0.5,
			ActionHistorySize:  100,
			EmotionHistorySize: 50,
			MaxPatternsPerType: 100,
			TrendWindow:        10,
			TrendThreshold:     0.1,
		},
		Evaluator: EvaluatorConfig{
			WeightCognitive:          0.4,
			WeightEmotional:          0.3,
			WeightBehavioral:         0.3,
			HealthExcellent:          0.8,
			HealthGood:               0.6,
			HealthModerate:           0.4,
			HealthPoor:               0.2,
			RecommendOnLowHealth:     0.5,
			RecommendOnHighFailures:  3,
			RecommendOnLowDiversity:  0.3,
			RecommendOnLowConfidence: 0.5,
			TrendThreshold:           0.1,
			MaxRecommendations:       5,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    ".metamind/metamind.db",
		},
		Jobs: map[string]JobConfig{
			JobMetaStateUpdate: {PeriodCycles: 1, Mode: types.JobModeOnline, BudgetMS: 2},
			JobAnomalyCheck:    {PeriodCycles: 1, Mode: types.JobModeOnline, BudgetMS: 2},
			JobPatternMiner:    {PeriodCycles: 10, Mode: types.JobModeOnlineAsync, BudgetMS: 50},
			JobRunReport:       {PeriodCycles: 1, Mode: types.JobModeBatch, BudgetMS: 0},
		},
	}
}

// Load reads a YAML config file and overlays it on the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Episode.WindowCycles <= 0 {
		return fmt.Errorf("episode.window_cycles must be set (> 0); it has no built-in default")
	}

	sum := c.MetaState.WeightCoherence + c.MetaState.WeightEfficiency +
		c.MetaState.WeightQuality + c.MetaState.WeightSuccessRate
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("meta_state weights must sum to 1, got %.3f", sum)
	}
	if c.MetaState.MinSamples <= 0 {
		return fmt.Errorf("meta_state.min_samples must be > 0")
	}
	if c.MetaState.FailureStreakMax <= 0 {
		return fmt.Errorf("meta_state.failure_streak_max must be > 0")
	}

	if c.Patterns.SequenceLength < 2 {
		return fmt.Errorf("patterns.sequence_length must be >= 2")
	}
	if c.Patterns.ActionHistorySize <= 0 || c.Patterns.EmotionHistorySize <= 0 {
		return fmt.Errorf("patterns history sizes must be > 0")
	}

	if c.Evaluator.HealthExcellent < c.Evaluator.HealthGood ||
		c.Evaluator.HealthGood < c.Evaluator.HealthModerate ||
		c.Evaluator.HealthModerate < c.Evaluator.HealthPoor {
		return fmt.Errorf("evaluator health bands must be descending: excellent >= good >= moderate >= poor")
	}

	for name, job := range c.Jobs {
		if job.PeriodCycles <= 0 && job.Mode != types.JobModeBatch {
			return fmt.Errorf("job %q: period_cycles must be > 0", name)
		}
		switch job.Mode {
		case types.JobModeOnline, types.JobModeOnlineAsync, types.JobModeBatch:
		default:
			return fmt.Errorf("job %q: unknown mode %q", name, job.Mode)
		}
	}
	// the anomaly check consumes the meta state computed in the same cycle,
	// so both halves of that pair must stay inline
	for _, name := range []string{JobMetaStateUpdate, JobAnomalyCheck} {
		if job, ok := c.Jobs[name]; ok && job.Mode != types.JobModeOnline {
			return fmt.Errorf("job %q: mode must be online, got %q", name, job.Mode)
		}
	}
	if job, ok := c.Jobs[JobRunReport]; ok && job.Mode != types.JobModeBatch {
		return fmt.Errorf("job %q: mode must be batch, got %q", JobRunReport, job.Mode)
	}

	switch c.Storage.Backend {
	case "sqlite", "postgres", "":
	default:
		return fmt.Errorf("storage.backend must be sqlite or postgres, got %q", c.Storage.Backend)
	}

	return nil
}
