// Package orchestrator drives the per-cycle telemetry pipeline: it feeds the
// metrics adapter, schedules jobs by cycle count, manages episode boundaries,
// and owns all persistence ordering.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/uemlabs/metamind/internal/analyzer"
	"github.com/uemlabs/metamind/internal/config"
	"github.com/uemlabs/metamind/internal/episode"
	"github.com/uemlabs/metamind/internal/logging"
	"github.com/uemlabs/metamind/internal/metastate"
	"github.com/uemlabs/metamind/internal/metrics"
	"github.com/uemlabs/metamind/internal/patterns"
	"github.com/uemlabs/metamind/internal/report"
	"github.com/uemlabs/metamind/internal/storage"
	"github.com/uemlabs/metamind/internal/types"
)

// patternEventLimit caps how many mined patterns announce themselves as
// events per mining pass.
const patternEventLimit = 3

// Stats counts what the engine did during a run.
type Stats struct {
	Cycles        int64
	Episodes      int
	EventsSaved   int
	PatternsSaved int
	CriticalCount int
	AsyncJobs     int
	AsyncSkipped  int
	JobOverruns   int
}

// JobPerformance is one job's scheduler state.
type JobPerformance struct {
	LastRunCycle   int64
	LastDurationMS float64
	BudgetMS       float64
	OverBudget     bool
}

// PerformanceStats reports scheduler timing for the run so far.
type PerformanceStats struct {
	LastCycleTimeMS   float64
	TotalOnlineTimeMS float64
	CyclesProcessed   int64
	Jobs              map[string]JobPerformance
	Miner             patterns.MinerStats
}

type jobState struct {
	lastRunCycle   int64
	lastDurationMS float64
	overBudget     bool
}

// Engine is the per-run pipeline coordinator. Construct one per run; it is
// not safe for concurrent OnCycle calls.
type Engine struct {
	cfg  *config.Config
	repo storage.Repository
	sink report.Sink
	log  *logging.Logger

	adapter    *metrics.Adapter
	calculator *metastate.Calculator
	analyzer   *analyzer.Analyzer
	miner      *patterns.Miner
	lifecycle  *episode.Lifecycle
	evaluator  *episode.Evaluator

	runID   string
	cycleID int64
	started bool
	state   *types.MetaState

	// minerMu guards the miner, which async mining jobs read while OnCycle
	// keeps writing
	minerMu sync.Mutex
	async   *errgroup.Group

	// statsMu guards stats, per-job timing, and the cycle-time counters,
	// all of which the async miner also updates
	statsMu       sync.Mutex
	stats         Stats
	jobs          map[string]*jobState
	lastCycleMS   float64
	totalOnlineMS float64
}

func (e *Engine) addStats(fn func(*Stats)) {
	e.statsMu.Lock()
	fn(&e.stats)
	e.statsMu.Unlock()
}

// New wires an engine from configuration. scorers may be zero-valued; the
// adapter substitutes neutral defaults for anything missing.
func New(cfg *config.Config, repo storage.Repository, scorers metrics.Scorers, sink report.Sink, log *logging.Logger) *Engine {
	if sink == nil {
		sink = report.Discard{}
	}
	return &Engine{
		cfg:        cfg,
		repo:       repo,
		sink:       sink,
		log:        log,
		adapter:    metrics.NewAdapter(scorers, log),
		calculator: metastate.New(cfg.MetaState, log),
		analyzer:   analyzer.New(cfg.Analyzer),
		miner:      patterns.New(cfg.Patterns, log),
		lifecycle:  episode.NewLifecycle(cfg.Episode, repo, log),
		evaluator:  episode.NewEvaluator(cfg.Evaluator),
	}
}

// StartRun opens the run's first episode. The episode row is durable before
// StartRun returns.
func (e *Engine) StartRun(ctx context.Context, runID string) error {
	if e.started {
		return fmt.Errorf("orchestrator: run %s already started", e.runID)
	}
	e.runID = runID
	e.cycleID = 0
	e.adapter.Reset()
	e.calculator.Reset()
	e.analyzer.Reset()
	e.miner.Reset()
	e.evaluator.Reset()
	e.async = &errgroup.Group{}
	e.async.SetLimit(1)
	e.stats = Stats{}
	e.jobs = make(map[string]*jobState)
	e.lastCycleMS = 0
	e.totalOnlineMS = 0

	if _, err := e.lifecycle.Begin(ctx, runID, 1); err != nil {
		return err
	}
	e.addStats(func(s *Stats) { s.Episodes++ })
	e.started = true
	e.log.Info("run started", "run_id", runID, "window_cycles", e.cfg.Episode.WindowCycles)
	return nil
}

// OnCycle ingests one cycle. It runs the due online jobs in order, checks the
// episode boundary, and then dispatches due async jobs without blocking on
// them, so async results land in the episode that is open when they become
// visible.
func (e *Engine) OnCycle(ctx context.Context, cycle *types.CycleData) error {
	if !e.started {
		return fmt.Errorf("orchestrator: OnCycle before StartRun")
	}
	cycleStart := time.Now()
	e.cycleID++
	e.addStats(func(s *Stats) { s.Cycles++ })
	cycleID := e.cycleID

	cur := e.lifecycle.Current()
	if cur == nil {
		// an earlier boundary closed its episode but failed to open the
		// successor; retry before processing this cycle
		reopened, err := e.lifecycle.Reopen(ctx, cycleID)
		if err != nil {
			e.log.Warn("episode reopen failed", "cycle_id", cycleID, "error", err)
		} else {
			cur = reopened
		}
	}
	episodeID := ""
	if cur != nil {
		episodeID = cur.ID
	}

	snap := e.adapter.Snapshot(cycle, cycleID)

	e.minerMu.Lock()
	e.miner.Observe(cycle.Action, cycle.Valence, cycle.Arousal, cycle.Context)
	e.minerMu.Unlock()

	e.state = nil
	var anomalies []analyzer.Anomaly

	if e.jobDue(config.JobMetaStateUpdate, cycleID) {
		e.runOnline(ctx, config.JobMetaStateUpdate, cycleID, episodeID, func() {
			e.state = e.calculator.Compute(snap, e.runID, cycleID, episodeID)
		})
		if e.state != nil {
			if err := e.repo.SaveMetaStateSnapshot(ctx, e.state); err != nil {
				// snapshots are reproducible; a lost write degrades history,
				// not correctness
				e.log.Warn("snapshot save failed", "cycle_id", cycleID, "error", err)
			}
		}
	}

	if e.jobDue(config.JobAnomalyCheck, cycleID) {
		e.runOnline(ctx, config.JobAnomalyCheck, cycleID, episodeID, func() {
			anomalies = e.analyzer.Analyze(cycle, snap, e.state)
		})
		for i := range anomalies {
			e.saveEvent(ctx, anomalies[i].Event(e.runID, cycleID, episodeID))
		}
	}

	criticals := 0
	for _, a := range anomalies {
		if a.Severity == types.SeverityCritical {
			criticals++
		}
	}
	e.addStats(func(s *Stats) { s.CriticalCount += criticals })
	e.evaluator.Record(cycle, snap, e.state, len(anomalies), criticals)

	mineDue := e.jobDue(config.JobPatternMiner, cycleID)
	if mineDue && e.cfg.Jobs[config.JobPatternMiner].Mode == types.JobModeOnline {
		e.runOnline(ctx, config.JobPatternMiner, cycleID, episodeID, func() {
			e.mineAndSave(ctx, cycleID, episodeID)
		})
		mineDue = false
	}

	var boundaryErr error
	if e.lifecycle.Tick() {
		boundaryErr = e.rotate(ctx, cycleID)
	}

	if mineDue {
		// stamp async patterns with whichever episode is open after the
		// boundary check: they become visible in that one, not the closed one
		asyncEpisodeID := episodeID
		if cur := e.lifecycle.Current(); cur != nil {
			asyncEpisodeID = cur.ID
		}
		e.dispatchMiner(ctx, cycleID, asyncEpisodeID)
	}

	elapsed := float64(time.Since(cycleStart).Microseconds()) / 1000
	e.statsMu.Lock()
	e.lastCycleMS = elapsed
	e.totalOnlineMS += elapsed
	e.statsMu.Unlock()

	return boundaryErr
}

// Override forces an episode boundary now, before the window elapses.
func (e *Engine) Override(ctx context.Context, reason types.BoundaryReason, tag string) error {
	if !e.started {
		return fmt.Errorf("orchestrator: Override before StartRun")
	}
	cur := e.lifecycle.Current()
	if cur == nil {
		if _, err := e.lifecycle.Reopen(ctx, e.cycleID); err != nil {
			return err
		}
		cur = e.lifecycle.Current()
	}
	rep := e.evaluator.Evaluate(cur)
	closed, err := e.lifecycle.Override(ctx, e.cycleID, reason, tag)
	if err != nil {
		return err
	}
	e.addStats(func(s *Stats) { s.Episodes++ })
	e.finishEpisode(ctx, closed, rep)
	return nil
}

// EndRun drains async jobs, closes the final episode, and runs batch jobs.
func (e *Engine) EndRun(ctx context.Context) (*Stats, error) {
	if !e.started {
		return nil, fmt.Errorf("orchestrator: EndRun before StartRun")
	}
	e.started = false

	if err := e.async.Wait(); err != nil {
		e.log.Warn("async job failed", "error", err)
	}

	cur := e.lifecycle.Current()
	if cur == nil {
		reopened, err := e.lifecycle.Reopen(ctx, e.cycleID)
		if err != nil {
			return nil, err
		}
		cur = reopened
	}
	rep := e.evaluator.Evaluate(cur)
	closed, err := e.lifecycle.Finish(ctx, e.cycleID, map[string]any{
		"overall_score": rep.OverallScore,
		"status":        string(rep.Status),
	})
	if err != nil {
		return nil, err
	}
	rep.CycleCount = closed.CycleCount
	e.finishEpisode(ctx, closed, rep)

	if e.jobEnabled(config.JobRunReport) {
		e.runReport(ctx)
	}

	stats := e.Stats()
	perf := e.PerformanceStats()
	avgMS := 0.0
	if stats.Cycles > 0 {
		avgMS = perf.TotalOnlineTimeMS / float64(stats.Cycles)
	}
	e.log.Info("run ended",
		"run_id", e.runID,
		"cycles", stats.Cycles,
		"episodes", stats.Episodes,
		"events", stats.EventsSaved,
		"patterns", stats.PatternsSaved,
		"avg_cycle_ms", avgMS)
	return &stats, nil
}

// Stats returns a copy of the current counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// PerformanceStats returns per-job timing and cumulative cycle cost.
func (e *Engine) PerformanceStats() PerformanceStats {
	e.statsMu.Lock()
	jobs := make(map[string]JobPerformance, len(e.jobs))
	for name, js := range e.jobs {
		jobs[name] = JobPerformance{
			LastRunCycle:   js.lastRunCycle,
			LastDurationMS: js.lastDurationMS,
			BudgetMS:       e.cfg.Jobs[name].BudgetMS,
			OverBudget:     js.overBudget,
		}
	}
	perf := PerformanceStats{
		LastCycleTimeMS:   e.lastCycleMS,
		TotalOnlineTimeMS: e.totalOnlineMS,
		CyclesProcessed:   e.stats.Cycles,
		Jobs:              jobs,
	}
	e.statsMu.Unlock()

	e.minerMu.Lock()
	perf.Miner = e.miner.Stats()
	e.minerMu.Unlock()
	return perf
}

func (e *Engine) jobDue(name string, cycleID int64) bool {
	job, ok := e.cfg.Jobs[name]
	if !ok || !job.IsEnabled() {
		return false
	}
	if job.Mode == types.JobModeBatch {
		return false
	}
	if job.PeriodCycles <= 0 {
		return false
	}
	return cycleID%job.PeriodCycles == 0
}

func (e *Engine) jobEnabled(name string) bool {
	job, ok := e.cfg.Jobs[name]
	return ok && job.IsEnabled()
}

func (e *Engine) recordJobRun(name string, cycleID int64, elapsedMS float64, over bool) {
	e.statsMu.Lock()
	js := e.jobs[name]
	if js == nil {
		js = &jobState{}
		e.jobs[name] = js
	}
	js.lastRunCycle = cycleID
	js.lastDurationMS = elapsedMS
	js.overBudget = over
	if over {
		e.stats.JobOverruns++
	}
	e.statsMu.Unlock()
}

// runOnline executes a job inline with timing, budget check, and panic
// isolation. A panicking job loses its output for this cycle only.
func (e *Engine) runOnline(ctx context.Context, name string, cycleID int64, episodeID string, fn func()) {
	start := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("job panicked", "job", name, "cycle_id", cycleID, "panic", r)
			}
		}()
		fn()
	}()

	elapsed := float64(time.Since(start).Microseconds()) / 1000
	budget := e.cfg.Jobs[name].BudgetMS
	over := budget > 0 && elapsed > budget
	e.recordJobRun(name, cycleID, elapsed, over)
	if over {
		e.log.Warn("job over budget", "job", name, "cycle_id", cycleID,
			"elapsed_ms", elapsed, "budget_ms", budget)
		ev := types.NewMetaEvent(types.EventTypePerformanceWarning, types.SeverityWarning,
			"orchestrator", fmt.Sprintf("job %s took %.2fms (budget %.2fms)", name, elapsed, budget))
		ev.MeasuredValue = elapsed
		ev.Threshold = budget
		ev.RunID = e.runID
		ev.CycleID = cycleID
		ev.EpisodeID = episodeID
		e.saveEvent(ctx, ev)
	}
}

// dispatchMiner hands the mining pass to the background group. If the
// previous pass is still in flight the trigger is skipped, never queued:
// the cycle path must not wait on async work.
func (e *Engine) dispatchMiner(ctx context.Context, cycleID int64, episodeID string) {
	started := e.async.TryGo(func() error {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("job panicked", "job", config.JobPatternMiner, "panic", r)
			}
		}()

		e.mineAndSave(ctx, cycleID, episodeID)

		elapsed := float64(time.Since(start).Microseconds()) / 1000
		budget := e.cfg.Jobs[config.JobPatternMiner].BudgetMS
		e.recordJobRun(config.JobPatternMiner, cycleID, elapsed, budget > 0 && elapsed > budget)
		return nil
	})
	if !started {
		e.addStats(func(s *Stats) { s.AsyncSkipped++ })
		e.log.Warn("async job still running, trigger skipped", "job", config.JobPatternMiner, "cycle_id", cycleID)
		return
	}
	e.addStats(func(s *Stats) { s.AsyncJobs++ })
}

// mineAndSave runs one mining pass and persists its results. The strongest
// mined patterns also announce themselves as events.
func (e *Engine) mineAndSave(ctx context.Context, cycleID int64, episodeID string) {
	e.minerMu.Lock()
	mined := e.miner.Mine(cycleID)
	e.minerMu.Unlock()

	for _, p := range mined {
		p.RunID = e.runID
		p.EpisodeID = episodeID
		if err := e.repo.SavePattern(ctx, p); err != nil {
			e.log.Warn("pattern save failed", "key", p.Key, "error", err)
			continue
		}
		e.addStats(func(s *Stats) { s.PatternsSaved++ })
	}

	for i, p := range mined {
		if i >= patternEventLimit {
			break
		}
		ev := types.NewMetaEvent(types.EventTypePatternDetected, types.SeverityInfo,
			"pattern_miner", fmt.Sprintf("pattern %s %q (freq %d, conf %.2f)", p.Type, p.Key, p.Frequency, p.Confidence))
		ev.MeasuredValue = p.Confidence
		ev.RunID = e.runID
		ev.CycleID = cycleID
		ev.EpisodeID = episodeID
		e.saveEvent(ctx, ev)
	}
}

// rotate closes the episode at the window boundary. The close is persisted
// before rotate returns; a failed close leaves the episode open so the
// boundary retries next cycle.
func (e *Engine) rotate(ctx context.Context, cycleID int64) error {
	rep := e.evaluator.Evaluate(e.lifecycle.Current())
	closed, err := e.lifecycle.Rotate(ctx, cycleID, map[string]any{
		"overall_score": rep.OverallScore,
		"status":        string(rep.Status),
		"success_rate":  rep.SuccessRate,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: episode boundary at cycle %d: %w", cycleID, err)
	}
	e.addStats(func(s *Stats) { s.Episodes++ })
	e.finishEpisode(ctx, closed, rep)
	return nil
}

// finishEpisode emits the boundary event and the report for a closed episode,
// then resets per-episode state.
func (e *Engine) finishEpisode(ctx context.Context, closed *types.Episode, rep *episode.HealthReport) {
	ev := types.NewMetaEvent(types.EventTypeEpisodeBoundary, types.SeverityInfo,
		"orchestrator", fmt.Sprintf("episode %s closed: %s", closed.ID, closed.BoundaryReason))
	ev.RunID = e.runID
	ev.CycleID = closed.EndCycleID
	ev.EpisodeID = closed.ID
	ev.Context = map[string]any{"boundary_reason": string(closed.BoundaryReason), "cycle_count": closed.CycleCount}
	e.saveEvent(ctx, ev)

	if err := e.sink.EpisodeReport(rep); err != nil {
		e.log.Warn("report sink failed", "episode", closed.ID, "error", err)
	}
	e.evaluator.Reset()
}

// saveEvent is best-effort: a failed event write is logged and dropped, it
// never stalls the cycle.
func (e *Engine) saveEvent(ctx context.Context, ev *types.MetaEvent) {
	if err := e.repo.SaveMetaEvent(ctx, ev); err != nil {
		e.log.Warn("event save failed", "type", ev.Type, "cycle_id", ev.CycleID, "error", err)
		return
	}
	e.addStats(func(s *Stats) { s.EventsSaved++ })
}

// runReport is the batch job: read the run back out of storage and summarize.
func (e *Engine) runReport(ctx context.Context) {
	episodes, err := e.repo.ListEpisodes(ctx, e.runID, 0)
	if err != nil {
		e.log.Warn("run report: list episodes failed", "error", err)
		return
	}
	events, err := e.repo.ListEvents(ctx, storage.EventFilter{RunID: e.runID})
	if err != nil {
		e.log.Warn("run report: list events failed", "error", err)
		return
	}
	patternsFound, err := e.repo.ListPatterns(ctx, storage.PatternFilter{RunID: e.runID})
	if err != nil {
		e.log.Warn("run report: list patterns failed", "error", err)
		return
	}

	criticals := 0
	for _, ev := range events {
		if ev.Severity == types.SeverityCritical {
			criticals++
		}
	}
	var scoreSum float64
	scored := 0
	for _, ep := range episodes {
		if s, ok := ep.Summary["overall_score"].(float64); ok {
			scoreSum += s
			scored++
		}
	}
	mean := 0.0
	if scored > 0 {
		mean = scoreSum / float64(scored)
	}

	e.minerMu.Lock()
	dominant, _ := e.miner.DominantAction()
	e.minerMu.Unlock()

	summary := &report.RunSummary{
		RunID:            e.runID,
		Cycles:           e.Stats().Cycles,
		Episodes:         len(episodes),
		Events:           len(events),
		CriticalCount:    criticals,
		Patterns:         len(patternsFound),
		MeanOverallScore: mean,
		DominantAction:   dominant,
	}
	if err := e.sink.RunSummary(summary); err != nil {
		e.log.Warn("report sink failed", "error", err)
	}
}
