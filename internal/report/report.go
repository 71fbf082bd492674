// Package report renders episode health reports and run summaries. Sinks are
// best-effort: a sink that fails must never affect the telemetry pipeline,
// so the orchestrator logs sink errors and moves on.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/uemlabs/metamind/internal/episode"
	"github.com/uemlabs/metamind/internal/types"
)

// RunSummary aggregates a whole run at EndRun time.
type RunSummary struct {
	RunID         string
	Cycles        int64
	Episodes      int
	Events        int
	CriticalCount int
	Patterns      int
	// MeanOverallScore averages the per-episode overall scores
	MeanOverallScore float64
	DominantAction   string
}

// Sink receives reports as they are produced.
type Sink interface {
	EpisodeReport(r *episode.HealthReport) error
	RunSummary(s *RunSummary) error
}

// Console writes colored human-readable reports, green for good, yellow for
// degraded, red for critical.
type Console struct {
	w io.Writer
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) EpisodeReport(r *episode.HealthReport) error {
	header := color.New(color.Bold)
	header.Fprintf(c.w, "Episode %s (%d cycles)\n", r.EpisodeID, r.CycleCount)

	fmt.Fprintf(c.w, "  overall:    %s  (confidence %.2f)\n", c.colorScore(r.OverallScore, r.Status), r.OverallConfidence)
	fmt.Fprintf(c.w, "  cognitive:  %.2f  emotional: %.2f  behavioral: %.2f\n",
		r.CognitiveScore, r.EmotionalScore, r.BehavioralScore)
	fmt.Fprintf(c.w, "  success:    %.0f%%  diversity: %.2f  dominant: %s\n",
		r.SuccessRate*100, r.ActionDiversity, orDash(r.DominantAction))
	fmt.Fprintf(c.w, "  anomalies:  %d (%d critical)\n", r.AnomalyCount, r.CriticalCount)

	if len(r.Trends) > 0 {
		names := make([]string, 0, len(r.Trends))
		for name := range r.Trends {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s %s", name, c.trendArrow(r.Trends[name])))
		}
		fmt.Fprintf(c.w, "  trends:     %s\n", strings.Join(parts, "  "))
	}

	for _, rec := range r.Recommendations {
		color.New(color.FgYellow).Fprintf(c.w, "  ! %s\n", rec)
	}
	fmt.Fprintln(c.w)
	return nil
}

func (c *Console) RunSummary(s *RunSummary) error {
	color.New(color.Bold).Fprintf(c.w, "Run %s complete\n", s.RunID)
	fmt.Fprintf(c.w, "  cycles:   %d across %d episodes\n", s.Cycles, s.Episodes)
	fmt.Fprintf(c.w, "  events:   %d (%d critical)\n", s.Events, s.CriticalCount)
	fmt.Fprintf(c.w, "  patterns: %d\n", s.Patterns)
	fmt.Fprintf(c.w, "  mean episode score: %.2f\n", s.MeanOverallScore)
	if s.DominantAction != "" {
		fmt.Fprintf(c.w, "  dominant action: %s\n", s.DominantAction)
	}
	return nil
}

func (c *Console) colorScore(score float64, status episode.HealthStatus) string {
	var col *color.Color
	switch status {
	case episode.HealthExcellent, episode.HealthGood:
		col = color.New(color.FgGreen)
	case episode.HealthModerate:
		col = color.New(color.FgYellow)
	default:
		col = color.New(color.FgRed)
	}
	return col.Sprintf("%.2f %s", score, status)
}

func (c *Console) trendArrow(d types.TrendDirection) string {
	switch d {
	case types.TrendRising:
		return "up"
	case types.TrendFalling:
		return "down"
	default:
		return "flat"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Discard drops everything; used when no report output is wanted.
type Discard struct{}

func (Discard) EpisodeReport(*episode.HealthReport) error { return nil }
func (Discard) RunSummary(*RunSummary) error              { return nil }
