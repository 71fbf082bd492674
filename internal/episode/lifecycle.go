// Package episode manages episode segmentation and per-episode health
// evaluation. Exactly one episode is open at any time during a run, and an
// episode row is always persisted before any record that references it.
package episode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uemlabs/metamind/internal/config"
	"github.com/uemlabs/metamind/internal/logging"
	"github.com/uemlabs/metamind/internal/storage"
	"github.com/uemlabs/metamind/internal/types"
)

var (
	// ErrNotInitialized means Begin was never called for this run.
	ErrNotInitialized = errors.New("episode: lifecycle not initialized")
	// ErrNoOpenEpisode means a boundary operation found nothing to close.
	ErrNoOpenEpisode = errors.New("episode: no open episode")
	// ErrAlreadyClosed means the current episode was closed twice.
	ErrAlreadyClosed = errors.New("episode: episode already closed")
)

// Lifecycle owns the open episode for one run. Boundary persistence is
// synchronous: Rotate and Finish do not return until the closed episode row
// is durable, so dependent records can never precede it.
type Lifecycle struct {
	cfg  config.EpisodeConfig
	repo storage.Repository
	log  *logging.Logger

	runID   string
	seq     int
	current *types.Episode
	// cycles counted since the current episode opened
	cyclesInEpisode int64
}

func NewLifecycle(cfg config.EpisodeConfig, repo storage.Repository, log *logging.Logger) *Lifecycle {
	return &Lifecycle{cfg: cfg, repo: repo, log: log}
}

// Begin opens the first episode of a run and persists it before returning.
func (l *Lifecycle) Begin(ctx context.Context, runID string, startCycleID int64) (*types.Episode, error) {
	if l.current != nil {
		return nil, fmt.Errorf("episode: run %s already has an open episode %s", l.runID, l.current.ID)
	}
	l.runID = runID
	l.seq = 0
	return l.open(ctx, startCycleID, "")
}

// Current returns the open episode, or nil before Begin.
func (l *Lifecycle) Current() *types.Episode {
	return l.current
}

// Tick counts one cycle against the open episode and reports whether the
// configured window has been reached.
func (l *Lifecycle) Tick() bool {
	if l.current == nil {
		return false
	}
	l.cyclesInEpisode++
	return l.cyclesInEpisode >= l.cfg.WindowCycles
}

// Rotate closes the open episode at cycleID and opens the successor. The
// close is persisted synchronously; if it fails the episode stays open and
// the boundary retries on a later tick. A failed successor open is logged
// and retried through Reopen.
func (l *Lifecycle) Rotate(ctx context.Context, cycleID int64, summary map[string]any) (*types.Episode, error) {
	closed, err := l.close(ctx, cycleID, types.BoundaryTimeWindow, summary)
	if err != nil {
		return nil, err
	}
	next, err := l.open(ctx, cycleID+1, "")
	if err != nil {
		// the close is durable; the successor retries via Reopen on a
		// later cycle
		l.log.Warn("successor episode open failed", "run_id", l.runID, "closed", closed.ID, "error", err)
		return closed, nil
	}
	l.log.Info("episode boundary",
		"run_id", l.runID,
		"closed", closed.ID,
		"opened", next.ID,
		"cycle_count", closed.CycleCount)
	return closed, nil
}

// Reopen opens a successor episode after an earlier open failed at a
// boundary. It is a no-op when an episode is already open.
func (l *Lifecycle) Reopen(ctx context.Context, startCycleID int64) (*types.Episode, error) {
	if l.runID == "" {
		return nil, ErrNotInitialized
	}
	if l.current != nil {
		return l.current, nil
	}
	return l.open(ctx, startCycleID, "")
}

// Override forces a boundary before the window elapses, tagging the closed
// episode with the caller's reason.
func (l *Lifecycle) Override(ctx context.Context, cycleID int64, reason types.BoundaryReason, tag string) (*types.Episode, error) {
	closed, err := l.close(ctx, cycleID, reason, nil)
	if err != nil {
		return nil, err
	}
	closed.SemanticTag = tag
	if tag != "" {
		if err := l.repo.SaveEpisode(ctx, closed); err != nil {
			l.log.Warn("episode tag persist failed", "episode", closed.ID, "error", err)
		}
	}
	if _, err := l.open(ctx, cycleID+1, ""); err != nil {
		l.log.Warn("successor episode open failed", "run_id", l.runID, "closed", closed.ID, "error", err)
	}
	return closed, nil
}

// Finish closes the final episode at run end. No successor is opened.
func (l *Lifecycle) Finish(ctx context.Context, cycleID int64, summary map[string]any) (*types.Episode, error) {
	return l.close(ctx, cycleID, types.BoundaryRunEnd, summary)
}

func (l *Lifecycle) open(ctx context.Context, startCycleID int64, tag string) (*types.Episode, error) {
	ep := &types.Episode{
		ID:             types.EpisodeID(l.runID, l.seq),
		RunID:          l.runID,
		SequenceNumber: l.seq,
		StartCycleID:   startCycleID,
		StartTime:      time.Now().UTC(),
		SemanticTag:    tag,
	}
	// the episode row must exist before any event, pattern, or snapshot
	// references its ID
	if err := l.repo.SaveEpisode(ctx, ep); err != nil {
		return nil, fmt.Errorf("episode: persist open episode %s: %w", ep.ID, err)
	}
	l.seq++
	l.current = ep
	l.cyclesInEpisode = 0
	return ep, nil
}

func (l *Lifecycle) close(ctx context.Context, cycleID int64, reason types.BoundaryReason, summary map[string]any) (*types.Episode, error) {
	if l.runID == "" {
		return nil, ErrNotInitialized
	}
	if l.current == nil {
		return nil, ErrNoOpenEpisode
	}
	if !l.current.Open() {
		return nil, ErrAlreadyClosed
	}

	// close a copy; the tracked episode stays open until the save lands, so
	// a transient storage failure leaves the boundary retryable
	ep := *l.current
	ep.BoundaryReason = reason
	ep.Close(cycleID, summary)

	if err := l.repo.SaveEpisode(ctx, &ep); err != nil {
		return nil, fmt.Errorf("episode: persist closed episode %s: %w", ep.ID, err)
	}
	l.current = nil
	return &ep, nil
}
