// Package storage defines the persistence contract for episodes, events,
// patterns, and meta-state snapshots, plus backend selection.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/uemlabs/metamind/internal/types"
)

// EventFilter narrows ListEvents. Zero values mean no constraint.
type EventFilter struct {
	RunID     string
	EpisodeID string
	Type      types.EventType
	Severity  types.Severity
	Since     time.Time
	Limit     int
}

// PatternFilter narrows ListPatterns.
type PatternFilter struct {
	RunID         string
	Type          types.PatternType
	MinConfidence float64
	Limit         int
}

// SnapshotFilter narrows ListSnapshots.
type SnapshotFilter struct {
	RunID      string
	EpisodeID  string
	FromCycle  int64
	ToCycle    int64
	Limit      int
}

// Repository persists and reads back the engine's durable records.
//
// Write-ordering contract: events, patterns, and snapshots reference an
// episode by ID, and backends enforce that reference. SaveEpisode must be
// called, and must return, before any record naming that episode is saved.
type Repository interface {
	// SaveEpisode upserts by episode ID. Saving an already-closed episode
	// again with the same data is a no-op.
	SaveEpisode(ctx context.Context, ep *types.Episode) error
	// SaveMetaEvent appends; events are immutable once written.
	SaveMetaEvent(ctx context.Context, ev *types.MetaEvent) error
	// SavePattern upserts by (run, type, key): frequency accumulates,
	// confidence keeps its maximum, LastSeen advances.
	SavePattern(ctx context.Context, p *types.MetaPattern) error
	// SaveMetaStateSnapshot upserts by (run, cycle).
	SaveMetaStateSnapshot(ctx context.Context, ms *types.MetaState) error

	GetEpisode(ctx context.Context, id string) (*types.Episode, error)
	ListEpisodes(ctx context.Context, runID string, limit int) ([]*types.Episode, error)
	ListEvents(ctx context.Context, f EventFilter) ([]*types.MetaEvent, error)
	ListPatterns(ctx context.Context, f PatternFilter) ([]*types.MetaPattern, error)
	ListSnapshots(ctx context.Context, f SnapshotFilter) ([]*types.MetaState, error)

	// PruneBefore deletes episodes that ended before the cutoff along with
	// their dependent records, returning the number of episodes removed.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// ErrNotFound is returned by point reads that match nothing.
var ErrNotFound = fmt.Errorf("storage: not found")
