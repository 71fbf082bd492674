// Package postgres is the shared-database storage backend, for deployments
// where several agent processes report into one place.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uemlabs/metamind/internal/storage"
	"github.com/uemlabs/metamind/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS episodes (
    id              TEXT PRIMARY KEY,
    run_id          TEXT NOT NULL,
    sequence_number INTEGER NOT NULL,
    start_cycle_id  BIGINT NOT NULL,
    end_cycle_id    BIGINT NOT NULL DEFAULT 0,
    start_time      TIMESTAMPTZ NOT NULL,
    end_time        TIMESTAMPTZ,
    boundary_reason TEXT NOT NULL DEFAULT '',
    semantic_tag    TEXT NOT NULL DEFAULT '',
    cycle_count     INTEGER NOT NULL DEFAULT 0,
    summary         JSONB NOT NULL DEFAULT '{}',
    UNIQUE(run_id, sequence_number)
);

CREATE TABLE IF NOT EXISTS meta_events (
    id             TEXT PRIMARY KEY,
    created_at     TIMESTAMPTZ NOT NULL,
    type           TEXT NOT NULL,
    severity       TEXT NOT NULL,
    source         TEXT NOT NULL,
    message        TEXT NOT NULL,
    measured_value DOUBLE PRECISION NOT NULL DEFAULT 0,
    threshold      DOUBLE PRECISION NOT NULL DEFAULT 0,
    run_id         TEXT NOT NULL,
    cycle_id       BIGINT NOT NULL,
    episode_id     TEXT NOT NULL REFERENCES episodes(id),
    context        JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_events_run ON meta_events(run_id, cycle_id);

CREATE TABLE IF NOT EXISTS meta_patterns (
    id         TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL,
    type       TEXT NOT NULL,
    key        TEXT NOT NULL,
    frequency  INTEGER NOT NULL DEFAULT 0,
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    first_seen TIMESTAMPTZ NOT NULL,
    last_seen  TIMESTAMPTZ NOT NULL,
    run_id     TEXT NOT NULL,
    episode_id TEXT NOT NULL REFERENCES episodes(id),
    data       JSONB NOT NULL DEFAULT '{}',
    UNIQUE(run_id, type, key)
);

CREATE TABLE IF NOT EXISTS meta_state_snapshots (
    run_id                 TEXT NOT NULL,
    cycle_id               BIGINT NOT NULL,
    episode_id             TEXT NOT NULL REFERENCES episodes(id),
    created_at             TIMESTAMPTZ NOT NULL,
    health_value           DOUBLE PRECISION NOT NULL,
    health_confidence      DOUBLE PRECISION NOT NULL,
    health_samples         INTEGER NOT NULL,
    stability_value        DOUBLE PRECISION NOT NULL,
    stability_confidence   DOUBLE PRECISION NOT NULL,
    stability_samples      INTEGER NOT NULL,
    ethics_value           DOUBLE PRECISION NOT NULL,
    ethics_confidence      DOUBLE PRECISION NOT NULL,
    ethics_samples         INTEGER NOT NULL,
    exploration_value      DOUBLE PRECISION NOT NULL,
    exploration_confidence DOUBLE PRECISION NOT NULL,
    exploration_samples    INTEGER NOT NULL,
    pressure_value         DOUBLE PRECISION NOT NULL,
    pressure_confidence    DOUBLE PRECISION NOT NULL,
    pressure_samples       INTEGER NOT NULL,
    memory_value           DOUBLE PRECISION NOT NULL,
    memory_confidence      DOUBLE PRECISION NOT NULL,
    memory_samples         INTEGER NOT NULL,
    PRIMARY KEY (run_id, cycle_id)
);
`

// Store implements storage.Repository on a postgres pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database named by dsn and applies the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) SaveEpisode(ctx context.Context, ep *types.Episode) error {
	summary, err := encodeMap(ep.Summary)
	if err != nil {
		return fmt.Errorf("encode episode summary: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO episodes (id, run_id, sequence_number, start_cycle_id, end_cycle_id,
			start_time, end_time, boundary_reason, semantic_tag, cycle_count, summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			end_cycle_id = EXCLUDED.end_cycle_id,
			end_time = EXCLUDED.end_time,
			boundary_reason = EXCLUDED.boundary_reason,
			semantic_tag = EXCLUDED.semantic_tag,
			cycle_count = EXCLUDED.cycle_count,
			summary = EXCLUDED.summary`,
		ep.ID, ep.RunID, ep.SequenceNumber, ep.StartCycleID, ep.EndCycleID,
		ep.StartTime, nullTime(ep.EndTime), string(ep.BoundaryReason), ep.SemanticTag,
		ep.CycleCount, summary)
	if err != nil {
		return fmt.Errorf("save episode %s: %w", ep.ID, err)
	}
	return nil
}

func (s *Store) SaveMetaEvent(ctx context.Context, ev *types.MetaEvent) error {
	evCtx, err := encodeMap(ev.Context)
	if err != nil {
		return fmt.Errorf("encode event context: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO meta_events (id, created_at, type, severity, source, message,
			measured_value, threshold, run_id, cycle_id, episode_id, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ev.ID, ev.CreatedAt, string(ev.Type), string(ev.Severity), ev.Source, ev.Message,
		ev.MeasuredValue, ev.Threshold, ev.RunID, ev.CycleID, ev.EpisodeID, evCtx)
	if err != nil {
		return fmt.Errorf("save event %s: %w", ev.ID, err)
	}
	return nil
}

func (s *Store) SavePattern(ctx context.Context, p *types.MetaPattern) error {
	data, err := encodeMap(p.Data)
	if err != nil {
		return fmt.Errorf("encode pattern data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO meta_patterns (id, created_at, type, key, frequency, confidence,
			first_seen, last_seen, run_id, episode_id, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id, type, key) DO UPDATE SET
			frequency = meta_patterns.frequency + EXCLUDED.frequency,
			confidence = GREATEST(meta_patterns.confidence, EXCLUDED.confidence),
			last_seen = EXCLUDED.last_seen,
			episode_id = EXCLUDED.episode_id,
			data = EXCLUDED.data`,
		p.ID, p.CreatedAt, string(p.Type), p.Key, p.Frequency, p.Confidence,
		p.FirstSeen, p.LastSeen, p.RunID, p.EpisodeID, data)
	if err != nil {
		return fmt.Errorf("save pattern %s/%s: %w", p.Type, p.Key, err)
	}
	return nil
}

func (s *Store) SaveMetaStateSnapshot(ctx context.Context, ms *types.MetaState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO meta_state_snapshots (run_id, cycle_id, episode_id, created_at,
			health_value, health_confidence, health_samples,
			stability_value, stability_confidence, stability_samples,
			ethics_value, ethics_confidence, ethics_samples,
			exploration_value, exploration_confidence, exploration_samples,
			pressure_value, pressure_confidence, pressure_samples,
			memory_value, memory_confidence, memory_samples)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (run_id, cycle_id) DO UPDATE SET
			episode_id = EXCLUDED.episode_id,
			created_at = EXCLUDED.created_at,
			health_value = EXCLUDED.health_value,
			health_confidence = EXCLUDED.health_confidence,
			health_samples = EXCLUDED.health_samples,
			stability_value = EXCLUDED.stability_value,
			stability_confidence = EXCLUDED.stability_confidence,
			stability_samples = EXCLUDED.stability_samples,
			ethics_value = EXCLUDED.ethics_value,
			ethics_confidence = EXCLUDED.ethics_confidence,
			ethics_samples = EXCLUDED.ethics_samples,
			exploration_value = EXCLUDED.exploration_value,
			exploration_confidence = EXCLUDED.exploration_confidence,
			exploration_samples = EXCLUDED.exploration_samples,
			pressure_value = EXCLUDED.pressure_value,
			pressure_confidence = EXCLUDED.pressure_confidence,
			pressure_samples = EXCLUDED.pressure_samples,
			memory_value = EXCLUDED.memory_value,
			memory_confidence = EXCLUDED.memory_confidence,
			memory_samples = EXCLUDED.memory_samples`,
		ms.RunID, ms.CycleID, ms.EpisodeID, ms.Timestamp,
		ms.GlobalCognitiveHealth.Value, ms.GlobalCognitiveHealth.Confidence, ms.GlobalCognitiveHealth.SampleCount,
		ms.EmotionalStability.Value, ms.EmotionalStability.Confidence, ms.EmotionalStability.SampleCount,
		ms.EthicalAlignment.Value, ms.EthicalAlignment.Confidence, ms.EthicalAlignment.SampleCount,
		ms.ExplorationBias.Value, ms.ExplorationBias.Confidence, ms.ExplorationBias.SampleCount,
		ms.FailurePressure.Value, ms.FailurePressure.Confidence, ms.FailurePressure.SampleCount,
		ms.MemoryHealth.Value, ms.MemoryHealth.Confidence, ms.MemoryHealth.SampleCount)
	if err != nil {
		return fmt.Errorf("save snapshot run=%s cycle=%d: %w", ms.RunID, ms.CycleID, err)
	}
	return nil
}

func (s *Store) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, run_id, sequence_number, start_cycle_id, end_cycle_id,
			start_time, end_time, boundary_reason, semantic_tag, cycle_count, summary
		FROM episodes WHERE id = $1`, id)
	ep, err := scanEpisode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return ep, err
}

func (s *Store) ListEpisodes(ctx context.Context, runID string, limit int) ([]*types.Episode, error) {
	q := `SELECT id, run_id, sequence_number, start_cycle_id, end_cycle_id,
		start_time, end_time, boundary_reason, semantic_tag, cycle_count, summary
		FROM episodes`
	var args []any
	if runID != "" {
		q += " WHERE run_id = $1"
		args = append(args, runID)
	}
	q += " ORDER BY run_id, sequence_number"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	var out []*types.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context, f storage.EventFilter) ([]*types.MetaEvent, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.RunID != "" {
		add("run_id = $%d", f.RunID)
	}
	if f.EpisodeID != "" {
		add("episode_id = $%d", f.EpisodeID)
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}

	q := `SELECT id, created_at, type, severity, source, message,
		measured_value, threshold, run_id, cycle_id, episode_id, context
		FROM meta_events`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY cycle_id, created_at"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*types.MetaEvent
	for rows.Next() {
		var ev types.MetaEvent
		var typ, sev string
		var evCtx []byte
		if err := rows.Scan(&ev.ID, &ev.CreatedAt, &typ, &sev, &ev.Source, &ev.Message,
			&ev.MeasuredValue, &ev.Threshold, &ev.RunID, &ev.CycleID, &ev.EpisodeID, &evCtx); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = types.EventType(typ)
		ev.Severity = types.Severity(sev)
		if err := decodeMap(evCtx, &ev.Context); err != nil {
			return nil, fmt.Errorf("decode event context: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *Store) ListPatterns(ctx context.Context, f storage.PatternFilter) ([]*types.MetaPattern, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.RunID != "" {
		add("run_id = $%d", f.RunID)
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.MinConfidence > 0 {
		add("confidence >= $%d", f.MinConfidence)
	}

	q := `SELECT id, created_at, type, key, frequency, confidence,
		first_seen, last_seen, run_id, episode_id, data
		FROM meta_patterns`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY frequency DESC, key"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []*types.MetaPattern
	for rows.Next() {
		var p types.MetaPattern
		var typ string
		var data []byte
		if err := rows.Scan(&p.ID, &p.CreatedAt, &typ, &p.Key, &p.Frequency, &p.Confidence,
			&p.FirstSeen, &p.LastSeen, &p.RunID, &p.EpisodeID, &data); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		p.Type = types.PatternType(typ)
		if err := decodeMap(data, &p.Data); err != nil {
			return nil, fmt.Errorf("decode pattern data: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *Store) ListSnapshots(ctx context.Context, f storage.SnapshotFilter) ([]*types.MetaState, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.RunID != "" {
		add("run_id = $%d", f.RunID)
	}
	if f.EpisodeID != "" {
		add("episode_id = $%d", f.EpisodeID)
	}
	if f.FromCycle > 0 {
		add("cycle_id >= $%d", f.FromCycle)
	}
	if f.ToCycle > 0 {
		add("cycle_id <= $%d", f.ToCycle)
	}

	q := `SELECT run_id, cycle_id, episode_id, created_at,
		health_value, health_confidence, health_samples,
		stability_value, stability_confidence, stability_samples,
		ethics_value, ethics_confidence, ethics_samples,
		exploration_value, exploration_confidence, exploration_samples,
		pressure_value, pressure_confidence, pressure_samples,
		memory_value, memory_confidence, memory_samples
		FROM meta_state_snapshots`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY run_id, cycle_id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*types.MetaState
	for rows.Next() {
		var ms types.MetaState
		if err := rows.Scan(&ms.RunID, &ms.CycleID, &ms.EpisodeID, &ms.Timestamp,
			&ms.GlobalCognitiveHealth.Value, &ms.GlobalCognitiveHealth.Confidence, &ms.GlobalCognitiveHealth.SampleCount,
			&ms.EmotionalStability.Value, &ms.EmotionalStability.Confidence, &ms.EmotionalStability.SampleCount,
			&ms.EthicalAlignment.Value, &ms.EthicalAlignment.Confidence, &ms.EthicalAlignment.SampleCount,
			&ms.ExplorationBias.Value, &ms.ExplorationBias.Confidence, &ms.ExplorationBias.SampleCount,
			&ms.FailurePressure.Value, &ms.FailurePressure.Confidence, &ms.FailurePressure.SampleCount,
			&ms.MemoryHealth.Value, &ms.MemoryHealth.Confidence, &ms.MemoryHealth.SampleCount); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, &ms)
	}
	return out, rows.Err()
}

func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("prune: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	del := `DELETE FROM %s WHERE episode_id IN
		(SELECT id FROM episodes WHERE end_time IS NOT NULL AND end_time < $1)`
	for _, table := range []string{"meta_events", "meta_patterns", "meta_state_snapshots"} {
		if _, err := tx.Exec(ctx, fmt.Sprintf(del, table), cutoff); err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM episodes WHERE end_time IS NOT NULL AND end_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune episodes: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanEpisode(row pgx.Row) (*types.Episode, error) {
	var ep types.Episode
	var endTime *time.Time
	var reason string
	var summary []byte
	if err := row.Scan(&ep.ID, &ep.RunID, &ep.SequenceNumber, &ep.StartCycleID, &ep.EndCycleID,
		&ep.StartTime, &endTime, &reason, &ep.SemanticTag, &ep.CycleCount, &summary); err != nil {
		return nil, err
	}
	if endTime != nil {
		ep.EndTime = *endTime
	}
	ep.BoundaryReason = types.BoundaryReason(reason)
	if err := decodeMap(summary, &ep.Summary); err != nil {
		return nil, fmt.Errorf("decode episode summary: %w", err)
	}
	return &ep, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func encodeMap(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func decodeMap(b []byte, dst *map[string]any) error {
	if len(b) == 0 || string(b) == "{}" {
		return nil
	}
	return json.Unmarshal(b, dst)
}
