// Package sqlite is the embedded storage backend. It is the default for
// single-process runs and for tests, which open ":memory:".
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/uemlabs/metamind/internal/storage"
	"github.com/uemlabs/metamind/internal/types"
)

// Store implements storage.Repository on a sqlite database.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at path and applies the schema.
func New(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// a single writer avoids SQLITE_BUSY under concurrent async jobs
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveEpisode(ctx context.Context, ep *types.Episode) error {
	summary, err := encodeMap(ep.Summary)
	if err != nil {
		return fmt.Errorf("encode episode summary: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episodes (id, run_id, sequence_number, start_cycle_id, end_cycle_id,
			start_time, end_time, boundary_reason, semantic_tag, cycle_count, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			end_cycle_id = excluded.end_cycle_id,
			end_time = excluded.end_time,
			boundary_reason = excluded.boundary_reason,
			semantic_tag = excluded.semantic_tag,
			cycle_count = excluded.cycle_count,
			summary = excluded.summary`,
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meta_events (id, created_at, type, severity, source, message,
			measured_value, threshold, run_id, cycle_id, episode_id, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meta_patterns (id, created_at, type, key, frequency, confidence,
			first_seen, last_seen, run_id, episode_id, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, type, key) DO UPDATE SET
			frequency = meta_patterns.frequency + excluded.frequency,
			confidence = MAX(meta_patterns.confidence, excluded.confidence),
			last_seen = excluded.last_seen,
			episode_id = excluded.episode_id,
			data = excluded.data`,
		p.ID, p.CreatedAt, string(p.Type), p.Key, p.Frequency, p.Confidence,
		p.FirstSeen, p.LastSeen, p.RunID, p.EpisodeID, data)
	if err != nil {
		return fmt.Errorf("save pattern %s/%s: %w", p.Type, p.Key, err)
	}
	return nil
}

func (s *Store) SaveMetaStateSnapshot(ctx context.Context, ms *types.MetaState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta_state_snapshots (run_id, cycle_id, episode_id, created_at,
			health_value, health_confidence, health_samples,
			stability_value, stability_confidence, stability_samples,
			ethics_value, ethics_confidence, ethics_samples,
			exploration_value, exploration_confidence, exploration_samples,
			pressure_value, pressure_confidence, pressure_samples,
			memory_value, memory_confidence, memory_samples)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, cycle_id) DO UPDATE SET
			episode_id = excluded.episode_id,
			created_at = excluded.created_at,
			health_value = excluded.health_value,
			health_confidence = excluded.health_confidence,
			health_samples = excluded.health_samples,
			stability_value = excluded.stability_value,
			stability_confidence = excluded.stability_confidence,
			stability_samples = excluded.stability_samples,
			ethics_value = excluded.ethics_value,
			ethics_confidence = excluded.ethics_confidence,
			ethics_samples = excluded.ethics_samples,
			exploration_value = excluded.exploration_value,
			exploration_confidence = excluded.exploration_confidence,
			exploration_samples = excluded.exploration_samples,
			pressure_value = excluded.pressure_value,
			pressure_confidence = excluded.pressure_confidence,
			pressure_samples = excluded.pressure_samples,
			memory_value = excluded.memory_value,
			memory_confidence = excluded.memory_confidence,
			memory_samples = excluded.memory_samples`,
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
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, sequence_number, start_cycle_id, end_cycle_id,
			start_time, end_time, boundary_reason, semantic_tag, cycle_count, summary
		FROM episodes WHERE id = ?`, id)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
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
		q += " WHERE run_id = ?"
		args = append(args, runID)
	}
	q += " ORDER BY run_id, sequence_number"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
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
	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.EpisodeID != "" {
		conds = append(conds, "episode_id = ?")
		args = append(args, f.EpisodeID)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since)
	}

	q := `SELECT id, created_at, type, severity, source, message,
		measured_value, threshold, run_id, cycle_id, episode_id, context
		FROM meta_events`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY cycle_id, created_at"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*types.MetaEvent
	for rows.Next() {
		var ev types.MetaEvent
		var typ, sev, evCtx string
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
	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.MinConfidence > 0 {
		conds = append(conds, "confidence >= ?")
		args = append(args, f.MinConfidence)
	}

	q := `SELECT id, created_at, type, key, frequency, confidence,
		first_seen, last_seen, run_id, episode_id, data
		FROM meta_patterns`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY frequency DESC, key"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []*types.MetaPattern
	for rows.Next() {
		var p types.MetaPattern
		var typ, data string
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
	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.EpisodeID != "" {
		conds = append(conds, "episode_id = ?")
		args = append(args, f.EpisodeID)
	}
	if f.FromCycle > 0 {
		conds = append(conds, "cycle_id >= ?")
		args = append(args, f.FromCycle)
	}
	if f.ToCycle > 0 {
		conds = append(conds, "cycle_id <= ?")
		args = append(args, f.ToCycle)
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
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("prune: begin tx: %w", err)
	}
	defer tx.Rollback()

	// dependents first, episodes last, to satisfy the foreign keys
	del := `DELETE FROM %s WHERE episode_id IN
		(SELECT id FROM episodes WHERE end_time IS NOT NULL AND end_time < ?)`
	for _, table := range []string{"meta_events", "meta_patterns", "meta_state_snapshots"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(del, table), cutoff); err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM episodes WHERE end_time IS NOT NULL AND end_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune episodes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row rowScanner) (*types.Episode, error) {
	var ep types.Episode
	var endTime sql.NullTime
	var reason, summary string
	if err := row.Scan(&ep.ID, &ep.RunID, &ep.SequenceNumber, &ep.StartCycleID, &ep.EndCycleID,
		&ep.StartTime, &endTime, &reason, &ep.SemanticTag, &ep.CycleCount, &summary); err != nil {
		return nil, err
	}
	if endTime.Valid {
		ep.EndTime = endTime.Time
	}
	ep.BoundaryReason = types.BoundaryReason(reason)
	if err := decodeMap(summary, &ep.Summary); err != nil {
		return nil, fmt.Errorf("decode episode summary: %w", err)
	}
	return &ep, nil
}

// nullTime maps the zero time to NULL so open episodes have no end_time.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func encodeMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(s string, dst *map[string]any) error {
	if s == "" || s == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}
