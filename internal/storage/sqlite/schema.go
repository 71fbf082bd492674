package sqlite

// schema is applied on every open; all statements are idempotent. Foreign
// keys from events, patterns, and snapshots to episodes are enforced, which
// is what makes the episode-first write ordering a hard requirement.
const schema = `
CREATE TABLE IF NOT EXISTS episodes (
    id              TEXT PRIMARY KEY,
    run_id          TEXT NOT NULL,
    sequence_number INTEGER NOT NULL,
    start_cycle_id  INTEGER NOT NULL,
    end_cycle_id    INTEGER NOT NULL DEFAULT 0,
    start_time      TIMESTAMP NOT NULL,
    end_time        TIMESTAMP,
    boundary_reason TEXT NOT NULL DEFAULT '',
    semantic_tag    TEXT NOT NULL DEFAULT '',
    cycle_count     INTEGER NOT NULL DEFAULT 0,
    summary         TEXT NOT NULL DEFAULT '{}',
    UNIQUE(run_id, sequence_number)
);

CREATE INDEX IF NOT EXISTS idx_episodes_run ON episodes(run_id, sequence_number);

CREATE TABLE IF NOT EXISTS meta_events (
    id             TEXT PRIMARY KEY,
    created_at     TIMESTAMP NOT NULL,
    type           TEXT NOT NULL,
    severity       TEXT NOT NULL,
    source         TEXT NOT NULL,
    message        TEXT NOT NULL,
    measured_value REAL NOT NULL DEFAULT 0,
    threshold      REAL NOT NULL DEFAULT 0,
    run_id         TEXT NOT NULL,
    cycle_id       INTEGER NOT NULL,
    episode_id     TEXT NOT NULL,
    context        TEXT NOT NULL DEFAULT '{}',
    FOREIGN KEY (episode_id) REFERENCES episodes(id)
);

CREATE INDEX IF NOT EXISTS idx_events_run ON meta_events(run_id, cycle_id);
CREATE INDEX IF NOT EXISTS idx_events_episode ON meta_events(episode_id);
CREATE INDEX IF NOT EXISTS idx_events_severity ON meta_events(severity, created_at);

CREATE TABLE IF NOT EXISTS meta_patterns (
    id         TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    type       TEXT NOT NULL,
    key        TEXT NOT NULL,
    frequency  INTEGER NOT NULL DEFAULT 0,
    confidence REAL NOT NULL DEFAULT 0,
    first_seen TIMESTAMP NOT NULL,
    last_seen  TIMESTAMP NOT NULL,
    run_id     TEXT NOT NULL,
    episode_id TEXT NOT NULL,
    data       TEXT NOT NULL DEFAULT '{}',
    UNIQUE(run_id, type, key),
    FOREIGN KEY (episode_id) REFERENCES episodes(id)
);

CREATE INDEX IF NOT EXISTS idx_patterns_run ON meta_patterns(run_id, type);

CREATE TABLE IF NOT EXISTS meta_state_snapshots (
    run_id                     TEXT NOT NULL,
    cycle_id                   INTEGER NOT NULL,
    episode_id                 TEXT NOT NULL,
    created_at                 TIMESTAMP NOT NULL,
    health_value               REAL NOT NULL,
    health_confidence          REAL NOT NULL,
    health_samples             INTEGER NOT NULL,
    stability_value            REAL NOT NULL,
    stability_confidence       REAL NOT NULL,
    stability_samples          INTEGER NOT NULL,
    ethics_value               REAL NOT NULL,
    ethics_confidence          REAL NOT NULL,
    ethics_samples             INTEGER NOT NULL,
    exploration_value          REAL NOT NULL,
    exploration_confidence     REAL NOT NULL,
    exploration_samples        INTEGER NOT NULL,
    pressure_value             REAL NOT NULL,
    pressure_confidence        REAL NOT NULL,
    pressure_samples           INTEGER NOT NULL,
    memory_value               REAL NOT NULL,
    memory_confidence          REAL NOT NULL,
    memory_samples             INTEGER NOT NULL,
    PRIMARY KEY (run_id, cycle_id),
    FOREIGN KEY (episode_id) REFERENCES episodes(id)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_episode ON meta_state_snapshots(episode_id);
`
