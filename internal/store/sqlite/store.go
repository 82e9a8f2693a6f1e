// Package sqlite is the embedded-default persistence backend for the pipeline
// engine, backed by modernc.org/sqlite. Schema and migration idiom are
// adapted from the teacher's autopilot state store: idempotent
// `CREATE TABLE IF NOT EXISTS` plus `INSERT ... ON CONFLICT DO UPDATE` upserts,
// so opening an existing database file is always safe.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/queued/queued/internal/pipeline"
)

// Store is a sqlite-backed implementation of pipeline.Store.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) a sqlite database at path. Use ":memory:" for an
// ephemeral store, e.g. in tests or a try lane with no crash-recovery needs.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS queue (
	pipeline_id TEXT NOT NULL,
	entry_id    TEXT NOT NULL,
	pr_id       TEXT NOT NULL,
	head_commit TEXT NOT NULL,
	message     TEXT NOT NULL,
	requester   TEXT NOT NULL,
	priority    INTEGER NOT NULL,
	approved_at TEXT NOT NULL,
	PRIMARY KEY (pipeline_id, pr_id)
);

CREATE TABLE IF NOT EXISTS running (
	pipeline_id    TEXT PRIMARY KEY,
	entry_json     TEXT NOT NULL,
	sub_state      TEXT NOT NULL,
	staging_commit TEXT NOT NULL DEFAULT '',
	ci_build       TEXT NOT NULL DEFAULT '',
	attempts       INTEGER NOT NULL DEFAULT 0,
	correlation_id TEXT NOT NULL,
	deadline       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cached_tip (
	pipeline_id TEXT PRIMARY KEY,
	commit_sha  TEXT NOT NULL,
	observed_at TEXT NOT NULL
);
`)
	return err
}

// LoadAllPipelines loads every pipeline's queue, running slot, and cached tip.
func (s *Store) LoadAllPipelines(ctx context.Context) (map[string]pipeline.Record, error) {
	recs := make(map[string]pipeline.Record)

	rows, err := s.db.QueryContext(ctx, `SELECT pipeline_id, entry_id, pr_id, head_commit, message, requester, priority, approved_at FROM queue`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load queue: %w", err)
	}
	for rows.Next() {
		var pid string
		var e pipeline.Entry
		var approvedAt string
		if err := rows.Scan(&pid, &e.ID, &e.PRID, &e.HeadCommit, &e.Message, &e.Requester, &e.Priority, &approvedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan queue row: %w", err)
		}
		e.ApprovedAt, _ = time.Parse(time.RFC3339Nano, approvedAt)
		rec := recs[pid]
		rec.Queue = append(rec.Queue, e)
		recs[pid] = rec
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	runRows, err := s.db.QueryContext(ctx, `SELECT pipeline_id, entry_json, sub_state, staging_commit, ci_build, attempts, correlation_id, deadline FROM running`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load running: %w", err)
	}
	for runRows.Next() {
		var pid, entryJSON, subState, staging, build, corr, deadline string
		var attempts int
		if err := runRows.Scan(&pid, &entryJSON, &subState, &staging, &build, &attempts, &corr, &deadline); err != nil {
			runRows.Close()
			return nil, fmt.Errorf("sqlite: scan running row: %w", err)
		}
		var entry pipeline.Entry
		if err := json.Unmarshal([]byte(entryJSON), &entry); err != nil {
			runRows.Close()
			return nil, fmt.Errorf("sqlite: unmarshal running entry: %w", err)
		}
		d, _ := time.Parse(time.RFC3339Nano, deadline)
		slot := &pipeline.RunningSlot{
			Entry: entry, SubState: pipeline.SubState(subState), StagingCommit: staging,
			CIBuild: build, Attempts: attempts, CorrelationID: corr, Deadline: d,
		}
		rec := recs[pid]
		rec.Running = slot
		recs[pid] = rec
	}
	if err := runRows.Err(); err != nil {
		runRows.Close()
		return nil, err
	}
	runRows.Close()

	tipRows, err := s.db.QueryContext(ctx, `SELECT pipeline_id, commit_sha, observed_at FROM cached_tip`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load cached_tip: %w", err)
	}
	defer tipRows.Close()
	for tipRows.Next() {
		var pid, commit, observed string
		if err := tipRows.Scan(&pid, &commit, &observed); err != nil {
			return nil, fmt.Errorf("sqlite: scan cached_tip row: %w", err)
		}
		at, _ := time.Parse(time.RFC3339Nano, observed)
		tip := pipeline.CachedTip{Commit: commit, ObservedAt: at}
		rec := recs[pid]
		rec.CachedTip = &tip
		recs[pid] = rec
	}
	return recs, tipRows.Err()
}

func (s *Store) Enqueue(ctx context.Context, pipelineID string, e pipeline.Entry) error {
	return s.upsertEntry(ctx, pipelineID, e)
}

func (s *Store) Replace(ctx context.Context, pipelineID string, e pipeline.Entry) error {
	return s.upsertEntry(ctx, pipelineID, e)
}

func (s *Store) upsertEntry(ctx context.Context, pipelineID string, e pipeline.Entry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO queue (pipeline_id, entry_id, pr_id, head_commit, message, requester, priority, approved_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (pipeline_id, pr_id) DO UPDATE SET
	entry_id = excluded.entry_id,
	head_commit = excluded.head_commit,
	message = excluded.message,
	requester = excluded.requester,
	priority = excluded.priority,
	approved_at = excluded.approved_at
`, pipelineID, e.ID, e.PRID, e.HeadCommit, e.Message, e.Requester, e.Priority, e.ApprovedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: upsert queue entry: %w", err)
	}
	return nil
}

func (s *Store) Dequeue(ctx context.Context, pipelineID string) (pipeline.Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT entry_id, pr_id, head_commit, message, requester, priority, approved_at
FROM queue WHERE pipeline_id = ?
ORDER BY priority DESC, approved_at ASC, entry_id ASC LIMIT 1`, pipelineID)
	var e pipeline.Entry
	var approvedAt string
	if err := row.Scan(&e.ID, &e.PRID, &e.HeadCommit, &e.Message, &e.Requester, &e.Priority, &approvedAt); err != nil {
		if err == sql.ErrNoRows {
			return pipeline.Entry{}, false, nil
		}
		return pipeline.Entry{}, false, fmt.Errorf("sqlite: dequeue: %w", err)
	}
	e.ApprovedAt, _ = time.Parse(time.RFC3339Nano, approvedAt)
	if err := s.Remove(ctx, pipelineID, e.PRID); err != nil {
		return pipeline.Entry{}, false, err
	}
	return e, true, nil
}

func (s *Store) Remove(ctx context.Context, pipelineID, prID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE pipeline_id = ? AND pr_id = ?`, pipelineID, prID)
	if err != nil {
		return fmt.Errorf("sqlite: remove queue entry: %w", err)
	}
	return nil
}

func (s *Store) ListQueue(ctx context.Context, pipelineID string) ([]pipeline.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT entry_id, pr_id, head_commit, message, requester, priority, approved_at
FROM queue WHERE pipeline_id = ? ORDER BY priority DESC, approved_at ASC, entry_id ASC`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list queue: %w", err)
	}
	defer rows.Close()
	var out []pipeline.Entry
	for rows.Next() {
		var e pipeline.Entry
		var approvedAt string
		if err := rows.Scan(&e.ID, &e.PRID, &e.HeadCommit, &e.Message, &e.Requester, &e.Priority, &approvedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan queue row: %w", err)
		}
		e.ApprovedAt, _ = time.Parse(time.RFC3339Nano, approvedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) SetRunning(ctx context.Context, pipelineID string, slot *pipeline.RunningSlot) error {
	if slot == nil {
		_, err := s.db.ExecContext(ctx, `DELETE FROM running WHERE pipeline_id = ?`, pipelineID)
		if err != nil {
			return fmt.Errorf("sqlite: clear running: %w", err)
		}
		return nil
	}
	entryJSON, err := json.Marshal(slot.Entry)
	if err != nil {
		return fmt.Errorf("sqlite: marshal running entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO running (pipeline_id, entry_json, sub_state, staging_commit, ci_build, attempts, correlation_id, deadline)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (pipeline_id) DO UPDATE SET
	entry_json = excluded.entry_json,
	sub_state = excluded.sub_state,
	staging_commit = excluded.staging_commit,
	ci_build = excluded.ci_build,
	attempts = excluded.attempts,
	correlation_id = excluded.correlation_id,
	deadline = excluded.deadline
`, pipelineID, string(entryJSON), string(slot.SubState), slot.StagingCommit, slot.CIBuild, slot.Attempts, slot.CorrelationID, slot.Deadline.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: upsert running: %w", err)
	}
	return nil
}

func (s *Store) GetRunning(ctx context.Context, pipelineID string) (*pipeline.RunningSlot, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT entry_json, sub_state, staging_commit, ci_build, attempts, correlation_id, deadline
FROM running WHERE pipeline_id = ?`, pipelineID)
	var entryJSON, subState, staging, build, corr, deadline string
	var attempts int
	if err := row.Scan(&entryJSON, &subState, &staging, &build, &attempts, &corr, &deadline); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: get running: %w", err)
	}
	var entry pipeline.Entry
	if err := json.Unmarshal([]byte(entryJSON), &entry); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal running entry: %w", err)
	}
	d, _ := time.Parse(time.RFC3339Nano, deadline)
	return &pipeline.RunningSlot{
		Entry: entry, SubState: pipeline.SubState(subState), StagingCommit: staging,
		CIBuild: build, Attempts: attempts, CorrelationID: corr, Deadline: d,
	}, nil
}

func (s *Store) SetCachedTip(ctx context.Context, pipelineID string, tip pipeline.CachedTip) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cached_tip (pipeline_id, commit_sha, observed_at) VALUES (?, ?, ?)
ON CONFLICT (pipeline_id) DO UPDATE SET commit_sha = excluded.commit_sha, observed_at = excluded.observed_at
`, pipelineID, tip.Commit, tip.ObservedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: upsert cached_tip: %w", err)
	}
	return nil
}

func (s *Store) GetCachedTip(ctx context.Context, pipelineID string) (pipeline.CachedTip, error) {
	row := s.db.QueryRowContext(ctx, `SELECT commit_sha, observed_at FROM cached_tip WHERE pipeline_id = ?`, pipelineID)
	var commit, observed string
	if err := row.Scan(&commit, &observed); err != nil {
		if err == sql.ErrNoRows {
			return pipeline.CachedTip{}, nil
		}
		return pipeline.CachedTip{}, fmt.Errorf("sqlite: get cached_tip: %w", err)
	}
	at, _ := time.Parse(time.RFC3339Nano, observed)
	return pipeline.CachedTip{Commit: commit, ObservedAt: at}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
