// Package postgres is the DATABASE_URL-backed persistence backend, selected
// when DATABASE_URL points at a postgres:// URL (spec §6 names DATABASE_URL
// as the recognized persistence-target env var). Schema and upsert idiom
// mirror internal/store/sqlite; the connection pooling is pgx's.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/queued/queued/internal/pipeline"
)

// Store is a Postgres-backed implementation of pipeline.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and migrates the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS queue (
	pipeline_id TEXT NOT NULL,
	entry_id    TEXT NOT NULL,
	pr_id       TEXT NOT NULL,
	head_commit TEXT NOT NULL,
	message     TEXT NOT NULL,
	requester   TEXT NOT NULL,
	priority    INTEGER NOT NULL,
	approved_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (pipeline_id, pr_id)
);

CREATE TABLE IF NOT EXISTS running (
	pipeline_id    TEXT PRIMARY KEY,
	entry_json     JSONB NOT NULL,
	sub_state      TEXT NOT NULL,
	staging_commit TEXT NOT NULL DEFAULT '',
	ci_build       TEXT NOT NULL DEFAULT '',
	attempts       INTEGER NOT NULL DEFAULT 0,
	correlation_id TEXT NOT NULL,
	deadline       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS cached_tip (
	pipeline_id TEXT PRIMARY KEY,
	commit_sha  TEXT NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL
);
`)
	return err
}

func (s *Store) LoadAllPipelines(ctx context.Context) (map[string]pipeline.Record, error) {
	recs := make(map[string]pipeline.Record)

	rows, err := s.pool.Query(ctx, `SELECT pipeline_id, entry_id, pr_id, head_commit, message, requester, priority, approved_at FROM queue`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load queue: %w", err)
	}
	for rows.Next() {
		var pid string
		var e pipeline.Entry
		if err := rows.Scan(&pid, &e.ID, &e.PRID, &e.HeadCommit, &e.Message, &e.Requester, &e.Priority, &e.ApprovedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan queue row: %w", err)
		}
		rec := recs[pid]
		rec.Queue = append(rec.Queue, e)
		recs[pid] = rec
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runRows, err := s.pool.Query(ctx, `SELECT pipeline_id, entry_json, sub_state, staging_commit, ci_build, attempts, correlation_id, deadline FROM running`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load running: %w", err)
	}
	for runRows.Next() {
		var pid, subState, staging, build, corr string
		var entryJSON []byte
		var attempts int
		var deadline time.Time
		if err := runRows.Scan(&pid, &entryJSON, &subState, &staging, &build, &attempts, &corr, &deadline); err != nil {
			runRows.Close()
			return nil, fmt.Errorf("postgres: scan running row: %w", err)
		}
		var entry pipeline.Entry
		if err := json.Unmarshal(entryJSON, &entry); err != nil {
			runRows.Close()
			return nil, fmt.Errorf("postgres: unmarshal running entry: %w", err)
		}
		slot := &pipeline.RunningSlot{
			Entry: entry, SubState: pipeline.SubState(subState), StagingCommit: staging,
			CIBuild: build, Attempts: attempts, CorrelationID: corr, Deadline: deadline,
		}
		rec := recs[pid]
		rec.Running = slot
		recs[pid] = rec
	}
	runRows.Close()
	if err := runRows.Err(); err != nil {
		return nil, err
	}

	tipRows, err := s.pool.Query(ctx, `SELECT pipeline_id, commit_sha, observed_at FROM cached_tip`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load cached_tip: %w", err)
	}
	defer tipRows.Close()
	for tipRows.Next() {
		var pid, commit string
		var observed time.Time
		if err := tipRows.Scan(&pid, &commit, &observed); err != nil {
			return nil, fmt.Errorf("postgres: scan cached_tip row: %w", err)
		}
		tip := pipeline.CachedTip{Commit: commit, ObservedAt: observed}
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
	_, err := s.pool.Exec(ctx, `
INSERT INTO queue (pipeline_id, entry_id, pr_id, head_commit, message, requester, priority, approved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (pipeline_id, pr_id) DO UPDATE SET
	entry_id = excluded.entry_id, head_commit = excluded.head_commit, message = excluded.message,
	requester = excluded.requester, priority = excluded.priority, approved_at = excluded.approved_at
`, pipelineID, e.ID, e.PRID, e.HeadCommit, e.Message, e.Requester, e.Priority, e.ApprovedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert queue entry: %w", err)
	}
	return nil
}

func (s *Store) Dequeue(ctx context.Context, pipelineID string) (pipeline.Entry, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT entry_id, pr_id, head_commit, message, requester, priority, approved_at
FROM queue WHERE pipeline_id = $1
ORDER BY priority DESC, approved_at ASC, entry_id ASC LIMIT 1`, pipelineID)
	var e pipeline.Entry
	if err := row.Scan(&e.ID, &e.PRID, &e.HeadCommit, &e.Message, &e.Requester, &e.Priority, &e.ApprovedAt); err != nil {
		if err == pgx.ErrNoRows {
			return pipeline.Entry{}, false, nil
		}
		return pipeline.Entry{}, false, fmt.Errorf("postgres: dequeue: %w", err)
	}
	if err := s.Remove(ctx, pipelineID, e.PRID); err != nil {
		return pipeline.Entry{}, false, err
	}
	return e, true, nil
}

func (s *Store) Remove(ctx context.Context, pipelineID, prID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM queue WHERE pipeline_id = $1 AND pr_id = $2`, pipelineID, prID)
	if err != nil {
		return fmt.Errorf("postgres: remove queue entry: %w", err)
	}
	return nil
}

func (s *Store) ListQueue(ctx context.Context, pipelineID string) ([]pipeline.Entry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT entry_id, pr_id, head_commit, message, requester, priority, approved_at
FROM queue WHERE pipeline_id = $1 ORDER BY priority DESC, approved_at ASC, entry_id ASC`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list queue: %w", err)
	}
	defer rows.Close()
	var out []pipeline.Entry
	for rows.Next() {
		var e pipeline.Entry
		if err := rows.Scan(&e.ID, &e.PRID, &e.HeadCommit, &e.Message, &e.Requester, &e.Priority, &e.ApprovedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan queue row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) SetRunning(ctx context.Context, pipelineID string, slot *pipeline.RunningSlot) error {
	if slot == nil {
		_, err := s.pool.Exec(ctx, `DELETE FROM running WHERE pipeline_id = $1`, pipelineID)
		if err != nil {
			return fmt.Errorf("postgres: clear running: %w", err)
		}
		return nil
	}
	entryJSON, err := json.Marshal(slot.Entry)
	if err != nil {
		return fmt.Errorf("postgres: marshal running entry: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO running (pipeline_id, entry_json, sub_state, staging_commit, ci_build, attempts, correlation_id, deadline)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (pipeline_id) DO UPDATE SET
	entry_json = excluded.entry_json, sub_state = excluded.sub_state, staging_commit = excluded.staging_commit,
	ci_build = excluded.ci_build, attempts = excluded.attempts, correlation_id = excluded.correlation_id,
	deadline = excluded.deadline
`, pipelineID, entryJSON, string(slot.SubState), slot.StagingCommit, slot.CIBuild, slot.Attempts, slot.CorrelationID, slot.Deadline)
	if err != nil {
		return fmt.Errorf("postgres: upsert running: %w", err)
	}
	return nil
}

func (s *Store) GetRunning(ctx context.Context, pipelineID string) (*pipeline.RunningSlot, error) {
	row := s.pool.QueryRow(ctx, `
SELECT entry_json, sub_state, staging_commit, ci_build, attempts, correlation_id, deadline
FROM running WHERE pipeline_id = $1`, pipelineID)
	var entryJSON []byte
	var subState, staging, build, corr string
	var attempts int
	var deadline time.Time
	if err := row.Scan(&entryJSON, &subState, &staging, &build, &attempts, &corr, &deadline); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get running: %w", err)
	}
	var entry pipeline.Entry
	if err := json.Unmarshal(entryJSON, &entry); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal running entry: %w", err)
	}
	return &pipeline.RunningSlot{
		Entry: entry, SubState: pipeline.SubState(subState), StagingCommit: staging,
		CIBuild: build, Attempts: attempts, CorrelationID: corr, Deadline: deadline,
	}, nil
}

func (s *Store) SetCachedTip(ctx context.Context, pipelineID string, tip pipeline.CachedTip) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO cached_tip (pipeline_id, commit_sha, observed_at) VALUES ($1, $2, $3)
ON CONFLICT (pipeline_id) DO UPDATE SET commit_sha = excluded.commit_sha, observed_at = excluded.observed_at
`, pipelineID, tip.Commit, tip.ObservedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert cached_tip: %w", err)
	}
	return nil
}

func (s *Store) GetCachedTip(ctx context.Context, pipelineID string) (pipeline.CachedTip, error) {
	row := s.pool.QueryRow(ctx, `SELECT commit_sha, observed_at FROM cached_tip WHERE pipeline_id = $1`, pipelineID)
	var tip pipeline.CachedTip
	if err := row.Scan(&tip.Commit, &tip.ObservedAt); err != nil {
		if err == pgx.ErrNoRows {
			return pipeline.CachedTip{}, nil
		}
		return pipeline.CachedTip{}, fmt.Errorf("postgres: get cached_tip: %w", err)
	}
	return tip, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
