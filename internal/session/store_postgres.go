package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/tasks"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/window"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSessionSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSessionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS generation_sessions (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			doc_type TEXT NOT NULL,
			page_count INTEGER NOT NULL DEFAULT 0,
			window_start INTEGER NOT NULL,
			window_end INTEGER NOT NULL,
			current_page INTEGER NOT NULL,
			state TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			revision BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_generation_sessions_document ON generation_sessions (document_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS page_tasks (
			session_id TEXT NOT NULL REFERENCES generation_sessions(id) ON DELETE CASCADE,
			page INTEGER NOT NULL,
			status TEXT NOT NULL,
			generation BIGINT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			result_ref TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL,
			PRIMARY KEY (session_id, page)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, sess Session) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO generation_sessions (
			id, document_id, owner_id, doc_type, page_count, window_start, window_end,
			current_page, state, failure_reason, revision, created_at, updated_at, ended_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
		)
		ON CONFLICT (id) DO UPDATE SET
			doc_type=EXCLUDED.doc_type,
			page_count=EXCLUDED.page_count,
			window_start=EXCLUDED.window_start,
			window_end=EXCLUDED.window_end,
			current_page=EXCLUDED.current_page,
			state=EXCLUDED.state,
			failure_reason=EXCLUDED.failure_reason,
			revision=EXCLUDED.revision,
			updated_at=EXCLUDED.updated_at,
			ended_at=EXCLUDED.ended_at
		WHERE generation_sessions.revision < EXCLUDED.revision`,
		sess.ID,
		sess.DocumentID,
		sess.OwnerID,
		string(sess.DocType),
		sess.PageCount,
		sess.Window.Start,
		sess.Window.End,
		sess.CurrentPage,
		string(sess.State),
		sess.FailureReason,
		sess.Revision,
		sess.CreatedAt,
		sess.UpdatedAt,
		sess.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// A newer revision is already stored.
		return nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM page_tasks WHERE session_id=$1`, sess.ID); err != nil {
		return fmt.Errorf("delete prior page tasks: %w", err)
	}

	batch := &pgx.Batch{}
	for _, t := range sess.Tasks {
		batch.Queue(
			`INSERT INTO page_tasks (
				session_id, page, status, generation, attempts, error, result_ref,
				created_at, started_at, ended_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			sess.ID,
			t.Page,
			string(t.Status),
			int64(t.Generation),
			t.Attempts,
			t.Error,
			t.ResultRef,
			t.CreatedAt,
			t.StartedAt,
			t.EndedAt,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert page tasks: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var (
		sess    Session
		docType string
		state   string
		ended   *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, document_id, owner_id, doc_type, page_count, window_start, window_end,
		        current_page, state, failure_reason, revision, created_at, updated_at, ended_at
		   FROM generation_sessions WHERE id=$1`,
		sessionID,
	).Scan(
		&sess.ID,
		&sess.DocumentID,
		&sess.OwnerID,
		&docType,
		&sess.PageCount,
		&sess.Window.Start,
		&sess.Window.End,
		&sess.CurrentPage,
		&state,
		&sess.FailureReason,
		&sess.Revision,
		&sess.CreatedAt,
		&sess.UpdatedAt,
		&ended,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrStoreNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	sess.DocType = window.DocType(docType)
	sess.State = tasks.SessionState(state)
	sess.EndedAt = ended

	sess.Tasks, err = s.loadTasks(ctx, sess.ID)
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *PostgresStore) loadTasks(ctx context.Context, sessionID string) (map[int]tasks.PageTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT page, status, generation, attempts, error, result_ref, created_at, started_at, ended_at
		   FROM page_tasks WHERE session_id=$1 ORDER BY page ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list page tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[int]tasks.PageTask)
	for rows.Next() {
		var (
			t          tasks.PageTask
			status     string
			generation int64
		)
		if err := rows.Scan(
			&t.Page,
			&status,
			&generation,
			&t.Attempts,
			&t.Error,
			&t.ResultRef,
			&t.CreatedAt,
			&t.StartedAt,
			&t.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scan page task: %w", err)
		}
		t.Status = tasks.Status(status)
		t.Generation = uint64(generation)
		out[t.Page] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page task rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
