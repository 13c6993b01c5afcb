package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// sqlRepository works on SQLite and PostgreSQL; queries are written with ?
// placeholders and rebound for the driver.
type sqlRepository struct {
	db *sqlx.DB
}

var _ Repository = (*sqlRepository)(nil)

// NewSQLRepository creates the schema if needed. The caller owns db.
func NewSQLRepository(db *sqlx.DB) (Repository, error) {
	repo := &sqlRepository{db: db}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return repo, nil
}

func (r *sqlRepository) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS acp_sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL DEFAULT '',
			cwd TEXT NOT NULL DEFAULT '',
			replaced_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS acp_threads (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_acp_threads_session ON acp_threads(session_id)`,
		`CREATE TABLE IF NOT EXISTS acp_thread_sessions (
			thread_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			bound_at TIMESTAMP NOT NULL,
			PRIMARY KEY (thread_id, session_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *sqlRepository) SaveSession(ctx context.Context, session *Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO acp_sessions (id, agent_id, cwd, replaced_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			cwd = excluded.cwd,
			replaced_by = excluded.replaced_by,
			updated_at = excluded.updated_at
	`), session.ID, session.AgentID, session.Cwd, session.ReplacedBy, session.CreatedAt, session.UpdatedAt)
	return err
}

func (r *sqlRepository) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	err := r.db.GetContext(ctx, &s, r.db.Rebind(`
		SELECT id, agent_id, cwd, replaced_by, created_at, updated_at
		FROM acp_sessions
		WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sqlRepository) BindThread(ctx context.Context, threadID, sessionID string) (*Thread, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := r.bindTx(ctx, tx, threadID, sessionID, time.Now().UTC()); err != nil {
		return nil, err
	}
	var t Thread
	if err := tx.GetContext(ctx, &t, r.db.Rebind(`
		SELECT id, session_id, created_at, updated_at FROM acp_threads WHERE id = ?
	`), threadID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *sqlRepository) bindTx(ctx context.Context, tx *sqlx.Tx, threadID, sessionID string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO acp_threads (id, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at = excluded.updated_at
	`), threadID, sessionID, now, now); err != nil {
		return fmt.Errorf("bind thread: %w", err)
	}

	var position int
	if err := tx.GetContext(ctx, &position, r.db.Rebind(`
		SELECT COALESCE(MAX(position), 0) FROM acp_thread_sessions WHERE thread_id = ?
	`), threadID); err != nil {
		return fmt.Errorf("read thread history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO acp_thread_sessions (thread_id, session_id, position, bound_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (thread_id, session_id) DO NOTHING
	`), threadID, sessionID, position+1, now); err != nil {
		return fmt.Errorf("record thread history: %w", err)
	}
	return nil
}

func (r *sqlRepository) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	var t Thread
	err := r.db.GetContext(ctx, &t, r.db.Rebind(`
		SELECT id, session_id, created_at, updated_at FROM acp_threads WHERE id = ?
	`), threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *sqlRepository) ThreadSessions(ctx context.Context, threadID string) ([]string, error) {
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, r.db.Rebind(`
		SELECT session_id FROM acp_thread_sessions
		WHERE thread_id = ?
		ORDER BY position ASC
	`), threadID); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return ids, nil
}

func (r *sqlRepository) RebindThreads(ctx context.Context, oldSessionID, newSessionID string) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var threadIDs []string
	if err := tx.SelectContext(ctx, &threadIDs, r.db.Rebind(`
		SELECT id FROM acp_threads WHERE session_id = ?
	`), oldSessionID); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	for _, id := range threadIDs {
		if err := r.bindTx(ctx, tx, id, newSessionID, now); err != nil {
			return 0, err
		}
	}
	if _, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE acp_sessions SET replaced_by = ?, updated_at = ? WHERE id = ?
	`), newSessionID, now, oldSessionID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(threadIDs), nil
}

// Close is a no-op; the connection belongs to the persistence provider.
func (r *sqlRepository) Close() error { return nil }
