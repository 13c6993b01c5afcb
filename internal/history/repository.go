// Package history records which agent sessions existed and which UI
// threads were bound to them, so a thread can follow its conversation
// across session recovery.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a session or thread is unknown.
var ErrNotFound = errors.New("not found")

// Session is an agent session created by the bridge.
type Session struct {
	ID         string    `db:"id" json:"sessionId"`
	AgentID    string    `db:"agent_id" json:"agentId"`
	Cwd        string    `db:"cwd" json:"cwd"`
	ReplacedBy string    `db:"replaced_by" json:"replacedBy,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

// Thread is a UI conversation and the session it currently uses.
type Thread struct {
	ID        string    `db:"id" json:"threadId"`
	SessionID string    `db:"session_id" json:"sessionId"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

type Repository interface {
	SaveSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	BindThread(ctx context.Context, threadID, sessionID string) (*Thread, error)
	GetThread(ctx context.Context, threadID string) (*Thread, error)
	// ThreadSessions lists every session a thread was bound to, oldest first.
	ThreadSessions(ctx context.Context, threadID string) ([]string, error)
	// RebindThreads moves threads of oldSessionID to newSessionID and marks
	// the old session replaced. It returns the number of threads moved.
	RebindThreads(ctx context.Context, oldSessionID, newSessionID string) (int, error)
	Close() error
}

// Provide returns the SQL repository on db, or the in-memory one when db
// is nil.
func Provide(db *sqlx.DB) (Repository, func() error, error) {
	if db == nil {
		repo := NewMemoryRepository()
		return repo, repo.Close, nil
	}
	repo, err := NewSQLRepository(db)
	if err != nil {
		return nil, nil, err
	}
	return repo, repo.Close, nil
}
