package history

import (
	"context"
	"sync"
	"time"
)

type memoryRepository struct {
	mu             sync.RWMutex
	sessions       map[string]Session
	threads        map[string]Thread
	threadSessions map[string][]string
}

var _ Repository = (*memoryRepository)(nil)

// NewMemoryRepository creates a repository that lives as long as the process.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		sessions:       make(map[string]Session),
		threads:        make(map[string]Thread),
		threadSessions: make(map[string][]string),
	}
}

func (r *memoryRepository) SaveSession(_ context.Context, session *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := r.sessions[session.ID]; ok {
		session.CreatedAt = existing.CreatedAt
	} else if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	r.sessions[session.ID] = *session
	return nil
}

func (r *memoryRepository) GetSession(_ context.Context, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *memoryRepository) BindThread(_ context.Context, threadID, sessionID string) (*Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindLocked(threadID, sessionID, time.Now().UTC())
	t := r.threads[threadID]
	return &t, nil
}

func (r *memoryRepository) bindLocked(threadID, sessionID string, now time.Time) {
	t, ok := r.threads[threadID]
	if !ok {
		t = Thread{ID: threadID, CreatedAt: now}
	}
	t.SessionID = sessionID
	t.UpdatedAt = now
	r.threads[threadID] = t

	for _, id := range r.threadSessions[threadID] {
		if id == sessionID {
			return
		}
	}
	r.threadSessions[threadID] = append(r.threadSessions[threadID], sessionID)
}

func (r *memoryRepository) GetThread(_ context.Context, threadID string) (*Thread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (r *memoryRepository) ThreadSessions(_ context.Context, threadID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids, ok := r.threadSessions[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), ids...), nil
}

func (r *memoryRepository) RebindThreads(_ context.Context, oldSessionID, newSessionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	moved := 0
	for id, t := range r.threads {
		if t.SessionID != oldSessionID {
			continue
		}
		r.bindLocked(id, newSessionID, now)
		moved++
	}
	if s, ok := r.sessions[oldSessionID]; ok {
		s.ReplacedBy = newSessionID
		s.UpdatedAt = now
		r.sessions[oldSessionID] = s
	}
	return moved, nil
}

func (r *memoryRepository) Close() error { return nil }
