package memory

import (
	"context"
	"sync"

	"github.com/mitsimi/oxitrack/internal/models"
	"github.com/mitsimi/oxitrack/internal/store"
)

var _ store.SessionStore = (*SessionStore)(nil)

// SessionStore implements store.SessionStore using in-memory storage.
// This implementation is for testing only - data is lost on restart.
type SessionStore struct {
	mu sync.Mutex

	nextID    int64
	sessions  map[int64]*models.Session // id -> Session
	byProject map[string][]int64        // project_handle -> []id
	closed    bool
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		nextID:    1,
		sessions:  make(map[int64]*models.Session),
		byProject: make(map[string][]int64),
	}
}

// InTx holds the store lock for the whole callback. Writes are applied to a
// copy of the affected project's rows and swapped in only if fn succeeds.
func (s *SessionStore) InTx(ctx context.Context, projectHandle string, fn func(tx store.SessionTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrStoreClosed
	}

	tx := &sessionTx{
		parent:  s,
		nextID:  s.nextID,
		staged:  make(map[int64]*models.Session),
		deleted: make(map[int64]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx.commit()
	return nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(ctx context.Context, id int64) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, store.ErrSessionNotFound
	}

	// Clone to avoid external modifications
	return session.Clone(), nil
}

// CloseStale closes open sessions whose last heartbeat is at or before cutoff.
func (s *SessionStore) CloseStale(ctx context.Context, cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, session := range s.sessions {
		if session.IsOpen() && session.LastHeartbeat <= cutoff {
			end := session.LastHeartbeat
			session.EndTime = &end
			count++
		}
	}

	return count, nil
}

// Ping always succeeds unless the store has been closed.
func (s *SessionStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrStoreClosed
	}
	return nil
}

// Close marks the store as closed.
func (s *SessionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// removeFromProjectIndex removes a session ID from the project's session list.
func (s *SessionStore) removeFromProjectIndex(projectHandle string, id int64) {
	ids := s.byProject[projectHandle]
	for i, existing := range ids {
		if existing == id {
			s.byProject[projectHandle] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	// Clean up empty entries
	if len(s.byProject[projectHandle]) == 0 {
		delete(s.byProject, projectHandle)
	}
}

// sessionTx stages changes on top of the parent store. It is only used while
// the parent lock is held.
type sessionTx struct {
	parent  *SessionStore
	nextID  int64
	staged  map[int64]*models.Session // id -> pending row
	deleted map[int64]bool
}

// lookup returns the current view of a session, staged rows first.
func (tx *sessionTx) lookup(id int64) (*models.Session, bool) {
	if tx.deleted[id] {
		return nil, false
	}
	if session, ok := tx.staged[id]; ok {
		return session, true
	}
	session, ok := tx.parent.sessions[id]
	return session, ok
}

// stage returns a mutable copy of a session that will be committed.
func (tx *sessionTx) stage(id int64) (*models.Session, bool) {
	if session, ok := tx.staged[id]; ok {
		return session, true
	}
	session, ok := tx.lookup(id)
	if !ok {
		return nil, false
	}
	clone := session.Clone()
	tx.staged[id] = clone
	return clone, true
}

// projectSessions returns every visible session for a project handle.
func (tx *sessionTx) projectSessions(projectHandle string) []*models.Session {
	var out []*models.Session
	seen := make(map[int64]bool)
	for _, id := range tx.parent.byProject[projectHandle] {
		if session, ok := tx.lookup(id); ok {
			out = append(out, session)
			seen[id] = true
		}
	}
	for id, session := range tx.staged {
		if !seen[id] && !tx.deleted[id] && session.ProjectHandle == projectHandle {
			out = append(out, session)
		}
	}
	return out
}

func (tx *sessionTx) FindRecentOpenSession(ctx context.Context, projectHandle string, notBefore int64) (*models.Session, error) {
	var best *models.Session
	for _, session := range tx.projectSessions(projectHandle) {
		if session.LastHeartbeat <= notBefore {
			continue
		}
		if best == nil ||
			session.LastHeartbeat > best.LastHeartbeat ||
			(session.LastHeartbeat == best.LastHeartbeat && session.ID > best.ID) {
			best = session
		}
	}

	if best == nil {
		return nil, store.ErrSessionNotFound
	}
	return best.Clone(), nil
}

func (tx *sessionTx) Touch(ctx context.Context, id int64, timestamp int64) error {
	session, ok := tx.stage(id)
	if !ok {
		return store.ErrSessionNotFound
	}
	if timestamp > session.LastHeartbeat {
		session.LastHeartbeat = timestamp
	}
	return nil
}

func (tx *sessionTx) CloseOpenSessions(ctx context.Context, projectHandle string) (int, error) {
	count := 0
	for _, session := range tx.projectSessions(projectHandle) {
		if !session.IsOpen() {
			continue
		}
		staged, _ := tx.stage(session.ID)
		end := staged.LastHeartbeat
		staged.EndTime = &end
		count++
	}
	return count, nil
}

func (tx *sessionTx) Create(ctx context.Context, projectHandle string, startTime, lastHeartbeat int64) (int64, error) {
	// Replace a session with the same (project_handle, start_time)
	for _, session := range tx.projectSessions(projectHandle) {
		if session.StartTime == startTime {
			tx.deleted[session.ID] = true
			delete(tx.staged, session.ID)
		}
	}

	id := tx.nextID
	tx.nextID++
	tx.staged[id] = &models.Session{
		ID:            id,
		ProjectHandle: projectHandle,
		StartTime:     startTime,
		LastHeartbeat: lastHeartbeat,
	}
	return id, nil
}

// commit applies staged rows to the parent store.
func (tx *sessionTx) commit() {
	s := tx.parent

	for id := range tx.deleted {
		session, ok := s.sessions[id]
		if !ok {
			continue
		}
		s.removeFromProjectIndex(session.ProjectHandle, id)
		delete(s.sessions, id)
	}

	for id, session := range tx.staged {
		if _, exists := s.sessions[id]; !exists {
			s.byProject[session.ProjectHandle] = append(s.byProject[session.ProjectHandle], id)
		}
		s.sessions[id] = session
	}

	s.nextID = tx.nextID
}
