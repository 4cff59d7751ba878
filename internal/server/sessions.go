package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tmobile/percy-cake-sub001/internal/engine"
	"github.com/tmobile/percy-cake-sub001/internal/state"
)

// repoHandle is the single engine of one {username}!{repoName} folder. Every
// session on the folder goes through it, so metadata and drafts have one
// in-memory owner.
type repoHandle struct {
	folder string
	mu     sync.Mutex
	engine *engine.Engine
	// guarded by SessionManager.mu
	refs int
}

// Session binds a logged-in user to the engine of their repository.
type Session struct {
	ID        string
	Principal engine.Principal
	CreatedAt time.Time

	repo *repoHandle
}

// Do runs fn with exclusive access to the session's repository.
func (s *Session) Do(fn func(e *engine.Engine) error) error {
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()
	return fn(s.repo.engine)
}

// Opener opens the engine for a principal.
type Opener func(ctx context.Context, p engine.Principal) (*engine.Engine, error)

// SessionManager handles concurrent access to sessions
type SessionManager struct {
	open     Opener
	sessions map[string]*Session
	folders  map[string]*repoHandle
	mu       sync.RWMutex
}

func NewSessionManager(open Opener) *SessionManager {
	return &SessionManager{
		open:     open,
		sessions: make(map[string]*Session),
		folders:  make(map[string]*repoHandle),
	}
}

// CreateSession opens p's repository and registers a new session for it.
// A login on a folder that already has sessions reopens the folder's engine
// with p's credentials and branch; existing sessions follow it.
func (sm *SessionManager) CreateSession(ctx context.Context, p engine.Principal) (*Session, error) {
	if p.RepoName == "" {
		p.RepoName = engine.RepoNameFromURL(p.RepoURL)
	}
	h := sm.acquire(state.RepoFolder(p.Username, p.RepoName))

	h.mu.Lock()
	e, err := sm.open(ctx, p)
	if err == nil {
		h.engine = e
	}
	h.mu.Unlock()
	if err != nil {
		sm.release(h)
		return nil, err
	}

	s := &Session{
		ID:        uuid.NewString(),
		Principal: p,
		CreatedAt: time.Now(),
		repo:      h,
	}
	sm.mu.Lock()
	sm.sessions[s.ID] = s
	sm.mu.Unlock()
	return s, nil
}

// acquire returns the handle of folder, creating it, and counts one more user.
func (sm *SessionManager) acquire(folder string) *repoHandle {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	h, ok := sm.folders[folder]
	if !ok {
		h = &repoHandle{folder: folder}
		sm.folders[folder] = h
	}
	h.refs++
	return h
}

// release drops one user of h and forgets the folder once nobody uses it.
func (sm *SessionManager) release(h *repoHandle) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.releaseLocked(h)
}

func (sm *SessionManager) releaseLocked(h *repoHandle) {
	h.refs--
	if h.refs <= 0 && sm.folders[h.folder] == h {
		delete(sm.folders, h.folder)
	}
}

// GetSession retrieves a session by ID
func (sm *SessionManager) GetSession(id string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[id]
	return s, ok
}

// RemoveSession forgets a session. Its drafts stay on disk.
func (sm *SessionManager) RemoveSession(id string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	if !ok {
		return false
	}
	delete(sm.sessions, id)
	sm.releaseLocked(s.repo)
	return true
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// folderCount returns the number of repository folders with live users.
func (sm *SessionManager) folderCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.folders)
}
