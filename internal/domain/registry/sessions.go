package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/preference"
	"github.com/carelink/carelink/internal/domain/team"
	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/inflight"
)

type session struct {
	registry *Registry

	mu    sync.RWMutex
	token string
}

func (s *session) setToken(t string) {
	s.mu.Lock()
	s.token = t
	s.mu.Unlock()
}

func (s *session) currentToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Sessions keeps one Registry per logged-in principal. Sessions share the
// in-flight guard and the preference repository.
type Sessions struct {
	backend Backend
	prefs   preference.Repository
	guard   inflight.Guard
	logger  zerolog.Logger
	opts    Options

	mu       sync.Mutex
	sessions map[string]*session
}

func NewSessions(backend Backend, prefs preference.Repository, guard inflight.Guard, logger zerolog.Logger, opts Options) *Sessions {
	return &Sessions{
		backend:  backend,
		prefs:    prefs,
		guard:    guard,
		logger:   logger,
		opts:     opts,
		sessions: make(map[string]*session),
	}
}

func userOf(p auth.Principal) team.User {
	return team.User{
		UserID:    p.UserID,
		Username:  p.Email,
		Role:      team.UserRole(p.Role),
		FirstName: p.FirstName,
		LastName:  p.LastName,
	}
}

// Start opens a session for p, replacing any previous one, and loads its
// teams.
func (s *Sessions) Start(ctx context.Context, p auth.Principal) (*Registry, error) {
	if p.UserID == "" {
		return nil, fmt.Errorf("%w: missing principal", apperr.ErrAuthorization)
	}
	sess := &session{token: p.Token}
	col, err := s.backend.Collaborators(p, sess.currentToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrAuthorization, err)
	}
	sess.registry = New(userOf(p), col, s.prefs, s.guard, s.logger, s.opts)
	if sink := s.opts.Events; sink != nil {
		uid := p.UserID
		sess.registry.Store().Subscribe(func(e team.Event) { sink.Publish(uid, e) })
	}

	if err := sess.registry.Refresh(ctx, true); err != nil {
		sess.registry.Close()
		return nil, err
	}

	s.mu.Lock()
	prev := s.sessions[p.UserID]
	s.sessions[p.UserID] = sess
	s.mu.Unlock()
	if prev != nil {
		prev.registry.Close()
	}
	s.logger.Info().Str("user_id", p.UserID).Msg("session started")
	return sess.registry, nil
}

// Get returns the session of p, starting one if needed. The session's
// credential is replaced by the one of the current request.
func (s *Sessions) Get(ctx context.Context, p auth.Principal) (*Registry, error) {
	s.mu.Lock()
	sess, ok := s.sessions[p.UserID]
	s.mu.Unlock()
	if ok {
		sess.setToken(p.Token)
		return sess.registry, nil
	}
	return s.Start(ctx, p)
}

// End closes the session of userID. It reports whether one existed.
func (s *Sessions) End(userID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	delete(s.sessions, userID)
	s.mu.Unlock()
	if ok {
		sess.registry.Close()
		s.logger.Info().Str("user_id", userID).Msg("session ended")
	}
	return ok
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
