package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/grachalle-go-api/internal/observability"
)

// ErrSessionNotFound is returned when a session id is unknown or has expired.
var ErrSessionNotFound = errors.New("exam session not found")

const defaultSweepInterval = time.Minute

// SessionRegistry owns every live exam session of the process.
type SessionRegistry interface {
	Create() *ExamSession
	Get(id string) (*ExamSession, error)
	Delete(id string) error
	Len() int
	Sweep(now time.Time) int
	Start(ctx context.Context)
}

// RegistryConfig controls session construction and expiry.
type RegistryConfig struct {
	Session       SessionConfig
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*ExamSession
	cfg      RegistryConfig
	deps     SessionDependencies
	logger   zerolog.Logger
}

// NewSessionRegistry constructs an in-memory session registry.
func NewSessionRegistry(cfg RegistryConfig, deps SessionDependencies) SessionRegistry {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &sessionRegistry{
		sessions: make(map[string]*ExamSession),
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With().Str("component", "session_registry").Logger(),
	}
}

func (r *sessionRegistry) Create() *ExamSession {
	session := NewExamSession(uuid.NewString(), r.cfg.Session, r.deps)

	r.mu.Lock()
	r.sessions[session.ID()] = session
	r.mu.Unlock()

	observability.SessionsCreated().Inc()
	observability.SessionsActive().Inc()
	r.logger.Info().Str("session_id", session.ID()).Msg("exam session created")
	return session
}

func (r *sessionRegistry) Get(id string) (*ExamSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (r *sessionRegistry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	observability.SessionsActive().Dec()
	r.logger.Info().Str("session_id", id).Msg("exam session deleted")
	return nil
}

func (r *sessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep drops sessions idle for longer than the configured TTL. A zero TTL keeps everything.
func (r *sessionRegistry) Sweep(now time.Time) int {
	if r.cfg.IdleTTL <= 0 {
		return 0
	}

	r.mu.RLock()
	candidates := make([]*ExamSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		candidates = append(candidates, session)
	}
	r.mu.RUnlock()

	var expired []string
	for _, session := range candidates {
		if now.Sub(session.LastActivity()) > r.cfg.IdleTTL {
			expired = append(expired, session.ID())
		}
	}
	if len(expired) == 0 {
		return 0
	}

	r.mu.Lock()
	removed := 0
	for _, id := range expired {
		if _, ok := r.sessions[id]; ok {
			delete(r.sessions, id)
			removed++
		}
	}
	r.mu.Unlock()

	observability.SessionsActive().Sub(float64(removed))
	r.logger.Info().Int("removed", removed).Msg("expired exam sessions swept")
	return removed
}

// Start sweeps on an interval until ctx is cancelled.
func (r *sessionRegistry) Start(ctx context.Context) {
	if r.cfg.IdleTTL <= 0 {
		return
	}

	ticker := time.NewTicker(r.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(r.deps.Now())
			}
		}
	}()
}
