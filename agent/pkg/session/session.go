package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/churnguard/lake/agent/pkg/prompt"
	"github.com/churnguard/lake/api/metrics"
)

const (
	DefaultTTL           = 30 * time.Minute
	DefaultGenerationRPS = 1.0
	DefaultBurst         = 5
	DefaultMaxHistory    = 20
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
)

type StoreConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	// TTL is how long a session lives after its last use.
	TTL time.Duration
	// GenerationRPS and Burst bound generation calls per session.
	GenerationRPS float64
	Burst         int
	MaxHistory    int
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.GenerationRPS <= 0 {
		cfg.GenerationRPS = DefaultGenerationRPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	return nil
}

// Session is the per-conversation context: the dataset it is bound to,
// the turns asked so far and its generation budget.
type Session struct {
	id         uuid.UUID
	datasetRef string
	createdAt  time.Time
	clock      clockwork.Clock
	maxHistory int

	mu       sync.Mutex
	lastSeen time.Time
	history  []prompt.Turn
	limiter  *rate.Limiter
}

func (s *Session) ID() uuid.UUID        { return s.id }
func (s *Session) DatasetRef() string   { return s.datasetRef }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// History returns a copy of the recorded turns, oldest first.
func (s *Session) History() []prompt.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]prompt.Turn(nil), s.history...)
}

// Record appends a turn, keeping at most the configured number.
func (s *Session) Record(t prompt.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, t)
	if over := len(s.history) - s.maxHistory; over > 0 {
		s.history = append([]prompt.Turn(nil), s.history[over:]...)
	}
}

// AllowGeneration takes one token from the session's generation budget.
func (s *Session) AllowGeneration() bool {
	ok := s.limiter.AllowN(s.clock.Now(), 1)
	if !ok {
		metrics.GenerationRateLimitedTotal.Inc()
	}
	return ok
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) expired(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen) > ttl
}

// Store keeps live sessions in memory and expires idle ones.
type Store struct {
	log *slog.Logger
	cfg StoreConfig

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:      cfg.Logger,
		cfg:      cfg,
		sessions: make(map[uuid.UUID]*Session),
	}, nil
}

// Create starts a session bound to datasetRef.
func (st *Store) Create(datasetRef string) *Session {
	now := st.cfg.Clock.Now()
	s := &Session{
		id:         uuid.New(),
		datasetRef: datasetRef,
		createdAt:  now,
		clock:      st.cfg.Clock,
		maxHistory: st.cfg.MaxHistory,
		lastSeen:   now,
		limiter:    rate.NewLimiter(rate.Limit(st.cfg.GenerationRPS), st.cfg.Burst),
	}

	st.mu.Lock()
	st.sessions[s.id] = s
	n := len(st.sessions)
	st.mu.Unlock()

	metrics.SessionsActive.Set(float64(n))
	st.log.Debug("session: created", "session_id", s.id, "dataset", datasetRef)
	return s
}

// Get returns a live session and extends its lifetime.
func (st *Store) Get(id uuid.UUID) (*Session, error) {
	now := st.cfg.Clock.Now()

	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok && s.expired(now, st.cfg.TTL) {
		delete(st.sessions, id)
		n := len(st.sessions)
		st.mu.Unlock()
		metrics.SessionsActive.Set(float64(n))
		return nil, fmt.Errorf("%w: %s", ErrExpired, id)
	}
	st.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.touch(now)
	return s, nil
}

// Len returns the number of sessions held, including expired ones not yet
// swept.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Sweep removes expired sessions and returns how many were removed.
func (st *Store) Sweep() int {
	now := st.cfg.Clock.Now()

	st.mu.Lock()
	removed := 0
	for id, s := range st.sessions {
		if s.expired(now, st.cfg.TTL) {
			delete(st.sessions, id)
			removed++
		}
	}
	n := len(st.sessions)
	st.mu.Unlock()

	metrics.SessionsActive.Set(float64(n))
	if removed > 0 {
		st.log.Debug("session: swept expired sessions", "removed", removed, "active", n)
	}
	return removed
}

// Run sweeps expired sessions every interval until ctx is done.
func (st *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := st.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			st.Sweep()
		}
	}
}
