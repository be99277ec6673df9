/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package board

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const DefaultMaxAttempts = 32

type RegistryConfig struct {
	Store       StrokeStore
	CodeLength  int
	MaxAttempts int
	Metrics     *Metrics
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Registry owns the live sessions, keyed by normalized code. Its lock is
// never acquired while a session lock is held.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store       StrokeStore
	codeLength  int
	maxAttempts int
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
	newCode     func(int) (string, error)
}

func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		sessions:    make(map[string]*Session),
		store:       cfg.Store,
		codeLength:  cfg.CodeLength,
		maxAttempts: cfg.MaxAttempts,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         cfg.Clock,
		newCode:     randomCode,
	}

	if r.store == nil {
		r.store = NewMemoryStore()
	}
	if r.codeLength <= 0 {
		r.codeLength = DefaultCodeLength
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = DefaultMaxAttempts
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "registry")
	if r.now == nil {
		r.now = time.Now
	}

	return r
}

func (r *Registry) CodeLength() int { return r.codeLength }

// Create allocates a fresh session with an empty stroke store.
func (r *Registry) Create(ctx context.Context) (string, error) {
	for range r.maxAttempts {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		code, err := r.newCode(r.codeLength)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}

		r.mu.Lock()
		if _, exists := r.sessions[code]; exists {
			r.mu.Unlock()
			continue
		}
		s := newSession(code, r)
		r.sessions[code] = s
		r.mu.Unlock()

		// Leftovers from an earlier process sharing the backend.
		if err := r.store.Clear(ctx, code); err != nil {
			r.mu.Lock()
			delete(r.sessions, code)
			r.mu.Unlock()
			return "", err
		}

		r.metrics.SessionCreated()
		r.logger.Info("session created", "code", code)

		return code, nil
	}

	return "", fmt.Errorf("%w after %d attempts", ErrCodeSpaceExhausted, r.maxAttempts)
}

// Get resolves code, ignoring case and surrounding whitespace.
func (r *Registry) Get(code string) (*Session, error) {
	code = NormalizeCode(code)

	r.mu.RLock()
	s, ok := r.sessions[code]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (r *Registry) Touch(code string) error {
	s, err := r.Get(code)
	if err != nil {
		return err
	}
	return s.touch()
}

// Forget clears and removes a session, ending every subscription on it.
func (r *Registry) Forget(ctx context.Context, code string) error {
	s, err := r.Get(code)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	s.closeLocked()
	s.mu.Unlock()

	// The closed session keeps its code reserved until the store is clear.
	if err := r.store.Clear(ctx, s.code); err != nil {
		r.logger.Warn("failed to clear forgotten session", "code", s.code, "error", err)
	}

	r.remove(s, false)

	r.logger.Info("session forgotten", "code", s.code)

	return nil
}

// EvictIdle removes sessions with no attached connections whose last
// activity is older than threshold. It returns the evicted codes.
func (r *Registry) EvictIdle(ctx context.Context, threshold time.Duration) []string {
	cutoff := r.now().Add(-threshold)

	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	var evicted []string

	for _, s := range candidates {
		s.mu.Lock()
		idle := !s.closed && len(s.members) == 0 && s.lastActive.Before(cutoff)
		if idle {
			s.closeLocked()
		}
		s.mu.Unlock()

		if !idle {
			continue
		}

		if err := r.store.Clear(ctx, s.code); err != nil {
			r.logger.Warn("failed to clear evicted session", "code", s.code, "error", err)
		}

		r.remove(s, true)

		evicted = append(evicted, s.code)
	}

	if len(evicted) > 0 {
		slices.Sort(evicted)
		r.logger.Info("evicted idle sessions", "count", len(evicted), "codes", evicted)
	}

	return evicted
}

func (r *Registry) remove(s *Session, evicted bool) {
	r.mu.Lock()
	if r.sessions[s.code] == s {
		delete(r.sessions, s.code)
	}
	r.mu.Unlock()

	r.metrics.SessionRemoved(evicted)
}

// Run evicts idle sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval, threshold time.Duration) {
	if interval <= 0 || threshold <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle(ctx, threshold)
		}
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Codes returns the live session codes in sorted order.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	codes := make([]string, 0, len(r.sessions))
	for code := range r.sessions {
		codes = append(codes, code)
	}
	r.mu.RUnlock()

	slices.Sort(codes)
	return codes
}
