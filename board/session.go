/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package board

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one shared board. Its lock serializes appends, deliveries,
// subscription changes, clears and the eviction check.
type Session struct {
	id       string
	code     string
	registry *Registry
	store    StrokeStore

	mu         sync.Mutex
	createdAt  time.Time
	lastActive time.Time
	members    map[*Subscriber]struct{}
	closed     bool

	hub     *Hub
	strokes *Strokes
}

type SessionInfo struct {
	Code        string    `json:"gameCode"`
	CreatedAt   time.Time `json:"createdAt"`
	LastActive  time.Time `json:"lastActive"`
	Connections int       `json:"connections"`
	Points      int       `json:"points"`
}

func newSession(code string, r *Registry) *Session {
	now := r.now()
	s := &Session{
		id:         uuid.NewString(),
		code:       code,
		registry:   r,
		store:      r.store,
		createdAt:  now,
		lastActive: now,
		members:    make(map[*Subscriber]struct{}),
	}
	s.hub = newHub(s)
	s.strokes = &Strokes{session: s}
	return s
}

func (s *Session) Code() string { return s.code }

func (s *Session) Hub() *Hub { return s.hub }

func (s *Session) Strokes() *Strokes { return s.strokes }

func (s *Session) touchLocked() {
	s.lastActive = s.registry.now()
}

func (s *Session) touch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionNotFound
	}
	s.touchLocked()
	return nil
}

// attach counts a connection against the session, which keeps it from
// being evicted while the connection lives. The first connection retains
// the session's points in stores that expire them.
func (s *Session) attach(ctx context.Context, sub *Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionNotFound
	}
	if rt, ok := s.store.(Retainer); ok && len(s.members) == 0 {
		if err := rt.Retain(ctx, s.code); err != nil {
			return err
		}
	}
	s.members[sub] = struct{}{}
	s.touchLocked()
	return nil
}

// detach releases a connection and closes its queue.
func (s *Session) detach(sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hub.unsubscribeAllLocked(sub)
	sub.close()

	if s.closed {
		return
	}
	delete(s.members, sub)
	s.touchLocked()

	if len(s.members) == 0 {
		s.releaseLocked()
	}
}

func (s *Session) releaseLocked() {
	rt, ok := s.store.(Retainer)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rt.Release(ctx, s.code); err != nil {
		s.registry.logger.Warn("failed to release session strokes", "code", s.code, "error", err)
	}
}

// Info reports the session's bookkeeping. The point count is read from
// the store and is omitted if the store cannot be reached.
func (s *Session) Info(ctx context.Context) (SessionInfo, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return SessionInfo{}, ErrSessionNotFound
	}
	info := SessionInfo{
		Code:        s.code,
		CreatedAt:   s.createdAt,
		LastActive:  s.lastActive,
		Connections: len(s.members),
	}
	s.mu.Unlock()

	n, err := s.store.Len(ctx, s.code)
	if err != nil {
		return info, err
	}
	info.Points = n

	return info, nil
}

// closeLocked marks the session gone and closes the queue of every
// attached connection.
func (s *Session) closeLocked() {
	s.closed = true
	s.hub.closeAllLocked()
	if len(s.members) > 0 {
		s.releaseLocked()
	}
	for sub := range s.members {
		sub.close()
		delete(s.members, sub)
	}
}

// Strokes is the session-scoped view of the stroke store.
type Strokes struct {
	session *Session
}

func (st *Strokes) Append(ctx context.Context, p Point) error {
	return st.AppendBatch(ctx, []Point{p})
}

// AppendBatch stores points all at once or not at all.
func (st *Strokes) AppendBatch(ctx context.Context, points []Point) error {
	s := st.session

	bound, err := bindPoints(s.code, points)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionNotFound
	}
	if err := s.store.Append(ctx, s.code, bound); err != nil {
		return err
	}

	s.touchLocked()
	s.registry.metrics.RecordPoints(len(bound))

	return nil
}

// ReadAll returns every stored point, grouped by stroke.
func (st *Strokes) ReadAll(ctx context.Context) ([]Point, error) {
	s := st.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionNotFound
	}
	s.touchLocked()

	return s.store.ReadAll(ctx, s.code)
}

// Clear drops every stored point. Clearing an empty session is a no-op.
func (st *Strokes) Clear(ctx context.Context) error {
	s := st.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionNotFound
	}
	s.touchLocked()

	return s.store.Clear(ctx, s.code)
}
