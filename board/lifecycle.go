/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package board

import (
	"context"
	"errors"
	"log/slog"
)

// Lifecycle creates, clears and forgets sessions on behalf of the HTTP API.
type Lifecycle struct {
	registry *Registry
	logger   *slog.Logger
}

func NewLifecycle(r *Registry, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{registry: r, logger: logger.With("component", "lifecycle")}
}

func (l *Lifecycle) CreateSession(ctx context.Context) (string, error) {
	return l.registry.Create(ctx)
}

// ClearSession empties the session's strokes and notifies drawing
// subscribers. The session itself stays alive.
func (l *Lifecycle) ClearSession(ctx context.Context, code string) error {
	s, err := l.registry.Get(code)
	if err != nil {
		return err
	}
	if err := s.hub.Clear(ctx); err != nil {
		return err
	}

	l.logger.Info("session cleared", "code", s.code)

	return nil
}

func (l *Lifecycle) ForgetSession(ctx context.Context, code string) error {
	return l.registry.Forget(ctx, code)
}

func (l *Lifecycle) Describe(ctx context.Context, code string) (SessionInfo, error) {
	s, err := l.registry.Get(code)
	if err != nil {
		return SessionInfo{}, err
	}
	return s.Info(ctx)
}

// AllStrokes returns the points of every live session, sessions in code
// order. Every point carries its session's code.
func (l *Lifecycle) AllStrokes(ctx context.Context) ([]Point, error) {
	out := []Point{}

	for _, code := range l.registry.Codes() {
		s, err := l.registry.Get(code)
		if err != nil {
			continue
		}

		points, err := s.Strokes().ReadAll(ctx)
		switch {
		case errors.Is(err, ErrSessionNotFound):
			continue
		case err != nil:
			return nil, err
		}
		out = append(out, points...)
	}

	return out, nil
}
