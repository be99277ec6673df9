/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package board

import (
	"context"
	"sync"
)

// MemoryStore keeps every session's strokes in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	boards map[string]*arena
}

// arena indexes one session's points by stroke id.
type arena struct {
	order   []string
	strokes map[string][]Point
	count   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{boards: make(map[string]*arena)}
}

func (m *MemoryStore) Append(ctx context.Context, code string, points []Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.boards[code]
	if a == nil {
		a = &arena{strokes: make(map[string][]Point)}
		m.boards[code] = a
	}

	for _, p := range points {
		if _, ok := a.strokes[p.StrokeID]; !ok {
			a.order = append(a.order, p.StrokeID)
		}
		a.strokes[p.StrokeID] = append(a.strokes[p.StrokeID], p)
	}
	a.count += len(points)

	return nil
}

func (m *MemoryStore) ReadAll(ctx context.Context, code string) ([]Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	a := m.boards[code]
	if a == nil {
		return []Point{}, nil
	}

	out := make([]Point, 0, a.count)
	for _, id := range a.order {
		out = append(out, a.strokes[id]...)
	}
	return out, nil
}

func (m *MemoryStore) Len(ctx context.Context, code string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if a := m.boards[code]; a != nil {
		return a.count, nil
	}
	return 0, nil
}

func (m *MemoryStore) Clear(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.boards, code)
	m.mu.Unlock()

	return nil
}
