/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package client

import (
	"sync"

	"github.com/Seednode/dynamicboard/board"
)

// Canvas is a local replica of a board. Points are kept per stroke in
// arrival order; a stroke may visit the same coordinate any number of
// times. A snapshot frame replaces everything applied before it, since
// it already holds every point delivered ahead of it.
type Canvas struct {
	mu      sync.Mutex
	order   []string
	strokes map[string][]board.Point
	count   int
}

func NewCanvas() *Canvas {
	return &Canvas{strokes: make(map[string][]board.Point)}
}

// Add appends points to their strokes.
func (c *Canvas) Add(points ...board.Point) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.addLocked(points)
}

func (c *Canvas) addLocked(points []board.Point) {
	for _, p := range points {
		if _, ok := c.strokes[p.StrokeID]; !ok {
			c.order = append(c.order, p.StrokeID)
		}
		c.strokes[p.StrokeID] = append(c.strokes[p.StrokeID], p)
	}
	c.count += len(points)
}

func (c *Canvas) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetLocked()
}

func (c *Canvas) resetLocked() {
	c.order = nil
	clear(c.strokes)
	c.count = 0
}

// Apply folds a drawing frame into the canvas. Frames for other
// destinations are ignored.
func (c *Canvas) Apply(f Frame) error {
	switch {
	case f.Type == TypeClear && f.IsStroke():
		c.Reset()
	case f.Type == TypeSnapshot:
		points, err := f.Points()
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.resetLocked()
		c.addLocked(points)
		c.mu.Unlock()
	case f.Type == TypeMessage && f.IsStroke():
		points, err := f.Points()
		if err != nil {
			return err
		}
		c.Add(points...)
	}
	return nil
}

// Points returns every point grouped by stroke, strokes in the order
// they were first seen.
func (c *Canvas) Points() []board.Point {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]board.Point, 0, c.count)
	for _, id := range c.order {
		out = append(out, c.strokes[id]...)
	}
	return out
}

// Stroke returns the points of one stroke in arrival order.
func (c *Canvas) Stroke(id string) []board.Point {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]board.Point(nil), c.strokes[id]...)
}

func (c *Canvas) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.count
}
