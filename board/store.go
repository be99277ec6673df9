/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package board

import "context"

// StrokeStore persists the points of every session, keyed by session code.
// Implementations must be safe for concurrent use. Append must make a batch
// visible to readers all at once, and ReadAll must return a consistent
// snapshot grouped by stroke: strokes in order of first appearance and
// points in insertion order within a stroke.
type StrokeStore interface {
	Append(ctx context.Context, code string, points []Point) error
	ReadAll(ctx context.Context, code string) ([]Point, error)
	Len(ctx context.Context, code string) (int, error)
	Clear(ctx context.Context, code string) error
}

// Retainer is implemented by stores whose points expire on their own.
// A retained code never expires; releasing it starts the expiry again.
type Retainer interface {
	Retain(ctx context.Context, code string) error
	Release(ctx context.Context, code string) error
}

// groupByStroke reorders points from insertion order into stroke order
// without disturbing the order inside each stroke.
func groupByStroke(points []Point) []Point {
	if len(points) == 0 {
		return []Point{}
	}

	var order []string
	byStroke := make(map[string][]Point)
	for _, p := range points {
		if _, ok := byStroke[p.StrokeID]; !ok {
			order = append(order, p.StrokeID)
		}
		byStroke[p.StrokeID] = append(byStroke[p.StrokeID], p)
	}

	out := make([]Point, 0, len(points))
	for _, id := range order {
		out = append(out, byStroke[id]...)
	}
	return out
}
