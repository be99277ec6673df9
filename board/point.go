/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package board

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

const MaxChatLength = 2000

// Point is one sampled position of a stroke.
type Point struct {
	StrokeID  string  `json:"strokeId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Color     string  `json:"color"`
	Thickness float64 `json:"thickness"`
	GameCode  string  `json:"gameCode"`
}

type ChatMessage struct {
	User    string `json:"user"`
	Content string `json:"content"`
}

type wirePoint struct {
	StrokeID  *string  `json:"strokeId"`
	X         *float64 `json:"x"`
	Y         *float64 `json:"y"`
	Color     *string  `json:"color"`
	Thickness *float64 `json:"thickness"`
	GameCode  *string  `json:"gameCode"`
}

type wireChat struct {
	User    *string `json:"user"`
	Content *string `json:"content"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedPayload}, args...)...)
}

// DecodePoints parses a drawing payload, either a single point object
// or an array of them.
func DecodePoints(raw []byte) ([]Point, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, malformed("empty body")
	}

	if raw[0] != '[' {
		p, err := decodePoint(raw)
		if err != nil {
			return nil, err
		}
		return []Point{p}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, malformed("%v", err)
	}
	if len(items) == 0 {
		return nil, malformed("empty batch")
	}

	points := make([]Point, 0, len(items))
	for i, item := range items {
		p, err := decodePoint(item)
		if err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		points = append(points, p)
	}

	return points, nil
}

func decodePoint(raw []byte) (Point, error) {
	var w wirePoint
	if err := json.Unmarshal(raw, &w); err != nil {
		return Point{}, malformed("%v", err)
	}

	switch {
	case w.StrokeID == nil:
		return Point{}, malformed("missing strokeId")
	case w.X == nil:
		return Point{}, malformed("missing x")
	case w.Y == nil:
		return Point{}, malformed("missing y")
	case w.Color == nil:
		return Point{}, malformed("missing color")
	case w.Thickness == nil:
		return Point{}, malformed("missing thickness")
	}

	p := Point{
		StrokeID:  *w.StrokeID,
		X:         *w.X,
		Y:         *w.Y,
		Color:     *w.Color,
		Thickness: *w.Thickness,
	}
	if w.GameCode != nil {
		p.GameCode = *w.GameCode
	}

	return p, nil
}

// ValidatePoint checks the field constraints of a decoded point.
func ValidatePoint(p Point) error {
	if strings.TrimSpace(p.StrokeID) == "" {
		return malformed("empty strokeId")
	}
	if !validColor(p.Color) {
		return malformed("invalid color %q", p.Color)
	}
	if math.IsNaN(p.X) || math.IsInf(p.X, 0) || math.IsNaN(p.Y) || math.IsInf(p.Y, 0) {
		return malformed("non-finite coordinates")
	}
	if !(p.Thickness > 0) || math.IsInf(p.Thickness, 0) {
		return malformed("thickness must be positive")
	}
	return nil
}

func validColor(c string) bool {
	c = strings.TrimPrefix(c, "#")
	if len(c) == 0 || len(c) > 8 {
		return false
	}
	for i := 0; i < len(c); i++ {
		switch ch := c[i]; {
		case ch >= '0' && ch <= '9', ch >= 'a' && ch <= 'f', ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}

// bindPoints validates points and stamps them with the session code.
// A point naming another session is rejected.
func bindPoints(code string, points []Point) ([]Point, error) {
	out := make([]Point, len(points))
	for i, p := range points {
		if err := ValidatePoint(p); err != nil {
			return nil, err
		}
		if p.GameCode != "" && NormalizeCode(p.GameCode) != code {
			return nil, malformed("point addressed to session %q", p.GameCode)
		}
		p.GameCode = code
		out[i] = p
	}
	return out, nil
}

// DecodeChat parses a chat payload. The user falls back to fallbackUser
// when it is missing or blank.
func DecodeChat(raw []byte, fallbackUser string) (ChatMessage, error) {
	var w wireChat
	if err := json.Unmarshal(bytes.TrimSpace(raw), &w); err != nil {
		return ChatMessage{}, malformed("%v", err)
	}
	if w.Content == nil {
		return ChatMessage{}, malformed("missing content")
	}

	msg := ChatMessage{Content: *w.Content}
	if w.User != nil {
		msg.User = strings.TrimSpace(*w.User)
	}
	if msg.User == "" {
		msg.User = fallbackUser
	}

	return msg, ValidateChat(msg)
}

func ValidateChat(msg ChatMessage) error {
	if strings.TrimSpace(msg.Content) == "" {
		return malformed("empty content")
	}
	if len(msg.Content) > MaxChatLength {
		return malformed("content exceeds %d bytes", MaxChatLength)
	}
	return nil
}
