/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package client talks to a dynamicboard server over its HTTP api and
// websocket endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Seednode/dynamicboard/board"
)

const readLimit = 16 << 20

// Frame types.
const (
	TypeConnected = "connected"
	TypeMessage   = "message"
	TypeSnapshot  = "snapshot"
	TypeClear     = "clear"
	TypeError     = "error"
	TypeReceipt   = "receipt"
)

// Config controls how the client reaches a server.
type Config struct {
	// BaseURL is the server root including any prefix, e.g.
	// http://localhost:8080/board.
	BaseURL  string
	GameCode string
	Token    string

	HTTPClient       *http.Client
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c Config) endpoint(path string) string {
	return strings.TrimSuffix(c.BaseURL, "/") + path
}

func (c Config) wsURL() (string, error) {
	u, err := url.Parse(c.endpoint("/ws"))
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}

	return u.String(), nil
}

func (c Config) header() http.Header {
	h := http.Header{}
	if c.GameCode != "" {
		h.Set("game-code", c.GameCode)
	}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	return h
}

// Frame is one message from the server.
type Frame struct {
	Type        string          `json:"type"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	GameCode    string          `json:"gameCode,omitempty"`
	User        string          `json:"user,omitempty"`
	Session     string          `json:"session,omitempty"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
	Receipt     string          `json:"receipt,omitempty"`
}

type outFrame struct {
	Type        string `json:"type"`
	Destination string `json:"destination,omitempty"`
	Body        any    `json:"body,omitempty"`
	Receipt     string `json:"receipt,omitempty"`
}

func (f Frame) IsStroke() bool { return strings.HasPrefix(f.Destination, "/topic/strokes") }

func (f Frame) IsChat() bool { return strings.HasPrefix(f.Destination, "/topic/chat") }

// Err returns the frame as an error if it is an error frame.
func (f Frame) Err() error {
	if f.Type != TypeError {
		return nil
	}
	return &ServerError{Code: f.Code, Message: f.Message, Receipt: f.Receipt}
}

// Points decodes the body of a stroke message or snapshot.
func (f Frame) Points() ([]board.Point, error) {
	body := bytes.TrimSpace(f.Body)
	if len(body) == 0 {
		return nil, nil
	}

	if body[0] == '[' {
		var points []board.Point
		if err := json.Unmarshal(body, &points); err != nil {
			return nil, err
		}
		return points, nil
	}

	var p board.Point
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	return []board.Point{p}, nil
}

func (f Frame) Chat() (board.ChatMessage, error) {
	var msg board.ChatMessage
	err := json.Unmarshal(f.Body, &msg)
	return msg, err
}

// Client is one websocket connection to a board. Next and the calls that
// wait for a receipt read from the socket and must not run concurrently.
type Client struct {
	cfg     Config
	ws      *websocket.Conn
	code    string
	user    string
	session string

	pending  []Frame
	receipts atomic.Uint64
	closed   atomic.Bool
}

// CreateGame asks the server for a new board and returns its code.
func CreateGame(ctx context.Context, cfg Config) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.endpoint("/api/game/create"), nil)
	if err != nil {
		return "", err
	}
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	body, err := do(cfg.httpClient(), req)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(body)), nil
}

func do(hc *http.Client, req *http.Request) ([]byte, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", board.ErrTransientIO, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, readLimit))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", board.ErrTransientIO, err)
	}

	if resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return body, nil
}

// Dial opens a websocket to the board named by cfg.GameCode and waits
// for the server's greeting.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	target, err := cfg.wsURL()
	if err != nil {
		return nil, err
	}

	dialCtx := ctx
	if cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}

	ws, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPClient: cfg.HTTPClient,
		HTTPHeader: cfg.header(),
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, statusError(resp.StatusCode, err.Error())
		}
		return nil, fmt.Errorf("%w: %w", board.ErrTransientIO, err)
	}
	ws.SetReadLimit(readLimit)

	c := &Client{cfg: cfg, ws: ws}

	var hello Frame
	if err := wsjson.Read(dialCtx, ws, &hello); err != nil {
		_ = ws.Close(websocket.StatusProtocolError, "no greeting")
		return nil, fmt.Errorf("%w: %w", board.ErrTransientIO, err)
	}
	if err := hello.Err(); err != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}
	if hello.Type != TypeConnected {
		_ = ws.Close(websocket.StatusProtocolError, "unexpected greeting")
		return nil, fmt.Errorf("client: unexpected greeting %q", hello.Type)
	}

	c.code = hello.GameCode
	c.user = hello.User
	c.session = hello.Session

	return c, nil
}

// DialWithRetry dials until it succeeds, ctx ends, attempts run out or
// the server rejects the connection outright. Waits between attempts
// grow exponentially with jitter.
func DialWithRetry(ctx context.Context, cfg Config, attempts int) (*Client, error) {
	var err error
	for attempt := range max(attempts, 1) {
		var c *Client
		c, err = Dial(ctx, cfg)
		if err == nil || !retryable(err) {
			return c, err
		}

		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return nil, err
}

func backoff(attempt int) time.Duration {
	const (
		base    = 100 * time.Millisecond
		ceiling = 5 * time.Second
	)

	d := base << min(attempt, 6)
	if d > ceiling {
		d = ceiling
	}

	return d/2 + rand.N(d/2+1)
}

func (c *Client) Code() string { return c.code }

func (c *Client) User() string { return c.user }

func (c *Client) Session() string { return c.session }

func (c *Client) write(ctx context.Context, f outFrame) error {
	if c.closed.Load() {
		return ErrNotConnected
	}

	if c.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()
	}

	if err := wsjson.Write(ctx, c.ws, f); err != nil {
		return fmt.Errorf("%w: %w", board.ErrTransientIO, err)
	}
	return nil
}

func (c *Client) read(ctx context.Context) (Frame, error) {
	var f Frame
	if err := wsjson.Read(ctx, c.ws, &f); err != nil {
		if websocket.CloseStatus(err) != -1 {
			return Frame{}, fmt.Errorf("%w: %w", board.ErrDisconnected, err)
		}
		return Frame{}, err
	}
	return f, nil
}

// Next returns the next frame from the server.
func (c *Client) Next(ctx context.Context) (Frame, error) {
	if len(c.pending) > 0 {
		f := c.pending[0]
		c.pending = c.pending[1:]
		return f, nil
	}
	return c.read(ctx)
}

// request sends f with a fresh receipt and waits for the server to
// acknowledge it. Frames read in the meantime are kept for Next.
func (c *Client) request(ctx context.Context, f outFrame) error {
	f.Receipt = strconv.FormatUint(c.receipts.Add(1), 10)

	if err := c.write(ctx, f); err != nil {
		return err
	}

	for {
		in, err := c.read(ctx)
		if err != nil {
			return err
		}

		if in.Receipt == f.Receipt {
			switch in.Type {
			case TypeReceipt:
				return nil
			case TypeError:
				return in.Err()
			}
		}

		c.pending = append(c.pending, in)
	}
}

func (c *Client) topicDestination(topic board.Topic) string {
	if topic == board.TopicChat {
		return "/topic/chat/" + c.code
	}
	return "/topic/strokes/" + c.code
}

func (c *Client) Subscribe(ctx context.Context, topic board.Topic) error {
	return c.request(ctx, outFrame{Type: "subscribe", Destination: c.topicDestination(topic)})
}

func (c *Client) Unsubscribe(ctx context.Context, topic board.Topic) error {
	return c.request(ctx, outFrame{Type: "unsubscribe", Destination: c.topicDestination(topic)})
}

// DrawPoint sends one point. Delivery is not confirmed: a rejected point
// comes back as an error frame from Next.
func (c *Client) DrawPoint(ctx context.Context, p board.Point) error {
	return c.write(ctx, outFrame{Type: "publish", Destination: "/app/draw/" + c.code, Body: p})
}

// DrawBatch sends points as one publish, delivered to other participants
// as a single unit.
func (c *Client) DrawBatch(ctx context.Context, points []board.Point) error {
	return c.write(ctx, outFrame{Type: "publish", Destination: "/app/draw/" + c.code, Body: points})
}

func (c *Client) Chat(ctx context.Context, user, content string) error {
	return c.write(ctx, outFrame{
		Type:        "publish",
		Destination: "/app/chat/" + c.code,
		Body:        board.ChatMessage{User: user, Content: content},
	})
}

// RequestCatchUp asks the server to subscribe the connection to strokes
// and queue a snapshot frame ahead of any newer stroke.
func (c *Client) RequestCatchUp(ctx context.Context) error {
	return c.request(ctx, outFrame{Type: "catchup"})
}

// FetchStrokes reads the board's current strokes over HTTP.
func (c *Client) FetchStrokes(ctx context.Context) ([]board.Point, error) {
	return FetchStrokes(ctx, c.cfg, c.code)
}

func FetchStrokes(ctx context.Context, cfg Config, code string) ([]board.Point, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		cfg.endpoint("/strokes?gameCode="+url.QueryEscape(code)), nil)
	if err != nil {
		return nil, err
	}

	body, err := do(cfg.httpClient(), req)
	if err != nil {
		return nil, err
	}

	var points []board.Point
	if err := json.Unmarshal(body, &points); err != nil {
		return nil, fmt.Errorf("%w: %w", board.ErrMalformedPayload, err)
	}
	return points, nil
}

// Join subscribes to chat, then asks for an in-band catch-up and waits for
// its snapshot. Stroke frames queued ahead of the snapshot are already part
// of it and are dropped; other frames stay queued for Next.
func (c *Client) Join(ctx context.Context) (*Canvas, error) {
	if err := c.Subscribe(ctx, board.TopicChat); err != nil {
		return nil, err
	}
	if err := c.RequestCatchUp(ctx); err != nil {
		return nil, err
	}

	canvas := NewCanvas()

	var kept []Frame
	for {
		f, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}

		if f.IsStroke() {
			if f.Type != TypeSnapshot {
				continue
			}
			if err := canvas.Apply(f); err != nil {
				return nil, err
			}
			break
		}

		kept = append(kept, f)
	}
	c.pending = append(kept, c.pending...)

	return canvas, nil
}

// Close tells the server the client is leaving and closes the socket.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_ = wsjson.Write(ctx, c.ws, outFrame{Type: "disconnect"})

	return c.ws.Close(websocket.StatusNormalClosure, "client close")
}
