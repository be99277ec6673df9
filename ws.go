/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/Seednode/dynamicboard/board"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Frame types.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePublish     = "publish"
	frameCatchUp     = "catchup"
	frameDisconnect  = "disconnect"

	frameConnected = "connected"
	frameMessage   = "message"
	frameSnapshot  = "snapshot"
	frameClear     = "clear"
	frameError     = "error"
	frameReceipt   = "receipt"
)

type clientFrame struct {
	Type        string          `json:"type"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Receipt     string          `json:"receipt,omitempty"`
}

type serverFrame struct {
	Type        string `json:"type"`
	Destination string `json:"destination,omitempty"`
	Body        any    `json:"body,omitempty"`
	GameCode    string `json:"gameCode,omitempty"`
	User        string `json:"user,omitempty"`
	Session     string `json:"session,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Receipt     string `json:"receipt,omitempty"`
}

var (
	subscribeRoutes = map[string]board.Topic{
		"/topic/strokes": board.TopicDrawing,
		"/topic/chat":    board.TopicChat,
	}
	publishRoutes = map[string]board.Topic{
		"/app/draw": board.TopicDrawing,
		"/app/chat": board.TopicChat,
	}
)

func topicDestination(topic board.Topic, code string) string {
	if topic == board.TopicChat {
		return "/topic/chat/" + code
	}
	return "/topic/strokes/" + code
}

// route resolves a frame destination to a topic. The trailing session
// code is optional but must match the connection's own.
func route(routes map[string]board.Topic, dest, code string) (board.Topic, error) {
	for prefix, topic := range routes {
		rest, ok := strings.CutPrefix(dest, prefix)
		if !ok {
			continue
		}

		switch {
		case rest == "":
			return topic, nil
		case strings.HasPrefix(rest, "/"):
			if board.NormalizeCode(rest[1:]) != code {
				return "", fmt.Errorf("%w: destination %q names another session", board.ErrMalformedPayload, dest)
			}
			return topic, nil
		}
	}

	return "", fmt.Errorf("%w: unknown destination %q", board.ErrMalformedPayload, dest)
}

func newUpgrader(cfg *Config) *websocket.Upgrader {
	u := &websocket.Upgrader{
		HandshakeTimeout: timeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	if len(cfg.allowedOrigins) > 0 {
		u.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || slices.Contains(cfg.allowedOrigins, "*") {
				return true
			}
			return originAllowed(cfg, origin)
		}
	}

	return u
}

// serveWS authenticates and binds the connection before upgrading, so
// handshake failures are reported as plain HTTP statuses.
func (s *server) serveWS(ctx context.Context) httprouter.Handle {
	upgrader := newUpgrader(s.cfg)

	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		code := codeFrom(r)
		if code == "" {
			writeError(s.cfg, w, errMissingCode())

			return
		}

		conn, err := s.gateway.Connect(r.Context(), code, credentialFrom(r))
		if err != nil {
			writeError(s.cfg, w, err)

			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			conn.Disconnect()
			s.cfg.log().Info("websocket upgrade failed", "code", code, "error", err)

			return
		}

		logf(s.cfg, "SERVE: Websocket for %s opened by %s", conn.Code(), realIP(r))

		p := &peer{
			cfg:     s.cfg,
			ws:      ws,
			conn:    conn,
			control: make(chan serverFrame, 16),
			done:    make(chan struct{}),
		}
		p.run(ctx)

		logf(s.cfg, "SERVE: Websocket for %s closed by %s", conn.Code(), realIP(r))
	}
}

// peer pumps frames between one websocket and its board connection.
// Only the write pump writes to the socket.
type peer struct {
	cfg     *Config
	ws      *websocket.Conn
	conn    *board.Conn
	control chan serverFrame
	done    chan struct{}
	leaving atomic.Bool
}

func (p *peer) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.control <- serverFrame{
		Type:     frameConnected,
		GameCode: p.conn.Code(),
		User:     p.conn.Identity().DisplayName(),
		Session:  p.conn.ID(),
	}

	go func() {
		defer close(p.done)
		p.writePump(ctx)
	}()

	p.readPump(ctx)

	p.leaving.Store(true)
	p.conn.Disconnect()
	cancel()

	<-p.done
	_ = p.ws.Close()
}

// reply queues a frame for the write pump.
func (p *peer) reply(f serverFrame) {
	select {
	case p.control <- f:
	case <-p.done:
	}
}

func (p *peer) fail(err error, receipt string) {
	p.reply(serverFrame{
		Type:    frameError,
		Code:    errorCode(err),
		Message: err.Error(),
		Receipt: receipt,
	})
}

func (p *peer) readPump(ctx context.Context) {
	p.ws.SetReadLimit(maxBodySize)
	_ = p.ws.SetReadDeadline(time.Now().Add(pongWait))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.cfg.log().Info("websocket read failed", "code", p.conn.Code(), "error", err)
			}
			return
		}

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			p.fail(fmt.Errorf("%w: %v", board.ErrMalformedPayload, err), "")

			continue
		}

		if !p.handle(ctx, f) {
			return
		}
	}
}

// handle applies one client frame and reports whether the connection
// should stay open.
func (p *peer) handle(ctx context.Context, f clientFrame) bool {
	var err error

	switch f.Type {
	case frameSubscribe:
		var topic board.Topic
		if topic, err = route(subscribeRoutes, f.Destination, p.conn.Code()); err == nil {
			err = p.conn.Subscribe(ctx, topic)
		}
	case frameUnsubscribe:
		var topic board.Topic
		if topic, err = route(subscribeRoutes, f.Destination, p.conn.Code()); err == nil {
			err = p.conn.Unsubscribe(ctx, topic)
		}
	case framePublish:
		var topic board.Topic
		if topic, err = route(publishRoutes, f.Destination, p.conn.Code()); err == nil {
			err = p.conn.Publish(ctx, topic, f.Body)
		}
	case frameCatchUp:
		_, err = p.conn.CatchUp(ctx)
	case frameDisconnect:
		if f.Receipt != "" {
			p.reply(serverFrame{Type: frameReceipt, Receipt: f.Receipt})
		}
		return false
	default:
		err = fmt.Errorf("%w: unknown frame type %q", board.ErrMalformedPayload, f.Type)
	}

	if err != nil {
		p.fail(err, f.Receipt)

		return !errors.Is(err, board.ErrSessionNotFound) && !errors.Is(err, board.ErrDisconnected)
	}

	if f.Receipt != "" {
		p.reply(serverFrame{Type: frameReceipt, Receipt: f.Receipt})
	}

	return true
}

func (p *peer) write(f serverFrame) error {
	_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return p.ws.WriteJSON(f)
}

// frames expands one delivery into the frames a client sees. Strokes are
// sent one frame per point.
func (p *peer) frames(env board.Envelope) []serverFrame {
	dest := topicDestination(env.Topic, p.conn.Code())

	switch env.Kind {
	case board.KindPoint:
		out := make([]serverFrame, 0, len(env.Points))
		for _, pt := range env.Points {
			out = append(out, serverFrame{Type: frameMessage, Destination: dest, Body: pt})
		}
		return out
	case board.KindChat:
		return []serverFrame{{Type: frameMessage, Destination: dest, Body: env.Chat}}
	case board.KindSnapshot:
		points := env.Points
		if points == nil {
			points = []board.Point{}
		}
		return []serverFrame{{Type: frameSnapshot, Destination: dest, Body: points}}
	case board.KindClear:
		return []serverFrame{{Type: frameClear, Destination: dest}}
	default:
		return nil
	}
}

// flush writes any queued control frames without waiting for more.
func (p *peer) flush() {
	for {
		select {
		case f := <-p.control:
			if err := p.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *peer) closeWith(code int, reason string) {
	p.flush()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = p.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = p.ws.Close()
}

func (p *peer) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	deliveries := p.conn.Deliveries()

	for {
		select {
		case <-ctx.Done():
			if p.leaving.Load() {
				p.closeWith(websocket.CloseNormalClosure, "")
			} else {
				p.closeWith(websocket.CloseGoingAway, "server shutting down")
			}

			return
		case f := <-p.control:
			if err := p.write(f); err != nil {
				_ = p.ws.Close()

				return
			}
		case env, ok := <-deliveries:
			if !ok {
				switch {
				case p.leaving.Load():
					p.closeWith(websocket.CloseNormalClosure, "")
				case !p.conn.Bound():
					p.closeWith(websocket.CloseNormalClosure, "session ended")
				default:
					p.closeWith(websocket.CloseTryAgainLater, "connection fell behind")
				}

				return
			}

			for _, f := range p.frames(env) {
				if err := p.write(f); err != nil {
					_ = p.ws.Close()

					return
				}
			}
		case <-ticker.C:
			_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = p.ws.Close()

				return
			}
		}
	}
}
