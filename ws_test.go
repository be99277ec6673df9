/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Seednode/dynamicboard/board"
	"github.com/Seednode/dynamicboard/client"
)

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// rawDial opens a websocket without the client package and consumes the
// greeting.
func rawDial(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()

	ws, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Dial() error = %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = ws.Close() })

	if f := readFrame(t, ws); f.Type != frameConnected {
		t.Fatalf("expected greeting, got %+v", f)
	}

	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) client.Frame {
	t.Helper()

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var f client.Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return f
}

func TestHandshakeFailures(t *testing.T) {
	const secret = "s3cret"

	ts, _ := newTestServer(t, func(cfg *Config) {
		cfg.allowAnonymous = false
		cfg.jwtSecret = secret
	})

	token := signToken(t, secret, "user-1", "Ada")
	code, err := client.CreateGame(testContext(t), client.Config{BaseURL: ts.URL})
	if err != nil {
		t.Fatalf("CreateGame() error = %v", err)
	}

	tests := []struct {
		name   string
		header http.Header
		status int
	}{
		{"missing code", http.Header{"Authorization": {"Bearer " + token}}, http.StatusBadRequest},
		{"missing credential", http.Header{"Game-Code": {code}}, http.StatusUnauthorized},
		{"bad credential", http.Header{"Game-Code": {code}, "Authorization": {"Bearer " + signToken(t, "wrong", "u", "n")}}, http.StatusUnauthorized},
		{"unknown session", http.Header{"Game-Code": {"NOPE00"}, "Authorization": {"Bearer " + token}}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), tt.header)
			if !errors.Is(err, websocket.ErrBadHandshake) {
				t.Fatalf("expected a failed handshake, got %v", err)
			}
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}

	// Query parameters work for browsers that cannot set headers.
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL(ts)+"?gameCode="+code+"&access_token="+token, nil)
	if err != nil {
		t.Fatalf("Dial() with query credentials error = %v (%v)", err, resp)
	}
	defer ws.Close()

	f := readFrame(t, ws)
	if f.Type != frameConnected || f.GameCode != code || f.User != "Ada" {
		t.Fatalf("unexpected greeting %+v", f)
	}

	if _, err := client.Dial(testContext(t), client.Config{BaseURL: ts.URL, GameCode: code}); !errors.Is(err, board.ErrAuth) {
		t.Fatalf("expected the client to surface ErrAuth, got %v", err)
	}
}

func TestMalformedFramesKeepConnection(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	code := createGame(t, ts)

	ws := rawDial(t, ts, http.Header{"Game-Code": {code}})

	send := func(raw string) {
		t.Helper()
		if err := ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
	}

	expectError := func(receipt string) {
		t.Helper()
		f := readFrame(t, ws)
		if f.Type != frameError || f.Code != "malformed_payload" || f.Receipt != receipt {
			t.Fatalf("expected malformed_payload error with receipt %q, got %+v", receipt, f)
		}
	}

	send(`{nope`)
	expectError("")

	send(`{"type":"publish","destination":"/app/draw/` + code + `","body":{"strokeId":"a","x":1},"receipt":"1"}`)
	expectError("1")

	send(`{"type":"publish","destination":"/app/draw/` + code + `","body":{"strokeId":"a","x":1,"y":1,"color":"#000","thickness":-1},"receipt":"2"}`)
	expectError("2")

	send(`{"type":"publish","destination":"/app/chat/` + code + `","body":{"user":"ada","content":"   "},"receipt":"3"}`)
	expectError("3")

	send(`{"type":"subscribe","destination":"/topic/strokes/ZZZZZZ","receipt":"4"}`)
	expectError("4")

	send(`{"type":"subscribe","destination":"/topic/nowhere","receipt":"5"}`)
	expectError("5")

	send(`{"type":"dance","receipt":"6"}`)
	expectError("6")

	// Still open and still usable.
	send(`{"type":"subscribe","destination":"/topic/strokes/` + strings.ToLower(code) + `","receipt":"7"}`)
	if f := readFrame(t, ws); f.Type != frameReceipt || f.Receipt != "7" {
		t.Fatalf("expected receipt 7, got %+v", f)
	}

	send(`{"type":"publish","destination":"/app/draw","body":{"strokeId":"a","x":1,"y":1,"color":"#000","thickness":1}}`)
	f := readFrame(t, ws)
	if f.Type != frameMessage || f.Destination != "/topic/strokes/"+code {
		t.Fatalf("expected the stroke to be echoed, got %+v", f)
	}

	var p board.Point
	if err := json.Unmarshal(f.Body, &p); err != nil || p.GameCode != code {
		t.Fatalf("expected a stamped point, got %s (%v)", f.Body, err)
	}
}

func TestOversizedBatchRejected(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *Config) { cfg.maxBatch = 2 })
	code := createGame(t, ts)

	c := dialGame(t, ts, code, "")
	if _, err := c.Join(testContext(t)); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	batch := []board.Point{testPoint("s", 1), testPoint("s", 2), testPoint("s", 3)}
	if err := c.DrawBatch(testContext(t), batch); err != nil {
		t.Fatalf("DrawBatch() error = %v", err)
	}

	f := nextFrame(t, c, client.TypeError)
	if !errors.Is(f.Err(), board.ErrMalformedPayload) {
		t.Fatalf("expected a malformed batch, got %+v", f)
	}

	if err := c.DrawBatch(testContext(t), batch[:2]); err != nil {
		t.Fatalf("DrawBatch() error = %v", err)
	}
	nextFrame(t, c, client.TypeMessage)
	nextFrame(t, c, client.TypeMessage)
}

// Two participants draw and chat on one board.
func TestTwoParticipants(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	code := createGame(t, ts)

	ada := dialGame(t, ts, code, "")
	bob := dialGame(t, ts, code, "")

	adaCanvas, err := ada.Join(testContext(t))
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	bobCanvas, err := bob.Join(testContext(t))
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	for i := range 3 {
		if err := ada.DrawPoint(testContext(t), testPoint("ada-1", float64(i))); err != nil {
			t.Fatalf("DrawPoint() error = %v", err)
		}
	}

	for range 3 {
		if err := bobCanvas.Apply(nextFrame(t, bob, client.TypeMessage)); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if err := adaCanvas.Apply(nextFrame(t, ada, client.TypeMessage)); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}

	got := bobCanvas.Stroke("ada-1")
	if len(got) != 3 {
		t.Fatalf("expected 3 points on bob's canvas, got %+v", got)
	}
	for i, p := range got {
		if p.X != float64(i) {
			t.Fatalf("expected points in drawing order, got %+v", got)
		}
	}
	if adaCanvas.Len() != 3 {
		t.Fatalf("expected echo to fill ada's canvas, got %d", adaCanvas.Len())
	}

	if err := bob.Chat(testContext(t), "", "nice"); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	f := nextFrame(t, ada, client.TypeMessage)
	if !f.IsChat() {
		t.Fatalf("expected a chat message, got %+v", f)
	}
	msg, err := f.Chat()
	if err != nil || msg.Content != "nice" || msg.User != "Anon" {
		t.Fatalf("unexpected chat %+v (%v)", msg, err)
	}
}

func TestNoEcho(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *Config) { cfg.echo = false })
	code := createGame(t, ts)

	ada := dialGame(t, ts, code, "")
	bob := dialGame(t, ts, code, "")
	for _, c := range []*client.Client{ada, bob} {
		if _, err := c.Join(testContext(t)); err != nil {
			t.Fatalf("Join() error = %v", err)
		}
	}

	if err := ada.DrawPoint(testContext(t), testPoint("s", 1)); err != nil {
		t.Fatalf("DrawPoint() error = %v", err)
	}
	nextFrame(t, bob, client.TypeMessage)

	if err := bob.DrawPoint(testContext(t), testPoint("t", 1)); err != nil {
		t.Fatalf("DrawPoint() error = %v", err)
	}

	// Ada's first delivery is bob's point, not her own.
	f := nextFrame(t, ada, client.TypeMessage)
	points, err := f.Points()
	if err != nil || len(points) != 1 || points[0].StrokeID != "t" {
		t.Fatalf("expected bob's stroke, got %s (%v)", f.Body, err)
	}
}

// A late joiner sees everything drawn before it joined, either from the
// snapshot or the live stream.
func TestLateJoinerCatchUp(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	code := createGame(t, ts)

	drawer := dialGame(t, ts, code, "")
	if _, err := drawer.Join(testContext(t)); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	for i := range 5 {
		if err := drawer.DrawPoint(testContext(t), testPoint("early", float64(i))); err != nil {
			t.Fatalf("DrawPoint() error = %v", err)
		}
		nextFrame(t, drawer, client.TypeMessage)
	}

	t.Run("join", func(t *testing.T) {
		late := dialGame(t, ts, code, "")
		canvas, err := late.Join(testContext(t))
		if err != nil {
			t.Fatalf("Join() error = %v", err)
		}
		if canvas.Len() != 5 {
			t.Fatalf("expected 5 points from the snapshot, got %d", canvas.Len())
		}
	})

	t.Run("pull", func(t *testing.T) {
		late := dialGame(t, ts, code, "")
		if err := late.Subscribe(testContext(t), board.TopicDrawing); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		points, err := late.FetchStrokes(testContext(t))
		if err != nil || len(points) != 5 {
			t.Fatalf("expected 5 stored points, got %d (%v)", len(points), err)
		}
	})

	t.Run("push", func(t *testing.T) {
		late := dialGame(t, ts, code, "")
		if err := late.RequestCatchUp(testContext(t)); err != nil {
			t.Fatalf("RequestCatchUp() error = %v", err)
		}

		f := nextFrame(t, late, client.TypeSnapshot)
		points, err := f.Points()
		if err != nil || len(points) != 5 {
			t.Fatalf("expected 5 points in the snapshot, got %s (%v)", f.Body, err)
		}

		// Subscribed by the catch-up: new strokes follow the snapshot.
		if err := drawer.DrawPoint(testContext(t), testPoint("late", 1)); err != nil {
			t.Fatalf("DrawPoint() error = %v", err)
		}
		f = nextFrame(t, late, client.TypeMessage)
		if points, _ := f.Points(); len(points) != 1 || points[0].StrokeID != "late" {
			t.Fatalf("expected the new stroke, got %s", f.Body)
		}
	})
}

// A stroke that returns to an earlier coordinate keeps every point, both
// in the snapshot and on the live stream.
func TestJoinKeepsRevisitedPoints(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	code := createGame(t, ts)

	drawer := dialGame(t, ts, code, "")
	if _, err := drawer.Join(testContext(t)); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	loop := []board.Point{testPoint("loop", 1), testPoint("loop", 5), testPoint("loop", 1)}
	if err := drawer.DrawBatch(testContext(t), loop); err != nil {
		t.Fatalf("DrawBatch() error = %v", err)
	}
	for range loop {
		nextFrame(t, drawer, client.TypeMessage)
	}

	late := dialGame(t, ts, code, "")
	canvas, err := late.Join(testContext(t))
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if got := canvas.Stroke("loop"); len(got) != 3 || got[2].X != 1 {
		t.Fatalf("expected the return point in the snapshot, got %+v", got)
	}

	if err := drawer.DrawPoint(testContext(t), testPoint("loop", 5)); err != nil {
		t.Fatalf("DrawPoint() error = %v", err)
	}
	if err := canvas.Apply(nextFrame(t, late, client.TypeMessage)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := canvas.Stroke("loop"); len(got) != 4 || got[3].X != 5 {
		t.Fatalf("expected the repeated live point to be kept, got %+v", got)
	}
}

func TestDisconnectFrame(t *testing.T) {
	ts, s := newTestServer(t, nil)
	code := createGame(t, ts)

	ws := rawDial(t, ts, http.Header{"Game-Code": {code}})

	if err := ws.WriteJSON(map[string]string{"type": "disconnect", "receipt": "bye"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if f := readFrame(t, ws); f.Type != frameReceipt || f.Receipt != "bye" {
		t.Fatalf("expected receipt before close, got %+v", f)
	}

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected a normal close, got %v", err)
	}

	waitForConnections(t, s, code, 0)
}

func waitForConnections(t *testing.T, s *server, code string, want int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		info, err := s.lifecycle.Describe(testContext(t), code)
		if err != nil {
			t.Fatalf("Describe() error = %v", err)
		}
		if info.Connections == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d attached connections, got %+v", want, info)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientCloseDetaches(t *testing.T) {
	ts, s := newTestServer(t, nil)
	code := createGame(t, ts)

	ada := dialGame(t, ts, code, "")
	bob := dialGame(t, ts, code, "")
	waitForConnections(t, s, code, 2)

	_ = ada.Close()
	waitForConnections(t, s, code, 1)

	_ = bob.Close()
	waitForConnections(t, s, code, 0)
}

func TestRoute(t *testing.T) {
	tests := []struct {
		dest  string
		topic board.Topic
		ok    bool
	}{
		{"/topic/strokes", board.TopicDrawing, true},
		{"/topic/strokes/ABC123", board.TopicDrawing, true},
		{"/topic/strokes/abc123", board.TopicDrawing, true},
		{"/topic/chat/ABC123", board.TopicChat, true},
		{"/topic/strokes/XYZ999", "", false},
		{"/topic/strokesABC123", "", false},
		{"/app/draw/ABC123", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		topic, err := route(subscribeRoutes, tt.dest, "ABC123")
		if (err == nil) != tt.ok || topic != tt.topic {
			t.Errorf("route(%q) = %q, %v", tt.dest, topic, err)
		}
		if err != nil && !errors.Is(err, board.ErrMalformedPayload) {
			t.Errorf("route(%q): expected ErrMalformedPayload, got %v", tt.dest, err)
		}
	}
}
