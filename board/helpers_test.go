/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package board

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Seednode/dynamicboard/identity"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingStore wraps a MemoryStore and fails appends on demand.
type failingStore struct {
	*MemoryStore
	mu   sync.Mutex
	fail bool
}

func (f *failingStore) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *failingStore) Append(ctx context.Context, code string, points []Point) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()

	if fail {
		return errors.Join(ErrTransientIO, errors.New("backend unavailable"))
	}
	return f.MemoryStore.Append(ctx, code, points)
}

func newTestRegistry(t *testing.T, store StrokeStore, clock *fakeClock) *Registry {
	t.Helper()

	cfg := RegistryConfig{Store: store, Logger: discardLogger()}
	if clock != nil {
		cfg.Clock = clock.Now
	}
	return NewRegistry(cfg)
}

var allowAll = identity.AuthenticatorFunc(func(ctx context.Context, credential string) (identity.Identity, error) {
	if credential == "" {
		return identity.Identity{}, identity.ErrNoCredential
	}
	return identity.Identity{Subject: credential, Name: credential}, nil
})

func newTestGateway(t *testing.T, r *Registry, echo bool) *Gateway {
	t.Helper()

	return NewGateway(GatewayConfig{
		Registry:      r,
		Authenticator: allowAll,
		Echo:          echo,
		Logger:        discardLogger(),
	})
}

func mustCreate(t *testing.T, r *Registry) string {
	t.Helper()

	code, err := r.Create(context.Background())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return code
}

func mustConnect(t *testing.T, g *Gateway, code, user string) *Conn {
	t.Helper()

	conn, err := g.Connect(context.Background(), code, user)
	if err != nil {
		t.Fatalf("Connect(%s, %s) error = %v", code, user, err)
	}
	t.Cleanup(conn.Disconnect)
	return conn
}

func point(stroke string, x float64) Point {
	return Point{StrokeID: stroke, X: x, Y: x, Color: "#ff0000", Thickness: 2}
}

func recv(t *testing.T, conn *Conn) Envelope {
	t.Helper()

	select {
	case env, ok := <-conn.Deliveries():
		if !ok {
			t.Fatalf("deliveries closed for %s", conn.ID())
		}
		return env
	case <-time.After(time.Second):
		t.Fatalf("expected delivery for %s", conn.ID())
	}
	return Envelope{}
}

func expectNothing(t *testing.T, conn *Conn) {
	t.Helper()

	select {
	case env, ok := <-conn.Deliveries():
		if ok {
			t.Fatalf("unexpected delivery %+v", env)
		}
	case <-time.After(50 * time.Millisecond):
	}
}
