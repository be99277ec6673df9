/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Seednode/dynamicboard/identity"
)

const (
	DefaultAuthTimeout = 5 * time.Second
	DefaultSendBuffer  = 256
	DefaultMaxBatch    = 512
)

type GatewayConfig struct {
	Registry      *Registry
	Authenticator identity.Authenticator
	AuthTimeout   time.Duration
	// SendBuffer is the capacity of each connection's outbound queue.
	SendBuffer int
	// MaxBatch caps the number of points in one drawing publish.
	MaxBatch int
	// Echo delivers a connection's own publishes back to it.
	Echo    bool
	Metrics *Metrics
	Logger  *slog.Logger
}

// Gateway authenticates connections and binds them to sessions.
type Gateway struct {
	registry    *Registry
	auth        identity.Authenticator
	authTimeout time.Duration
	sendBuffer  int
	maxBatch    int
	echo        bool
	metrics     *Metrics
	logger      *slog.Logger
}

func NewGateway(cfg GatewayConfig) *Gateway {
	g := &Gateway{
		registry:    cfg.Registry,
		auth:        cfg.Authenticator,
		authTimeout: cfg.AuthTimeout,
		sendBuffer:  cfg.SendBuffer,
		maxBatch:    cfg.MaxBatch,
		echo:        cfg.Echo,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}

	if g.authTimeout <= 0 {
		g.authTimeout = DefaultAuthTimeout
	}
	if g.sendBuffer <= 0 {
		g.sendBuffer = DefaultSendBuffer
	}
	if g.maxBatch <= 0 {
		g.maxBatch = DefaultMaxBatch
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "gateway")

	return g
}

func (g *Gateway) Registry() *Registry { return g.registry }

// Authenticate validates credential, giving up after the auth timeout.
func (g *Gateway) Authenticate(ctx context.Context, credential string) (identity.Identity, error) {
	if g.auth == nil {
		return identity.Identity{}, fmt.Errorf("%w: no authenticator configured", ErrAuth)
	}

	ctx, cancel := context.WithTimeout(ctx, g.authTimeout)
	defer cancel()

	type result struct {
		id  identity.Identity
		err error
	}

	done := make(chan result, 1)
	go func() {
		id, err := g.auth.Authenticate(ctx, credential)
		done <- result{id, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			g.metrics.RecordAuthFailure()
			if !errors.Is(res.err, ErrAuth) {
				return identity.Identity{}, fmt.Errorf("%w: %w", ErrAuth, res.err)
			}
			return identity.Identity{}, res.err
		}
		return res.id, nil
	case <-ctx.Done():
		g.metrics.RecordAuthFailure()
		return identity.Identity{}, fmt.Errorf("%w: %w", ErrAuth, ctx.Err())
	}
}

// Connect authenticates credential and attaches a new connection to the
// session named by code.
func (g *Gateway) Connect(ctx context.Context, code, credential string) (*Conn, error) {
	id, err := g.Authenticate(ctx, credential)
	if err != nil {
		g.logger.Info("rejected connection", "code", code, "error", err)
		return nil, err
	}
	return g.Bind(ctx, code, id)
}

// Bind attaches an already authenticated identity to a session.
func (g *Gateway) Bind(ctx context.Context, code string, id identity.Identity) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s, err := g.registry.Get(code)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		id:        uuid.NewString(),
		code:      s.code,
		sessionID: s.id,
		identity:  id,
		gateway:   g,
		state:     StateAuthenticated,
		topics:    make(map[Topic]bool),
	}
	c.sub = NewSubscriber(c.id, g.sendBuffer)

	if err := s.attach(ctx, c.sub); err != nil {
		return nil, err
	}

	g.metrics.ConnectionOpened()
	g.logger.Info("connection attached", "code", c.code, "conn", c.id, "subject", id.Subject)

	return c, nil
}

type ConnState int

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateSubscribed
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Conn is one participant bound to a session. It holds only the session
// code and resolves it through the registry on every operation. The
// session id guards against a later session that reuses the code.
type Conn struct {
	id        string
	code      string
	sessionID string
	identity  identity.Identity
	gateway   *Gateway
	sub       *Subscriber

	mu     sync.Mutex
	state  ConnState
	topics map[Topic]bool
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Code() string { return c.code }

func (c *Conn) Identity() identity.Identity { return c.identity }

// Deliveries yields everything published to the connection's topics. It
// is closed after Disconnect, when the session goes away, or when the
// connection falls too far behind.
func (c *Conn) Deliveries() <-chan Envelope { return c.sub.C() }

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDisconnected && c.sub.Closed() {
		return StateDisconnected
	}
	return c.state
}

// Topics returns the topics the connection is subscribed to.
func (c *Conn) Topics() []Topic {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Topic
	for _, t := range []Topic{TopicDrawing, TopicChat} {
		if c.topics[t] {
			out = append(out, t)
		}
	}
	return out
}

// Bound reports whether the session the connection joined still exists.
func (c *Conn) Bound() bool {
	_, err := c.resolve()
	return err == nil
}

func (c *Conn) session() (*Session, error) {
	if c.State() == StateDisconnected {
		return nil, ErrDisconnected
	}
	return c.resolve()
}

func (c *Conn) resolve() (*Session, error) {
	s, err := c.gateway.registry.Get(c.code)
	if err != nil {
		return nil, err
	}
	if s.id != c.sessionID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (c *Conn) SubscribeDrawing(ctx context.Context) error {
	return c.Subscribe(ctx, TopicDrawing)
}

func (c *Conn) SubscribeChat(ctx context.Context) error {
	return c.Subscribe(ctx, TopicChat)
}

// Subscribe is idempotent.
func (c *Conn) Subscribe(ctx context.Context, topic Topic) error {
	if topic != TopicDrawing && topic != TopicChat {
		return fmt.Errorf("%w: unknown topic %q", ErrMalformedPayload, topic)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s, err := c.session()
	if err != nil {
		return err
	}
	if err := s.hub.Subscribe(c.sub, topic); err != nil {
		return err
	}

	c.markSubscribed(topic)

	return nil
}

func (c *Conn) markSubscribed(topic Topic) {
	c.mu.Lock()
	c.topics[topic] = true
	if c.state == StateAuthenticated {
		c.state = StateSubscribed
	}
	c.mu.Unlock()
}

func (c *Conn) Unsubscribe(ctx context.Context, topic Topic) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	s.hub.Unsubscribe(c.sub, topic)

	c.mu.Lock()
	delete(c.topics, topic)
	if c.state == StateSubscribed && len(c.topics) == 0 {
		c.state = StateAuthenticated
	}
	c.mu.Unlock()

	return nil
}

// CatchUp subscribes to the drawing topic if needed and queues the current
// snapshot as a single snapshot delivery. Deliveries queued after it are
// strictly newer than the snapshot.
func (c *Conn) CatchUp(ctx context.Context) ([]Point, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}

	points, err := s.hub.SubscribeWithSnapshot(ctx, c.sub)
	if err != nil {
		return nil, err
	}

	c.markSubscribed(TopicDrawing)

	return points, nil
}

// Publish validates a raw payload for topic and hands it to the hub.
// Malformed payloads never reach the hub and leave the connection open.
func (c *Conn) Publish(ctx context.Context, topic Topic, payload json.RawMessage) error {
	switch topic {
	case TopicDrawing:
		points, err := DecodePoints(payload)
		if err != nil {
			return err
		}
		return c.PublishPoints(ctx, points...)
	case TopicChat:
		msg, err := DecodeChat(payload, c.identity.DisplayName())
		if err != nil {
			return err
		}
		return c.PublishChat(ctx, msg)
	default:
		return fmt.Errorf("%w: unknown topic %q", ErrMalformedPayload, topic)
	}
}

func (c *Conn) PublishPoints(ctx context.Context, points ...Point) error {
	if len(points) == 0 {
		return fmt.Errorf("%w: empty batch", ErrMalformedPayload)
	}
	if len(points) > c.gateway.maxBatch {
		return fmt.Errorf("%w: batch of %d exceeds %d points", ErrMalformedPayload, len(points), c.gateway.maxBatch)
	}

	s, err := c.session()
	if err != nil {
		return err
	}

	return s.hub.PublishStroke(ctx, c.excludeSelf(), points...)
}

func (c *Conn) PublishChat(ctx context.Context, msg ChatMessage) error {
	s, err := c.session()
	if err != nil {
		return err
	}

	if msg.User == "" {
		msg.User = c.identity.DisplayName()
	}

	return s.hub.PublishChat(ctx, c.excludeSelf(), msg)
}

func (c *Conn) excludeSelf() string {
	if c.gateway.echo {
		return ""
	}
	return c.id
}

// Disconnect releases every subscription and detaches from the session.
// It is safe to call more than once.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	clear(c.topics)
	c.mu.Unlock()

	if s, err := c.resolve(); err == nil {
		s.detach(c.sub)
	}

	c.gateway.metrics.ConnectionClosed()
	c.gateway.logger.Info("connection detached", "code", c.code, "conn", c.id)
}
