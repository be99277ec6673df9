/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package board

import (
	"context"
	"sync"
	"sync/atomic"
)

type Topic string

const (
	TopicDrawing Topic = "drawing"
	TopicChat    Topic = "chat"
)

type Kind string

const (
	KindPoint    Kind = "point"
	KindChat     Kind = "chat"
	KindClear    Kind = "clear"
	KindSnapshot Kind = "snapshot"
)

// Envelope is one delivery to a subscriber. Point and snapshot deliveries
// carry Points, chat deliveries carry Chat.
type Envelope struct {
	Topic  Topic
	Kind   Kind
	Points []Point
	Chat   *ChatMessage
	From   string
}

// Subscriber is the outbound FIFO queue of one connection.
type Subscriber struct {
	id     string
	out    chan Envelope
	once   sync.Once
	closed atomic.Bool
}

func NewSubscriber(id string, buffer int) *Subscriber {
	if buffer < 1 {
		buffer = 1
	}
	return &Subscriber{id: id, out: make(chan Envelope, buffer)}
}

func (s *Subscriber) ID() string { return s.id }

// C is closed once the subscriber is dropped or its connection ends.
func (s *Subscriber) C() <-chan Envelope { return s.out }

// Closed reports whether the queue has been closed.
func (s *Subscriber) Closed() bool { return s.closed.Load() }

// close is only called with the owning session's lock held.
func (s *Subscriber) close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.out)
	})
}

// Hub fans out a session's deliveries to its subscribers. Every method
// runs under the owning session's lock, which makes appends, deliveries
// and subscription changes totally ordered within the session.
type Hub struct {
	session *Session
	topics  map[Topic]map[*Subscriber]struct{}
}

func newHub(s *Session) *Hub {
	return &Hub{
		session: s,
		topics: map[Topic]map[*Subscriber]struct{}{
			TopicDrawing: {},
			TopicChat:    {},
		},
	}
}

func (h *Hub) Subscribe(sub *Subscriber, topic Topic) error {
	s := h.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionNotFound
	}
	if err := h.subscribeLocked(sub, topic); err != nil {
		return err
	}
	s.touchLocked()
	return nil
}

func (h *Hub) subscribeLocked(sub *Subscriber, topic Topic) error {
	if sub.Closed() {
		return ErrDisconnected
	}
	h.topics[topic][sub] = struct{}{}
	return nil
}

func (h *Hub) Unsubscribe(sub *Subscriber, topic Topic) {
	s := h.session
	s.mu.Lock()
	delete(h.topics[topic], sub)
	s.mu.Unlock()
}

func (h *Hub) unsubscribeAllLocked(sub *Subscriber) {
	for _, subs := range h.topics {
		delete(subs, sub)
	}
}

// Subscribers returns the number of subscribers on topic.
func (h *Hub) Subscribers(topic Topic) int {
	s := h.session
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(h.topics[topic])
}

// PublishStroke appends points to the store and, only if that succeeds,
// delivers them as one envelope to every drawing subscriber except the
// one whose id equals exclude.
func (h *Hub) PublishStroke(ctx context.Context, exclude string, points ...Point) error {
	s := h.session

	bound, err := bindPoints(s.code, points)
	if err != nil {
		return err
	}
	if len(bound) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionNotFound
	}
	if err := s.store.Append(ctx, s.code, bound); err != nil {
		return err
	}

	s.touchLocked()
	s.registry.metrics.RecordPoints(len(bound))

	h.deliverLocked(TopicDrawing, Envelope{
		Topic:  TopicDrawing,
		Kind:   KindPoint,
		Points: bound,
		From:   exclude,
	}, exclude)

	return nil
}

// PublishChat delivers msg to every chat subscriber. Chat is not stored.
func (h *Hub) PublishChat(ctx context.Context, exclude string, msg ChatMessage) error {
	if err := ValidateChat(msg); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s := h.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionNotFound
	}

	s.touchLocked()
	s.registry.metrics.RecordChat()

	h.deliverLocked(TopicChat, Envelope{
		Topic: TopicChat,
		Kind:  KindChat,
		Chat:  &msg,
		From:  exclude,
	}, exclude)

	return nil
}

// Clear empties the session's strokes and tells drawing subscribers to
// wipe their replicas.
func (h *Hub) Clear(ctx context.Context) error {
	s := h.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionNotFound
	}
	if err := s.store.Clear(ctx, s.code); err != nil {
		return err
	}

	s.touchLocked()
	h.deliverLocked(TopicDrawing, Envelope{Topic: TopicDrawing, Kind: KindClear}, "")

	return nil
}

// SubscribeWithSnapshot subscribes sub to the drawing topic if needed and
// enqueues the current snapshot ahead of any later delivery. Both steps
// happen under the session lock, so the snapshot and the live stream
// neither overlap nor leave a gap.
func (h *Hub) SubscribeWithSnapshot(ctx context.Context, sub *Subscriber) ([]Point, error) {
	s := h.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionNotFound
	}

	if err := h.subscribeLocked(sub, TopicDrawing); err != nil {
		return nil, err
	}
	s.touchLocked()

	points, err := s.store.ReadAll(ctx, s.code)
	if err != nil {
		return nil, err
	}

	h.sendLocked(sub, Envelope{Topic: TopicDrawing, Kind: KindSnapshot, Points: points})

	return points, nil
}

func (h *Hub) deliverLocked(topic Topic, env Envelope, exclude string) {
	for sub := range h.topics[topic] {
		if exclude != "" && sub.id == exclude {
			continue
		}
		h.sendLocked(sub, env)
	}
}

// sendLocked never blocks. A subscriber whose queue is full is dropped
// from every topic and its queue is closed, so it never observes a
// stream with holes in it.
func (h *Hub) sendLocked(sub *Subscriber, env Envelope) {
	select {
	case sub.out <- env:
	default:
		h.dropLocked(sub)
	}
}

func (h *Hub) dropLocked(sub *Subscriber) {
	h.unsubscribeAllLocked(sub)
	sub.close()

	s := h.session
	s.registry.metrics.RecordDrop()
	s.registry.logger.Warn("dropped slow subscriber", "code", s.code, "subscriber", sub.id)
}

// closeAllLocked ends every subscription, used when the session goes away.
func (h *Hub) closeAllLocked() {
	for _, subs := range h.topics {
		for sub := range subs {
			sub.close()
			delete(subs, sub)
		}
	}
}
