// Package queue provides an in-process, at-least-once message queue with
// named queues, registered handlers, and bounded redelivery. Handlers must be
// idempotent: a message whose handler fails is redelivered until it succeeds
// or the attempt cap is reached.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Message is one queued unit of work.
type Message struct {
	ID        string
	Queue     string
	Body      json.RawMessage
	Attempt   int
	VisibleAt time.Time
	CreatedAt time.Time
}

// Handler consumes one message. A non-nil error triggers redelivery.
type Handler func(ctx context.Context, msg Message) error

// Queue dispatches messages to handlers through a worker pool.
type Queue struct {
	log         zerolog.Logger
	workers     int
	maxAttempts int
	redeliverIn time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	pending  []Message
	wake     chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option tunes queue behavior.
type Option func(*Queue)

// WithWorkers sets the consumer pool size (default 4).
func WithWorkers(n int) Option { return func(q *Queue) { q.workers = n } }

// WithMaxAttempts bounds redelivery (default 5).
func WithMaxAttempts(n int) Option { return func(q *Queue) { q.maxAttempts = n } }

// WithRedeliveryDelay sets the pause before a failed message becomes visible
// again (default 5s).
func WithRedeliveryDelay(d time.Duration) Option {
	return func(q *Queue) { q.redeliverIn = d }
}

func New(log zerolog.Logger, opts ...Option) *Queue {
	q := &Queue{
		log:         log.With().Str("component", "queue").Logger(),
		workers:     4,
		maxAttempts: 5,
		redeliverIn: 5 * time.Second,
		handlers:    make(map[string]Handler),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Subscribe registers the handler for a named queue. Must be called before
// Start; later registrations are ignored for messages already in flight.
func (q *Queue) Subscribe(queue string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queue] = h
}

// Send enqueues a payload. The payload is serialized immediately so the
// caller can reuse or mutate it afterwards.
func (q *Queue) Send(queue string, payload interface{}) error {
	return q.SendAfter(queue, payload, 0)
}

// SendAfter enqueues a payload that becomes visible to workers after delay.
func (q *Queue) SendAfter(queue string, payload interface{}, delay time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := time.Now()
	msg := Message{
		ID:        uuid.NewString(),
		Queue:     queue,
		Body:      body,
		Attempt:   0,
		VisibleAt: now.Add(delay),
		CreatedAt: now,
	}

	q.mu.Lock()
	q.pending = append(q.pending, msg)
	q.mu.Unlock()
	q.notify()
	return nil
}

// Start launches the worker pool. Workers run until Stop.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.log.Info().Int("workers", q.workers).Msg("queue started")
}

// Stop cancels the workers and waits for in-flight handlers to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Depth returns the number of messages awaiting delivery.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		msg, ok := q.claim()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			case <-ticker.C:
			}
			continue
		}
		q.deliver(ctx, msg)
	}
}

// claim pops the first visible message that has a registered handler.
func (q *Queue) claim() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for i, msg := range q.pending {
		if msg.VisibleAt.After(now) {
			continue
		}
		if _, ok := q.handlers[msg.Queue]; !ok {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		return msg, true
	}
	return Message{}, false
}

func (q *Queue) deliver(ctx context.Context, msg Message) {
	q.mu.Lock()
	h := q.handlers[msg.Queue]
	q.mu.Unlock()

	msg.Attempt++
	err := h(ctx, msg)
	if err == nil {
		return
	}

	if msg.Attempt >= q.maxAttempts {
		q.log.Error().Err(err).Str("queue", msg.Queue).Str("message_id", msg.ID).
			Int("attempt", msg.Attempt).Msg("message dropped after max attempts")
		return
	}

	q.log.Warn().Err(err).Str("queue", msg.Queue).Str("message_id", msg.ID).
		Int("attempt", msg.Attempt).Msg("handler failed, message will be redelivered")

	msg.VisibleAt = time.Now().Add(q.redeliverIn)
	q.mu.Lock()
	q.pending = append(q.pending, msg)
	q.mu.Unlock()
}
