// Package events delivers analytics events emitted by the orchestrator to
// subscribers without blocking the conversation.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/songzhibin97/coach-workflow/logging"
)

var (
	ErrBusClosed   = errors.New("event bus is closed")
	ErrChannelFull = errors.New("event channel is full")
	ErrNoHandler   = errors.New("no handlers registered for event")
)

// Analytics event names.
const (
	WorkflowStarted       = "workflow_started"
	WorkflowStepViewed    = "workflow_step_viewed"
	WorkflowStepCompleted = "workflow_step_completed"
	WorkflowCompleted     = "workflow_completed"
	WorkflowAbandoned     = "workflow_abandoned"

	// AllEvents subscribes a handler to every event name.
	AllEvents = "*"
)

const (
	defaultBufferSize  = 100
	defaultSyncTimeout = 5 * time.Second
)

// Event is one analytics record.
type Event struct {
	Name       string
	InstanceID string
	Props      map[string]interface{}
	At         time.Time
}

// Handler consumes events.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type subscription struct {
	id      uint64
	handler Handler
}

// EventBus fans events out to subscribers on a background goroutine.
type EventBus struct {
	mu         sync.RWMutex
	handlers   map[string][]subscription
	nextSubID  uint64
	eventCh    chan Event
	errHandler func(event Event, err error)
	logger     *slog.Logger
	wg         sync.WaitGroup
	closeMu    sync.RWMutex
	closed     bool
}

// Option configures an EventBus.
type Option func(*EventBus)

// WithBufferSize sets the queue length for asynchronous delivery.
func WithBufferSize(size int) Option {
	return func(eb *EventBus) {
		if size > 0 {
			eb.eventCh = make(chan Event, size)
		}
	}
}

// WithErrorHandler replaces the default handler-error logger.
func WithErrorHandler(handler func(event Event, err error)) Option {
	return func(eb *EventBus) {
		eb.errHandler = handler
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *slog.Logger) Option {
	return func(eb *EventBus) {
		eb.logger = logging.OrNop(logger)
	}
}

// NewEventBus creates a bus and starts its delivery goroutine. Call Stop to
// release it.
func NewEventBus(opts ...Option) *EventBus {
	eb := &EventBus{
		handlers: make(map[string][]subscription),
		eventCh:  make(chan Event, defaultBufferSize),
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(eb)
	}
	if eb.errHandler == nil {
		eb.errHandler = eb.logError
	}

	eb.wg.Add(1)
	go eb.processEvents()
	return eb
}

// Subscribe registers handler for name (or AllEvents) and returns a function
// that removes it.
func (eb *EventBus) Subscribe(name string, handler Handler) (unsubscribe func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextSubID++
	id := eb.nextSubID
	eb.handlers[name] = append(eb.handlers[name], subscription{id: id, handler: handler})
	return func() { eb.unsubscribe(name, id) }
}

// SubscribeFunc registers a function handler.
func (eb *EventBus) SubscribeFunc(name string, fn func(ctx context.Context, event Event) error) (unsubscribe func()) {
	return eb.Subscribe(name, HandlerFunc(fn))
}

func (eb *EventBus) unsubscribe(name string, id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	subs := eb.handlers[name]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		eb.handlers[name] = append(subs[:i:i], subs[i+1:]...)
		if len(eb.handlers[name]) == 0 {
			delete(eb.handlers, name)
		}
		return
	}
}

// HasSubscribers reports whether an event named name would reach anyone.
func (eb *EventBus) HasSubscribers(name string) bool {
	return len(eb.handlersFor(name)) > 0
}

func (eb *EventBus) handlersFor(name string) []Handler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	subs := append(append([]subscription(nil), eb.handlers[name]...), eb.handlers[AllEvents]...)
	out := make([]Handler, len(subs))
	for i, s := range subs {
		out[i] = s.handler
	}
	return out
}

// Publish queues event for asynchronous delivery. It never blocks: a full
// queue returns ErrChannelFull.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if !eb.HasSubscribers(event.Name) {
		return ErrNoHandler
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	select {
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers event on the caller's goroutine and returns every
// handler error. Delivery is bounded by a five second timeout.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	closed := eb.closed
	eb.closeMu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	handlers := eb.handlersFor(event.Name)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, defaultSyncTimeout)
	defer cancel()
	return executeHandlers(ctx, handlers, event)
}

// Stop delivers the queued events and waits for the delivery goroutine.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()
	eb.wg.Wait()
}

func (eb *EventBus) processEvents() {
	defer eb.wg.Done()
	for event := range eb.eventCh {
		for _, err := range executeHandlers(context.Background(), eb.handlersFor(event.Name), event) {
			eb.errHandler(event, err)
		}
	}
}

func executeHandlers(ctx context.Context, handlers []Handler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))
	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.Warn("analytics handler failed",
		"event", event.Name,
		"instance_id", event.InstanceID,
		"error", err)
}
