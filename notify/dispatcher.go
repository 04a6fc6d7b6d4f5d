/*
Package notify delivers engine notifications outside the request path.

PURPOSE:
  The engine hands every notification to a Notifier after its transaction
  committed. Dispatcher is that Notifier: Notify only enqueues, and a single
  worker goroutine passes each notification to a Publisher (NATS or the
  log). Delivery is attempted at most once; failures are logged and
  counted, never retried.

BACKPRESSURE:
  The queue is bounded. When it is full Notify returns ErrQueueFull
  immediately and the notification is dropped. The engine logs the drop;
  the operation that produced it has already committed.

LIFECYCLE:
  d := notify.NewDispatcher(pub, 256, logger)
  d.Start()
  ...
  d.Close(ctx) // stops intake, drains the queue or gives up at ctx deadline

SEE ALSO:
  - nats.go: NATS publisher
  - log.go: zap publisher
  - engine/notify.go: Notification kinds and the outbox
*/
package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/warp/contravention-engine/engine"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("notification dispatcher closed")
)

// Publisher delivers one notification to its destination.
type Publisher interface {
	Publish(ctx context.Context, n engine.Notification) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, n engine.Notification) error

func (f PublisherFunc) Publish(ctx context.Context, n engine.Notification) error { return f(ctx, n) }

// DefaultQueueSize is used when NewDispatcher gets a non-positive size.
const DefaultQueueSize = 256

// Dispatcher is an asynchronous engine.Notifier.
type Dispatcher struct {
	publisher Publisher
	logger    *zap.Logger
	queue     chan engine.Notification

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}

	// OnPublished, when set, is called by the worker after each attempt.
	OnPublished func(n engine.Notification, err error)
}

func NewDispatcher(publisher Publisher, queueSize int, logger *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		publisher: publisher,
		logger:    logger,
		queue:     make(chan engine.Notification, queueSize),
		done:      make(chan struct{}),
	}
}

// Start launches the worker. Calling it twice has no effect.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	go d.run()
}

// Notify enqueues n without blocking.
func (d *Dispatcher) Notify(_ context.Context, n engine.Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued notifications.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Close stops accepting notifications and waits for the worker to drain the
// queue, or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		err := d.publish(n)
		if err != nil {
			d.logger.Warn("notification delivery failed",
				zap.String("kind", string(n.Kind)),
				zap.Error(err),
			)
		}
		if d.OnPublished != nil {
			d.OnPublished(n, err)
		}
	}
}

func (d *Dispatcher) publish(n engine.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification publisher panicked", zap.Any("panic", r))
			err = errors.New("publisher panicked")
		}
	}()
	return d.publisher.Publish(context.Background(), n)
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, n engine.Notification) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
