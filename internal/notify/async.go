package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/roadassist/internal/assist/domain"
)

// ErrQueueFull is returned when the delivery queue has no room left.
var ErrQueueFull = errors.New("notification queue full")

var (
	asyncDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assist_notify_dropped_total",
		Help: "Notifications dropped because the delivery queue was full or closed.",
	})
	asyncFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assist_notify_delivery_failures_total",
		Help: "Queued notifications whose delivery returned an error.",
	})
	asyncQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assist_notify_queue_depth",
		Help: "Notifications waiting for delivery.",
	})
)

// AsyncConfig sizes the delivery queue.
type AsyncConfig struct {
	Buffer  int
	Workers int
	Timeout time.Duration
}

type queued struct {
	span trace.SpanContext
	n    domain.Notification
}

// Async hands notifications to a fixed set of workers so callers never wait on
// a broker. Notify only enqueues; Close stops intake and drains what is queued.
type Async struct {
	next    domain.Notifier
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan queued
	wg     sync.WaitGroup
}

func NewAsync(next domain.Notifier, logger *zap.Logger, cfg AsyncConfig) *Async {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Async{
		next:    next,
		logger:  logger.Named("notify"),
		timeout: cfg.Timeout,
		queue:   make(chan queued, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		a.wg.Add(1)
		go a.deliver()
	}
	return a
}

// Notify satisfies domain.Notifier.
func (a *Async) Notify(ctx context.Context, n domain.Notification) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		asyncDropped.Inc()
		return ErrQueueFull
	}
	select {
	case a.queue <- queued{span: trace.SpanContextFromContext(ctx), n: n}:
		asyncQueued.Inc()
		return nil
	default:
		asyncDropped.Inc()
		return ErrQueueFull
	}
}

// Close rejects further notifications and waits for the queue to drain.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Async) deliver() {
	defer a.wg.Done()
	for item := range a.queue {
		asyncQueued.Dec()
		ctx := trace.ContextWithSpanContext(context.Background(), item.span)
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		err := a.next.Notify(ctx, item.n)
		cancel()
		if err != nil {
			asyncFailed.Inc()
			a.logger.Warn("notification delivery failed",
				zap.Error(err),
				zap.String("event", string(item.n.EventType)),
				zap.String("request_id", item.n.RequestID.String()))
		}
	}
}
