package outbox

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	domoutbox "github.com/Zhima-Mochi/creatorpay/internal/domain/outbox"
	"github.com/Zhima-Mochi/creatorpay/internal/observability"
	"github.com/Zhima-Mochi/creatorpay/internal/observability/logctx"

	"go.opentelemetry.io/otel/trace"
)

const componentOutbox = "outbox"

var ErrStopped = errors.New("outbox: bus stopped")

// envelope keeps the publisher's span so handlers join the same trace.
type envelope struct {
	event domoutbox.Event
	span  trace.SpanContext
}

type Options struct {
	QueueSize      int
	Concurrency    int
	HandlerTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 30 * time.Second
	}
	return o
}

// Bus is an in-process event bus. It is not durable: events still queued when
// the process dies are lost, and handlers must tolerate that.
type Bus struct {
	subsMu sync.RWMutex
	subs   map[string][]domoutbox.Handler

	// stateMu guards stopped and the close of queue; dispatch never takes it.
	stateMu sync.RWMutex
	queue   chan envelope
	stopped bool

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	opts      Options

	log        observability.Logger
	reqCounter observability.Counter
}

func NewBus(tel observability.Observability, opts Options) *Bus {
	tel = observability.OrNop(tel)
	opts = opts.withDefaults()
	return &Bus{
		subs:       make(map[string][]domoutbox.Handler),
		queue:      make(chan envelope, opts.QueueSize),
		done:       make(chan struct{}),
		opts:       opts,
		log:        tel.Logger().With(observability.F("component", componentOutbox)),
		reqCounter: tel.Metrics().Counter(observability.MUsecaseRequests),
	}
}

func (b *Bus) Subscribe(eventName string, h domoutbox.Handler) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	b.subs[eventName] = append(b.subs[eventName], h)
}

// Start launches the dispatch loop. Handlers run detached from ctx cancellation.
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		go b.dispatchLoop(context.WithoutCancel(ctx))
		logctx.FromOr(ctx, b.log).Info("event_bus_started")
	})
}

// Stop refuses new events and waits until queued ones are dispatched or ctx ends.
func (b *Bus) Stop(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		b.stateMu.Lock()
		b.stopped = true
		close(b.queue)
		b.stateMu.Unlock()

		started := true
		b.startOnce.Do(func() { started = false })
		if !started {
			close(b.done)
		}

		select {
		case <-b.done:
			logctx.FromOr(ctx, b.log).Info("event_bus_stopped")
		case <-ctx.Done():
			err = ctx.Err()
			logctx.FromOr(ctx, b.log).Warn("event_bus_stop_timeout", observability.F("error", err))
		}
	})
	return err
}

func (b *Bus) Publish(ctx context.Context, e domoutbox.Event) error {
	if e == nil {
		return nil
	}
	logger := logctx.FromOr(ctx, b.log).With(observability.F("event", e.EventName()))

	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	if b.stopped {
		logger.Warn("event_enqueue_rejected", observability.F("error", ErrStopped))
		return ErrStopped
	}

	select {
	case b.queue <- envelope{event: e, span: trace.SpanContextFromContext(ctx)}:
		logger.Debug("event_enqueued")
		return nil
	case <-ctx.Done():
		logger.Warn("event_enqueue_aborted", observability.F("error", ctx.Err()))
		return ctx.Err()
	}
}

func (b *Bus) dispatchLoop(ctx context.Context) {
	defer close(b.done)
	for env := range b.queue {
		hctx := ctx
		if env.span.IsValid() {
			hctx = trace.ContextWithRemoteSpanContext(ctx, env.span)
		}
		b.fanout(hctx, env.event)
	}
}

func (b *Bus) fanout(ctx context.Context, e domoutbox.Event) {
	name := e.EventName()

	b.subsMu.RLock()
	handlers := append([]domoutbox.Handler(nil), b.subs[name]...)
	b.subsMu.RUnlock()

	logger := b.log.With(observability.F("event", name))
	if len(handlers) == 0 {
		logger.Debug("event_dropped_no_subscriber")
		b.count(name, "dropped")
		return
	}

	sem := make(chan struct{}, b.opts.Concurrency)
	var wg sync.WaitGroup

	for _, h := range handlers {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			outcome := "success"
			defer func() {
				if r := recover(); r != nil {
					outcome = "panic"
					logger.Error("event_handler_panic",
						observability.F("panic", r),
						observability.F("stack", string(debug.Stack())),
					)
				}
				b.count(name, outcome)
				<-sem
				wg.Done()
			}()

			hctx, cancel := context.WithTimeout(logctx.With(ctx, logger), b.opts.HandlerTimeout)
			defer cancel()
			if err := h(hctx, e); err != nil {
				outcome = "error"
				logger.Warn("event_handler_error", observability.F("error", err))
			}
		}()
	}

	wg.Wait()
	logger.Debug("event_fanned_out", observability.F("handlers", len(handlers)))
}

func (b *Bus) count(event, outcome string) {
	b.reqCounter.Add(1,
		observability.L("use_case", "outbox.dispatch."+event),
		observability.L("outcome", outcome),
	)
}
