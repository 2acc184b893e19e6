package workerpresentation

import (
	"context"

	domoutbox "github.com/Zhima-Mochi/creatorpay/internal/domain/outbox"
	"github.com/Zhima-Mochi/creatorpay/internal/observability"
	"github.com/Zhima-Mochi/creatorpay/internal/observability/logctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// WithEventContext injects a request-scoped logger for background/worker executions.
// Dynamic fields only: trace_id/span_id (if valid), event_id (generated if empty),
// plus caller-provided low-cardinality attributes (e.g. "use_case", "event").
func WithEventContext(
	ctx context.Context,
	base observability.Logger,
	tel observability.Observability,
	traceID trace.TraceID,
	spanID trace.SpanID,
	attrs map[string]string,
) context.Context {
	if base == nil {
		base = observability.OrNop(tel).Logger()
	}
	if attrs == nil {
		attrs = make(map[string]string)
	}

	fields := make([]observability.Field, 0, 6)

	evtID := attrs["event_id"]
	if evtID == "" {
		evtID = uuid.NewString()
	}
	fields = append(fields, observability.F("event_id", evtID))

	if traceID.IsValid() {
		fields = append(fields, observability.F("trace_id", traceID.String()))
	}
	if spanID.IsValid() {
		fields = append(fields, observability.F("span_id", spanID.String()))
	}

	for k, v := range attrs {
		if k == "event_id" || v == "" {
			continue
		}
		fields = append(fields, observability.F(k, v))
	}

	return logctx.With(ctx, base.With(fields...))
}

// identified is implemented by events that carry their own id.
type identified interface {
	EventID() string
}

type instrumented struct {
	next domoutbox.Subscriber
	tel  observability.Observability
}

// Instrument wraps sub so that every handler it registers runs with an event-scoped logger.
func Instrument(sub domoutbox.Subscriber, tel observability.Observability) domoutbox.Subscriber {
	return &instrumented{next: sub, tel: observability.OrNop(tel)}
}

func (i *instrumented) Subscribe(eventName string, h domoutbox.Handler) {
	i.next.Subscribe(eventName, func(ctx context.Context, e domoutbox.Event) error {
		attrs := map[string]string{"event": e.EventName()}
		if ev, ok := e.(identified); ok {
			attrs["event_id"] = ev.EventID()
		}
		sc := trace.SpanContextFromContext(ctx)
		ctx = WithEventContext(ctx, logctx.From(ctx), i.tel, sc.TraceID(), sc.SpanID(), attrs)
		return h(ctx, e)
	})
}
