package workerpresentation

import (
	"context"
	"testing"

	domoutbox "github.com/Zhima-Mochi/creatorpay/internal/domain/outbox"
	"github.com/Zhima-Mochi/creatorpay/internal/observability"
	"github.com/Zhima-Mochi/creatorpay/internal/observability/logctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

type captureLogger struct {
	fields []observability.Field
}

func (c *captureLogger) Debug(string, ...observability.Field) {}
func (c *captureLogger) Info(string, ...observability.Field)  {}
func (c *captureLogger) Warn(string, ...observability.Field)  {}
func (c *captureLogger) Error(string, ...observability.Field) {}
func (c *captureLogger) With(fields ...observability.Field) observability.Logger {
	return &captureLogger{fields: append(append([]observability.Field(nil), c.fields...), fields...)}
}

type stubSubscriber struct {
	handlers map[string]domoutbox.Handler
}

func (s *stubSubscriber) Subscribe(name string, h domoutbox.Handler) {
	if s.handlers == nil {
		s.handlers = map[string]domoutbox.Handler{}
	}
	s.handlers[name] = h
}

type namedEvent struct{ id string }

func (namedEvent) EventName() string { return "thing.happened" }
func (e namedEvent) EventID() string { return e.id }

func fieldMap(l observability.Logger) map[string]any {
	out := map[string]any{}
	for _, f := range l.(*captureLogger).fields {
		out[f.Key] = f.Value
	}
	return out
}

func TestInstrument_AddsEventFields(t *testing.T) {
	sub := &stubSubscriber{}
	var got observability.Logger
	Instrument(sub, nil).Subscribe("thing.happened", func(ctx context.Context, _ domoutbox.Event) error {
		got = logctx.From(ctx)
		return nil
	})

	ctx := logctx.With(context.Background(), &captureLogger{})
	require.NoError(t, sub.handlers["thing.happened"](ctx, namedEvent{id: "evt-7"}))

	fields := fieldMap(got)
	assert.Equal(t, "evt-7", fields["event_id"])
	assert.Equal(t, "thing.happened", fields["event"])
	assert.NotContains(t, fields, "trace_id")
}

func TestWithEventContext_GeneratesEventID(t *testing.T) {
	ctx := WithEventContext(context.Background(), &captureLogger{}, nil, trace.TraceID{}, trace.SpanID{}, nil)
	fields := fieldMap(logctx.From(ctx))
	assert.NotEmpty(t, fields["event_id"])
}
