package outbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	domoutbox "github.com/Zhima-Mochi/creatorpay/internal/domain/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

type pinged struct{ n int }

func (pinged) EventName() string { return "test.pinged" }

func TestBus_DeliversToEverySubscriber(t *testing.T) {
	bus := NewBus(nil, Options{})
	var first, second atomic.Int32
	bus.Subscribe("test.pinged", func(_ context.Context, e domoutbox.Event) error {
		first.Add(int32(e.(pinged).n))
		return nil
	})
	bus.Subscribe("test.pinged", func(context.Context, domoutbox.Event) error {
		second.Add(1)
		return errors.New("handler failed")
	})
	bus.Start(context.Background())

	for i := 1; i <= 3; i++ {
		require.NoError(t, bus.Publish(context.Background(), pinged{n: i}))
	}
	require.NoError(t, bus.Stop(context.Background()))

	assert.Equal(t, int32(6), first.Load())
	assert.Equal(t, int32(3), second.Load())
}

func TestBus_RecoversFromPanickingHandler(t *testing.T) {
	bus := NewBus(nil, Options{})
	var after atomic.Bool
	bus.Subscribe("test.pinged", func(context.Context, domoutbox.Event) error { panic("boom") })
	bus.Subscribe("test.pinged", func(context.Context, domoutbox.Event) error {
		after.Store(true)
		return nil
	})
	bus.Start(context.Background())

	require.NoError(t, bus.Publish(context.Background(), pinged{}))
	require.NoError(t, bus.Stop(context.Background()))
	assert.True(t, after.Load())
}

func TestBus_PublishAfterStop(t *testing.T) {
	bus := NewBus(nil, Options{})
	bus.Start(context.Background())
	require.NoError(t, bus.Stop(context.Background()))

	assert.ErrorIs(t, bus.Publish(context.Background(), pinged{}), ErrStopped)
	assert.NoError(t, bus.Stop(context.Background()))
}

func TestBus_StopWithoutStart(t *testing.T) {
	bus := NewBus(nil, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, bus.Stop(ctx))
}

func TestBus_PublishHonoursContextWhenFull(t *testing.T) {
	bus := NewBus(nil, Options{QueueSize: 1})
	require.NoError(t, bus.Publish(context.Background(), pinged{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bus.Publish(ctx, pinged{}), context.DeadlineExceeded)
}

func TestBus_HandlersJoinPublisherTrace(t *testing.T) {
	bus := NewBus(nil, Options{})
	got := make(chan trace.SpanContext, 1)
	bus.Subscribe("test.pinged", func(ctx context.Context, _ domoutbox.Event) error {
		got <- trace.SpanContextFromContext(ctx)
		return nil
	})
	bus.Start(context.Background())
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	require.NoError(t, bus.Publish(trace.ContextWithSpanContext(context.Background(), sc), pinged{}))

	select {
	case handled := <-got:
		assert.Equal(t, sc.TraceID(), handled.TraceID())
		assert.True(t, handled.IsRemote())
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}
