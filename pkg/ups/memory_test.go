package ups

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	bus := NewMemory()
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, "test.subject")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "test.subject", []byte("hello")))

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test.subject", msg.Subject)
	assert.Equal(t, []byte("hello"), msg.Payload)
}

func TestMemoryExactSubjects(t *testing.T) {
	ctx := context.Background()
	bus := NewMemory()
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, "a.b")
	require.NoError(t, err)

	// No pattern matching: a different subject must not be delivered.
	require.NoError(t, bus.Publish(ctx, "a.c", []byte("miss")))
	require.NoError(t, bus.Publish(ctx, "a.b", []byte("hit")))

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hit"), msg.Payload)
}

func TestMemoryFanOut(t *testing.T) {
	ctx := context.Background()
	bus := NewMemory()
	defer bus.Close()

	var subs []*Subscriber
	for i := 0; i < 3; i++ {
		sub, err := bus.Subscribe(ctx, "fan")
		require.NoError(t, err)
		subs = append(subs, sub)
	}
	require.NoError(t, bus.Publish(ctx, "fan", []byte("x")))
	for _, sub := range subs {
		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), msg.Payload)
	}
}

func TestMemoryUnsubscribe(t *testing.T) {
	ctx := context.Background()
	bus := NewMemory()
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, "bye")
	require.NoError(t, err)
	sub.Close()

	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, ErrUnsubscribed)

	// Publishing after unsubscribe is not an error, just undelivered.
	require.NoError(t, bus.Publish(ctx, "bye", []byte("late")))
}

func TestMemoryBufferedBeforeClose(t *testing.T) {
	ctx := context.Background()
	bus := NewMemory()
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, "pending")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "pending", []byte("in flight")))
	sub.Close()

	// In-flight deliveries drain before the unsubscribed error.
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("in flight"), msg.Payload)

	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, ErrUnsubscribed)
}

func TestMemoryNextHonorsContext(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), "quiet")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryDropsWhenFull(t *testing.T) {
	ctx := context.Background()
	bus := NewMemory()
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, "burst")
	require.NoError(t, err)

	// At-most-once: overflow beyond the buffer is dropped, not blocking.
	for i := 0; i < memoryBuffer+10; i++ {
		require.NoError(t, bus.Publish(ctx, "burst", []byte(fmt.Sprintf("%d", i))))
	}
	for i := 0; i < memoryBuffer; i++ {
		_, err := sub.Next(ctx)
		require.NoError(t, err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = sub.Next(shortCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryClosedBus(t *testing.T) {
	ctx := context.Background()
	bus := NewMemory()
	require.NoError(t, bus.Close())

	require.ErrorIs(t, bus.Publish(ctx, "s", nil), ErrClosed)
	_, err := bus.Subscribe(ctx, "s")
	require.ErrorIs(t, err, ErrClosed)
}
