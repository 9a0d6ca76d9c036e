package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/swap-engine/notify"
	"github.com/warp/swap-engine/swap"
)

type collector struct {
	mu   sync.Mutex
	got  []swap.Notification
	err  error
	wait time.Duration
}

func (c *collector) Notify(ctx context.Context, n swap.Notification) error {
	if c.wait > 0 {
		select {
		case <-time.After(c.wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
	return c.err
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestAsync_DeliversBeforeClose(t *testing.T) {
	// GIVEN: A slow downstream notifier
	// WHEN: Notifying and closing
	// THEN: Notify returns at once and Close waits for delivery
	next := &collector{wait: 20 * time.Millisecond}
	a := notify.NewAsync(next, time.Second, nil)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Notify(context.Background(), swap.Notification{Event: swap.NotifyBookingReminder}))
	}
	assert.Less(t, time.Since(start), 20*time.Millisecond)

	a.Close()
	assert.Equal(t, 3, next.count())

	require.NoError(t, a.Notify(context.Background(), swap.Notification{Event: swap.NotifyBookingReminder}))
	assert.Equal(t, 3, next.count(), "closed wrapper delivers nothing")
}

func TestAsync_FailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	next := &collector{err: errors.New("broker down")}
	a := notify.NewAsync(next, time.Second, zap.New(core))

	require.NoError(t, a.Notify(context.Background(), swap.Notification{Event: swap.NotifyBookingNoShow, UserID: "driver-1"}))
	a.Close()

	entries := logs.FilterMessage("notification delivery failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "booking_no_show", entries[0].ContextMap()["event"])
}

func TestAsync_TimeoutCancelsDelivery(t *testing.T) {
	next := &collector{wait: time.Second}
	a := notify.NewAsync(next, 10*time.Millisecond, nil)

	require.NoError(t, a.Notify(context.Background(), swap.Notification{Event: swap.NotifySwapCompleted}))
	a.Close()

	assert.Equal(t, 0, next.count())
}

func TestLogNotifier_WritesFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	n := notify.LogNotifier{Logger: zap.New(core)}

	err := n.Notify(context.Background(), swap.Notification{
		Event: swap.NotifyWalletCredited, UserID: "driver-1", Title: "Top-up", Message: "Wallet credited",
		Data: map[string]string{"payment_id": "pay-1"},
	})
	require.NoError(t, err)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "wallet_credited", fields["event"])
	assert.Equal(t, "pay-1", fields["data.payment_id"])
}
