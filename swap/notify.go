package swap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// NOTIFICATIONS
// =============================================================================

type NotificationEvent string

const (
	NotifyBookingReminder  NotificationEvent = "booking_reminder"
	NotifyBookingCancelled NotificationEvent = "booking_cancelled"
	NotifyBookingNoShow    NotificationEvent = "booking_no_show"
	NotifyBookingExpired   NotificationEvent = "booking_expired"
	NotifySwapCompleted    NotificationEvent = "swap_completed"
	NotifyWalletCredited   NotificationEvent = "wallet_credited"
)

type Notification struct {
	Event   NotificationEvent `json:"event"`
	UserID  UserID            `json:"user_id"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

// Notifier delivers user-facing messages. Delivery failures never fail the
// ledger operation that produced the message.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifyFunc adapts a function to Notifier.
type NotifyFunc func(ctx context.Context, n Notification) error

func (f NotifyFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// notifyAfterCommit sends n and logs, never returns, a delivery failure.
// It reports whether the notifier accepted the message.
func notifyAfterCommit(ctx context.Context, n Notifier, logger *zap.Logger, msg Notification) bool {
	if n == nil {
		return false
	}
	if err := n.Notify(ctx, msg); err != nil {
		logger.Warn("notification failed",
			zap.String("event", string(msg.Event)),
			zap.String("user_id", string(msg.UserID)),
			zap.Error(err))
		return false
	}
	return true
}

// =============================================================================
// REMINDER LOG - At-most-once reminders per booking and lead time
// =============================================================================

// ReminderLog records which reminders were sent. MarkSent returns true only
// for the first caller for a given booking and kind.
type ReminderLog interface {
	MarkSent(ctx context.Context, bookingID BookingID, kind string, ttl time.Duration) (bool, error)
}

// MemoryReminderLog is a process-local ReminderLog.
type MemoryReminderLog struct {
	mu    sync.Mutex
	sent  map[string]time.Time
	clock Clock
}

func NewMemoryReminderLog(clock Clock) *MemoryReminderLog {
	if clock == nil {
		clock = SystemClock()
	}
	return &MemoryReminderLog{sent: make(map[string]time.Time), clock: clock}
}

func (l *MemoryReminderLog) MarkSent(_ context.Context, bookingID BookingID, kind string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	key := fmt.Sprintf("%s:%s", bookingID, kind)
	if exp, ok := l.sent[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.sent[key] = now.Add(ttl)
	return true, nil
}
