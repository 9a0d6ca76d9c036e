package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/swap-engine/swap"
)

// Async hands notifications to a background goroutine so a slow broker never
// delays the request or sweep that produced them. Each delivery gets its own
// timeout, detached from the caller's context.
type Async struct {
	next    swap.Notifier
	timeout time.Duration
	logger  *zap.Logger

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewAsync(next swap.Notifier, timeout time.Duration, logger *zap.Logger) *Async {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Async{next: next, timeout: timeout, logger: logger}
}

// Notify queues n and returns immediately. After Close it delivers nothing.
func (a *Async) Notify(_ context.Context, n swap.Notification) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.logger.Warn("notification dropped after close", zap.String("event", string(n.Event)))
		return nil
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Notify(ctx, n); err != nil {
			a.logger.Warn("notification delivery failed",
				zap.String("event", string(n.Event)),
				zap.String("user_id", string(n.UserID)),
				zap.Error(err))
		}
	}()
	return nil
}

// Close stops accepting notifications and waits for in-flight deliveries.
func (a *Async) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
}
