package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/warp/swap-engine/swap"
)

// LogNotifier writes each notification as a structured log line.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Notify(_ context.Context, n swap.Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.L()
	}
	fields := []zap.Field{
		zap.String("event", string(n.Event)),
		zap.String("user_id", string(n.UserID)),
		zap.String("title", n.Title),
		zap.String("message", n.Message),
	}
	for k, v := range n.Data {
		fields = append(fields, zap.String("data."+k, v))
	}
	logger.Info("notification", fields...)
	return nil
}
