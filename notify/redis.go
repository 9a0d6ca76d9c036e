package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/swap-engine/swap"
)

// RedisOptions configures the reminder log connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
}

// NewRedisClient connects and pings the server. It returns an error instead
// of a client when the server is unreachable so callers can fall back to
// the in-process reminder log.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	var tlsConf *tls.Config
	if opts.TLS {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(&redis.Options{
		Addr:      opts.Addr,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: tlsConf,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// RedisReminderLog is a swap.ReminderLog shared by every engine instance.
type RedisReminderLog struct {
	Client *redis.Client
	Prefix string
}

func NewRedisReminderLog(client *redis.Client) *RedisReminderLog {
	return &RedisReminderLog{Client: client, Prefix: "swap:reminder"}
}

// MarkSent sets the reminder key only if absent. The first caller wins.
func (l *RedisReminderLog) MarkSent(ctx context.Context, bookingID swap.BookingID, kind string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("%s:%s:%s", l.Prefix, bookingID, kind)
	ok, err := l.Client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}
