package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Listener receives NOTIFY payloads published on a single channel.
type Listener struct {
	pool    *pgxpool.Pool
	channel string
}

// NewListener constructs a Listener for channel.
func NewListener(pool *pgxpool.Pool, channel string) *Listener {
	return &Listener{pool: pool, channel: strings.TrimSpace(channel)}
}

// Listen blocks, invoking handle for every notification, until ctx is cancelled or
// the connection fails.
func (l *Listener) Listen(ctx context.Context, handle func(payload []byte)) error {
	if l.channel == "" {
		return fmt.Errorf("listen channel required")
	}
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		handle([]byte(notification.Payload))
	}
}
