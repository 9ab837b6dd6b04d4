package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/muratgozel/deployment-server/internal/domain"
)

// Source delivers raw status event payloads until ctx ends or the feed fails.
type Source interface {
	Listen(ctx context.Context, handle func(payload []byte)) error
}

// Relay forwards status events from src to hub, reconnecting after retry when the
// source fails. It returns when ctx is cancelled.
func Relay(ctx context.Context, src Source, hub *Hub, logger *slog.Logger, retry time.Duration) {
	if retry <= 0 {
		retry = 2 * time.Second
	}
	log := logger.With("component", "status_relay")
	handle := func(payload []byte) {
		var event domain.StatusEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			log.Warn("discarding malformed status event", "error", err)
			return
		}
		if event.DeploymentID == "" {
			log.Warn("discarding status event without deployment")
			return
		}
		hub.Broadcast(event.DeploymentID, payload)
	}
	for {
		err := src.Listen(ctx, handle)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("status feed interrupted", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}
