package ws

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// SSEClient streams status events as Server-Sent Events for clients that cannot
// open a websocket. Each frame carries the status rid as its event id.
type SSEClient struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	log     *slog.Logger
	closed  bool
}

// NewSSEClient wraps a response writer that has already sent its headers.
func NewSSEClient(w io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{w: w, flusher: flusher, log: logger}
}

// Send writes one "status" event.
func (c *SSEClient) Send(payload []byte) error {
	var frame strings.Builder
	var head struct {
		StatusID string `json:"status_rid"`
	}
	if json.Unmarshal(payload, &head) == nil && head.StatusID != "" {
		frame.WriteString("id: " + head.StatusID + "\n")
	}
	frame.WriteString("event: status\n")
	for _, line := range strings.Split(string(payload), "\n") {
		frame.WriteString("data: " + line + "\n")
	}
	frame.WriteString("\n")
	return c.write(frame.String())
}

// Heartbeat writes a comment frame so idle proxies keep the stream open.
func (c *SSEClient) Heartbeat() error {
	return c.write(": ping\n\n")
}

func (c *SSEClient) write(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := io.WriteString(c.w, frame); err != nil {
		c.closed = true
		c.log.Warn("event stream write failed", "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close stops accepting frames.
func (c *SSEClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Closed reports whether the stream stopped accepting frames.
func (c *SSEClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
