package httpx

import (
	"net/http"
	"strings"
	"time"

	"github.com/muratgozel/deployment-server/internal/ws"
)

// handleDeploymentStream streams status events over a websocket, or as
// Server-Sent Events when the client asks for text/event-stream. The optional
// deployment query parameter narrows the stream to one deployment.
func (r *Router) handleDeploymentStream(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "stream_unavailable")
		return
	}
	topic := strings.TrimSpace(req.URL.Query().Get("deployment"))
	if topic == "" {
		topic = ws.AllDeployments
	}
	if strings.Contains(req.Header.Get("Accept"), "text/event-stream") {
		r.serveEvents(w, req, topic)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	go func() {
		client.ReadLoop()
		r.hub.Unregister(topic, client)
	}()
}

func (r *Router) serveEvents(w http.ResponseWriter, req *http.Request, topic string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(topic, client)
	defer func() {
		r.hub.Unregister(topic, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if client.Closed() {
				return
			}
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
