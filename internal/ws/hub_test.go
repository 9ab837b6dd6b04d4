package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	received chan []byte
	fail     bool
	closed   bool
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{received: make(chan []byte, 8)}
}

func (f *fakeSubscriber) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.received <- payload
	return nil
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSubscriber) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func expectPayload(t *testing.T, sub *fakeSubscriber, want string) {
	t.Helper()
	select {
	case got := <-sub.received:
		if string(got) != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected %q, got nothing", want)
	}
}

func expectNothing(t *testing.T, sub *fakeSubscriber) {
	t.Helper()
	select {
	case got := <-sub.received:
		t.Fatalf("expected no payload, got %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubRoutesByDeploymentAndWildcard(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	one := newFakeSubscriber()
	other := newFakeSubscriber()
	all := newFakeSubscriber()
	hub.Register("dep-1", one)
	hub.Register("dep-2", other)
	hub.Register("", all)

	hub.Broadcast("dep-1", []byte("running"))

	expectPayload(t, one, "running")
	expectPayload(t, all, "running")
	expectNothing(t, other)
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	broken := newFakeSubscriber()
	broken.fail = true
	hub.Register("dep-1", broken)
	hub.Broadcast("dep-1", []byte("x"))

	deadline := time.Now().Add(time.Second)
	for hub.Subscribers("dep-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected failing subscriber to be removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !broken.isClosed() {
		t.Fatalf("expected failing subscriber to be closed")
	}
}

func TestHubUnregister(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := newFakeSubscriber()
	hub.Register("dep-1", sub)
	hub.Unregister("dep-1", sub)
	hub.Broadcast("dep-1", []byte("x"))
	expectNothing(t, sub)
}

type fakeSource struct {
	payloads [][]byte
	calls    int
	mu       sync.Mutex
}

func (f *fakeSource) Listen(ctx context.Context, handle func([]byte)) error {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()
	if first {
		for _, p := range f.payloads {
			handle(p)
		}
		return errors.New("connection reset")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRelayBroadcastsEventsAndReconnects(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	sub := newFakeSubscriber()
	hub.Register("dep-1", sub)

	valid := `{"status_rid":"s1","deployment_rid":"dep-1","status":"RUNNING","at":"2024-01-01T00:00:00Z"}`
	src := &fakeSource{payloads: [][]byte{
		[]byte("not json"),
		[]byte(`{"status":"READY"}`),
		[]byte(valid),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Relay(ctx, src, hub, slog.New(slog.NewTextHandler(io.Discard, nil)), 10*time.Millisecond)
		close(done)
	}()

	expectPayload(t, sub, valid)

	deadline := time.Now().Add(time.Second)
	for {
		src.mu.Lock()
		calls := src.calls
		src.mu.Unlock()
		if calls >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected relay to reconnect, got %d listen calls", calls)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected relay to stop after cancel")
	}
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := client.Send([]byte(`{"status":"READY"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: status\ndata: {\"status\":\"READY\"}\n\n") {
		t.Fatalf("expected status frame, got %q", body)
	}
	if !strings.HasSuffix(body, ": ping\n\n") {
		t.Fatalf("expected heartbeat frame, got %q", body)
	}
	if err := client.Send([]byte(`{"status_rid":"s-1","status":"RUNNING"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "id: s-1\nevent: status\n") {
		t.Fatalf("expected event id from status_rid, got %q", rec.Body.String())
	}
	client.Close()
	if err := client.Send([]byte("x")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
}
