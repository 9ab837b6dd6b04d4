package httpx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/muratgozel/deployment-server/internal/domain"
	"github.com/muratgozel/deployment-server/internal/repository/memory"
	"github.com/muratgozel/deployment-server/internal/service/deployment"
	"github.com/muratgozel/deployment-server/internal/service/project"
	"github.com/muratgozel/deployment-server/internal/service/webhook"
	"github.com/muratgozel/deployment-server/internal/ws"
	"github.com/muratgozel/deployment-server/pkg/crypto"
)

const (
	testUser          = "operator"
	testSecret        = "hunter2"
	testWebhookSecret = "s3cr3t"
	releaseBody       = `{"ref":"v1.4.0","ref_type":"tag","repository":{"html_url":"https://github.com/acme/web"}}`
)

type testServer struct {
	router *Router
	queue  *webhook.MemoryQueue
	hub    *ws.Hub
	store  *memory.Store
}

func newTestServer(t *testing.T, opts ...func(*Deps)) *testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	queue := webhook.NewMemoryQueue(4)
	hub := ws.NewHub()
	deps := Deps{
		Projects:    project.New(store, log, "k"),
		Deployments: deployment.New(store, log),
		Webhook:     webhook.New(testWebhookSecret, queue, "default", log),
		Hub:         hub,
		Credentials: Credentials{User: testUser, Secret: testSecret},
		Registerer:  prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	router := NewRouter(log, deps)
	t.Cleanup(func() {
		router.Close()
		hub.Close()
	})
	return &testServer{router: router, queue: queue, hub: hub, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.SetBasicAuth(testUser, testSecret)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error errorBody `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error.Code
}

func acmeProject() map[string]any {
	return map[string]any{
		"name":    "Acme Web",
		"code":    "acme",
		"git_url": "https://github.com/acme/web.git",
		"daemons": []map[string]any{{"name": "web", "port": 8000, "python_module": "acme.web"}},
	}
}

func TestHealthReturnsEmptyOK(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("expected empty 200, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHealthReportsDatabaseOutage(t *testing.T) {
	srv := newTestServer(t, func(d *Deps) {
		d.DBHealth = func(context.Context) error { return errors.New("connection refused") }
	})
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestBasicAuthRejectsBadCredentials(t *testing.T) {
	srv := newTestServer(t)
	for _, setAuth := range []func(*http.Request){
		func(*http.Request) {},
		func(r *http.Request) { r.SetBasicAuth(testUser, "wrong") },
		func(r *http.Request) { r.SetBasicAuth("someone", testSecret) },
	} {
		req := httptest.NewRequest(http.MethodGet, "/project/list", nil)
		setAuth(req)
		rec := httptest.NewRecorder()
		srv.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Fatalf("expected WWW-Authenticate header")
		}
		if code := errorCode(t, rec); code != codeUnauthorized {
			t.Fatalf("expected %s, got %s", codeUnauthorized, code)
		}
	}
}

func TestBasicAuthAcceptsBcryptSecret(t *testing.T) {
	hash, err := crypto.HashPassword(testSecret)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	srv := newTestServer(t, func(d *Deps) {
		d.Credentials = Credentials{User: testUser, Secret: string(hash)}
	})
	if rec := srv.do(t, http.MethodGet, "/project/list", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestProjectLifecycle(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/project", acmeProject())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rec.Code, rec.Body.String())
	}
	var created projectJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.Code != "acme" || len(created.Daemons) != 1 {
		t.Fatalf("unexpected project %+v", created)
	}
	if created.Daemons[0].Type != domain.DaemonTypeSystemd {
		t.Fatalf("expected default daemon type, got %q", created.Daemons[0].Type)
	}

	if rec := srv.do(t, http.MethodPost, "/project", acmeProject()); rec.Code != http.StatusConflict || errorCode(t, rec) != codeProjectAlreadyExists {
		t.Fatalf("expected 409 project_already_exists, got %d %s", rec.Code, rec.Body.String())
	}

	for _, key := range []string{created.ID, "acme"} {
		rec := srv.do(t, http.MethodGet, "/project/"+key, nil)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), created.ID) {
			t.Fatalf("expected project by %s, got %d %s", key, rec.Code, rec.Body.String())
		}
	}

	rec = srv.do(t, http.MethodGet, "/project/list", nil)
	var listed struct {
		Projects []projectJSON `json:"projects"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil || len(listed.Projects) != 1 {
		t.Fatalf("expected one project, got %s (%v)", rec.Body.String(), err)
	}

	if rec := srv.do(t, http.MethodDelete, "/project/acme", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := srv.do(t, http.MethodGet, "/project/acme", nil); rec.Code != http.StatusNotFound || errorCode(t, rec) != codeProjectNotFound {
		t.Fatalf("expected 404 project_not_found, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestProjectCreateRejectsInvalidBody(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/project", strings.NewReader("{"))
	req.SetBasicAuth(testUser, testSecret)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != codeInvalidRequestBody {
		t.Fatalf("expected 400 invalid_request_body, got %d %s", rec.Code, rec.Body.String())
	}

	bad := acmeProject()
	bad["daemons"] = []map[string]any{{"name": "web", "port": 70000, "python_module": "acme.web"}}
	if rec := srv.do(t, http.MethodPost, "/project", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad port, got %d", rec.Code)
	}
}

func TestDeploymentCreateAdmissionAndHistory(t *testing.T) {
	srv := newTestServer(t)
	if rec := srv.do(t, http.MethodPost, "/project", acmeProject()); rec.Code != http.StatusCreated {
		t.Fatalf("create project: %d %s", rec.Code, rec.Body.String())
	}

	body := map[string]any{"git_url": "git@github.com:acme/web.git", "version": "2.0.0", "mode": "Production"}
	rec := srv.do(t, http.MethodPost, "/deployment", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rec.Code, rec.Body.String())
	}
	var created deploymentJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Mode != "production" || created.Version != "2.0.0" {
		t.Fatalf("unexpected deployment %+v", created)
	}

	if rec := srv.do(t, http.MethodPost, "/deployment", body); rec.Code != http.StatusConflict || errorCode(t, rec) != codeDeploymentAlreadyExists {
		t.Fatalf("expected 409 deployment_already_exists, got %d %s", rec.Code, rec.Body.String())
	}

	rec = srv.do(t, http.MethodGet, "/deployment/"+created.ID, nil)
	var detail struct {
		Deployment deploymentJSON `json:"deployment"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.Deployment.Status != domain.StatusReady || len(detail.Deployment.Statuses) != 2 {
		t.Fatalf("expected SCHEDULED then READY history, got %+v", detail.Deployment)
	}
	if detail.Deployment.Statuses[0].Status != domain.StatusScheduled {
		t.Fatalf("expected first row SCHEDULED, got %s", detail.Deployment.Statuses[0].Status)
	}

	if rec := srv.do(t, http.MethodGet, "/deployment/list", nil); !strings.Contains(rec.Body.String(), created.ID) {
		t.Fatalf("expected deployment in list, got %s", rec.Body.String())
	}
	if rec := srv.do(t, http.MethodDelete, "/deployment/"+created.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := srv.do(t, http.MethodGet, "/deployment/"+created.ID, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after removal, got %d", rec.Code)
	}
}

func TestDeploymentCreateErrors(t *testing.T) {
	srv := newTestServer(t)
	if rec := srv.do(t, http.MethodPost, "/project", acmeProject()); rec.Code != http.StatusCreated {
		t.Fatalf("create project: %d", rec.Code)
	}
	cases := []struct {
		body   map[string]any
		status int
		code   string
	}{
		{map[string]any{"git_url": "https://github.com/other/repo", "version": "1.0.0"}, http.StatusNotFound, codeProjectNotFound},
		{map[string]any{"git_url": "https://github.com/acme/web", "version": "1.0.0", "mode": "prod1"}, http.StatusBadRequest, codeInvalidRequestBody},
		{map[string]any{"git_url": "https://github.com/acme/web", "version": ""}, http.StatusBadRequest, codeInvalidRequestBody},
		{map[string]any{"git_url": "", "version": "1.0.0"}, http.StatusBadRequest, codeInvalidRequestBody},
	}
	for _, tc := range cases {
		rec := srv.do(t, http.MethodPost, "/deployment", tc.body)
		if rec.Code != tc.status || errorCode(t, rec) != tc.code {
			t.Fatalf("%v: expected %d %s, got %d %s", tc.body, tc.status, tc.code, rec.Code, rec.Body.String())
		}
	}
}

func postRelease(srv *testServer, body, event, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/on/release", strings.NewReader(body))
	if event != "" {
		req.Header.Set("X-Github-Event", event)
	}
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	req.RemoteAddr = "203.0.113.7:5555"
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec
}

func TestReleaseWebhook(t *testing.T) {
	srv := newTestServer(t)
	sign := func(body string) string { return webhook.Sign([]byte(body), []byte(testWebhookSecret)) }

	cases := []struct {
		body      string
		event     string
		signature string
		code      string
	}{
		{releaseBody, "", sign(releaseBody), "invalid_headers"},
		{"not json", "release", sign("not json"), codeInvalidRequestBody},
		{releaseBody, "release", "sha256=deadbeef", "invalid_signature"},
		{"hello", "release", "sha256=deadbeef", "invalid_signature"},
		{`{"ref":"main","ref_type":"branch","repository":{"html_url":"https://github.com/acme/web"}}`, "create", "", "invalid_ref_type"},
		{`{"ref":"v1","ref_type":"tag","repository":{"html_url":"::"}}`, "release", "", "invalid_repo_url"},
		{`{"ref":"","ref_type":"tag","repository":{"html_url":"https://github.com/acme/web"}}`, "release", "", "invalid_ref"},
	}
	for _, tc := range cases {
		signature := tc.signature
		if signature == "" {
			signature = sign(tc.body)
		}
		rec := postRelease(srv, tc.body, tc.event, signature)
		if rec.Code != http.StatusBadRequest || errorCode(t, rec) != tc.code {
			t.Fatalf("expected 400 %s, got %d %s", tc.code, rec.Code, rec.Body.String())
		}
	}

	rec := postRelease(srv, releaseBody, "release", sign(releaseBody))
	if rec.Code != http.StatusAccepted || rec.Body.String() != "Accepted" {
		t.Fatalf("expected 202 Accepted, got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Strict-Transport-Security") == "" || rec.Header().Get("Referrer-Policy") == "" {
		t.Fatalf("expected security headers, got %v", rec.Header())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := srv.queue.Pop(ctx)
	if err != nil {
		t.Fatalf("expected queued release: %v", err)
	}
	if job.Owner != "acme" || job.Name != "web" || job.Version != "1.4.0" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestReleaseWebhookRateLimited(t *testing.T) {
	srv := newTestServer(t, func(d *Deps) {
		d.RateLimit = 1
		d.RateWindow = time.Minute
	})
	sign := webhook.Sign([]byte(releaseBody), []byte(testWebhookSecret))
	if rec := postRelease(srv, releaseBody, "release", sign); rec.Code != http.StatusAccepted {
		t.Fatalf("expected first request accepted, got %d", rec.Code)
	}
	rec := postRelease(srv, releaseBody, "release", sign)
	if rec.Code != http.StatusTooManyRequests || errorCode(t, rec) != codeRateLimited {
		t.Fatalf("expected 429 rate_limited, got %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After on a limited response")
	}
}

func TestClientIPTrustsForwardedOnlyFromLoopback(t *testing.T) {
	cases := []struct {
		remote, forwarded, want string
	}{
		{"127.0.0.1:5000", "203.0.113.7, 10.0.0.1", "203.0.113.7"},
		{"[::1]:5000", "203.0.113.8", "203.0.113.8"},
		{"198.51.100.4:5000", "203.0.113.9", "198.51.100.4"},
		{"127.0.0.1:5000", "", "127.0.0.1"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/on/release", nil)
		req.RemoteAddr = tc.remote
		if tc.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tc.forwarded)
		}
		if got := clientIP(req); got != tc.want {
			t.Fatalf("remote %s forwarded %q: expected %s, got %s", tc.remote, tc.forwarded, tc.want, got)
		}
	}
}

func TestMemoryRateLimiterWindowResets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewMemoryRateLimiter().(*windowCounter)
	rl.now = func() time.Time { return now }

	if !rl.Allow("ip:a", 1, time.Minute).Allowed {
		t.Fatalf("expected first request allowed")
	}
	if d := rl.Allow("ip:a", 1, time.Minute); d.Allowed || d.Count != 2 {
		t.Fatalf("expected second request denied with count 2, got %+v", d)
	}
	if !rl.Allow("ip:b", 1, time.Minute).Allowed {
		t.Fatalf("expected other key allowed")
	}
	now = now.Add(2 * time.Minute)
	if !rl.Allow("ip:a", 1, time.Minute).Allowed {
		t.Fatalf("expected request allowed in a new window")
	}
}

func waitForSubscriber(t *testing.T, hub *ws.Hub, topic string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(topic) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a subscriber on %s", topic)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDeploymentStreamWebsocket(t *testing.T) {
	srv := newTestServer(t)
	server := httptest.NewServer(srv.router)
	defer server.Close()

	header := http.Header{}
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	req.SetBasicAuth(testUser, testSecret)
	header.Set("Authorization", req.Header.Get("Authorization"))

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/deployments?deployment=dep-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForSubscriber(t, srv.hub, "dep-1")

	srv.hub.Broadcast("dep-1", []byte(`{"deployment_rid":"dep-1","status":"RUNNING"}`))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), "RUNNING") {
		t.Fatalf("expected RUNNING event, got %s", msg)
	}
}

func TestDeploymentStreamSSE(t *testing.T) {
	srv := newTestServer(t)
	server := httptest.NewServer(srv.router)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/ws/deployments", nil)
	req.SetBasicAuth(testUser, testSecret)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}
	waitForSubscriber(t, srv.hub, ws.AllDeployments)

	srv.hub.Broadcast("dep-9", []byte(`{"status":"SUCCESS"}`))
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			if !strings.Contains(line, "SUCCESS") {
				t.Fatalf("expected SUCCESS event, got %q", line)
			}
			return
		}
	}
}
