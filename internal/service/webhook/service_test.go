package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/muratgozel/deployment-server/internal/repository/memory"
	"github.com/muratgozel/deployment-server/internal/service/deployment"
	"github.com/muratgozel/deployment-server/internal/service/project"
)

const releaseBody = `{"ref":"refs/tags/v1.4.0","ref_type":"tag","repository":{"html_url":"https://github.com/acme/web"}}`

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidateSignatureKnownVector(t *testing.T) {
	mac := hmac.New(sha256.New, []byte("s3cr3t"))
	mac.Write([]byte("hello"))
	header := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if err := ValidateSignature([]byte("hello"), []byte("s3cr3t"), header); err != nil {
		t.Fatalf("expected signature to validate, got %v", err)
	}
	if header != Sign([]byte("hello"), []byte("s3cr3t")) {
		t.Fatal("expected Sign to produce the same header")
	}
	for _, bad := range []string{"", hex.EncodeToString(mac.Sum(nil)), "sha256=00", "sha1=" + hex.EncodeToString(mac.Sum(nil))} {
		if err := ValidateSignature([]byte("hello"), []byte("s3cr3t"), bad); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("expected %q to be rejected, got %v", bad, err)
		}
	}
	if err := ValidateSignature([]byte("hello"), nil, Sign([]byte("hello"), nil)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected an unset secret to reject everything, got %v", err)
	}
}

func TestParseRelease(t *testing.T) {
	job, err := ParseRelease([]byte(releaseBody))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Vendor != "github.com" || job.Owner != "acme" || job.Name != "web" || job.Version != "1.4.0" {
		t.Fatalf("unexpected job %+v", job)
	}

	cases := []struct {
		body string
		want error
	}{
		{`{"ref":"main","ref_type":"branch","repository":{"html_url":"https://github.com/acme/web"}}`, ErrInvalidRefType},
		{`{"ref":"v1","ref_type":"tag","repository":{"html_url":"https://github.com/acme"}}`, ErrInvalidRepoURL},
		{`{"ref":"","ref_type":"tag","repository":{"html_url":"https://github.com/acme/web"}}`, ErrInvalidRef},
		{`not json`, ErrInvalidBody},
	}
	for _, tc := range cases {
		if _, err := ParseRelease([]byte(tc.body)); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.body, tc.want, err)
		}
	}
}

func TestReceiveQueuesRelease(t *testing.T) {
	queue := NewMemoryQueue(1)
	svc := New("s3cr3t", queue, "production", discard())
	svc.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	body := []byte(releaseBody)

	if _, err := svc.Receive(context.Background(), "", Sign(body, []byte("s3cr3t")), body); !errors.Is(err, ErrInvalidHeaders) {
		t.Fatalf("expected ErrInvalidHeaders, got %v", err)
	}
	if _, err := svc.Receive(context.Background(), "release", "sha256=00", body); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if _, err := svc.Receive(context.Background(), "release", "sha256=deadbeef", []byte("hello")); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for unsigned non-json body, got %v", err)
	}
	if _, err := svc.Receive(context.Background(), "release", Sign([]byte("hello"), []byte("s3cr3t")), []byte("hello")); !errors.Is(err, ErrInvalidBody) {
		t.Fatalf("expected ErrInvalidBody for signed non-json body, got %v", err)
	}

	job, err := svc.Receive(context.Background(), "release", Sign(body, []byte("s3cr3t")), body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Mode != "production" || job.ReceivedAt.IsZero() {
		t.Fatalf("unexpected job %+v", job)
	}
	queued, err := queue.Pop(context.Background())
	if err != nil || queued.Version != "1.4.0" {
		t.Fatalf("expected queued job, got %+v %v", queued, err)
	}

	if _, err := svc.Receive(context.Background(), "release", Sign(body, []byte("s3cr3t")), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Receive(context.Background(), "release", Sign(body, []byte("s3cr3t")), body); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestMemoryQueuePopHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := NewMemoryQueue(1).Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestConsumerCreatesDeployment(t *testing.T) {
	store := memory.New()
	projects := project.New(store, discard(), "")
	deployments := deployment.New(store, discard())
	p, err := projects.Create(context.Background(), project.CreateInput{Name: "Acme", GitURL: "git@github.com:acme/web.git"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	consumer := NewConsumer(NewMemoryQueue(4), projects, deployments, discard())
	job, _ := ParseRelease([]byte(releaseBody))
	job.Mode = "production"

	d, err := consumer.Handle(context.Background(), job)
	if err != nil || d == nil {
		t.Fatalf("expected deployment, got %+v %v", d, err)
	}
	if d.ProjectID != p.ID || d.Version != "1.4.0" || d.Mode != "production" {
		t.Fatalf("unexpected deployment %+v", d)
	}

	again, err := consumer.Handle(context.Background(), job)
	if err != nil || again != nil {
		t.Fatalf("expected duplicate release to be skipped, got %+v %v", again, err)
	}

	job.RepoURL = "https://github.com/acme/unknown"
	none, err := consumer.Handle(context.Background(), job)
	if err != nil || none != nil {
		t.Fatalf("expected unknown project to be skipped, got %+v %v", none, err)
	}
	list, _ := store.ListDeployments(context.Background(), 10)
	if len(list) != 1 {
		t.Fatalf("expected one deployment, got %d", len(list))
	}
}

func TestConsumerRunStopsOnCancel(t *testing.T) {
	store := memory.New()
	projects := project.New(store, discard(), "")
	if _, err := projects.Create(context.Background(), project.CreateInput{Name: "Acme", GitURL: "https://github.com/acme/web"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	queue := NewMemoryQueue(4)
	consumer := NewConsumer(queue, projects, deployment.New(store, discard()), discard())
	job, _ := ParseRelease([]byte(releaseBody))
	if err := queue.Push(context.Background(), job); err != nil {
		t.Fatalf("push: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		consumer.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		list, _ := store.ListDeployments(context.Background(), 10)
		if len(list) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for deployment")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}
