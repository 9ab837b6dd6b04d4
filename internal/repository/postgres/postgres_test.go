package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/muratgozel/deployment-server/internal/app/migrate"
	"github.com/muratgozel/deployment-server/internal/domain"
	"github.com/muratgozel/deployment-server/internal/repository"
)

// newTestRepository connects to TEST_DATABASE_URL and applies the schema. Every
// test uses fresh rids so runs can share one database.
func newTestRepository(t *testing.T, opts ...Option) (*Repository, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	runner, err := migrate.New(pool, dsn, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return New(pool, opts...), pool
}

func createDeployment(t *testing.T, repo *Repository, statuses ...domain.Status) (*domain.Project, *domain.Deployment) {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	p := &domain.Project{
		ID:              id,
		Name:            "Test " + id[:8],
		Code:            "test_" + id[:8],
		SecretsProvider: domain.SecretsProviderLocal,
	}
	if err := repo.CreateProject(ctx, p); err != nil {
		t.Fatalf("create project: %v", err)
	}
	d := &domain.Deployment{ID: uuid.NewString(), ProjectID: p.ID, Version: "1.0.0", Mode: "default"}
	if err := repo.CreateDeployment(ctx, d, statuses); err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	return p, d
}

func currentStatus(t *testing.T, repo *Repository, deploymentID string) domain.StatusUpdate {
	t.Helper()
	updates, err := repo.ListStatusUpdates(context.Background(), deploymentID)
	if err != nil {
		t.Fatalf("list statuses: %v", err)
	}
	if len(updates) == 0 {
		t.Fatalf("expected status rows for %s", deploymentID)
	}
	return updates[len(updates)-1]
}

func TestAdvanceStatusFollowsPredecessors(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	_, d := createDeployment(t, repo, domain.StatusReady)
	row := currentStatus(t, repo, d.ID)

	steps := []struct {
		to   domain.Status
		want bool
	}{
		{domain.StatusSuccess, false},
		{domain.StatusRunning, true},
		{domain.StatusRunning, false},
		{domain.StatusSkipped, false},
		{domain.StatusFailed, true},
		{domain.StatusSuccess, false},
		{domain.StatusReady, false},
	}
	for _, step := range steps {
		ok, err := repo.AdvanceStatus(ctx, step.to, "", row.ID)
		if err != nil {
			t.Fatalf("advance to %s: %v", step.to, err)
		}
		if ok != step.want {
			t.Fatalf("advance to %s: expected %v, got %v", step.to, step.want, ok)
		}
	}
	if got := currentStatus(t, repo, d.ID); got.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
}

func TestAdvanceStatusHasOneWinner(t *testing.T) {
	repo, _ := newTestRepository(t)
	_, d := createDeployment(t, repo, domain.StatusReady)
	row := currentStatus(t, repo, d.ID)

	const callers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.AdvanceStatus(context.Background(), domain.StatusRunning, "", row.ID)
			if err != nil {
				t.Errorf("advance: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestAppendStatusRejectsIllegalMove(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	_, d := createDeployment(t, repo, domain.StatusScheduled)

	if _, err := repo.AppendStatus(ctx, d.ID, domain.StatusRunning); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := repo.AppendStatus(ctx, d.ID, domain.StatusReady); err != nil {
		t.Fatalf("append ready: %v", err)
	}
	if got := currentStatus(t, repo, d.ID); got.Status != domain.StatusReady {
		t.Fatalf("expected READY, got %s", got.Status)
	}
}

func TestReadyCandidatesAreOldestFirst(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	_, first := createDeployment(t, repo, domain.StatusReady)
	_, second := createDeployment(t, repo, domain.StatusReady)

	candidates, err := repo.ReadyCandidates(ctx)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	pos := map[string]int{}
	for i, c := range candidates {
		pos[c.DeploymentID] = i
	}
	i, ok1 := pos[first.ID]
	j, ok2 := pos[second.ID]
	if !ok1 || !ok2 {
		t.Fatalf("expected both deployments among candidates")
	}
	if i > j {
		t.Fatalf("expected %s before %s", first.ID, second.ID)
	}
}

func TestDuplicateProjectCodeConflicts(t *testing.T) {
	repo, _ := newTestRepository(t)
	p, _ := createDeployment(t, repo, domain.StatusReady)
	dup := &domain.Project{ID: uuid.NewString(), Name: "dup", Code: p.Code, SecretsProvider: domain.SecretsProviderLocal}
	if err := repo.CreateProject(context.Background(), dup); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestStatusTransitionsAreNotified(t *testing.T) {
	channel := "deployment_status_test"
	repo, pool := newTestRepository(t, WithStatusChannel(channel))
	_, d := createDeployment(t, repo, domain.StatusReady)
	row := currentStatus(t, repo, d.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	events := make(chan []byte, 4)
	listening := make(chan error, 1)
	go func() {
		listening <- NewListener(pool, channel).Listen(ctx, func(payload []byte) {
			select {
			case events <- payload:
			default:
			}
		})
	}()

	// LISTEN is issued asynchronously; retry the notification until it lands.
	deadline := time.After(5 * time.Second)
	for {
		event := domain.StatusEvent{StatusID: row.ID, DeploymentID: d.ID, Status: domain.StatusReady, At: time.Now()}
		if err := repo.notify(ctx, event); err != nil {
			t.Fatalf("notify: %v", err)
		}
		select {
		case payload := <-events:
			if len(payload) == 0 {
				t.Fatalf("expected payload")
			}
			cancel()
			<-listening
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no notification received")
		}
	}
}
