package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/muratgozel/deployment-server/internal/domain"
	"github.com/muratgozel/deployment-server/internal/repository"
	"github.com/muratgozel/deployment-server/internal/validate"
)

// DefaultMode is used when a request names no mode.
const DefaultMode = "default"

const defaultListLimit = 100

var (
	ErrNotAdmissible  = errors.New("an active or successful deployment of this version already exists")
	ErrInvalidMode    = errors.New("mode must contain letters only")
	ErrInvalidVersion = errors.New("version is required")
)

// Service manages deployments and their status lifecycle.
type Service struct {
	store  repository.Store
	logger *slog.Logger
	now    func() time.Time
}

// New returns a deployment service.
func New(store repository.Store, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{store: store, logger: logger.With("component", "deployment"), now: time.Now}
}

// CreateInput describes a deployment request.
type CreateInput struct {
	ProjectID   string
	Version     string
	Mode        string
	ScheduledAt *time.Time
}

// Detail is a deployment together with its status history, oldest first.
type Detail struct {
	Deployment domain.Deployment
	Statuses   []domain.StatusUpdate
}

// Current returns the latest status row, or nil when there is none.
func (d Detail) Current() *domain.StatusUpdate {
	if len(d.Statuses) == 0 {
		return nil
	}
	return &d.Statuses[len(d.Statuses)-1]
}

// NormalizeMode lowercases mode and falls back to DefaultMode.
func NormalizeMode(mode string) (string, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		return DefaultMode, nil
	}
	if !validate.Mode(mode) {
		return "", ErrInvalidMode
	}
	return mode, nil
}

// IsAdmissible reports whether a new deployment of version may be created for
// the project: either none exists yet or every existing one has failed.
// The check is advisory; two concurrent callers can both observe true.
func (s Service) IsAdmissible(ctx context.Context, projectID, version string) (bool, error) {
	latest, err := s.store.LatestStatuses(ctx, projectID, version)
	if err != nil {
		return false, err
	}
	for _, ls := range latest {
		if ls.Status != domain.StatusFailed {
			return false, nil
		}
	}
	return true, nil
}

// Create admits and persists a deployment. It starts READY unless scheduled
// for the future, in which case it stays SCHEDULED until PromoteScheduled.
func (s Service) Create(ctx context.Context, in CreateInput) (*domain.Deployment, error) {
	version := strings.TrimSpace(in.Version)
	if version == "" {
		return nil, ErrInvalidVersion
	}
	mode, err := NormalizeMode(in.Mode)
	if err != nil {
		return nil, err
	}
	ok, err := s.IsAdmissible(ctx, in.ProjectID, version)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAdmissible
	}

	d := &domain.Deployment{
		ID:          uuid.NewString(),
		ProjectID:   in.ProjectID,
		Version:     version,
		Mode:        mode,
		ScheduledAt: in.ScheduledAt,
	}
	statuses := []domain.Status{domain.StatusScheduled, domain.StatusReady}
	if in.ScheduledAt != nil && in.ScheduledAt.After(s.now()) {
		statuses = statuses[:1]
	}
	if err := s.store.CreateDeployment(ctx, d, statuses); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	s.logger.Info("deployment created", "deployment_id", d.ID, "project_id", d.ProjectID, "version", d.Version, "mode", d.Mode, "initial_status", statuses[len(statuses)-1])
	return d, nil
}

// PickNext selects the oldest READY deployment and marks every other READY
// deployment SKIPPED in the same transaction. It returns nil when nothing is ready.
func (s Service) PickNext(ctx context.Context) (*domain.Candidate, error) {
	var picked *domain.Candidate
	err := s.store.WithinTx(ctx, func(repo repository.DeploymentRepository) error {
		candidates, err := repo.ReadyCandidates(ctx)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		head := candidates[0]
		picked = &head
		if len(candidates) == 1 {
			return nil
		}
		skipped := make([]string, 0, len(candidates)-1)
		for _, c := range candidates[1:] {
			skipped = append(skipped, c.StatusID)
		}
		ok, err := repo.AdvanceStatus(ctx, domain.StatusSkipped, "superseded by deployment "+head.DeploymentID, skipped...)
		if err != nil {
			return fmt.Errorf("skip ready deployments: %w", err)
		}
		if !ok {
			s.logger.Warn("not every ready deployment could be skipped", "count", len(skipped))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}

// Advance moves status rows to status. See repository.DeploymentRepository.AdvanceStatus.
func (s Service) Advance(ctx context.Context, status domain.Status, description string, statusIDs ...string) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("unknown status %q: %w", status, repository.ErrInvalidArgument)
	}
	return s.store.AdvanceStatus(ctx, status, description, statusIDs...)
}

// PromoteScheduled appends a READY row to every SCHEDULED deployment that is due.
func (s Service) PromoteScheduled(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.DueScheduled(ctx, now)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, ls := range due {
		if _, err := s.store.AppendStatus(ctx, ls.DeploymentID, domain.StatusReady); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			return promoted, fmt.Errorf("promote deployment %s: %w", ls.DeploymentID, err)
		}
		promoted++
		s.logger.Info("scheduled deployment is ready", "deployment_id", ls.DeploymentID)
	}
	return promoted, nil
}

// Get returns a deployment with its status history.
func (s Service) Get(ctx context.Context, id string) (*Detail, error) {
	d, err := s.store.GetDeploymentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	statuses, err := s.store.ListStatusUpdates(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Deployment: *d, Statuses: statuses}, nil
}

// List returns recent deployments, newest first.
func (s Service) List(ctx context.Context, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.store.ListDeployments(ctx, limit)
}

// Remove soft-deletes a deployment.
func (s Service) Remove(ctx context.Context, id string) error {
	return s.store.RemoveDeployment(ctx, id)
}
