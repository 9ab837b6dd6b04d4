package repository

import (
	"context"
	"time"

	"github.com/muratgozel/deployment-server/internal/domain"
)

// ProjectRepository persists projects and their daemon specs.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	GetProjectByCode(ctx context.Context, code string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	RemoveProject(ctx context.Context, projectID string) error
}

// DeploymentRepository stores deployments and their status history.
type DeploymentRepository interface {
	// CreateDeployment inserts the deployment and its initial status rows in order.
	CreateDeployment(ctx context.Context, deployment *domain.Deployment, statuses []domain.Status) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, limit int) ([]domain.Deployment, error)
	RemoveDeployment(ctx context.Context, deploymentID string) error
	ListStatusUpdates(ctx context.Context, deploymentID string) ([]domain.StatusUpdate, error)

	// LatestStatuses returns the current status row of every non-removed
	// deployment of projectID at version.
	LatestStatuses(ctx context.Context, projectID, version string) ([]domain.LatestStatus, error)

	// ReadyCandidates returns every deployment whose current status is READY and
	// whose project is not removed, oldest deployment first. The current status
	// is the most recent non-removed status row, tie-broken by insertion order.
	ReadyCandidates(ctx context.Context) ([]domain.Candidate, error)

	// DueScheduled returns deployments whose current status is SCHEDULED and whose
	// schedule is at or before now.
	DueScheduled(ctx context.Context, now time.Time) ([]domain.LatestStatus, error)

	// AppendStatus adds a new status row for the deployment.
	AppendStatus(ctx context.Context, deploymentID string, status domain.Status) (*domain.StatusUpdate, error)

	// AdvanceStatus moves the given status rows to status in place. Only rows whose
	// current value is a legal predecessor of status are touched. A single id
	// reports true when exactly one row changed; a batch reports true when more
	// than one row changed.
	AdvanceStatus(ctx context.Context, status domain.Status, description string, statusIDs ...string) (bool, error)
}

// Store is the deployment repository with a transactional session capability.
type Store interface {
	DeploymentRepository
	// WithinTx runs fn against a repository bound to a single transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(DeploymentRepository) error) error
}
