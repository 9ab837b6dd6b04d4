package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/muratgozel/deployment-server/internal/domain"
	"github.com/muratgozel/deployment-server/internal/service/deployment"
	"github.com/muratgozel/deployment-server/internal/service/project"
)

// ProjectFinder resolves the project a release belongs to.
type ProjectFinder interface {
	FindByGitURL(ctx context.Context, gitURL string) (*domain.Project, error)
}

// DeploymentCreator admits and persists deployments.
type DeploymentCreator interface {
	Create(ctx context.Context, in deployment.CreateInput) (*domain.Deployment, error)
}

// Consumer turns queued releases into deployments.
type Consumer struct {
	queue       Queue
	projects    ProjectFinder
	deployments DeploymentCreator
	logger      *slog.Logger
	backoff     time.Duration
}

func NewConsumer(queue Queue, projects ProjectFinder, deployments DeploymentCreator, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		queue:       queue,
		projects:    projects,
		deployments: deployments,
		logger:      logger.With("component", "release_consumer"),
		backoff:     time.Second,
	}
}

// Run consumes jobs until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		job, err := c.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("pop release job failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff):
			}
			continue
		}
		if _, err := c.Handle(ctx, job); err != nil {
			c.logger.Error("release job failed", "repo_url", job.RepoURL, "version", job.Version, "error", err)
		}
	}
}

// Handle creates the deployment for job. Releases of unknown projects and
// versions that are already deployed are logged and dropped.
func (c *Consumer) Handle(ctx context.Context, job ReleaseJob) (*domain.Deployment, error) {
	p, err := c.projects.FindByGitURL(ctx, job.RepoURL)
	if errors.Is(err, project.ErrProjectNotFound) {
		c.logger.Warn("no project for release, skipping", "repo_url", job.RepoURL, "version", job.Version)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d, err := c.deployments.Create(ctx, deployment.CreateInput{ProjectID: p.ID, Version: job.Version, Mode: job.Mode})
	if errors.Is(err, deployment.ErrNotAdmissible) {
		c.logger.Info("version already deployed or in progress, skipping", "project", p.Code, "version", job.Version)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}
