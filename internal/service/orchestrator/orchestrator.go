// Package orchestrator runs one deployment per tick: pick, provision, install,
// migrate, reconcile units and record the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/muratgozel/deployment-server/internal/dbmate"
	"github.com/muratgozel/deployment-server/internal/domain"
	"github.com/muratgozel/deployment-server/internal/lease"
	"github.com/muratgozel/deployment-server/internal/pip"
	"github.com/muratgozel/deployment-server/internal/provision"
	"github.com/muratgozel/deployment-server/internal/secrets"
	"github.com/muratgozel/deployment-server/internal/systemd"
)

const defaultInterval = time.Minute

// Deployments is the slice of the deployment service the orchestrator drives.
type Deployments interface {
	PromoteScheduled(ctx context.Context, now time.Time) (int, error)
	PickNext(ctx context.Context) (*domain.Candidate, error)
	Advance(ctx context.Context, status domain.Status, description string, statusIDs ...string) (bool, error)
}

// Projects loads project configuration by code.
type Projects interface {
	GetByCode(ctx context.Context, code string) (*domain.Project, error)
	PipIndexAuth(p *domain.Project) (string, error)
}

// Secrets fetches per-deployment configuration from a project's provider.
type Secrets interface {
	Fetch(ctx context.Context, kind domain.SecretsProvider, code, mode string) (map[string]any, error)
}

type Provisioner interface {
	Ensure(ctx context.Context, code, mode string) (provision.Result, error)
}

type Installer interface {
	Install(ctx context.Context, req pip.Request) (pip.Result, error)
}

type Migrator interface {
	Run(ctx context.Context, rootDir, connString string) (bool, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, req systemd.Request) (bool, error)
}

// Deps bundles the collaborators of an Orchestrator.
type Deps struct {
	Deployments Deployments
	Projects    Projects
	Secrets     Secrets
	Provisioner Provisioner
	Installer   Installer
	Migrator    Migrator
	Units       Reconciler
	Lease       lease.Locker
	Metrics     *Metrics
}

// Orchestrator executes deployments one tick at a time. Ticks never overlap
// within a process, and the lease keeps them apart across processes.
type Orchestrator struct {
	deps     Deps
	interval time.Duration
	logger   *slog.Logger
	mu       sync.Mutex
	now      func() time.Time
}

// New constructs an orchestrator.
func New(deps Deps, interval time.Duration, logger *slog.Logger) *Orchestrator {
	if interval <= 0 {
		interval = defaultInterval
	}
	if deps.Lease == nil {
		deps.Lease = lease.NewMemory()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deps:     deps,
		interval: interval,
		logger:   logger.With("component", "orchestrator"),
		now:      time.Now,
	}
}

// Run ticks until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.logger.Info("orchestrator started", "interval", o.interval)
	o.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopped")
			return
		case <-ticker.C:
			o.runIteration(ctx)
		}
	}
}

func (o *Orchestrator) runIteration(ctx context.Context) {
	if err := o.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Error("tick failed", "error", err)
	}
}

// Tick runs at most one deployment. It returns an error only for failures
// that happen before a deployment is claimed; failures after that are
// recorded on the deployment as FAILED.
func (o *Orchestrator) Tick(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	release, ok, err := o.deps.Lease.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		o.logger.Debug("another worker holds the lease, skipping tick")
		o.deps.Metrics.tick("lease_busy")
		return nil
	}
	defer release()

	if n, err := o.deps.Deployments.PromoteScheduled(ctx, o.now()); err != nil {
		o.deps.Metrics.tick("error")
		return fmt.Errorf("promote scheduled deployments: %w", err)
	} else if n > 0 {
		o.logger.Info("promoted scheduled deployments", "count", n)
	}

	candidate, err := o.deps.Deployments.PickNext(ctx)
	if err != nil {
		o.deps.Metrics.tick("error")
		return fmt.Errorf("pick deployment: %w", err)
	}
	if candidate == nil {
		o.logger.Debug("no deployment tasks found")
		o.deps.Metrics.tick("idle")
		return nil
	}

	claimed, err := o.deps.Deployments.Advance(ctx, domain.StatusRunning, "", candidate.StatusID)
	if err != nil {
		o.deps.Metrics.tick("error")
		return fmt.Errorf("claim deployment %s: %w", candidate.DeploymentID, err)
	}
	if !claimed {
		o.logger.Info("deployment was claimed elsewhere", "deployment_id", candidate.DeploymentID)
		o.deps.Metrics.tick("race_lost")
		return nil
	}

	log := o.logger.With("deployment_id", candidate.DeploymentID, "project", candidate.ProjectCode, "version", candidate.Version, "mode", candidate.Mode)
	log.Info("deployment started")
	started := o.now()

	status, description := domain.StatusSuccess, ""
	if err := o.deploy(ctx, candidate, log); err != nil {
		status, description = domain.StatusFailed, err.Error()
		log.Error("deployment failed", "error", err)
	}

	// The outcome is recorded even if the tick context was cancelled mid-run.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	ok, err = o.deps.Deployments.Advance(recordCtx, status, description, candidate.StatusID)
	if err != nil {
		return fmt.Errorf("record %s for deployment %s: %w", status, candidate.DeploymentID, err)
	}
	if !ok {
		log.Warn("deployment status changed while running", "wanted", status)
	}
	o.deps.Metrics.deployment(status, o.now().Sub(started))
	o.deps.Metrics.tick("deployed")
	log.Info("deployment finished", "status", status)
	return nil
}

func (o *Orchestrator) deploy(ctx context.Context, c *domain.Candidate, log *slog.Logger) error {
	mode := c.Mode
	if mode == "" {
		mode = "default"
	}
	project, err := o.deps.Projects.GetByCode(ctx, c.ProjectCode)
	if err != nil {
		return fmt.Errorf("load project %s: %w", c.ProjectCode, err)
	}

	prov, err := o.deps.Provisioner.Ensure(ctx, project.Code, mode)
	if err != nil {
		return err
	}

	values, err := o.deps.Secrets.Fetch(ctx, project.SecretsProvider, project.Code, mode)
	if err != nil {
		return fmt.Errorf("fetch secrets: %w", err)
	}

	migrationsRoot := prov.ApplicationDir
	if project.HasPackage() {
		auth, err := o.deps.Projects.PipIndexAuth(project)
		if err != nil {
			return fmt.Errorf("open pip index credentials: %w", err)
		}
		res, err := o.deps.Installer.Install(ctx, pip.Request{
			ApplicationDir: prov.ApplicationDir,
			PackageName:    project.PipPackageName,
			IndexURL:       project.PipIndexURL,
			IndexUser:      project.PipIndexUser,
			IndexAuth:      auth,
		})
		if err != nil {
			return err
		}
		migrationsRoot = res.PackageDir
	}

	if conn := secrets.String(values, secrets.KeyDatabaseURL); conn != "" {
		ran, err := o.deps.Migrator.Run(ctx, migrationsRoot, conn)
		if err != nil {
			return err
		}
		if ran {
			log.Info("database migrations applied", "dir", dbmate.MigrationsDir(migrationsRoot))
		}
	}

	if daemons := project.SystemdDaemons(); len(daemons) > 0 {
		group := prov.User
		if len(prov.Groups) > 0 {
			group = prov.Groups[0]
		}
		if _, err := o.deps.Units.Reconcile(ctx, systemd.Request{
			Daemons:     daemons,
			ProjectCode: project.Code,
			Mode:        mode,
			User:        prov.User,
			Group:       group,
		}); err != nil {
			return err
		}
	}
	return nil
}
