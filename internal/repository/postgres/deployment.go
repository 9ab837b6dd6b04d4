package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/muratgozel/deployment-server/internal/domain"
	"github.com/muratgozel/deployment-server/internal/repository"
)

// latestStatusCTE selects the current status row of every deployment: the most
// recent non-removed row by created_at, with seq breaking ties so the answer is
// deterministic when two rows share a timestamp.
const latestStatusCTE = `WITH latest AS (
	SELECT DISTINCT ON (deployment_rid) deployment_rid, rid, status, created_at
	FROM deployment_status_update
	WHERE removed_at IS NULL
	ORDER BY deployment_rid, created_at DESC, seq DESC
)`

// CreateDeployment inserts a deployment followed by its initial status rows.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment, statuses []domain.Status) error {
	if deployment == nil {
		return fmt.Errorf("deployment required: %w", repository.ErrInvalidArgument)
	}
	return r.inTx(ctx, func(tx *Repository) error {
		const query = `INSERT INTO deployment (rid, project_rid, version, mode, scheduled_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at`
		if err := tx.db.QueryRow(ctx, query,
			deployment.ID,
			deployment.ProjectID,
			deployment.Version,
			deployment.Mode,
			timePtrToNil(deployment.ScheduledAt),
		).Scan(&deployment.CreatedAt); err != nil {
			return mapError(err)
		}
		for _, status := range statuses {
			if _, err := tx.insertStatus(ctx, deployment.ID, status); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repository) insertStatus(ctx context.Context, deploymentID string, status domain.Status) (*domain.StatusUpdate, error) {
	const query = `INSERT INTO deployment_status_update (rid, deployment_rid, status, created_at)
		VALUES ($1, $2, $3, clock_timestamp())
		RETURNING created_at`
	update := &domain.StatusUpdate{ID: uuid.NewString(), DeploymentID: deploymentID, Status: status}
	if err := r.db.QueryRow(ctx, query, update.ID, deploymentID, string(status)).Scan(&update.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return update, nil
}

// GetDeploymentByID fetches a non-removed deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT rid, project_rid, version, mode, scheduled_at, created_at, updated_at, removed_at
		FROM deployment WHERE rid = $1 AND removed_at IS NULL`
	var d domain.Deployment
	if err := r.db.QueryRow(ctx, query, deploymentID).Scan(
		&d.ID, &d.ProjectID, &d.Version, &d.Mode, &d.ScheduledAt, &d.CreatedAt, &d.UpdatedAt, &d.RemovedAt,
	); err != nil {
		return nil, mapError(err)
	}
	return &d, nil
}

// ListDeployments returns non-removed deployments, newest first.
func (r *Repository) ListDeployments(ctx context.Context, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT rid, project_rid, version, mode, scheduled_at, created_at, updated_at, removed_at
		FROM deployment
		WHERE removed_at IS NULL
		ORDER BY created_at DESC
		LIMIT $1`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Version, &d.Mode, &d.ScheduledAt, &d.CreatedAt, &d.UpdatedAt, &d.RemovedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// RemoveDeployment soft-deletes a deployment.
func (r *Repository) RemoveDeployment(ctx context.Context, deploymentID string) error {
	const query = `UPDATE deployment SET removed_at = NOW(), updated_at = NOW()
		WHERE rid = $1 AND removed_at IS NULL`
	cmdTag, err := r.db.Exec(ctx, query, deploymentID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListStatusUpdates returns the status history of a deployment in insertion order.
func (r *Repository) ListStatusUpdates(ctx context.Context, deploymentID string) ([]domain.StatusUpdate, error) {
	const query = `SELECT rid, deployment_rid, status, description, created_at, updated_at
		FROM deployment_status_update
		WHERE deployment_rid = $1 AND removed_at IS NULL
		ORDER BY created_at ASC, seq ASC`
	rows, err := r.db.Query(ctx, query, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	updates := make([]domain.StatusUpdate, 0)
	for rows.Next() {
		var (
			u           domain.StatusUpdate
			status      string
			description *string
		)
		if err := rows.Scan(&u.ID, &u.DeploymentID, &status, &description, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		u.Status = domain.Status(status)
		u.Description = nilToEmpty(description)
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

// LatestStatuses returns the current status of each deployment of (project, version).
func (r *Repository) LatestStatuses(ctx context.Context, projectID, version string) ([]domain.LatestStatus, error) {
	query := latestStatusCTE + `
		SELECT d.rid, l.rid, l.status, l.created_at
		FROM latest l
		JOIN deployment d ON d.rid = l.deployment_rid
		WHERE d.project_rid = $1 AND d.version = $2 AND d.removed_at IS NULL
		ORDER BY d.created_at ASC`
	return r.queryLatest(ctx, query, projectID, version)
}

// ReadyCandidates lists READY deployments of live projects, oldest request first.
func (r *Repository) ReadyCandidates(ctx context.Context) ([]domain.Candidate, error) {
	query := latestStatusCTE + `
		SELECT d.rid, l.rid, d.version, d.mode, p.rid, p.code, p.name, d.created_at
		FROM latest l
		JOIN deployment d ON d.rid = l.deployment_rid AND d.removed_at IS NULL
		JOIN project p ON p.rid = d.project_rid AND p.removed_at IS NULL
		WHERE l.status = $1
		ORDER BY d.created_at ASC, d.rid ASC`
	rows, err := r.db.Query(ctx, query, string(domain.StatusReady))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates := make([]domain.Candidate, 0)
	for rows.Next() {
		var c domain.Candidate
		if err := rows.Scan(&c.DeploymentID, &c.StatusID, &c.Version, &c.Mode, &c.ProjectID, &c.ProjectCode, &c.ProjectName, &c.CreatedAt); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// DueScheduled lists deployments still SCHEDULED whose scheduled time has passed.
func (r *Repository) DueScheduled(ctx context.Context, now time.Time) ([]domain.LatestStatus, error) {
	query := latestStatusCTE + `
		SELECT d.rid, l.rid, l.status, l.created_at
		FROM latest l
		JOIN deployment d ON d.rid = l.deployment_rid AND d.removed_at IS NULL
		JOIN project p ON p.rid = d.project_rid AND p.removed_at IS NULL
		WHERE l.status = $1 AND (d.scheduled_at IS NULL OR d.scheduled_at <= $2)
		ORDER BY d.created_at ASC`
	return r.queryLatest(ctx, query, string(domain.StatusScheduled), now.UTC())
}

func (r *Repository) queryLatest(ctx context.Context, query string, args ...any) ([]domain.LatestStatus, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.LatestStatus, 0)
	for rows.Next() {
		var (
			ls     domain.LatestStatus
			status string
		)
		if err := rows.Scan(&ls.DeploymentID, &ls.StatusID, &status, &ls.CreatedAt); err != nil {
			return nil, err
		}
		ls.Status = domain.Status(status)
		out = append(out, ls)
	}
	return out, rows.Err()
}

// AppendStatus adds a status row when the deployment's current status may move to
// status. It reports repository.ErrConflict when the current status forbids it.
func (r *Repository) AppendStatus(ctx context.Context, deploymentID string, status domain.Status) (*domain.StatusUpdate, error) {
	const query = `INSERT INTO deployment_status_update (rid, deployment_rid, status, created_at)
		SELECT $1, $2, $3, clock_timestamp()
		WHERE (
			SELECT status FROM deployment_status_update
			WHERE deployment_rid = $2 AND removed_at IS NULL
			ORDER BY created_at DESC, seq DESC
			LIMIT 1
		) = ANY($4)
		RETURNING created_at`
	update := &domain.StatusUpdate{ID: uuid.NewString(), DeploymentID: deploymentID, Status: status}
	err := r.db.QueryRow(ctx, query, update.ID, deploymentID, string(status), statusStrings(status.Predecessors())).
		Scan(&update.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrConflict
		}
		return nil, mapError(err)
	}
	if err := r.notify(ctx, domain.StatusEvent{
		StatusID:     update.ID,
		DeploymentID: deploymentID,
		Status:       status,
		At:           update.CreatedAt,
	}); err != nil {
		return nil, err
	}
	return update, nil
}

// AdvanceStatus updates status rows in place, guarded by the legal predecessors of
// status so that concurrent callers cannot both win and rows never move backward.
func (r *Repository) AdvanceStatus(ctx context.Context, status domain.Status, description string, statusIDs ...string) (bool, error) {
	if len(statusIDs) == 0 {
		return false, nil
	}
	if !status.Valid() {
		return false, fmt.Errorf("status %q: %w", status, repository.ErrInvalidArgument)
	}

	var query string
	args := []any{string(status), emptyToNil(description), statusIDs, statusStrings(status.Predecessors())}
	if r.statusChannel == "" {
		query = `UPDATE deployment_status_update
			SET status = $1, description = $2, updated_at = NOW()
			WHERE rid = ANY($3) AND removed_at IS NULL AND status = ANY($4)
			RETURNING rid`
	} else {
		// The NOTIFY is queued in the same statement so listeners only hear about
		// transitions that commit.
		query = `WITH updated AS (
				UPDATE deployment_status_update
				SET status = $1, description = $2, updated_at = NOW()
				WHERE rid = ANY($3) AND removed_at IS NULL AND status = ANY($4)
				RETURNING rid, deployment_rid, status, description, updated_at
			)
			SELECT u.rid
			FROM updated u
			CROSS JOIN LATERAL (
				SELECT pg_notify($5, json_build_object(
					'status_rid', u.rid,
					'deployment_rid', u.deployment_rid,
					'status', u.status,
					'description', u.description,
					'at', u.updated_at
				)::text)
			) n`
		args = append(args, r.statusChannel)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected := 0
	for rows.Next() {
		affected++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, mapError(err)
	}

	if len(statusIDs) == 1 {
		return affected == 1, nil
	}
	return affected > 1, nil
}

func (r *Repository) notify(ctx context.Context, event domain.StatusEvent) error {
	if r.statusChannel == "" {
		return nil
	}
	const query = `SELECT pg_notify($1, json_build_object(
		'status_rid', $2::text,
		'deployment_rid', $3::text,
		'status', $4::text,
		'at', $5::timestamptz
	)::text)`
	_, err := r.db.Exec(ctx, query, r.statusChannel, event.StatusID, event.DeploymentID, string(event.Status), event.At)
	return err
}

func statusStrings(statuses []domain.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
