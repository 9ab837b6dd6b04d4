package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/muratgozel/deployment-server/internal/domain"
	"github.com/muratgozel/deployment-server/internal/repository"
)

const projectColumns = `rid, name, code, git_url, pip_package_name, pip_index_url, pip_index_user,
	pip_index_auth, secrets_provider, created_at, updated_at, removed_at`

// CreateProject inserts a project together with its daemon specs.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	if project == nil {
		return fmt.Errorf("project required: %w", repository.ErrInvalidArgument)
	}
	return r.inTx(ctx, func(tx *Repository) error {
		const query = `INSERT INTO project (rid, name, code, git_url, pip_package_name, pip_index_url,
			pip_index_user, pip_index_auth, secrets_provider)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING created_at`
		err := tx.db.QueryRow(ctx, query,
			project.ID,
			project.Name,
			project.Code,
			emptyToNil(project.GitURL),
			emptyToNil(project.PipPackageName),
			emptyToNil(project.PipIndexURL),
			emptyToNil(project.PipIndexUser),
			emptyToNil(project.PipIndexAuth),
			string(project.SecretsProvider),
		).Scan(&project.CreatedAt)
		if err != nil {
			return mapError(err)
		}

		const daemonInsert = `INSERT INTO daemon (rid, project_rid, name, port, module, type, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at`
		for i := range project.Daemons {
			d := &project.Daemons[i]
			if d.ID == "" {
				d.ID = uuid.NewString()
			}
			d.ProjectID = project.ID
			if err := tx.db.QueryRow(ctx, daemonInsert, d.ID, project.ID, d.Name, intPtrToNil(d.Port), d.Module, string(d.Type), i).
				Scan(&d.CreatedAt); err != nil {
				return mapError(err)
			}
		}
		return nil
	})
}

// GetProjectByID fetches a non-removed project and its daemons.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM project WHERE rid = $1 AND removed_at IS NULL`
	return r.getProject(ctx, query, projectID)
}

// GetProjectByCode fetches a non-removed project by its unique code.
func (r *Repository) GetProjectByCode(ctx context.Context, code string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM project WHERE code = $1 AND removed_at IS NULL`
	return r.getProject(ctx, query, code)
}

func (r *Repository) getProject(ctx context.Context, query string, arg string) (*domain.Project, error) {
	project, err := scanProject(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		return nil, mapError(err)
	}
	daemons, err := r.listDaemons(ctx, []string{project.ID})
	if err != nil {
		return nil, err
	}
	project.Daemons = daemons[project.ID]
	return project, nil
}

// ListProjects returns every non-removed project, oldest first.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM project WHERE removed_at IS NULL ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	ids := make([]string, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return projects, nil
	}

	daemons, err := r.listDaemons(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range projects {
		projects[i].Daemons = daemons[projects[i].ID]
	}
	return projects, nil
}

// RemoveProject soft-deletes a project.
func (r *Repository) RemoveProject(ctx context.Context, projectID string) error {
	const query = `UPDATE project SET removed_at = NOW(), updated_at = NOW()
		WHERE rid = $1 AND removed_at IS NULL`
	cmdTag, err := r.db.Exec(ctx, query, projectID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) listDaemons(ctx context.Context, projectIDs []string) (map[string][]domain.Daemon, error) {
	const query = `SELECT rid, project_rid, name, port, module, type, created_at
		FROM daemon
		WHERE project_rid = ANY($1) AND removed_at IS NULL
		ORDER BY project_rid, position ASC`
	rows, err := r.db.Query(ctx, query, projectIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]domain.Daemon, len(projectIDs))
	for rows.Next() {
		var (
			d        domain.Daemon
			port     *int
			daemonTy string
		)
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Name, &port, &d.Module, &daemonTy, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Port = port
		d.Type = domain.DaemonType(daemonTy)
		out[d.ProjectID] = append(out[d.ProjectID], d)
	}
	return out, rows.Err()
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var (
		p                                           domain.Project
		gitURL, pkg, indexURL, indexUser, indexAuth *string
		provider                                    string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Code, &gitURL, &pkg, &indexURL, &indexUser, &indexAuth,
		&provider, &p.CreatedAt, &p.UpdatedAt, &p.RemovedAt); err != nil {
		return nil, err
	}
	p.GitURL = nilToEmpty(gitURL)
	p.PipPackageName = nilToEmpty(pkg)
	p.PipIndexURL = nilToEmpty(indexURL)
	p.PipIndexUser = nilToEmpty(indexUser)
	p.PipIndexAuth = nilToEmpty(indexAuth)
	p.SecretsProvider = domain.SecretsProvider(provider)
	return &p, nil
}
