// Package memory is an in-process implementation of the repositories. It keeps
// the same transition guards as the Postgres store and is used by tests and
// single-node dry runs.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muratgozel/deployment-server/internal/domain"
	"github.com/muratgozel/deployment-server/internal/repository"
)

type statusRow struct {
	update  domain.StatusUpdate
	seq     int64
	removed bool
}

type state struct {
	projects    map[string]domain.Project
	deployments map[string]domain.Deployment
	statuses    []statusRow
	seq         int64
}

func (s state) clone() state {
	out := state{
		projects:    make(map[string]domain.Project, len(s.projects)),
		deployments: make(map[string]domain.Deployment, len(s.deployments)),
		statuses:    slices.Clone(s.statuses),
		seq:         s.seq,
	}
	for k, v := range s.projects {
		out.projects[k] = v
	}
	for k, v := range s.deployments {
		out.deployments[k] = v
	}
	return out
}

// Store holds projects, deployments and status rows in memory.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   state
	now  func() time.Time

	events []domain.StatusEvent
}

var (
	_ repository.ProjectRepository = (*Store)(nil)
	_ repository.Store             = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		st:  state{projects: map[string]domain.Project{}, deployments: map[string]domain.Deployment{}},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for created_at and updated_at.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Events returns every status event published so far.
func (s *Store) Events() []domain.StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// WithinTx serialises fn against other transactions and restores the previous
// state when fn fails.
func (s *Store) WithinTx(ctx context.Context, fn func(repository.DeploymentRepository) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) CreateProject(_ context.Context, project *domain.Project) error {
	if project == nil {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.st.projects {
		if p.RemovedAt == nil && p.Code == project.Code {
			return repository.ErrConflict
		}
	}
	if _, ok := s.st.projects[project.ID]; ok {
		return repository.ErrConflict
	}
	project.CreatedAt = s.now()
	for i := range project.Daemons {
		if project.Daemons[i].ID == "" {
			project.Daemons[i].ID = uuid.NewString()
		}
		project.Daemons[i].ProjectID = project.ID
		project.Daemons[i].CreatedAt = project.CreatedAt
	}
	stored := *project
	stored.Daemons = slices.Clone(project.Daemons)
	s.st.projects[project.ID] = stored
	return nil
}

func (s *Store) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.projects[projectID]
	if !ok || p.RemovedAt != nil {
		return nil, repository.ErrNotFound
	}
	p.Daemons = slices.Clone(p.Daemons)
	return &p, nil
}

func (s *Store) GetProjectByCode(_ context.Context, code string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.st.projects {
		if p.RemovedAt == nil && p.Code == code {
			p.Daemons = slices.Clone(p.Daemons)
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) ListProjects(context.Context) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Project, 0, len(s.st.projects))
	for _, p := range s.st.projects {
		if p.RemovedAt == nil {
			p.Daemons = slices.Clone(p.Daemons)
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) RemoveProject(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.projects[projectID]
	if !ok || p.RemovedAt != nil {
		return repository.ErrNotFound
	}
	now := s.now()
	p.RemovedAt, p.UpdatedAt = &now, &now
	s.st.projects[projectID] = p
	return nil
}

func (s *Store) CreateDeployment(_ context.Context, deployment *domain.Deployment, statuses []domain.Status) error {
	if deployment == nil {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.projects[deployment.ProjectID]; !ok {
		return repository.ErrNotFound
	}
	if _, ok := s.st.deployments[deployment.ID]; ok {
		return repository.ErrConflict
	}
	deployment.CreatedAt = s.now()
	s.st.deployments[deployment.ID] = *deployment
	for _, status := range statuses {
		s.insertStatusLocked(deployment.ID, status)
	}
	return nil
}

func (s *Store) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.st.deployments[deploymentID]
	if !ok || d.RemovedAt != nil {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (s *Store) ListDeployments(_ context.Context, limit int) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Deployment, 0, len(s.st.deployments))
	for _, d := range s.st.deployments {
		if d.RemovedAt == nil {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RemoveDeployment(_ context.Context, deploymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.st.deployments[deploymentID]
	if !ok || d.RemovedAt != nil {
		return repository.ErrNotFound
	}
	now := s.now()
	d.RemovedAt, d.UpdatedAt = &now, &now
	s.st.deployments[deploymentID] = d
	return nil
}

func (s *Store) ListStatusUpdates(_ context.Context, deploymentID string) ([]domain.StatusUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StatusUpdate, 0)
	for _, row := range s.st.statuses {
		if row.update.DeploymentID == deploymentID && !row.removed {
			out = append(out, row.update)
		}
	}
	return out, nil
}

func (s *Store) LatestStatuses(_ context.Context, projectID, version string) ([]domain.LatestStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.LatestStatus, 0)
	for _, d := range s.sortedDeploymentsLocked() {
		if d.ProjectID != projectID || d.Version != version {
			continue
		}
		if row, ok := s.latestLocked(d.ID); ok {
			out = append(out, latestOf(row))
		}
	}
	return out, nil
}

func (s *Store) ReadyCandidates(context.Context) ([]domain.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Candidate, 0)
	for _, d := range s.sortedDeploymentsLocked() {
		p, ok := s.st.projects[d.ProjectID]
		if !ok || p.RemovedAt != nil {
			continue
		}
		row, ok := s.latestLocked(d.ID)
		if !ok || row.update.Status != domain.StatusReady {
			continue
		}
		out = append(out, domain.Candidate{
			DeploymentID: d.ID,
			StatusID:     row.update.ID,
			Version:      d.Version,
			Mode:         d.Mode,
			ProjectID:    p.ID,
			ProjectCode:  p.Code,
			ProjectName:  p.Name,
			CreatedAt:    d.CreatedAt,
		})
	}
	return out, nil
}

func (s *Store) DueScheduled(_ context.Context, now time.Time) ([]domain.LatestStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.LatestStatus, 0)
	for _, d := range s.sortedDeploymentsLocked() {
		if p, ok := s.st.projects[d.ProjectID]; !ok || p.RemovedAt != nil {
			continue
		}
		if d.ScheduledAt != nil && d.ScheduledAt.After(now) {
			continue
		}
		if row, ok := s.latestLocked(d.ID); ok && row.update.Status == domain.StatusScheduled {
			out = append(out, latestOf(row))
		}
	}
	return out, nil
}

func (s *Store) AppendStatus(_ context.Context, deploymentID string, status domain.Status) (*domain.StatusUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.latestLocked(deploymentID)
	if !ok || !domain.CanAdvance(row.update.Status, status) {
		return nil, repository.ErrConflict
	}
	update := s.insertStatusLocked(deploymentID, status)
	return &update, nil
}

// AdvanceStatus applies the same predecessor guard as the SQL UPDATE, atomically.
func (s *Store) AdvanceStatus(_ context.Context, status domain.Status, description string, statusIDs ...string) (bool, error) {
	if len(statusIDs) == 0 {
		return false, nil
	}
	if !status.Valid() {
		return false, repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	affected := 0
	now := s.now()
	for i := range s.st.statuses {
		row := &s.st.statuses[i]
		if row.removed || !slices.Contains(statusIDs, row.update.ID) || !domain.CanAdvance(row.update.Status, status) {
			continue
		}
		row.update.Status = status
		row.update.Description = description
		row.update.UpdatedAt = &now
		affected++
		s.events = append(s.events, domain.StatusEvent{
			StatusID:     row.update.ID,
			DeploymentID: row.update.DeploymentID,
			Status:       status,
			Description:  description,
			At:           now,
		})
	}
	if len(statusIDs) == 1 {
		return affected == 1, nil
	}
	return affected > 1, nil
}

func (s *Store) insertStatusLocked(deploymentID string, status domain.Status) domain.StatusUpdate {
	s.st.seq++
	update := domain.StatusUpdate{
		ID:           uuid.NewString(),
		DeploymentID: deploymentID,
		Status:       status,
		CreatedAt:    s.now(),
	}
	s.st.statuses = append(s.st.statuses, statusRow{update: update, seq: s.st.seq})
	s.events = append(s.events, domain.StatusEvent{
		StatusID:     update.ID,
		DeploymentID: deploymentID,
		Status:       status,
		At:           update.CreatedAt,
	})
	return update
}

// latestLocked picks the newest non-removed row, tie-broken by insertion order.
func (s *Store) latestLocked(deploymentID string) (statusRow, bool) {
	var (
		best  statusRow
		found bool
	)
	for _, row := range s.st.statuses {
		if row.removed || row.update.DeploymentID != deploymentID {
			continue
		}
		if !found || row.update.CreatedAt.After(best.update.CreatedAt) ||
			(row.update.CreatedAt.Equal(best.update.CreatedAt) && row.seq > best.seq) {
			best, found = row, true
		}
	}
	return best, found
}

// sortedDeploymentsLocked returns live deployments oldest first.
func (s *Store) sortedDeploymentsLocked() []domain.Deployment {
	out := make([]domain.Deployment, 0, len(s.st.deployments))
	for _, d := range s.st.deployments {
		if d.RemovedAt == nil {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func latestOf(row statusRow) domain.LatestStatus {
	return domain.LatestStatus{
		DeploymentID: row.update.DeploymentID,
		StatusID:     row.update.ID,
		Status:       row.update.Status,
		CreatedAt:    row.update.CreatedAt,
	}
}
