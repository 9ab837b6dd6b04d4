package project

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"github.com/muratgozel/deployment-server/internal/domain"
	"github.com/muratgozel/deployment-server/internal/gitrepo"
	"github.com/muratgozel/deployment-server/internal/repository"
	"github.com/muratgozel/deployment-server/internal/validate"
	"github.com/muratgozel/deployment-server/pkg/crypto"
)

const maxNameLength = 64

var (
	ErrProjectNotFound      = errors.New("project not found")
	ErrProjectAlreadyExists = errors.New("project already exists")
	ErrInvalidInput         = errors.New("invalid project")
)

// DaemonInput declares one runnable unit of a project.
type DaemonInput struct {
	Name   string
	Port   *int
	Module string
	Type   domain.DaemonType
}

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	Name            string
	Code            string
	GitURL          string
	PipPackageName  string
	PipIndexURL     string
	PipIndexUser    string
	PipIndexAuth    string
	SecretsProvider domain.SecretsProvider
	Daemons         []DaemonInput
}

// Service orchestrates project management.
type Service struct {
	projects repository.ProjectRepository
	logger   *slog.Logger
	key      string
}

// New returns a project service. key seals pip index credentials at rest.
func New(projects repository.ProjectRepository, logger *slog.Logger, key string) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{projects: projects, logger: logger.With("component", "project"), key: key}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Code derives a project code from the requested code, or the name when empty.
func Code(code, name string) string {
	source := strings.TrimSpace(code)
	if source == "" {
		source = name
	}
	return slug.Make(source)
}

// Create validates and registers a project and its daemons.
func (s Service) Create(ctx context.Context, in CreateInput) (*domain.Project, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || len(name) > maxNameLength {
		return nil, invalid("name must be 1 to %d characters", maxNameLength)
	}
	code := Code(in.Code, name)
	if !validate.ProjectCode(code) {
		return nil, invalid("code %q is not usable", code)
	}
	if in.GitURL != "" {
		if _, err := gitrepo.Parse(in.GitURL); err != nil {
			return nil, invalid("git url: %v", err)
		}
	}
	pkg := strings.TrimSpace(in.PipPackageName)
	if pkg != "" {
		if !validate.PipPackageName(pkg) {
			return nil, invalid("pip package name %q", pkg)
		}
		pkg = validate.NormalizePipPackageName(pkg)
	}
	if in.PipIndexURL != "" {
		u, err := url.Parse(in.PipIndexURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, invalid("pip index url")
		}
	}
	provider := in.SecretsProvider
	if provider == "" {
		provider = domain.SecretsProviderLocal
	}
	if !provider.Valid() {
		return nil, invalid("secrets provider %q", provider)
	}
	daemons, err := buildDaemons(in.Daemons)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.Seal(s.key, in.PipIndexAuth)
	if err != nil {
		return nil, fmt.Errorf("seal pip index auth: %w", err)
	}

	if _, err := s.projects.GetProjectByCode(ctx, code); err == nil {
		return nil, ErrProjectAlreadyExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	project := &domain.Project{
		ID:              uuid.NewString(),
		Name:            name,
		Code:            code,
		GitURL:          strings.TrimSpace(in.GitURL),
		PipPackageName:  pkg,
		PipIndexURL:     strings.TrimSpace(in.PipIndexURL),
		PipIndexUser:    strings.TrimSpace(in.PipIndexUser),
		PipIndexAuth:    sealed,
		SecretsProvider: provider,
		Daemons:         daemons,
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrProjectAlreadyExists
		}
		return nil, err
	}
	s.logger.Info("project created", "project_id", project.ID, "code", project.Code, "daemons", len(project.Daemons))
	return project, nil
}

func buildDaemons(inputs []DaemonInput) ([]domain.Daemon, error) {
	daemons := make([]domain.Daemon, 0, len(inputs))
	seen := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		name := strings.TrimSpace(in.Name)
		if !validate.DaemonName(name) {
			return nil, invalid("daemon name %q", name)
		}
		if seen[name] {
			return nil, invalid("duplicate daemon %q", name)
		}
		seen[name] = true
		if in.Port != nil && (*in.Port <= 0 || *in.Port > 65535) {
			return nil, invalid("daemon %s port %d", name, *in.Port)
		}
		typ := in.Type
		if typ == "" {
			typ = domain.DaemonTypeSystemd
		}
		if typ != domain.DaemonTypeSystemd && typ != domain.DaemonTypeDocker {
			return nil, invalid("daemon %s type %q", name, typ)
		}
		if typ == domain.DaemonTypeSystemd && !validate.PythonModule(in.Module) {
			return nil, invalid("daemon %s module %q", name, in.Module)
		}
		daemons = append(daemons, domain.Daemon{Name: name, Port: in.Port, Module: in.Module, Type: typ})
	}
	return daemons, nil
}

// Get resolves a project by rid or by code.
func (s Service) Get(ctx context.Context, ridOrCode string) (*domain.Project, error) {
	ridOrCode = strings.TrimSpace(ridOrCode)
	if ridOrCode == "" {
		return nil, ErrProjectNotFound
	}
	if _, err := uuid.Parse(ridOrCode); err == nil {
		p, err := s.projects.GetProjectByID(ctx, ridOrCode)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	p, err := s.projects.GetProjectByCode(ctx, ridOrCode)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrProjectNotFound
	}
	return p, err
}

// GetByCode is used by the deployer, which only knows the code.
func (s Service) GetByCode(ctx context.Context, code string) (*domain.Project, error) {
	p, err := s.projects.GetProjectByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrProjectNotFound
	}
	return p, err
}

// FindByGitURL returns the live project whose repository matches gitURL,
// comparing vendor, owner and name rather than raw strings.
func (s Service) FindByGitURL(ctx context.Context, gitURL string) (*domain.Project, error) {
	want, err := gitrepo.Parse(gitURL)
	if err != nil {
		return nil, err
	}
	projects, err := s.projects.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	for i := range projects {
		if projects[i].GitURL == "" {
			continue
		}
		got, err := gitrepo.Parse(projects[i].GitURL)
		if err != nil {
			s.logger.Warn("project has an unparseable git url", "project_id", projects[i].ID)
			continue
		}
		if got.Equal(want) {
			return &projects[i], nil
		}
	}
	return nil, ErrProjectNotFound
}

// List returns every live project.
func (s Service) List(ctx context.Context) ([]domain.Project, error) {
	return s.projects.ListProjects(ctx)
}

// Remove soft-deletes a project identified by rid or code.
func (s Service) Remove(ctx context.Context, ridOrCode string) (*domain.Project, error) {
	p, err := s.Get(ctx, ridOrCode)
	if err != nil {
		return nil, err
	}
	if err := s.projects.RemoveProject(ctx, p.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	s.logger.Info("project removed", "project_id", p.ID, "code", p.Code)
	return p, nil
}

// PipIndexAuth returns the decrypted pip index credential of p.
func (s Service) PipIndexAuth(p *domain.Project) (string, error) {
	return crypto.Open(s.key, p.PipIndexAuth)
}
