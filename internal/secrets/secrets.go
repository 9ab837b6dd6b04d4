// Package secrets loads the per-deployment configuration a project keeps
// outside of its package, such as database connection strings.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/muratgozel/deployment-server/internal/domain"
	"github.com/muratgozel/deployment-server/pkg/config"
)

// KeyDatabaseURL names the secret holding the application's database DSN.
const KeyDatabaseURL = "pg_conn_str"

// serviceName selects the config_<service>.yaml layers read at deploy time.
const serviceName = "deploy"

var ErrUnknownProvider = errors.New("unknown secrets provider")

// Provider fetches the secrets of one project under one mode.
type Provider interface {
	Fetch(ctx context.Context, code, mode string) (map[string]any, error)
}

// Local reads layered YAML files from the application's config directory.
// Later layers override earlier ones key by key:
//
//	config.yaml
//	config_<mode>.yaml
//	config_deploy.yaml
//	config_<mode>_deploy.yaml
type Local struct {
	paths config.Paths
	open  func(dir string) fs.FS
	log   *slog.Logger
}

var _ Provider = (*Local)(nil)

// NewLocal returns a Local provider reading from the host filesystem.
func NewLocal(paths config.Paths, log *slog.Logger) *Local {
	return NewLocalFS(paths, os.DirFS, log)
}

// NewLocalFS is NewLocal with a custom directory opener.
func NewLocalFS(paths config.Paths, open func(dir string) fs.FS, log *slog.Logger) *Local {
	if log == nil {
		log = slog.Default()
	}
	return &Local{paths: paths, open: open, log: log.With("component", "secrets", "provider", "local")}
}

// LayerNames returns the YAML files consulted for mode, lowest precedence first.
func LayerNames(mode string) []string {
	return []string{
		"config.yaml",
		fmt.Sprintf("config_%s.yaml", mode),
		fmt.Sprintf("config_%s.yaml", serviceName),
		fmt.Sprintf("config_%s_%s.yaml", mode, serviceName),
	}
}

func (l *Local) Fetch(_ context.Context, code, mode string) (map[string]any, error) {
	dir := l.paths.ConfigDir(code, mode)
	fsys := l.open(dir)

	out := map[string]any{}
	loaded := 0
	for _, name := range LayerNames(mode) {
		data, err := fs.ReadFile(fsys, name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		layer := map[string]any{}
		if err := yaml.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		merge(out, layer)
		loaded++
	}
	if loaded == 0 {
		l.log.Warn("no configuration files found", "dir", dir)
	}
	return out, nil
}

// Coldrune is a placeholder for the remote secrets store. It always yields
// no secrets.
type Coldrune struct {
	log *slog.Logger
}

var _ Provider = (*Coldrune)(nil)

func NewColdrune(log *slog.Logger) *Coldrune {
	if log == nil {
		log = slog.Default()
	}
	return &Coldrune{log: log.With("component", "secrets", "provider", "coldrune")}
}

func (c *Coldrune) Fetch(_ context.Context, code, mode string) (map[string]any, error) {
	c.log.Warn("coldrune as secrets provider isn't supported yet", "project", code, "mode", mode)
	return map[string]any{}, nil
}

// Registry dispatches to the provider configured on each project.
type Registry map[domain.SecretsProvider]Provider

// NewRegistry wires both built-in providers.
func NewRegistry(paths config.Paths, log *slog.Logger) Registry {
	return Registry{
		domain.SecretsProviderLocal:    NewLocal(paths, log),
		domain.SecretsProviderColdrune: NewColdrune(log),
	}
}

// Fetch loads the secrets of a project from its configured provider.
func (r Registry) Fetch(ctx context.Context, kind domain.SecretsProvider, code, mode string) (map[string]any, error) {
	p, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
	return p.Fetch(ctx, code, mode)
}

// String returns the string value at key, or "" when absent or not a scalar.
func String(values map[string]any, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case map[string]any, []any:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// merge copies src into dst, descending into nested maps.
func merge(dst, src map[string]any) {
	for k, v := range src {
		sub, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		existing, ok := dst[k].(map[string]any)
		if !ok {
			existing = map[string]any{}
			dst[k] = existing
		}
		merge(existing, sub)
	}
}
