// Package provision prepares the OS accounts and directory layout a project
// needs before it can be installed and started.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/ryanuber/go-glob"

	"github.com/muratgozel/deployment-server/internal/host"
	"github.com/muratgozel/deployment-server/internal/validate"
	"github.com/muratgozel/deployment-server/pkg/config"
)

// criticalPatterns match config files that hold secrets and must be readable by
// the service account but nobody else.
var criticalPatterns = []string{"*config*.yaml", ".env", ".env.*"}

const (
	homeMode     fs.FileMode = 0o750
	sshDirMode   fs.FileMode = 0o700
	authKeysMode fs.FileMode = 0o600
	configMode   fs.FileMode = 0o755
	criticalMode fs.FileMode = 0o640
	stateMode    fs.FileMode = 0o775
)

// Result describes the provisioned identity and location of an application.
type Result struct {
	ApplicationDir string
	User           string
	// Groups lists the shared deployer group first, then the project group.
	Groups []string
}

// Engine creates users, groups and directories idempotently.
type Engine struct {
	paths  config.Paths
	runner host.Runner
	sys    host.System
	log    *slog.Logger
}

// New constructs an Engine.
func New(paths config.Paths, runner host.Runner, sys host.System, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{paths: paths, runner: runner, sys: sys, log: log.With("component", "provision")}
}

// Ensure converges the host to the layout required by (code, mode). Every step
// can be repeated safely; user creation is only attempted when the user is absent.
func (e *Engine) Ensure(ctx context.Context, code, mode string) (Result, error) {
	if !validate.ProjectCode(code) {
		return Result{}, fmt.Errorf("invalid project code %q", code)
	}
	if !validate.Mode(mode) {
		return Result{}, fmt.Errorf("invalid mode %q", mode)
	}

	osUser := code
	projectGroup := code
	groups := []string{config.DeployerGroup, projectGroup}

	for _, group := range groups {
		if err := e.ensureGroup(ctx, group); err != nil {
			return Result{}, err
		}
	}
	e.log.Info("verified os groups", "groups", strings.Join(groups, ","))

	if err := e.ensureUser(ctx, osUser, projectGroup, groups); err != nil {
		return Result{}, err
	}
	e.log.Info("verified os user", "user", osUser)

	user, err := e.sys.LookupUser(osUser)
	if err != nil {
		return Result{}, fmt.Errorf("lookup user %s: %w", osUser, err)
	}
	deployer, err := e.sys.LookupGroup(config.DeployerGroup)
	if err != nil {
		return Result{}, fmt.Errorf("lookup group %s: %w", config.DeployerGroup, err)
	}
	project, err := e.sys.LookupGroup(projectGroup)
	if err != nil {
		return Result{}, fmt.Errorf("lookup group %s: %w", projectGroup, err)
	}

	appDir := e.paths.ApplicationDir(code, mode)
	if err := e.ensureDir(appDir, user.ID, deployer.ID, 0); err != nil {
		return Result{}, err
	}
	e.log.Info("verified application directory", "dir", appDir)

	configDir := e.paths.ConfigDir(code, mode)
	if err := e.ensureDir(configDir, user.ID, deployer.ID, configMode); err != nil {
		return Result{}, err
	}
	if err := e.secureCriticalFiles(configDir, user.ID, deployer.ID); err != nil {
		return Result{}, err
	}
	e.log.Info("verified application config directory", "dir", configDir)

	for _, dir := range []string{e.paths.LogsDir(code, mode), e.paths.DataDir(code, mode)} {
		if err := e.ensureDir(dir, user.ID, project.ID, stateMode); err != nil {
			return Result{}, err
		}
	}
	e.log.Info("verified application logs and data directories")

	return Result{ApplicationDir: appDir, User: osUser, Groups: groups}, nil
}

func (e *Engine) ensureGroup(ctx context.Context, name string) error {
	_, err := e.sys.LookupGroup(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, host.ErrUnknownAccount) {
		return fmt.Errorf("lookup group %s: %w", name, err)
	}
	if _, err := e.runner.Run(ctx, host.Command{Name: "groupadd", Args: []string{name}}); err != nil {
		return fmt.Errorf("create os group %s: %w", name, err)
	}
	return nil
}

func (e *Engine) ensureUser(ctx context.Context, name, primaryGroup string, groups []string) error {
	_, err := e.sys.LookupUser(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, host.ErrUnknownAccount) {
		return fmt.Errorf("lookup user %s: %w", name, err)
	}

	home := e.paths.HomeDir(name)
	args := []string{"-d", home, "-m", "-s", "/bin/bash", "-g", primaryGroup, "-G", strings.Join(groups, ","), name}
	if _, err := e.runner.Run(ctx, host.Command{Name: "useradd", Args: args}); err != nil {
		return fmt.Errorf("create os user %s: %w", name, err)
	}

	user, err := e.sys.LookupUser(name)
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", name, err)
	}
	group, err := e.sys.LookupGroup(primaryGroup)
	if err != nil {
		return fmt.Errorf("lookup group %s: %w", primaryGroup, err)
	}

	if err := e.sys.Chmod(home, homeMode); err != nil {
		return err
	}
	sshDir := filepath.Join(home, ".ssh")
	if err := e.sys.MkdirAll(sshDir, sshDirMode); err != nil {
		return err
	}
	authorizedKeys := filepath.Join(sshDir, "authorized_keys")
	if err := e.sys.WriteFile(authorizedKeys, nil, authKeysMode); err != nil {
		return err
	}
	for _, p := range []struct {
		path string
		mode fs.FileMode
	}{{sshDir, sshDirMode}, {authorizedKeys, authKeysMode}} {
		if err := e.sys.Chmod(p.path, p.mode); err != nil {
			return err
		}
		if err := e.sys.Chown(p.path, user.ID, group.ID); err != nil {
			return err
		}
	}
	return nil
}

// ensureDir creates dir when missing and applies ownership. A zero mode leaves
// permissions as created.
func (e *Engine) ensureDir(dir string, uid, gid int, mode fs.FileMode) error {
	perm := mode
	if perm == 0 {
		perm = 0o755
	}
	if err := e.sys.MkdirAll(dir, perm); err != nil {
		return err
	}
	if err := e.sys.Chown(dir, uid, gid); err != nil {
		return err
	}
	if mode != 0 {
		if err := e.sys.Chmod(dir, mode); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) secureCriticalFiles(dir string, uid, gid int) error {
	entries, err := e.sys.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !IsCriticalFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.sys.Chown(path, uid, gid); err != nil {
			return err
		}
		if err := e.sys.Chmod(path, criticalMode); err != nil {
			return err
		}
	}
	return nil
}

// IsCriticalFile reports whether a config directory entry holds secrets.
func IsCriticalFile(name string) bool {
	name = strings.ToLower(name)
	for _, pattern := range criticalPatterns {
		if glob.Glob(pattern, name) {
			return true
		}
	}
	return false
}
