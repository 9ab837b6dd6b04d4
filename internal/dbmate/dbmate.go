// Package dbmate applies a project's own schema migrations with the dbmate CLI.
package dbmate

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/muratgozel/deployment-server/internal/host"
)

// DefaultWaitTimeout bounds how long dbmate waits for the database to accept connections.
const DefaultWaitTimeout = 10 * time.Second

// Runner runs pending migrations found under db/migrations of an installed package.
type Runner struct {
	runner      host.Runner
	sys         host.System
	binary      string
	waitTimeout time.Duration
	log         *slog.Logger
}

// New constructs a Runner. An empty binary defaults to "dbmate" on PATH.
func New(runner host.Runner, sys host.System, binary string, log *slog.Logger) *Runner {
	if binary == "" {
		binary = "dbmate"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		runner:      runner,
		sys:         sys,
		binary:      binary,
		waitTimeout: DefaultWaitTimeout,
		log:         log.With("component", "dbmate"),
	}
}

// MigrationsDir is where migrations are looked up below a package root.
func MigrationsDir(rootDir string) string {
	return filepath.Join(rootDir, "db", "migrations")
}

// Run applies migrations under rootDir against connString. It reports false with
// no error when the package ships no migrations directory.
func (r *Runner) Run(ctx context.Context, rootDir, connString string) (bool, error) {
	dir := MigrationsDir(rootDir)
	exists, err := host.Exists(r.sys, dir)
	if err != nil {
		return false, err
	}
	if !exists {
		r.log.Warn("db migrations dir doesn't exist, skipping", "dir", dir)
		return false, nil
	}

	cmd := host.Command{
		Name: r.binary,
		Args: []string{"--wait", "--wait-timeout", r.waitTimeout.String(), "-d", dir, "up"},
		Env:  []string{"DATABASE_URL=" + connString},
	}
	if _, err := r.runner.Run(ctx, cmd); err != nil {
		return false, fmt.Errorf("run db migrations: %w", err)
	}
	r.log.Info("verified db migrations", "dir", dir)
	return true, nil
}
