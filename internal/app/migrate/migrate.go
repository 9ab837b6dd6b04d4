package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedded embed.FS

const runTimeout = time.Minute

// Runner applies the deployment store schema with goose.
type Runner struct {
	pool *pgxpool.Pool
	dsn  string
	fsys fs.FS
	log  *slog.Logger
}

// New returns a Runner. An empty migrationsDir selects the migrations compiled
// into the binary.
func New(pool *pgxpool.Pool, dsn, migrationsDir string, log *slog.Logger) (Runner, error) {
	if pool == nil {
		return Runner{}, errors.New("nil pool provided")
	}
	if dsn == "" {
		return Runner{}, errors.New("empty database dsn")
	}
	if log == nil {
		log = slog.Default()
	}

	fsys, err := fs.Sub(embedded, "migrations")
	if err != nil {
		return Runner{}, err
	}
	if migrationsDir != "" {
		info, err := os.Stat(migrationsDir)
		if err != nil {
			return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
		}
		if !info.IsDir() {
			return Runner{}, fmt.Errorf("migrations path %s is not a directory", migrationsDir)
		}
		fsys = os.DirFS(migrationsDir)
	}
	return Runner{pool: pool, dsn: dsn, fsys: fsys, log: log.With("component", "migrate")}, nil
}

// Ensure applies every pending migration.
func (r Runner) Ensure(ctx context.Context) error {
	return r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		results, err := p.Up(ctx)
		r.logResults(results)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		if len(results) == 0 {
			r.log.Debug("schema up to date")
		}
		return nil
	})
}

// Status logs the state of every known migration.
func (r Runner) Status(ctx context.Context) error {
	return r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		states, err := p.Status(ctx)
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		for _, s := range states {
			attrs := []any{"version", s.Source.Version, "file", s.Source.Path, "state", string(s.State)}
			if s.State == goose.StateApplied {
				attrs = append(attrs, "applied_at", s.AppliedAt)
			}
			r.log.Info("migration", attrs...)
		}
		return nil
	})
}

// Down rolls back to targetVersion, or only the latest migration when the
// target is zero.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	return r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		if targetVersion > 0 {
			results, err := p.DownTo(ctx, targetVersion)
			r.logResults(results)
			if err != nil {
				return fmt.Errorf("roll back to version %d: %w", targetVersion, err)
			}
			return nil
		}
		result, err := p.Down(ctx)
		if result != nil {
			r.logResults([]*goose.MigrationResult{result})
		}
		if err != nil {
			return fmt.Errorf("roll back latest migration: %w", err)
		}
		return nil
	})
}

// Ping ensures the database connection is alive.
func (r Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (r Runner) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// withProvider opens a database/sql handle for goose, which does not speak pgx
// natively, and closes it when fn returns.
func (r Runner) withProvider(ctx context.Context, fn func(context.Context, *goose.Provider) error) error {
	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, r.fsys)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("configure goose: %w", err)
	}
	defer provider.Close()

	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	return fn(runCtx, provider)
}

func (r Runner) logResults(results []*goose.MigrationResult) {
	for _, res := range results {
		if res == nil || res.Source == nil {
			continue
		}
		if res.Error != nil {
			r.log.Error("migration failed", "version", res.Source.Version, "direction", res.Direction, "error", res.Error)
			continue
		}
		r.log.Info("migration applied", "version", res.Source.Version, "direction", res.Direction, "took", res.Duration)
	}
}
