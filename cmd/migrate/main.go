package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"

	"github.com/muratgozel/deployment-server/internal/app/migrate"
	"github.com/muratgozel/deployment-server/pkg/config"
	"github.com/muratgozel/deployment-server/pkg/logger"
)

func main() {
	flags := pflag.NewFlagSet("migrate", pflag.ExitOnError)
	mode := flags.String("mode", config.GetString("APPLICATION_MODE", "default"), "application mode, selects .env.<mode>")
	configDir := flags.String("config-dir", config.GetString("APPLICATION_CONFIG_DIR", ""), "directory holding .env files")
	command := flags.String("command", "up", "migrate command (up|status|down)")
	timeout := flags.Duration("timeout", time.Minute, "command timeout")
	target := flags.Int64("target", 0, "target version for down command (optional)")
	dir := flags.String("dir", "", "migrations directory (defaults to the embedded set)")
	_ = flags.Parse(os.Args[1:])

	if err := config.LoadDotEnv(*configDir, *mode); err != nil {
		fmt.Fprintf(os.Stderr, "load env files: %v\n", err)
		os.Exit(1)
	}
	cfg := config.LoadServerConfig()
	log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, *dir, log)
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		pool.Close()
		os.Exit(1)
	}
	defer runner.Close()

	switch *command {
	case "up":
		err = runner.Ensure(ctx)
	case "status":
		err = runner.Status(ctx)
	case "down":
		err = runner.Down(ctx, *target)
	default:
		err = fmt.Errorf("unsupported command %q", *command)
	}
	if err != nil {
		log.Error("migration command failed", "command", *command, "error", err)
		runner.Close()
		os.Exit(1)
	}

	log.Info("migration command completed", "command", *command)
}
