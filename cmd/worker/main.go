package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/muratgozel/deployment-server/internal/dbmate"
	"github.com/muratgozel/deployment-server/internal/host"
	"github.com/muratgozel/deployment-server/internal/lease"
	"github.com/muratgozel/deployment-server/internal/pip"
	"github.com/muratgozel/deployment-server/internal/provision"
	"github.com/muratgozel/deployment-server/internal/repository/postgres"
	"github.com/muratgozel/deployment-server/internal/secrets"
	"github.com/muratgozel/deployment-server/internal/service/deployment"
	"github.com/muratgozel/deployment-server/internal/service/orchestrator"
	"github.com/muratgozel/deployment-server/internal/service/project"
	"github.com/muratgozel/deployment-server/internal/systemd"
	"github.com/muratgozel/deployment-server/pkg/config"
	"github.com/muratgozel/deployment-server/pkg/logger"
)

func main() {
	flags := pflag.NewFlagSet("worker", pflag.ExitOnError)
	mode := flags.String("mode", config.GetString("APPLICATION_MODE", "default"), "application mode, selects .env.<mode>")
	configDir := flags.String("config-dir", config.GetString("APPLICATION_CONFIG_DIR", ""), "directory holding .env files")
	interval := flags.Duration("interval", 0, "tick interval (overrides WORKER_INTERVAL)")
	once := flags.Bool("once", false, "run a single tick and exit")
	_ = flags.Parse(os.Args[1:])

	if err := config.LoadDotEnv(*configDir, *mode); err != nil {
		fmt.Fprintf(os.Stderr, "load env files: %v\n", err)
		os.Exit(1)
	}
	cfg := config.LoadWorkerConfig()
	cfg.Mode, cfg.ConfigDir = *mode, *configDir
	if flags.Changed("interval") {
		cfg.Interval = *interval
	}
	log := logger.New("worker", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo := postgres.New(pool, postgres.WithStatusChannel(cfg.StatusChannel))
	runner := host.NewExec(cfg.CommandTimeout, log)
	sys := host.Local{}

	var locker lease.Locker = lease.NewMemory()
	if cfg.RedisAddr != "" {
		rl, err := lease.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.LeaseKey, cfg.LeaseTTL, log)
		if err != nil {
			log.Warn("redis unavailable, falling back to process-local lease", "error", err)
		} else {
			defer rl.Close()
			locker = rl
		}
	}

	orch := orchestrator.New(orchestrator.Deps{
		Deployments: deployment.New(repo, log),
		Projects:    project.New(repo, log, cfg.EncryptionKey),
		Secrets:     secrets.NewRegistry(cfg.Paths, log),
		Provisioner: provision.New(cfg.Paths, runner, sys, log),
		Installer:   pip.New(runner, sys, cfg.PythonPath, log),
		Migrator:    dbmate.New(runner, sys, cfg.DbmatePath, log),
		Units:       systemd.New(cfg.Paths, runner, sys, cfg.SystemctlPath, log),
		Lease:       locker,
		Metrics:     orchestrator.NewMetrics(prometheus.DefaultRegisterer),
	}, cfg.Interval, log)

	if *once {
		if err := orch.Tick(ctx); err != nil {
			log.Error("tick failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	orch.Run(ctx)
}
