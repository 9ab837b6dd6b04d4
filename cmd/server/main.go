package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/muratgozel/deployment-server/internal/app/migrate"
	httpx "github.com/muratgozel/deployment-server/internal/http"
	"github.com/muratgozel/deployment-server/internal/repository/postgres"
	"github.com/muratgozel/deployment-server/internal/service/deployment"
	"github.com/muratgozel/deployment-server/internal/service/project"
	"github.com/muratgozel/deployment-server/internal/service/webhook"
	"github.com/muratgozel/deployment-server/internal/ws"
	"github.com/muratgozel/deployment-server/pkg/config"
	"github.com/muratgozel/deployment-server/pkg/logger"
)

func main() {
	flags := pflag.NewFlagSet("server", pflag.ExitOnError)
	mode := flags.String("mode", config.GetString("APPLICATION_MODE", "default"), "application mode, selects .env.<mode>")
	configDir := flags.String("config-dir", config.GetString("APPLICATION_CONFIG_DIR", ""), "directory holding .env files")
	port := flags.Int("port", 0, "TCP port to listen on (overrides PORT)")
	fd := flags.Int("fd", 0, "inherited socket file descriptor to serve on")
	_ = flags.Parse(os.Args[1:])

	if err := config.LoadDotEnv(*configDir, *mode); err != nil {
		fmt.Fprintf(os.Stderr, "load env files: %v\n", err)
		os.Exit(1)
	}
	cfg := config.LoadServerConfig()
	cfg.Mode, cfg.ConfigDir = *mode, *configDir
	if flags.Changed("port") {
		cfg.Addr = ":" + strconv.Itoa(*port)
	}
	if flags.Changed("fd") {
		cfg.ListenFD = *fd
	}
	log := logger.New("server", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.DatabaseURL, "", log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	if cfg.APISecret == "" {
		log.Warn("API_SECRET is not set, management endpoints will reject every request")
	}
	if cfg.WebhookSecret == "" {
		log.Warn("GITHUB_WEBHOOK_SECRET is not set, release notifications will be rejected")
	}
	if cfg.EncryptionKey == "" {
		log.Warn("ENCRYPTION_KEY is not set, pip index credentials are stored in plain text")
	}

	repo := postgres.New(pool, postgres.WithStatusChannel(cfg.StatusChannel))
	projectSvc := project.New(repo, log, cfg.EncryptionKey)
	deploymentSvc := deployment.New(repo, log)

	var (
		queue   webhook.Queue = webhook.NewMemoryQueue(cfg.WSBuffer)
		limiter               = httpx.NewMemoryRateLimiter()
	)
	if cfg.RedisAddr != "" {
		client, err := connectRedis(ctx, cfg)
		if err != nil {
			log.Warn("redis unavailable, using in-process release queue and rate limiter", "error", err)
		} else {
			defer client.Close()
			queue = webhook.NewRedisQueue(client, cfg.ReleaseQueueKey)
			limiter.Close()
			limiter = httpx.NewRedisRateLimiter(client, log)
		}
	}
	webhookSvc := webhook.New(cfg.WebhookSecret, queue, cfg.ReleaseMode, log)
	go webhook.NewConsumer(queue, projectSvc, deploymentSvc, log).Run(ctx)

	hub := ws.NewHub()
	defer hub.Close()
	go ws.Relay(ctx, postgres.NewListener(pool, cfg.StatusChannel), hub, log, 2*time.Second)

	router := httpx.NewRouter(log, httpx.Deps{
		Projects:    projectSvc,
		Deployments: deploymentSvc,
		Webhook:     webhookSvc,
		Hub:         hub,
		Credentials: httpx.Credentials{User: cfg.APIUser, Secret: cfg.APISecret},
		Limiter:     limiter,
		RateLimit:   cfg.RateLimitRequests,
		RateWindow:  cfg.RateLimitWindow,
		DBHealth:    pool.Ping,
	})
	defer router.Close()

	ln, err := listen(cfg)
	if err != nil {
		log.Error("failed to listen", "error", err)
		os.Exit(1)
	}
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", ln.Addr().String(), "mode", cfg.Mode)
		errorCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func connectRedis(ctx context.Context, cfg config.ServerConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// listen serves on a socket handed over by the supervisor (systemd socket
// activation or a parent process) when fd is set, and binds Addr otherwise.
func listen(cfg config.ServerConfig) (net.Listener, error) {
	if cfg.ListenFD <= 0 {
		return net.Listen("tcp", cfg.Addr)
	}
	f := os.NewFile(uintptr(cfg.ListenFD), "inherited-listener")
	if f == nil {
		return nil, fmt.Errorf("invalid listen fd %d", cfg.ListenFD)
	}
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("listen on fd %d: %w", cfg.ListenFD, err)
	}
	return ln, nil
}
