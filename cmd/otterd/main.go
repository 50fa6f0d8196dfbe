// otterd is the autoscaling daemon: it schedules policy executions,
// converges scaling groups toward their desired capacity, and self-heals
// drift on a fixed interval.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ottercloud/otter/internal/api"
	"github.com/ottercloud/otter/internal/config"
	"github.com/ottercloud/otter/internal/controller"
	"github.com/ottercloud/otter/internal/converger"
	"github.com/ottercloud/otter/internal/coordination"
	"github.com/ottercloud/otter/internal/identity"
	"github.com/ottercloud/otter/internal/scheduler"
	"github.com/ottercloud/otter/internal/selfheal"
	"github.com/ottercloud/otter/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("otterd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("OTTER_CONFIG", "config.yaml"), "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := newLogger(cfg.Server.Env)
	log.Info("otterd starting", "env", cfg.Server.Env, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := coordination.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("connecting redis: %w", err)
	}
	defer redisClient.Close()

	groups, events, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	auth := identity.NewCachingAuthenticator(
		identity.NewClient(cfg.Identity.URL, credentials(cfg.Identity)),
		time.Duration(cfg.Identity.CacheTTLSeconds)*time.Second,
		log,
	)

	factory := converger.NewClientFactory(auth, cfg.Cloud, cfg.Convergence)
	executor := converger.NewStepExecutor(factory, cfg.BuildTimeout(), log)

	locks := controller.LockFactory(func(lockID string) controller.Locker {
		return coordination.NewLock(redisClient, lockID, log)
	})
	ctrl := controller.New(log)
	serializer := controller.NewSerializer(groups, locks, executor, log)

	nodeID := hostname() + "-" + uuid.NewString()[:8]
	partitioner := coordination.NewPartitioner(redisClient, "scheduler", nodeID, cfg.Scheduler.Buckets, log)
	sched := scheduler.New(scheduler.Config{
		Interval:  time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second,
		BatchSize: cfg.Scheduler.BatchSize,
		Buckets:   cfg.Scheduler.Buckets,
		Threshold: time.Duration(cfg.Scheduler.ThresholdSeconds) * time.Second,
	}, events, groups, partitioner, locks, serializer, ctrl, log)

	healer := selfheal.New(
		time.Duration(cfg.SelfHeal.IntervalSeconds)*time.Second,
		cfg.SelfHeal.EnabledTenants,
		groups, serializer,
		coordination.NewLock(redisClient, "selfheal", log),
		log,
	)

	apiServer := api.NewServer(log, sched, healer, redisChecker{client: redisClient})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sched.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := healer.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	serializer.Drain()
	log.Info("otterd stopped")
	return err
}

func newLogger(env string) *slog.Logger {
	level := slog.LevelInfo
	if env == "dev" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}

// openStore wires postgres when a DSN is configured and the in-memory store
// otherwise.
func openStore(cfg *config.Config, log *slog.Logger) (store.GroupStore, store.EventStore, func(), error) {
	if cfg.Database.URL == "" {
		log.Warn("no database configured, using the in-memory store")
		mem := store.NewInMemory()
		return mem, mem, func() {}, nil
	}
	pg, err := store.NewPostgres(cfg.Database.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connecting postgres: %w", err)
	}
	return pg, pg, func() { _ = pg.Close() }, nil
}

func credentials(cfg config.IdentityConfig) identity.Credentials {
	if cfg.Strategy == "apikey" {
		return identity.APIKeyCredentials{Username: cfg.Username, APIKey: cfg.APIKey}
	}
	return identity.PasswordCredentials{Username: cfg.Username, Password: cfg.Password}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "otterd"
	}
	return name
}

// redisChecker reports the coordination backend's reachability.
type redisChecker struct {
	client *redis.Client
}

func (redisChecker) Name() string { return "redis" }

func (c redisChecker) Healthy(ctx context.Context) (bool, string) {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return false, err.Error()
	}
	return true, "ok"
}
