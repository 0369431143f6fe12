package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tendant/simple-idm-sessions/idm"
	"github.com/tendant/simple-idm-sessions/internal/config"
	"github.com/tendant/simple-idm-sessions/internal/sweeper"
	"github.com/tendant/simple-idm-sessions/pkg/repository"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	store, closer, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closer.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close store failed", "error", cerr)
		}
	}()

	engine, err := idm.New(cfg.IDM(store, logger))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	runner, err := sweeper.New(sweeper.Options{
		Sweeper:  engine,
		Interval: cfg.Sweeper.Interval,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create sweeper: %w", err)
	}

	if cfg.Sweeper.Once {
		result, err := runner.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		logger.InfoContext(ctx, "sweep finished", "expired", result.Expired, "deleted", result.Deleted)
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down session sweeper")
	return nil
}

// openStore connects the configured backend. The returned closer releases
// its connections.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.Store, io.Closer, error) {
	switch cfg.Store {
	case config.StoreRedis:
		client, addr, err := newRedisClient(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			if cerr := client.Close(); cerr != nil {
				err = errors.Join(err, fmt.Errorf("close redis client: %w", cerr))
			}
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.InfoContext(ctx, "connected to redis", "addr", addr)
		return repository.NewRedisStoreWithPrefix(client, cfg.Redis.KeyPrefix), client, nil

	default:
		db, err := repository.NewDB(cfg.DB())
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		if cfg.Postgres.AutoMigrate {
			if err := repository.Migrate(ctx, db); err != nil {
				if cerr := db.Close(); cerr != nil {
					err = errors.Join(err, fmt.Errorf("close database: %w", cerr))
				}
				return nil, nil, fmt.Errorf("migrate database: %w", err)
			}
		}
		store, err := repository.NewPostgresStore(ctx, db)
		if err != nil {
			if cerr := db.Close(); cerr != nil {
				err = errors.Join(err, fmt.Errorf("close database: %w", cerr))
			}
			return nil, nil, err
		}
		logger.InfoContext(ctx, "connected to database", "db_host", cfg.Postgres.Host, "db_name", cfg.Postgres.Name)
		return store, db, nil
	}
}

// newRedisClient builds a sentinel or direct client. The returned address
// never contains credentials.
func newRedisClient(cfg config.RedisConfig) (redis.UniversalClient, string, error) {
	if cfg.UseSentinel {
		if len(cfg.SentinelNodes) == 0 {
			return nil, "", errors.New("redis sentinel configuration requires at least one sentinel node")
		}
		client := redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       cfg.SentinelMasterName,
			SentinelAddrs:    cfg.SentinelNodes,
			Password:         cfg.Password,
			SentinelPassword: cfg.SentinelPassword,
		})
		return client, "sentinel:" + cfg.SentinelMasterName, nil
	}

	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return nil, "", errors.New("redis direct configuration requires a URI")
	}
	if strings.HasPrefix(uri, "redis://") || strings.HasPrefix(uri, "rediss://") {
		opt, err := redis.ParseURL(uri)
		if err != nil {
			return nil, "", fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), opt.Addr, nil
	}
	return redis.NewClient(&redis.Options{Addr: uri, Password: cfg.Password}), uri, nil
}
