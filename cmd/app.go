package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"audioingest/apperr"
	"audioingest/cache"
	"audioingest/config"
	"audioingest/db"
	"audioingest/logger"
	"audioingest/queue"
	"audioingest/repository"
	"audioingest/storage"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// app holds the shared backends a command needs.
type app struct {
	cfg     *config.Config
	db      *gorm.DB
	redis   *redis.Client
	jobs    queue.Queue
	storage storage.Adapter
	audios  repository.AudioRepository
	users   repository.UserRepository
}

type appNeeds struct {
	db      bool
	queue   bool
	storage bool
}

func initLogging(cfg *config.Config, component string) {
	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
		Component:  component,
	})
}

// newApp loads configuration and connects the requested backends.
func newApp(ctx context.Context, component string, needs appNeeds) (*app, error) {
	cfg := config.Load()
	initLogging(cfg, component)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	if needs.db {
		gdb, err := db.ConnectGormDB(cfg)
		if err != nil {
			return nil, err
		}
		a.db = gdb
		if err := db.AutoMigrate(gdb); err != nil {
			a.close()
			return nil, err
		}
		a.audios = repository.NewGormAudioRepository(gdb)
		a.users = repository.NewGormUserRepository(gdb)
	}
	if needs.queue {
		switch cfg.QueueBackend {
		case "memory":
			logger.Warn("Using the in-process queue; jobs are lost on restart")
			a.jobs = queue.NewMemoryQueue()
		default:
			client, err := db.ConnectRedis(ctx, cfg)
			if err != nil {
				a.close()
				return nil, err
			}
			a.redis = client
			a.jobs = queue.NewRedisQueue(client, cfg.QueueName)
			if a.users != nil {
				a.users = cache.NewUserCache(client, a.users, cache.DefaultUserTTL)
			}
		}
	}
	if needs.storage {
		adapter, err := storage.Default(ctx, cfg)
		if err != nil {
			a.close()
			return nil, err
		}
		a.storage = adapter
	}
	return a, nil
}

// ready reports whether the connected backends respond.
func (a *app) ready(ctx context.Context) error {
	if a.db != nil {
		sqlDB, err := a.db.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %v: %w", err, apperr.ErrTransientProvider)
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %v: %w", err, apperr.ErrTransientProvider)
		}
	}
	return nil
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Warn("Error closing Redis", logger.ErrorField(err))
		}
	}
	if a.db != nil {
		if err := db.CloseGormDB(a.db); err != nil {
			logger.Warn("Error closing database", logger.ErrorField(err))
		}
	}
	logger.Sync()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
