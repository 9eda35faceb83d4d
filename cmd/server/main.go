package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	auth "github.com/goliatone/go-campus-auth"
	"github.com/goliatone/go-campus-auth/activitymap"
	"github.com/goliatone/go-campus-auth/config"
	"github.com/goliatone/go-campus-auth/repository"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := buildApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer cleanup()

	go func() {
		logger.Info("campus auth listening", "addr", cfg.HTTP.Addr, "session_store", cfg.SessionStore)
		if err := app.Listen(cfg.HTTP.Addr); err != nil {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	if err := app.ShutdownWithTimeout(cfg.HTTP.ShutdownTimeout); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// buildApp wires storage, the auth components and the fiber routes. cleanup
// closes the database and redis connections.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*fiber.App, func(), error) {
	db, err := repository.OpenDB(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return nil, nil, err
	}

	closers := []func() error{db.Close}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close error", "error", err)
			}
		}
	}

	if err := repository.EnsureSchema(ctx, db); err != nil {
		cleanup()
		return nil, nil, err
	}

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if rdb != nil {
		closers = append(closers, rdb.Close)
	}

	app, err := newApp(cfg, db, rdb, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return app, cleanup, nil
}

func openRedis(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
	if !cfg.UseRedis() {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func newApp(cfg *config.Config, db *bun.DB, rdb redis.UniversalClient, logger auth.Logger) (*fiber.App, error) {
	repo := repository.NewRepositoryManager(db, rdb, repository.WithRedisPrefix(cfg.Redis.Prefix))

	auther, err := auth.NewAuthenticator(repo, cfg,
		auth.WithAutherLogger(logger),
		auth.WithAutherPhoneRegion(cfg.Auth.PhoneRegion),
		auth.WithCredentialOptions(auth.WithLoginLockout(cfg.Auth.MaxLoginAttempts, cfg.Auth.LoginCooldown)),
		auth.WithAutherActivitySink(auth.ActivitySinkFunc(func(ctx context.Context, event auth.ActivityEvent) error {
			logger.Info("auth activity", activitymap.Normalize(event).Fields()...)
			return nil
		})),
	)
	if err != nil {
		return nil, err
	}

	httpAuth := auth.NewHTTPAuthenticator(auther.Gate(), cfg).WithLogger(logger)
	controller := auth.NewAuthController(auther, httpAuth,
		auth.WithControllerDebug(cfg.Debug),
		auth.WithControllerLogger(logger),
	)

	app := fiber.New(fiber.Config{
		AppName:      "campus-auth",
		ErrorHandler: auth.ErrorHandler(logger),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		if err := db.PingContext(c.UserContext()); err != nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, "database unavailable")
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	auth.RegisterAuthRoutes(app.Group("/auth"), controller)

	return app, nil
}
