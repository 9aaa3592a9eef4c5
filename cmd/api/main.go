// Command api serves job submission and task status for the farm. It owns no
// worker session, so GET /session answers 503; render nodes serve their own.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/tokejepsen/mayasequence/internal/config"
	"github.com/tokejepsen/mayasequence/internal/httpapi"
	"github.com/tokejepsen/mayasequence/internal/pkg/logger"
	"github.com/tokejepsen/mayasequence/internal/pkg/shutdown"
	"github.com/tokejepsen/mayasequence/internal/repositories"
	"github.com/tokejepsen/mayasequence/internal/storage"
	"github.com/tokejepsen/mayasequence/internal/worker/queue"
)

func main() {
	flags := pflag.NewFlagSet("api", pflag.ExitOnError)
	configPath := flags.String("config", "", "YAML config file (default $"+config.EnvConfigPath+")")
	migrate := flags.Bool("migrate", false, "create the tasks table before starting")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "mayasequence-api",
		AddSource:   cfg.Log.AddSource,
	})

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	log.Info("connecting to PostgreSQL")
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	shutdownMgr.RegisterSimple("postgres", pool.Close)
	if err := pool.Ping(ctx); err != nil {
		log.LogFatal("failed to ping PostgreSQL", err)
	}
	if *migrate {
		if err := repositories.NewTaskRepository(pool).EnsureSchema(ctx); err != nil {
			log.LogFatal("failed to create schema", err)
		}
		log.Info("schema ready")
	}

	log.Info("connecting to Redis")
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	shutdownMgr.Register("redis", func(context.Context) error {
		return rdb.Close()
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}

	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	server := &http.Server{
		Addr: "0.0.0.0:" + cfg.HTTP.Port,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Pool:           pool,
			Queue:          queue.NewRedisQueue(rdb, cfg.Queue.Name),
			SP:             sp,
			Defaults:       cfg.Queue.TaskDefaults,
			CORSOrigins:    cfg.HTTP.CORSOrigins,
			RequestTimeout: cfg.HTTP.RequestTimeout,
			Log:            log,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait()
}
