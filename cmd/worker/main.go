// Command worker runs one render node: it pops tasks from the queue, drives
// the worker application through the supervisor and serves the status API
// for the session it owns.
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
	"golang.org/x/sync/errgroup"

	"github.com/tokejepsen/mayasequence/internal/config"
	"github.com/tokejepsen/mayasequence/internal/farm/supervisor"
	"github.com/tokejepsen/mayasequence/internal/httpapi"
	"github.com/tokejepsen/mayasequence/internal/pkg/logger"
	"github.com/tokejepsen/mayasequence/internal/pkg/shutdown"
	"github.com/tokejepsen/mayasequence/internal/repositories"
	"github.com/tokejepsen/mayasequence/internal/storage"
	"github.com/tokejepsen/mayasequence/internal/worker"
	"github.com/tokejepsen/mayasequence/internal/worker/queue"
)

func main() {
	flags := pflag.NewFlagSet("worker", pflag.ExitOnError)
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
		ServiceName: "mayasequence-worker",
		AddSource:   cfg.Log.AddSource,
	})
	log.Info("starting render node", "queue", cfg.Queue.Name, "executable", cfg.Worker.Executable)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The session teardown may need the full kill timeout.
	shutdownMgr := shutdown.NewManager(log, 30*time.Second+cfg.Supervisor.KillTimeout)

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

	opts, err := cfg.SupervisorOptions()
	if err != nil {
		log.LogFatal("invalid supervisor options", err)
	}
	sup := supervisor.New(opts, supervisor.ExecLauncher{}, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := worker.Run(gctx, worker.Deps{
			Pool:        pool,
			RDB:         rdb,
			SP:          sp,
			Session:     sup,
			QueueName:   cfg.Queue.Name,
			PopTimeout:  cfg.Queue.PopTimeout,
			Defaults:    cfg.Queue.TaskDefaults,
			SessionRoot: cfg.Supervisor.SessionRoot,
			Log:         log,
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	shutdownMgr.Register("harness", func(context.Context) error {
		cancel()
		return g.Wait()
	})

	if !cfg.HTTP.Disabled {
		server := &http.Server{
			Addr: "0.0.0.0:" + cfg.HTTP.Port,
			Handler: httpapi.NewRouter(httpapi.Deps{
				Pool:           pool,
				Queue:          queue.NewRedisQueue(rdb, cfg.Queue.Name),
				SP:             sp,
				Session:        sup,
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
		g.Go(func() error {
			log.Info("HTTP server listening", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	// A failed harness or listener cancels gctx and starts the shutdown.
	shutdownMgr.WaitWithContext(gctx)
}
