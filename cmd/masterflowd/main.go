// Command masterflowd serves the flow orchestration REST API backed by PostgreSQL, Redis and
// optionally Kafka for the transition feed.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/atlasadvisory/masterflow"
	"github.com/atlasadvisory/masterflow/adapters/jlog"
	"github.com/atlasadvisory/masterflow/adapters/kafkafeed"
	"github.com/atlasadvisory/masterflow/adapters/pgstore"
	"github.com/atlasadvisory/masterflow/adapters/redisqueue"
	"github.com/atlasadvisory/masterflow/api"
	"github.com/atlasadvisory/masterflow/internal/config"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "masterflowd",
		Short: "Flow orchestration service for migration engagements",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := initDatabase(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	defer redisClient.Close()

	store := pgstore.New(pool)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	queue := redisqueue.New(redisClient)

	opts := []masterflow.BuildOption{
		masterflow.WithLogger(jlog.New()),
		masterflow.WithRetryBackoff(cfg.Orchestrator.RetryBase, cfg.Orchestrator.RetryCap, cfg.Orchestrator.RetryJitter),
		masterflow.WithMaxRetries(cfg.Orchestrator.MaxRetries),
		masterflow.WithStuckSweepSchedule(cfg.Orchestrator.SweepSchedule),
	}

	if cfg.Kafka.Enabled {
		feed := kafkafeed.New(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer feed.Close()
		opts = append(opts, masterflow.WithTransitionFeed(feed))
	}

	var orch *masterflow.Orchestrator
	builder := masterflow.NewBuilder()
	registerPhaseHandlers(builder, &orch)
	orch = builder.Build(store, queue, opts...)

	orch.Run(ctx)
	defer orch.Stop()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	handler := api.NewHandler(orch)
	handler.Register(e.Group("/api/v1"))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case <-shutdown:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
		}
	}

	return nil
}

// registerPhaseHandlers binds the built-in handlers. The asset inventory phase runs conflict
// detection over the batch supplied as phase input and pauses the flow while any conflicts wait
// for resolution; deployment-specific phases are registered here as they are built. The orch
// pointer is captured by reference and set before Run, so handlers always see the built
// orchestrator.
func registerPhaseHandlers(b *masterflow.Builder, orch **masterflow.Orchestrator) {
	b.RegisterPhase(masterflow.FlowTypeDiscovery, masterflow.PhaseAssetInventory,
		masterflow.PhaseHandlerFunc(func(ctx context.Context, flowID string, scope masterflow.TenantScope, input []byte, _ *masterflow.PhaseStateSnapshot) (masterflow.HandlerResult, error) {
			var entities []masterflow.IncomingEntity
			if err := json.Unmarshal(input, &entities); err != nil {
				return masterflow.HandlerResult{
					Outcome: masterflow.OutcomeFailed,
					Errors:  []string{"asset inventory input must be an entity batch: " + err.Error()},
				}, nil
			}

			result, err := (*orch).Resolver().DetectConflicts(ctx, flowID, scope, entities)
			if err != nil {
				return masterflow.HandlerResult{}, err
			}

			payload, err := json.Marshal(result)
			if err != nil {
				return masterflow.HandlerResult{}, err
			}

			if result.Conflicts > 0 {
				return masterflow.HandlerResult{
					Outcome: masterflow.OutcomePausedForInput,
					Payload: payload,
				}, nil
			}

			return masterflow.HandlerResult{
				Outcome: masterflow.OutcomeCompleted,
				Payload: payload,
			}, nil
		}),
	)
}

func initDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
