// Command server runs the Overseer dispatch server: the REST API for
// operators, the gRPC gateway for agents, the Temporal worker hosting the
// dispatch and execution workflows, and the background sweeper.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/internal/agentrpc"
	"github.com/overseer-dev/overseer/internal/agentstream"
	"github.com/overseer-dev/overseer/internal/api"
	"github.com/overseer-dev/overseer/internal/auth"
	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/internal/dispatch"
	"github.com/overseer-dev/overseer/internal/grpcserver"
	"github.com/overseer-dev/overseer/internal/logsink"
	"github.com/overseer-dev/overseer/internal/repositories"
	"github.com/overseer-dev/overseer/internal/sweeper"
	"github.com/overseer-dev/overseer/internal/websocket"
	"github.com/overseer-dev/overseer/internal/workflows"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr          string
	grpcAddr          string
	dbDriver          string
	dbDSN             string
	temporalHostPort  string
	temporalNamespace string
	jwtPrivateKey     string
	jwtPublicKey      string
	jwtIssuer         string
	logLevel          string
	dispatchInterval  time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "overseer-server",
		Short: "Overseer server — job dispatch and resilience engine",
		Long: `Overseer server orchestrates code-generation jobs across remote agents.
It exposes a REST API for operators, a gRPC gateway for agents, and drives
dispatch, execution and health checking through durable workflows.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("OVERSEER_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.grpcAddr, "grpc-addr", envOrDefault("OVERSEER_GRPC_ADDR", ":9090"), "gRPC gateway listen address for agents")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("OVERSEER_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("OVERSEER_DB_DSN", "./overseer.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.temporalHostPort, "temporal-host", envOrDefault("OVERSEER_TEMPORAL_HOST", "localhost:7233"), "Temporal frontend host:port")
	root.PersistentFlags().StringVar(&cfg.temporalNamespace, "temporal-namespace", envOrDefault("OVERSEER_TEMPORAL_NAMESPACE", "default"), "Temporal namespace")
	root.PersistentFlags().StringVar(&cfg.jwtPrivateKey, "jwt-private-key", envOrDefault("OVERSEER_JWT_PRIVATE_KEY", ""), "Path to RSA private key for signing access tokens")
	root.PersistentFlags().StringVar(&cfg.jwtPublicKey, "jwt-public-key", envOrDefault("OVERSEER_JWT_PUBLIC_KEY", ""), "Path to RSA public key for validating access tokens")
	root.PersistentFlags().StringVar(&cfg.jwtIssuer, "jwt-issuer", envOrDefault("OVERSEER_JWT_ISSUER", "overseer"), "JWT issuer claim")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("OVERSEER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.dispatchInterval, "dispatch-interval", workflows.DefaultDispatchInterval, "Cadence of the per-agent dispatch schedule")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("overseer-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting overseer server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("grpc_addr", cfg.grpcAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("temporal_host", cfg.temporalHostPort),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Database and repositories.
	database, err := db.New(db.Config{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	agents := repositories.NewAgentRepository(database)
	apiKeys := repositories.NewAPIKeyRepository(database)
	repos := repositories.NewRepoRepository(database)
	jobs := repositories.NewJobRepository(database)
	queuePause := repositories.NewQueuePauseRepository(database)
	jobLogs := repositories.NewJobLogRepository(database)
	activities := repositories.NewActivityRepository(database)
	bindings := repositories.NewScheduleBindingRepository(database)

	// Auth.
	var jwtMgr *auth.JWTManager
	if cfg.jwtPrivateKey != "" {
		jwtMgr, err = auth.NewJWTManagerFromFiles(cfg.jwtPrivateKey, cfg.jwtPublicKey, cfg.jwtIssuer)
	} else {
		logger.Warn("no JWT key configured, generating an ephemeral keypair")
		jwtMgr, err = auth.NewJWTManagerGenerated(cfg.jwtIssuer)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}

	// Shared runtime components.
	hub := websocket.NewHub()
	go hub.Run(ctx)

	streams := agentstream.New(logger)
	sink := logsink.New(jobLogs, hub, logger)
	transitions := dispatch.NewTransitions(jobs, activities, hub, logger)
	preprocessor := dispatch.NewPreprocessor(agents, jobs, queuePause, streams, logger)

	// Workflow engine.
	temporalClient, err := client.Dial(client.Options{
		HostPort:  cfg.temporalHostPort,
		Namespace: cfg.temporalNamespace,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to temporal: %w", err)
	}
	defer temporalClient.Close()

	acts := workflows.NewActivities(agents, jobs, preprocessor, transitions,
		streams, agentrpc.GRPCDialer{}, sink, logger)
	scheduleMgr := workflows.NewScheduleManager(temporalClient, bindings, cfg.dispatchInterval, logger)
	acts.BindSchedules(scheduleMgr)

	wrk := workflows.NewWorker(temporalClient, acts)
	if err := wrk.Start(); err != nil {
		return fmt.Errorf("failed to start temporal worker: %w", err)
	}
	defer wrk.Stop()

	// Background maintenance.
	sweep, err := sweeper.New(jobs, agents, activities, logger)
	if err != nil {
		return err
	}
	if err := sweep.Start(); err != nil {
		return err
	}
	defer sweep.Stop() //nolint:errcheck

	// gRPC gateway for agents.
	gateway := grpcserver.New(streams, agents, apiKeys, jobs, sink, scheduleMgr, logger, version)
	errCh := make(chan error, 2)
	go func() {
		errCh <- gateway.ListenAndServe(ctx, cfg.grpcAddr)
	}()

	// HTTP API.
	router := api.NewRouter(api.RouterConfig{
		JWTManager:  jwtMgr,
		Transitions: transitions,
		Starter:     workflows.NewStarter(temporalClient),
		Schedules:   scheduleMgr,
		Streams:     streams,
		Hub:         hub,
		Logger:      logger,
		Jobs:        jobs,
		JobLogs:     jobLogs,
		QueuePause:  queuePause,
		Agents:      agents,
		Repos:       repos,
		APIKeys:     apiKeys,
		Activities:  activities,
	})
	httpServer := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			cancel()
		}
	}

	logger.Info("shutting down overseer server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
