// Command mockagent is a development stand-in for a real execution agent.
// It registers with the server, opens the agent stream, answers health
// pings, and serves the runner gRPC surface with scripted fake
// code-generation runs so the whole dispatch path can be exercised
// without real tooling.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/overseer-dev/overseer/pkg/wire"
)

var version = "dev"

type config struct {
	serverAddr       string
	apiKey           string
	hostname         string
	runnerPort       int
	logLevel         string
	logInterval      time.Duration
	failVerification bool
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
		Use:   "overseer-mockagent",
		Short: "Fake execution agent for local development",
		Long: `Mock agent for the Overseer server. It registers with an API key,
keeps the agent stream open, and answers job execution RPCs with scripted
log output instead of running real code generation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	defaultHost, err := os.Hostname()
	if err != nil {
		defaultHost = "mockagent"
	}

	root.PersistentFlags().StringVar(&cfg.serverAddr, "server-addr", envOrDefault("OVERSEER_SERVER_ADDR", "localhost:9090"), "Server gRPC gateway address")
	root.PersistentFlags().StringVar(&cfg.apiKey, "api-key", envOrDefault("OVERSEER_API_KEY", ""), "Org API key to register with")
	root.PersistentFlags().StringVar(&cfg.hostname, "hostname", defaultHost, "Hostname to register as")
	root.PersistentFlags().IntVar(&cfg.runnerPort, "runner-port", 7070, "Port the runner service listens on; the server dials back here")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("OVERSEER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.logInterval, "log-interval", 500*time.Millisecond, "Delay between scripted generation log lines")
	root.PersistentFlags().BoolVar(&cfg.failVerification, "fail-verification", false, "Report every verification as failed")

	return root
}

func run(ctx context.Context, cfg *config) error {
	if cfg.apiKey == "" {
		return fmt.Errorf("--api-key is required (seed one with overseer-seed)")
	}

	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting mock agent",
		zap.String("version", version),
		zap.String("server_addr", cfg.serverAddr),
		zap.String("hostname", cfg.hostname),
		zap.Int("runner_port", cfg.runnerPort),
	)

	// Runner surface the server dials back into for job execution.
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.runnerPort))
	if err != nil {
		return fmt.Errorf("failed to listen on runner port %d: %w", cfg.runnerPort, err)
	}
	grpcServer := grpc.NewServer()
	wire.RegisterAgentRunnerServer(grpcServer, newRunner(cfg, logger))
	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()
	errCh := make(chan error, 1)
	go func() {
		logger.Info("runner service listening", zap.Int("port", cfg.runnerPort))
		errCh <- grpcServer.Serve(lis)
	}()

	// Gateway side: register, hold the stream, reconnect forever.
	sess := newSession(cfg, logger)
	go sess.runLoop(ctx)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
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
