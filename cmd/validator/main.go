// Package main provides the snapshot validator. It consumes build
// outcomes from SQS, verifies each artifact against the archive node, and
// publishes the verdict for the orchestrator and uploader to act on.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"

	httpinbound "github.com/forest-ops/snapshot-pipeline/internal/adapters/inbound/http"
	"github.com/forest-ops/snapshot-pipeline/internal/adapters/outbound/forest"
	"github.com/forest-ops/snapshot-pipeline/internal/adapters/outbound/sns"
	"github.com/forest-ops/snapshot-pipeline/internal/adapters/outbound/sqs"
	"github.com/forest-ops/snapshot-pipeline/internal/adapters/outbound/telemetry"
	"github.com/forest-ops/snapshot-pipeline/internal/pkg/clock"
	"github.com/forest-ops/snapshot-pipeline/internal/pkg/env"
	"github.com/forest-ops/snapshot-pipeline/internal/services/validator"
)

// Build-time variables
var (
	GitCommit string
	GitBranch string
	BuildTime string
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if GitCommit == "" {
					GitCommit = setting.Value
				}
			case "vcs.time":
				if BuildTime == "" {
					BuildTime = setting.Value
				}
			}
		}
	}
}

type readiness struct{ ready atomic.Bool }

func (r *readiness) Ready() bool   { return r.ready.Load() }
func (r *readiness) Healthy() bool { return true }

func main() {
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("snapshot-validator\n")
		fmt.Printf("  Commit:     %s\n", GitCommit)
		fmt.Printf("  Branch:     %s\n", GitBranch)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	logger.Info("starting snapshot-validator",
		"commit", GitCommit,
		"branch", GitBranch,
		"buildTime", BuildTime,
	)

	chain := os.Getenv("CHAIN")
	if chain == "" {
		logger.Error("CHAIN environment variable is required")
		os.Exit(1)
	}
	rpcEndpoint := os.Getenv("FOREST_RPC_ENDPOINT")
	if rpcEndpoint == "" {
		logger.Error("FOREST_RPC_ENDPOINT environment variable is required")
		os.Exit(1)
	}
	tokenPath := os.Getenv("FOREST_TOKEN_PATH")
	if tokenPath == "" {
		logger.Error("FOREST_TOKEN_PATH environment variable is required")
		os.Exit(1)
	}
	topicARNPrefix := os.Getenv("SNS_TOPIC_ARN_PREFIX")
	if topicARNPrefix == "" {
		logger.Error("SNS_TOPIC_ARN_PREFIX environment variable is required")
		os.Exit(1)
	}
	queueURL := os.Getenv("VALIDATE_QUEUE_URL")
	if queueURL == "" {
		logger.Error("VALIDATE_QUEUE_URL environment variable is required")
		os.Exit(1)
	}

	awsRegion := env.Get("AWS_REGION", "eu-west-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricConfig{
		ServiceName:    "snapshot-validator",
		ServiceVersion: GitCommit,
		Environment:    env.Get("ENVIRONMENT", "production"),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
	})
	if err != nil {
		logger.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Error("failed to shut down metrics", "error", err)
		}
	}()
	metrics, err := telemetry.NewMetrics("snapshot-validator")
	if err != nil {
		logger.Error("failed to create metrics", "error", err)
		os.Exit(1)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(awsRegion))
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	node, err := forest.NewNode(forest.Config{
		RPCEndpoint: rpcEndpoint,
		TokenPath:   tokenPath,
		CLIPath:     os.Getenv("FOREST_CLI_PATH"),
		ToolPath:    os.Getenv("FOREST_TOOL_PATH"),
		DataDir:     os.Getenv("FOREST_DATA_DIR"),
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to create forest client", "error", err)
		os.Exit(1)
	}
	logger.Info("forest client created", "endpoint", rpcEndpoint)

	consumer, err := sqs.NewConsumer(awsCfg, sqs.Config{QueueURL: queueURL}, logger)
	if err != nil {
		logger.Error("failed to create SQS consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()
	logger.Info("SQS consumer created", "queueURL", queueURL)

	sink, err := sns.NewEventSink(awsCfg, sns.Config{
		TopicARNs: sns.TopicARNsFor(topicARNPrefix, chain),
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create SNS event sink", "error", err)
		os.Exit(1)
	}
	defer sink.Close()

	service, err := validator.NewService(validator.Config{
		Workers:   env.Int("WORKERS", 0),
		BatchSize: env.Int("BATCH_SIZE", 0),
		Metrics:   metrics,
		Logger:    logger,
	}, consumer, node, sink, clock.Real{})
	if err != nil {
		logger.Error("failed to create validator", "error", err)
		os.Exit(1)
	}

	ready := &readiness{}
	var shuttingDown atomic.Bool
	health := httpinbound.NewHealthServer(httpinbound.HealthServerConfig{
		Addr:   env.Get("HEALTH_ADDR", ":8080"),
		Logger: logger,
	}, ready, &shuttingDown)
	health.Start()
	defer func() {
		shuttingDown.Store(true)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := health.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down health server", "error", err)
		}
	}()

	ready.ready.Store(true)
	if err := service.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("validator failed", "error", err)
		os.Exit(1)
	}

	logger.Info("snapshot validator stopped")
}
