// Package main provides the snapshot orchestrator. It schedules
// compute-state, historic and latest snapshot jobs against the archive
// node, drives the build stage, and folds validator and uploader outcomes
// from the results queue back into job state.
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
	"github.com/forest-ops/snapshot-pipeline/internal/adapters/outbound/disk"
	"github.com/forest-ops/snapshot-pipeline/internal/adapters/outbound/forest"
	"github.com/forest-ops/snapshot-pipeline/internal/adapters/outbound/postgres"
	"github.com/forest-ops/snapshot-pipeline/internal/adapters/outbound/slack"
	"github.com/forest-ops/snapshot-pipeline/internal/adapters/outbound/sns"
	"github.com/forest-ops/snapshot-pipeline/internal/adapters/outbound/sqs"
	"github.com/forest-ops/snapshot-pipeline/internal/adapters/outbound/telemetry"
	"github.com/forest-ops/snapshot-pipeline/internal/pkg/clock"
	"github.com/forest-ops/snapshot-pipeline/internal/pkg/env"
	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
	"github.com/forest-ops/snapshot-pipeline/internal/services/builder"
	"github.com/forest-ops/snapshot-pipeline/internal/services/progress"
	"github.com/forest-ops/snapshot-pipeline/internal/services/scheduler"
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

// readiness satisfies the health probes: live once the process is up, ready
// once the scheduler loop is running.
type readiness struct{ ready atomic.Bool }

func (r *readiness) Ready() bool   { return r.ready.Load() }
func (r *readiness) Healthy() bool { return true }

func main() {
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("snapshot-orchestrator\n")
		fmt.Printf("  Commit:     %s\n", GitCommit)
		fmt.Printf("  Branch:     %s\n", GitBranch)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	logger.Info("starting snapshot-orchestrator",
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
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}
	topicARNPrefix := os.Getenv("SNS_TOPIC_ARN_PREFIX")
	if topicARNPrefix == "" {
		logger.Error("SNS_TOPIC_ARN_PREFIX environment variable is required")
		os.Exit(1)
	}
	resultsQueueURL := os.Getenv("RESULTS_QUEUE_URL")
	if resultsQueueURL == "" {
		logger.Error("RESULTS_QUEUE_URL environment variable is required")
		os.Exit(1)
	}
	outputDir := os.Getenv("SNAPSHOT_OUTPUT_DIR")
	if outputDir == "" {
		logger.Error("SNAPSHOT_OUTPUT_DIR environment variable is required")
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
		ServiceName:    "snapshot-orchestrator",
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
	metrics, err := telemetry.NewMetrics("snapshot-orchestrator")
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

	pool, err := postgres.OpenPool(ctx, postgres.DBConfig{URL: databaseURL})
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	store, err := postgres.NewStateStore(ctx, pool, chain)
	if err != nil {
		logger.Error("failed to create state store", "error", err)
		os.Exit(1)
	}
	logger.Info("state store ready")

	sink, err := sns.NewEventSink(awsCfg, sns.Config{
		TopicARNs: sns.TopicARNsFor(topicARNPrefix, chain),
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create SNS event sink", "error", err)
		os.Exit(1)
	}
	defer sink.Close()

	results, err := sqs.NewConsumer(awsCfg, sqs.Config{QueueURL: resultsQueueURL}, logger)
	if err != nil {
		logger.Error("failed to create SQS consumer", "error", err)
		os.Exit(1)
	}
	defer results.Close()
	logger.Info("results consumer created", "queueURL", resultsQueueURL)

	var notifier outbound.Notifier
	if token := os.Getenv("SLACK_TOKEN"); token != "" {
		notifier, err = slack.NewNotifier(slack.Config{
			Token:   token,
			Channel: env.Get("SLACK_CHANNEL", "#forest-snapshots"),
			Logger:  logger,
		})
		if err != nil {
			logger.Error("failed to create Slack notifier", "error", err)
			os.Exit(1)
		}
	}

	clk := clock.Real{}
	bld, err := builder.NewBuilder(builder.Config{
		Chain:       chain,
		OutputDir:   outputDir,
		Format:      env.Get("SNAPSHOT_FORMAT", "v1"),
		DiffStep:    env.Uint64("DIFF_STEP", 0),
		StateRoots:  env.Uint64("STATE_ROOTS", 0),
		LatestDepth: env.Uint64("LATEST_DEPTH", 0),
		HeadMargin:  env.Uint64("HEAD_MARGIN", 0),
		Logger:      logger,
	}, node, clk)
	if err != nil {
		logger.Error("failed to create builder", "error", err)
		os.Exit(1)
	}

	tracker := progress.NewTracker(progress.DefaultWindow, clk)
	service, err := scheduler.NewService(scheduler.Config{
		Chain:          chain,
		Format:         env.Get("SNAPSHOT_FORMAT", "v1"),
		DiskPath:       env.Get("DISK_PATH", outputDir),
		DiskFloorBytes: env.Uint64("DISK_FLOOR_GB", 50) << 30,
		HistoricStep:   env.Uint64("HISTORIC_STEP", 0),
		ComputeBatch:   env.Uint64("COMPUTE_BATCH", 0),
		LatestDelay:    env.Duration("BUILD_DELAY", 6*time.Hour),
		MaxAttempts:    env.Int("MAX_ATTEMPTS", 0),
		PollInterval:   env.Duration("POLL_INTERVAL", 30*time.Second),
		StageTimeout:   env.Duration("STAGE_TIMEOUT", 6*time.Hour),
		Metrics:        metrics,
		Notifier:       notifier,
		Logger:         logger,
	}, node, disk.NewGuard(), store, sink, results, bld, tracker, clk)
	if err != nil {
		logger.Error("failed to create scheduler", "error", err)
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
		logger.Error("scheduler failed", "error", err)
		os.Exit(1)
	}

	logger.Info("snapshot orchestrator stopped")
}
