// Package main provides the snapshot notifier. It consumes pipeline
// lifecycle events from SQS and posts human-readable summaries to Slack.
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
	"github.com/forest-ops/snapshot-pipeline/internal/adapters/outbound/slack"
	"github.com/forest-ops/snapshot-pipeline/internal/adapters/outbound/sqs"
	"github.com/forest-ops/snapshot-pipeline/internal/pkg/env"
	"github.com/forest-ops/snapshot-pipeline/internal/services/notify"
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
		fmt.Printf("snapshot-notifier\n")
		fmt.Printf("  Commit:     %s\n", GitCommit)
		fmt.Printf("  Branch:     %s\n", GitBranch)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	logger.Info("starting snapshot-notifier",
		"commit", GitCommit,
		"branch", GitBranch,
		"buildTime", BuildTime,
	)

	chain := os.Getenv("CHAIN")
	if chain == "" {
		logger.Error("CHAIN environment variable is required")
		os.Exit(1)
	}
	slackToken := os.Getenv("SLACK_TOKEN")
	if slackToken == "" {
		logger.Error("SLACK_TOKEN environment variable is required")
		os.Exit(1)
	}
	queueURL := os.Getenv("NOTIFY_QUEUE_URL")
	if queueURL == "" {
		logger.Error("NOTIFY_QUEUE_URL environment variable is required")
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

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(awsRegion))
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	consumer, err := sqs.NewConsumer(awsCfg, sqs.Config{QueueURL: queueURL}, logger)
	if err != nil {
		logger.Error("failed to create SQS consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()
	logger.Info("SQS consumer created", "queueURL", queueURL)

	notifier, err := slack.NewNotifier(slack.Config{
		Token:   slackToken,
		Channel: env.Get("SLACK_CHANNEL", "#forest-snapshots"),
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to create Slack notifier", "error", err)
		os.Exit(1)
	}

	service, err := notify.NewService(notify.Config{
		Chain:     chain,
		BatchSize: env.Int("BATCH_SIZE", 0),
		Logger:    logger,
	}, consumer, notifier)
	if err != nil {
		logger.Error("failed to create notify service", "error", err)
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
		logger.Error("notify service failed", "error", err)
		os.Exit(1)
	}

	logger.Info("snapshot notifier stopped")
}
