// ============================================================================
// Crawlqueue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   crawlqueue                     # Root command
//   ├── run                        # Start the control plane
//   │   └── --config, -c          # Specify config file
//   ├── submit                     # Submit a crawling job over REST
//   │   ├── --addr                # Server address
//   │   └── --user                # Optional submitting user
//   ├── status                     # Query one job's status over REST
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// run Command:
//   Starts the complete control plane, including:
//   1. Load config file
//   2. Open the durable store (Postgres) and the Redis-backed caches
//   3. Start the dispatcher loops and the work-queue consumer
//   4. Start the REST server and the Metrics HTTP server (if enabled)
//   5. Listen for system signals (SIGINT, SIGTERM)
//   6. Gracefully shutdown the system
//
//   Examples:
//     ./crawlqueue run
//     ./crawlqueue run -c custom-config.yaml
//
// submit Command:
//   Posts a URL batch to a running server:
//     ./crawlqueue submit --addr http://localhost:8080 https://a.com https://b.com
//
// status Command:
//   Prints the reconciled status of one job:
//     ./crawlqueue status --addr http://localhost:8080 <jobId>
//
// Graceful shutdown flow:
//   1. Stop accepting new HTTP requests
//   2. Stop the work-queue consumer (uncommitted records are redelivered)
//   3. Stop the dispatcher and wait for running crawls to finish their
//      terminal writes and resource releases
//   4. Close all clients
//
// ============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ChuLiYu/crawlqueue/internal/config"
	"github.com/ChuLiYu/crawlqueue/internal/crawler"
	"github.com/ChuLiYu/crawlqueue/internal/dispatcher"
	"github.com/ChuLiYu/crawlqueue/internal/estimator"
	"github.com/ChuLiYu/crawlqueue/internal/ledger"
	"github.com/ChuLiYu/crawlqueue/internal/livecache"
	"github.com/ChuLiYu/crawlqueue/internal/metrics"
	"github.com/ChuLiYu/crawlqueue/internal/queue"
	"github.com/ChuLiYu/crawlqueue/internal/scheduler"
	"github.com/ChuLiYu/crawlqueue/internal/server"
	"github.com/ChuLiYu/crawlqueue/internal/service"
	"github.com/ChuLiYu/crawlqueue/internal/store"
)

var log = slog.Default()

var configFile string

// BuildCLI assembles the root command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "crawlqueue",
		Short: "Crawlqueue: control plane for a distributed web-crawling service",
		Long: `Crawlqueue is the control plane of a distributed crawling service:
- durable job intake with exactly-once enqueue per job
- live/terminal status reconciliation
- per-user sliding-window quotas
- priority dispatch blending resource cost and age`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the crawlqueue control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem()
		},
	}
}

// loadConfig reads the config file, falling back to documented defaults when
// the default path does not exist.
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Warn("Config file not found, using defaults", "path", configFile)
		return config.Default(), nil
	}
	return config.Load(configFile)
}

func runSystem() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Info("Starting crawlqueue",
		"restPort", cfg.Server.Port,
		"instances", cfg.Worker.TotalInstances,
		"totalThreads", cfg.TotalThreads())

	// 1. Durable job store
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	jobStore, err := store.New(db)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}

	// 2. Redis-backed live cache and resource ledger
	redisClient := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	liveCache := livecache.New(redisClient)
	resourceLedger := ledger.New(redisClient,
		ledger.Capacity{
			TotalInstances: cfg.Worker.TotalInstances,
			TotalThreads:   cfg.TotalThreads(),
		},
		ledger.Limits{
			Window:              cfg.Window(),
			MaxThreadsPerWindow: cfg.UserLimits.MaxThreadsPerWindow,
			MaxJobsPerWindow:    cfg.UserLimits.MaxJobsPerWindow,
		}, nil)

	// 3. Scheduling pipeline
	collector := metrics.NewCollector(nil)
	est := estimator.New(jobStore, nil)
	sched := scheduler.New(resourceLedger, resourceLedger, nil)
	runner := crawler.New(nil)

	disp := dispatcher.New(sched, est, jobStore, liveCache, resourceLedger, runner,
		collector, dispatcher.Config{
			DispatchInterval: cfg.DispatchInterval(),
			StatsInterval:    cfg.StatsInterval(),
		})

	// 4. Work-queue transport
	publisher, err := queue.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, nil)
	if err != nil {
		return fmt.Errorf("failed to create kafka publisher: %w", err)
	}
	defer publisher.Close()

	consumer, err := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, disp, nil)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	defer consumer.Close()

	// 5. REST surface
	jobs := service.NewJobs(jobStore, liveCache, publisher, nil)
	restServer := server.NewServer(jobs, collector, cfg.Server.Port, nil)

	// Start everything
	if cfg.Metrics.Enabled {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	disp.Start()

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumer.Run(consumerCtx)
	}()

	go func() {
		if err := restServer.Start(); err != nil {
			log.Error("REST server error", "error", err)
		}
	}()

	log.Info("System started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Received shutdown signal, stopping gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := restServer.Shutdown(shutdownCtx); err != nil {
		log.Error("REST server shutdown error", "error", err)
	}

	stopConsumer()
	<-consumerDone

	disp.Stop()

	log.Info("System stopped. Goodbye!")
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var addr string
	var user string

	cmd := &cobra.Command{
		Use:   "submit [urls...]",
		Short: "Submit a crawling job to a running server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitJob(addr, user, args)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "server base address")
	cmd.Flags().StringVar(&user, "user", "", "submitting user id")

	return cmd
}

func submitJob(addr, user string, urls []string) error {
	body, err := json.Marshal(map[string]any{"urls": urls, "userId": user})
	if err != nil {
		return err
	}

	resp, err := http.Post(addr+"/api/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("submission rejected (%d): %s", resp.StatusCode, payload)
	}

	fmt.Printf("%s\n", payload)
	return nil
}

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status <jobId>",
		Short: "Query one job's reconciled status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return queryStatus(addr, args[0])
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "server base address")

	return cmd
}

func queryStatus(addr, jobID string) error {
	resp, err := http.Get(fmt.Sprintf("%s/api/v1/jobs/%s/status", addr, jobID))
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status query failed (%d): %s", resp.StatusCode, payload)
	}

	fmt.Printf("%s\n", payload)
	return nil
}
