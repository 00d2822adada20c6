package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lossprevention/lp-vlm/internal/api"
	"github.com/lossprevention/lp-vlm/internal/bestframe"
	"github.com/lossprevention/lp-vlm/internal/clients"
	"github.com/lossprevention/lp-vlm/internal/config"
	"github.com/lossprevention/lp-vlm/internal/inventory"
	"github.com/lossprevention/lp-vlm/internal/logging"
	"github.com/lossprevention/lp-vlm/internal/models"
	"github.com/lossprevention/lp-vlm/internal/processor"
	"github.com/lossprevention/lp-vlm/internal/prompts"
	"github.com/lossprevention/lp-vlm/internal/queue"
	"github.com/lossprevention/lp-vlm/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Check mode: "pipeline" or "persister"
	switch cfg.WorkerMode {
	case "pipeline":
		err = runPipelineMode(cfg, logger)
	case "persister":
		err = runPersisterMode(cfg, logger)
	default:
		err = fmt.Errorf("unknown WORKER_MODE %q", cfg.WorkerMode)
	}
	if err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// runPipelineMode consumes detections and runs the loss prevention pipeline
func runPipelineMode(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("LP-VLM pipeline worker starting...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Model files, when the VLM container shares them with us
	if cfg.ModelDir != "" {
		if err := clients.WaitForModelDir(ctx, cfg.ModelDir, 5*time.Second, logger); err != nil {
			return fmt.Errorf("model directory never became ready: %w", err)
		}
		logger.Info("✓ Model directory ready", zap.String("dir", cfg.ModelDir))
	}

	// 2. VLM client (health is best effort, the server may still be loading)
	framePrompt, err := prompts.Frame(cfg.VLMPrompt)
	if err != nil {
		return err
	}
	vlm := clients.NewVLMClient(clients.VLMConfig{
		BaseURL:     cfg.VLMBaseURL,
		Model:       cfg.VLMModel,
		MaxTokens:   cfg.VLMMaxTokens,
		Timeout:     cfg.VLMTimeout,
		RetryCount:  cfg.VLMRetries,
		FramePrompt: framePrompt,
	}, logger)
	if err := vlm.WaitReady(ctx, cfg.VLMWaitTries, cfg.VLMWaitDelay); err != nil {
		logger.Warn("VLM service not ready, continuing anyway", zap.Error(err))
	} else {
		logger.Info("✓ VLM service ready", zap.String("model", cfg.VLMModel))
	}

	// 3. Object storage
	store, err := storage.NewObjectStore(storage.ObjectStoreConfig{
		Endpoint:      cfg.MinIOEndpoint,
		AccessKey:     cfg.MinIOAccessKey,
		SecretKey:     cfg.MinIOSecretKey,
		Secure:        cfg.MinIOSecure,
		DefaultBucket: cfg.Bucket,
		PresignExpiry: cfg.PresignExpiry,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}
	logger.Info("✓ Object storage initialized", zap.String("endpoint", cfg.MinIOEndpoint))

	// 4. Inventory, reloaded when the file changes
	inv, err := inventory.Load(cfg.InventoryFile)
	if err != nil {
		return err
	}
	watcher, err := inventory.NewWatcher(cfg.InventoryFile, inv, logger)
	if err != nil {
		return err
	}
	defer watcher.Stop()
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("inventory hot reload disabled", zap.Error(err))
	}
	logger.Info("✓ Inventory loaded", zap.Int("items", inv.Len()))

	// 5. Detection queue
	conn, err := queue.Dial(ctx, cfg.RabbitMQURL(), logger)
	if err != nil {
		return err
	}
	defer conn.Close()
	consumer, err := queue.NewConsumer(conn, cfg.RabbitMQQueue, 0, logger)
	if err != nil {
		return err
	}
	defer consumer.Close()
	logger.Info("✓ RabbitMQ consumer initialized", zap.String("queue", cfg.RabbitMQQueue))

	// 6. Progress reporters and run sinks
	reporters := []processor.Reporter{processor.NewConsoleProgress(os.Stdout)}
	var sinks []processor.Sink
	if cfg.RedisURL != "" {
		progress, err := processor.NewRedisProgress(ctx, cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		defer progress.Close()
		reporters = append(reporters, progress)
		sinks = append(sinks, progress)
		logger.Info("✓ Redis progress publisher connected")

		tasks, err := queue.NewTaskClient(cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		defer tasks.Close()
		sinks = append(sinks, tasks)
		logger.Info("✓ Run persistence queue initialized")
	}
	if cfg.ArchiveResults {
		sinks = append(sinks, archiveSink{store: store, logger: logger})
		logger.Info("✓ Run archive enabled", zap.String("bucket", store.DefaultBucket()))
	}

	// 7. Pipeline
	pipeline := processor.NewPipeline(processor.Deps{
		Selector:  bestframe.NewSelector(store, bestframe.NewScorer(cfg.BestFrameResize), cfg.BestFrameAlpha, logger),
		Signer:    store,
		VLM:       vlm,
		Inventory: inv,
		Results:   storage.NewResultsLog(cfg.ResultsFile),
		Progress:  reporters,
		Sinks:     sinks,
	}, processor.Options{Workers: cfg.VLMWorkers}, logger)
	watcher.OnReload(pipeline.InventoryReloaded)
	logger.Info("✓ Pipeline initialized", zap.Int("vlm_workers", cfg.VLMWorkers))

	// 8. Status server
	if cfg.StatusAddr != "" {
		var runs api.RunReader
		if cfg.PostgresURL != "" {
			rs, err := storage.NewRunStore(ctx, cfg.PostgresURL, logger)
			if err != nil {
				logger.Warn("run history disabled", zap.Error(err))
			} else {
				defer rs.Close()
				runs = rs
			}
		}
		srv := api.NewServer(pipeline, runs, logger)
		go func() {
			if err := srv.ListenAndServe(cfg.StatusAddr); err != nil {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		logger.Info("✓ Status server started", zap.String("addr", cfg.StatusAddr))
	}

	detections, err := consumer.Start(ctx)
	if err != nil {
		return err
	}

	videoName := cfg.VideoName
	if videoName == "" {
		videoName = config.DefaultVideoName
	}

	logger.Info("✓ LP-VLM worker ready - waiting for detections...",
		zap.String("video", videoName),
		zap.Bool("loop", cfg.PipelineLoop))

	fmt.Fprint(os.Stdout, "\n================ START OF PIPELINE RUN =================\n\n")
	for {
		run, err := pipeline.Run(ctx, videoName, detections)
		if errors.Is(err, context.Canceled) {
			logger.Info("Shutdown signal received, stopping gracefully...")
			return nil
		}
		if errors.Is(err, processor.ErrStreamClosed) {
			printSummary(os.Stdout, run)
			return fmt.Errorf("lost the %s queue: %w", cfg.RabbitMQQueue, err)
		}
		if err != nil {
			return err
		}
		printSummary(os.Stdout, run)

		if !cfg.PipelineLoop {
			break
		}
	}

	logger.Info("=== END OF PIPELINE RUN ===")
	return nil
}

// runPersisterMode writes runs queued by pipeline workers to Postgres
func runPersisterMode(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("LP-VLM persister starting...")
	if cfg.RedisURL == "" || cfg.PostgresURL == "" {
		return errors.New("persister mode needs REDIS_URL and POSTGRES_URL")
	}

	ctx := context.Background()
	runStore, err := storage.NewRunStore(ctx, cfg.PostgresURL, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer runStore.Close()
	logger.Info("✓ Run store initialized (PostgreSQL)")

	server, err := queue.NewTaskServer(queue.TaskServerConfig{
		RedisURL:    cfg.RedisURL,
		Concurrency: cfg.PersistConcurrency,
		Saver:       runStore,
	}, logger)
	if err != nil {
		return err
	}
	logger.Info("✓ Persister ready - waiting for runs...", zap.Int("concurrency", cfg.PersistConcurrency))

	// asynq handles SIGINT and SIGTERM itself
	return server.Run()
}

// archiveSink stores the finished run as JSON in the default bucket
type archiveSink struct {
	store  *storage.ObjectStore
	logger *zap.Logger
}

func (a archiveSink) Persist(ctx context.Context, run *models.RunResult) error {
	path, err := a.store.ArchiveRun(ctx, run)
	if err != nil {
		return err
	}
	a.logger.Info("run archived", zap.String("object", path))
	return nil
}

func printSummary(w io.Writer, run *models.RunResult) {
	fmt.Fprintf(w, "\n%s\nFinal Pipeline Results:\n%s\n", line, line)
	if !run.Succeeded() {
		fmt.Fprint(w, "❌ Pipeline execution failed or incomplete\n\n")
		fmt.Fprintf(w, "OD Status: %s\n", run.OD)
		fmt.Fprintf(w, "VLM Status: %s\n", run.VLM)
		fmt.Fprintf(w, "Agent Status: %s\n", run.Agent)
		return
	}
	fmt.Fprint(w, "✅ Pipeline executed successfully!\n\n")
	fmt.Fprintf(w, "OD Status: %s\n", run.OD)
	fmt.Fprintf(w, "OD Results: %s\n", indent(run.ODResults))
	fmt.Fprintf(w, "\nVLM Status: %s\n", run.VLM)
	fmt.Fprintf(w, "VLM Results: %s\n", indent(run.VLMResults))
	fmt.Fprintf(w, "\nAgent Status: %s\n", run.Agent)
	fmt.Fprintf(w, "Agent Results: %s\n", indent(run.AgentResults))
}

const line = "============================================================"

func indent(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
