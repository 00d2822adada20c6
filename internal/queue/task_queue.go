package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/lossprevention/lp-vlm/internal/models"
)

// Task types and queues served by the persister worker
const (
	TypePersistRun = "lpvlm:persist_run"

	QueueCritical = "lpvlm:critical"
	QueueDefault  = "lpvlm:default"
	QueueLow      = "lpvlm:low"
)

// RunSaver stores finished runs
type RunSaver interface {
	SaveRun(ctx context.Context, run *models.RunResult) error
}

// TaskClient enqueues background work on Redis
type TaskClient struct {
	client *asynq.Client
	logger *zap.Logger
}

// NewTaskClient creates a client for redisURL (redis://host:port/db)
func NewTaskClient(redisURL string, logger *zap.Logger) (*TaskClient, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &TaskClient{client: asynq.NewClient(redisOpt), logger: logger.Named("tasks")}, nil
}

// NewPersistTask builds the task that stores run; the run ID doubles as task ID
func NewPersistTask(run *models.RunResult) (*asynq.Task, error) {
	payload, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run: %w", err)
	}
	return asynq.NewTask(TypePersistRun, payload,
		asynq.Queue(QueueDefault),
		asynq.TaskID(run.RunID),
		asynq.MaxRetry(3),
	), nil
}

// Persist enqueues run for storage. A run that is already queued is not an error.
func (c *TaskClient) Persist(ctx context.Context, run *models.RunResult) error {
	task, err := NewPersistTask(run)
	if err != nil {
		return err
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		c.logger.Debug("run already queued", zap.String("run_id", run.RunID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue run %s: %w", run.RunID, err)
	}
	c.logger.Info("run queued for storage", zap.String("run_id", run.RunID), zap.String("queue", info.Queue))
	return nil
}

// Close releases the Redis connection
func (c *TaskClient) Close() error {
	return c.client.Close()
}

// TaskServer consumes persist tasks and hands them to a RunSaver
type TaskServer struct {
	server *asynq.Server
	saver  RunSaver
	logger *zap.Logger
}

// TaskServerConfig holds server configuration
type TaskServerConfig struct {
	RedisURL    string
	Concurrency int
	Saver       RunSaver
}

// NewTaskServer creates the persister worker
func NewTaskServer(cfg TaskServerConfig, logger *zap.Logger) (*TaskServer, error) {
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	logger = logger.Named("persister")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				QueueCritical: 6,
				QueueDefault:  3,
				QueueLow:      1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("task failed", zap.String("type", task.Type()), zap.Error(err))
			}),
		},
	)

	return &TaskServer{server: server, saver: cfg.Saver, logger: logger}, nil
}

// retryDelay backs off exponentially: 1min, 2min, 4min
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return time.Duration(1<<uint(n)) * time.Minute
}

// Mux routes task types to their handlers
func (ts *TaskServer) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypePersistRun, ts.handlePersistRun)
	return mux
}

// Run serves tasks until the process receives a termination signal
func (ts *TaskServer) Run() error {
	ts.logger.Info("starting persister worker")
	if err := ts.server.Run(ts.Mux()); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	return nil
}

// Stop stops the server gracefully
func (ts *TaskServer) Stop() {
	ts.logger.Info("shutting down persister worker")
	ts.server.Shutdown()
}

func (ts *TaskServer) handlePersistRun(ctx context.Context, task *asynq.Task) error {
	var run models.RunResult
	if err := json.Unmarshal(task.Payload(), &run); err != nil {
		return fmt.Errorf("failed to unmarshal run payload: %v: %w", err, asynq.SkipRetry)
	}
	if run.RunID == "" {
		return fmt.Errorf("run payload without run_id: %w", asynq.SkipRetry)
	}

	if err := ts.saver.SaveRun(ctx, &run); err != nil {
		ts.logger.Warn("failed to store run", zap.String("run_id", run.RunID), zap.Error(err))
		return err
	}
	ts.logger.Info("run stored", zap.String("run_id", run.RunID), zap.Bool("succeeded", run.Succeeded()))
	return nil
}
