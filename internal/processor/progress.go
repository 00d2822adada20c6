package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lossprevention/lp-vlm/internal/models"
)

// Reporter receives every stage transition
type Reporter interface {
	Report(ctx context.Context, update models.ProgressUpdate) error
}

// Sink receives the finished run
type Sink interface {
	Persist(ctx context.Context, run *models.RunResult) error
}

// ConsoleProgress prints one line per stage transition
type ConsoleProgress struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsoleProgress writes stage lines to out
func NewConsoleProgress(out io.Writer) *ConsoleProgress {
	return &ConsoleProgress{out: out}
}

// Report implements Reporter
func (c *ConsoleProgress) Report(_ context.Context, u models.ProgressUpdate) error {
	line := models.StageStatus{Stage: u.Stage, State: u.State, Message: u.Message}.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, line)
	return err
}

// Redis keys used for progress and results
const (
	progressChannelPrefix = "lpvlm:progress:"
	latestStatusKey       = "lpvlm:status:latest"
	resultsStream         = "lpvlm:results"
)

// redisWriter is the part of *redis.Client the progress publisher needs
type redisWriter interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisProgress publishes progress over Redis pub/sub and keeps the latest
// update under a fixed key. Finished runs are appended to a capped stream.
type RedisProgress struct {
	client redisWriter
	closer io.Closer
	logger *zap.Logger
}

// NewRedisProgress connects to redisURL
func NewRedisProgress(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisProgress, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisProgress{client: client, closer: client, logger: logger.Named("progress")}, nil
}

// Report implements Reporter
func (rp *RedisProgress) Report(ctx context.Context, u models.ProgressUpdate) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	channel := progressChannelPrefix + u.RunID
	if err := rp.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}
	if err := rp.client.Set(ctx, latestStatusKey, payload, 0).Err(); err != nil {
		return fmt.Errorf("failed to store latest status: %w", err)
	}
	return nil
}

// Persist implements Sink
func (rp *RedisProgress) Persist(ctx context.Context, run *models.RunResult) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	_, err = rp.client.XAdd(ctx, &redis.XAddArgs{
		Stream: resultsStream,
		MaxLen: 1000,
		Approx: true,
		Values: map[string]interface{}{
			"runId":     run.RunID,
			"useCase":   run.UseCase,
			"succeeded": fmt.Sprintf("%t", run.Succeeded()),
			"result":    string(payload),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (rp *RedisProgress) Close() error {
	if rp.closer == nil {
		return nil
	}
	return rp.closer.Close()
}
