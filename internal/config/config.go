package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds settings for the pipeline worker and the command line tools
type Config struct {
	WorkerMode string
	LogLevel   string
	LogFile    string

	// VLM serving endpoint (OpenAI-compatible)
	VLMBaseURL   string
	VLMModel     string
	VLMTimeout   time.Duration
	VLMMaxTokens int
	VLMWorkers   int
	VLMRetries   int
	ModelDir     string // empty skips the model directory wait
	VLMWaitTries int
	VLMWaitDelay time.Duration
	VLMPrompt    string // frame prompt name, see prompts.Names

	// Object storage
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOSecure    bool
	Bucket         string
	PresignExpiry  time.Duration

	// Detection stream
	RabbitMQHost     string
	RabbitMQPort     int
	RabbitMQUser     string
	RabbitMQPassword string
	RabbitMQQueue    string

	InventoryFile      string
	ResultsFile        string
	MetadataDir        string
	VideoName          string
	CameraStream       string
	DetectionThreshold int
	BestFrameAlpha     float64
	BestFrameResize    float64
	RTSPStreamHost     string
	RTSPStreamPort     int

	RedisURL           string
	PostgresURL        string
	StatusAddr         string
	PipelineLoop       bool
	ArchiveResults     bool
	PersistConcurrency int
}

// DefaultVideoName is used when neither VIDEO_NAME nor a camera workload names a video
const DefaultVideoName = "three_lp_uses_cases_combined.mp4"

// Load reads .env (if present) and the process environment
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := &envReader{}
	lpIP := env.getEnv("LP_IP", "localhost")

	cfg := &Config{
		WorkerMode: env.getEnv("WORKER_MODE", "pipeline"),
		LogLevel:   env.getEnv("LOG_LEVEL", "info"),
		LogFile:    env.getEnv("LOG_FILE", ""),

		VLMBaseURL:   strings.TrimRight(env.getEnv("VLM_BASE_URL", "http://vlm-service:"+env.getEnv("LP_PORT", "8000")), "/"),
		VLMModel:     env.getEnv("VLM_MODEL_NAME", "Qwen/Qwen2.5-VL-7B-Instruct"),
		VLMTimeout:   env.getEnvDuration("VLM_TIMEOUT", 600*time.Second),
		VLMMaxTokens: env.getEnvInt("VLM_MAX_TOKENS", 200),
		VLMWorkers:   env.getEnvInt("VLM_WORKERS", 1),
		VLMRetries:   env.getEnvInt("VLM_RETRIES", 2),
		ModelDir:     env.getEnv("OV_MODEL_DIR", ""),
		VLMWaitTries: env.getEnvInt("VLM_WAIT_RETRIES", 30),
		VLMWaitDelay: env.getEnvDuration("VLM_WAIT_DELAY", 2*time.Second),
		VLMPrompt:    env.getEnv("VLM_PROMPT", "common"),

		MinIOEndpoint:  env.getEnv("MINIO_HOST", net.JoinHostPort(lpIP, env.getEnv("MINIO_API_HOST_PORT", "4000"))),
		MinIOAccessKey: env.getEnv("MINIO_ROOT_USER", "user"),
		MinIOSecretKey: env.getEnv("MINIO_ROOT_PASSWORD", "passwd"),
		MinIOSecure:    env.getEnvBool("MINIO_SECURE", false),
		Bucket:         env.getEnv("MINIO_BUCKET", "loss-prevention-enhanced-vlm-results"),
		PresignExpiry:  env.getEnvDuration("PRESIGN_EXPIRY", 15*time.Minute),

		RabbitMQHost:     env.getEnv("RABBITMQ_HOST", "localhost"),
		RabbitMQPort:     env.getEnvInt("RABBITMQ_PORT", 5672),
		RabbitMQUser:     env.getEnv("RABBITMQ_USER", "guest"),
		RabbitMQPassword: env.getEnv("RABBITMQ_PASSWORD", "guest"),
		RabbitMQQueue:    env.getEnv("RABBITMQ_QUEUE", "object_detection"),

		InventoryFile:      env.getEnv("INVENTORY_FILE", "/app/config/inventory.json"),
		ResultsFile:        env.getEnv("RESULTS_FILE", "/app/results/metadata/results.jsonl"),
		MetadataDir:        env.getEnv("METADATA_DIR", "/app/results/metadata"),
		VideoName:          env.getEnv("VIDEO_NAME", ""),
		CameraStream:       env.getEnv("CAMERA_STREAM", ""),
		DetectionThreshold: env.getEnvInt("DETECTION_THRESHOLD", 16),
		BestFrameAlpha:     env.getEnvFloat("BEST_FRAME_ALPHA", 0.5),
		BestFrameResize:    env.getEnvFloat("BEST_FRAME_RESIZE", 0.2),
		RTSPStreamHost:     env.getEnv("RTSP_STREAM_HOST", "rtsp-streamer"),
		RTSPStreamPort:     env.getEnvInt("RTSP_STREAM_PORT", 8554),

		RedisURL:           env.getEnv("REDIS_URL", ""),
		PostgresURL:        env.getEnv("POSTGRES_URL", ""),
		StatusAddr:         env.getEnv("STATUS_ADDR", ""),
		PipelineLoop:       env.getEnvBool("PIPELINE_LOOP", false),
		ArchiveResults:     env.getEnvBool("ARCHIVE_RESULTS", false),
		PersistConcurrency: env.getEnvInt("PERSIST_CONCURRENCY", 3),
	}

	if err := env.err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges that would otherwise fail deep inside the pipeline
func (c *Config) Validate() error {
	var errs []error
	if c.VLMWorkers < 1 {
		errs = append(errs, fmt.Errorf("VLM_WORKERS must be at least 1, got %d", c.VLMWorkers))
	}
	if c.PersistConcurrency < 1 {
		errs = append(errs, fmt.Errorf("PERSIST_CONCURRENCY must be at least 1, got %d", c.PersistConcurrency))
	}
	if c.DetectionThreshold < 1 {
		errs = append(errs, fmt.Errorf("DETECTION_THRESHOLD must be at least 1, got %d", c.DetectionThreshold))
	}
	if c.BestFrameAlpha < 0 || c.BestFrameAlpha > 1 {
		errs = append(errs, fmt.Errorf("BEST_FRAME_ALPHA must be within [0,1], got %g", c.BestFrameAlpha))
	}
	if c.BestFrameResize <= 0 || c.BestFrameResize > 1 {
		errs = append(errs, fmt.Errorf("BEST_FRAME_RESIZE must be within (0,1], got %g", c.BestFrameResize))
	}
	return errors.Join(errs...)
}

// VLMChatURL is the chat completions endpoint
func (c *Config) VLMChatURL() string {
	return c.VLMBaseURL + "/v1/chat/completions"
}

// VLMHealthURL is the readiness endpoint of the serving container
func (c *Config) VLMHealthURL() string {
	return c.VLMBaseURL + "/health"
}

// RabbitMQURL builds the AMQP connection URL
func (c *Config) RabbitMQURL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.RabbitMQUser, c.RabbitMQPassword),
		Host:   net.JoinHostPort(c.RabbitMQHost, strconv.Itoa(c.RabbitMQPort)),
		Path:   "/",
	}
	return u.String()
}

// envReader collects parse errors so that one bad variable does not hide the others
type envReader struct {
	errs []error
}

func (r *envReader) err() error {
	return errors.Join(r.errs...)
}

// getEnv gets environment variable with default
func (r *envReader) getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets integer environment variable with default
func (r *envReader) getEnvInt(key string, defaultValue int) int {
	value := r.getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid integer %q", key, value))
		return defaultValue
	}
	return n
}

// getEnvFloat gets float environment variable with default
func (r *envReader) getEnvFloat(key string, defaultValue float64) float64 {
	value := r.getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid number %q", key, value))
		return defaultValue
	}
	return f
}

// getEnvBool gets boolean environment variable with default
func (r *envReader) getEnvBool(key string, defaultValue bool) bool {
	value := r.getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	r.errs = append(r.errs, fmt.Errorf("%s: invalid boolean %q", key, value))
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("600")
func (r *envReader) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := r.getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid duration %q", key, value))
		return defaultValue
	}
	return d
}
