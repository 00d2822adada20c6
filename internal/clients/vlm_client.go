package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lossprevention/lp-vlm/internal/models"
	"github.com/lossprevention/lp-vlm/internal/prompts"
)

var (
	// ErrEmptyPayload is returned when a frame request has no image URL
	ErrEmptyPayload = errors.New("failed to build VLM payload")
	// ErrNoJSON is returned when the model answer contains no JSON array
	ErrNoJSON = errors.New("JSON not found in content")
	// ErrNoContent is returned when the response has no message content
	ErrNoContent = errors.New("no content in VLM response")
)

// VLMConfig configures the chat completions client
type VLMConfig struct {
	BaseURL     string
	Model       string
	MaxTokens   int
	Timeout     time.Duration
	RetryCount  int
	FramePrompt string // prompt for frame requests, defaults to prompts.Common
}

// VLMClient talks to an OpenAI-compatible vision-language model server
type VLMClient struct {
	baseURL     string
	model       string
	maxTokens   int
	framePrompt string
	httpClient  *http.Client
	retryCount  int
	backoff     func(attempt int) time.Duration
	logger      *zap.Logger
}

// NewVLMClient creates a new VLM client
func NewVLMClient(cfg VLMConfig, logger *zap.Logger) *VLMClient {
	framePrompt := cfg.FramePrompt
	if framePrompt == "" {
		framePrompt = prompts.Common
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 200
	}
	return &VLMClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		framePrompt: framePrompt,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retryCount: cfg.RetryCount,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		},
		logger: logger.Named("vlm"),
	}
}

// ChatPayload is the chat completions request body
type ChatPayload struct {
	Model               string        `json:"model"`
	Messages            []ChatMessage `json:"messages"`
	MaxCompletionTokens int           `json:"max_completion_tokens"`
	Temperature         float64       `json:"temperature"`
	TopP                float64       `json:"top_p"`
	FrequencyPenalty    float64       `json:"frequency_penalty"`
	DoSample            bool          `json:"do_sample"`
}

// ChatMessage is one message of the conversation
type ChatMessage struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is a text or image_url fragment of a message
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references the frame the model should look at
type ImageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// BuildFramePayload builds the request describing the items visible in one frame
func (c *VLMClient) BuildFramePayload(presignedURL string) (*ChatPayload, error) {
	if strings.TrimSpace(presignedURL) == "" {
		return nil, ErrEmptyPayload
	}
	return c.newPayload([]ContentPart{
		{Type: "text", Text: c.framePrompt},
		{Type: "image_url", ImageURL: &ImageURL{URL: presignedURL}},
	}), nil
}

// BuildAgentPayload builds the text-only validation request for record
func (c *VLMClient) BuildAgentPayload(record any) (*ChatPayload, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent input: %w", err)
	}
	return c.newPayload([]ContentPart{
		{Type: "text", Text: prompts.Agent + "\nInput " + string(data)},
	}), nil
}

func (c *VLMClient) newPayload(content []ContentPart) *ChatPayload {
	return &ChatPayload{
		Model:               c.model,
		Messages:            []ChatMessage{{Role: "user", Content: content}},
		MaxCompletionTokens: c.maxTokens,
		Temperature:         0,
		TopP:                1,
		FrequencyPenalty:    1,
		DoSample:            false,
	}
}

// DescribeFrame asks the model which items are visible at presignedURL
func (c *VLMClient) DescribeFrame(ctx context.Context, presignedURL string) ([]models.ItemResult, error) {
	payload, err := c.BuildFramePayload(presignedURL)
	if err != nil {
		return nil, err
	}
	return c.complete(ctx, payload)
}

// ValidateItems asks the decision agent whether the item names belong to the store
func (c *VLMClient) ValidateItems(ctx context.Context, names []string) ([]models.ItemResult, error) {
	payload, err := c.BuildAgentPayload(map[string]any{
		"items":    names,
		"use_case": prompts.DecisionAgent,
	})
	if err != nil {
		return nil, err
	}
	return c.complete(ctx, payload)
}

func (c *VLMClient) complete(ctx context.Context, payload *ChatPayload) ([]models.ItemResult, error) {
	start := time.Now()
	body, err := c.makeRequest(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", payload)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("VLM call finished", zap.Duration("elapsed", time.Since(start)), zap.Int("bytes", len(body)))

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("invalid VLM response: %s", truncate(string(body), 200))
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoContent, truncate(string(body), 200))
	}
	return ParseItems(resp.Choices[0].Message.Content)
}

// ParseItems decodes the JSON array embedded in a model answer
func ParseItems(content string) ([]models.ItemResult, error) {
	raw, ok := ExtractJSONArray(content)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoJSON, truncate(content, 200))
	}
	var items []models.ItemResult
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w; content: %s", err, truncate(content, 200))
	}
	return items, nil
}

// ExtractJSONArray returns the text between the first '[' and the last ']'
func ExtractJSONArray(content string) (string, bool) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start == -1 || end <= start {
		return "", false
	}
	return content[start : end+1], true
}

// statusError is a non-200 answer from the server
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("VLM call failed: %d %s", e.code, truncate(e.body, 500))
}

// makeRequest is a generic HTTP request helper with retry logic
func (c *VLMClient) makeRequest(ctx context.Context, method, url string, payload interface{}) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
			c.logger.Warn("retrying VLM request", zap.Int("attempt", attempt), zap.Error(lastErr))
		}

		body, err := c.doRequest(ctx, method, url, payload)
		if err == nil {
			return body, nil
		}

		lastErr = err

		if !c.isRetryable(ctx, err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.retryCount+1, lastErr)
}

// doRequest performs a single HTTP request
func (c *VLMClient) doRequest(ctx context.Context, method, url string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", fmt.Sprintf("lp-vlm-%d", time.Now().UnixNano()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exception calling VLM: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: string(respBody)}
	}

	return respBody, nil
}

// isRetryable retries network failures, rate limits and server errors
func (c *VLMClient) isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}

	var ne net.Error
	return errors.As(err, &ne)
}

// HealthCheck checks if the VLM server is ready to serve
func (c *VLMClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("VLM service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// WaitReady polls HealthCheck up to attempts times, delay apart
func (c *VLMClient) WaitReady(ctx context.Context, attempts int, delay time.Duration) error {
	var err error
	for i := 1; i <= attempts; i++ {
		if err = c.HealthCheck(ctx); err == nil {
			c.logger.Info("VLM service is ready", zap.Int("attempt", i))
			return nil
		}
		c.logger.Info("waiting for VLM service", zap.Int("attempt", i), zap.Int("of", attempts), zap.Error(err))
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("VLM service not ready after %d attempts: %w", attempts, err)
}

// WaitForModelDir blocks until dir exists and holds at least one entry
func WaitForModelDir(ctx context.Context, dir string, poll time.Duration, logger *zap.Logger) error {
	for {
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) > 0 {
			logger.Info("model directory ready", zap.String("dir", dir), zap.Int("files", len(entries)))
			return nil
		}
		logger.Info("waiting for model directory", zap.String("dir", dir))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
