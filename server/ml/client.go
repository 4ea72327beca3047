package ml

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/san-kum/cribwatch/server/models"
	"go.uber.org/zap"
)

// Client calls an Ollama-compatible /api/chat endpoint with an image and a
// prompt, and validates the structured reply into a VisionJudgment.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
	config     *ClientConfig

	mutex   sync.RWMutex
	healthy bool
}

type ClientConfig struct {
	Model               string
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
}

type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   map[string]any `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Model   string      `json:"model"`
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}

// judgmentSchema is sent as the response format so the model emits JSON that
// matches what parseJudgment accepts.
var judgmentSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"position":          map[string]any{"type": "string", "enum": []string{"supine", "prone", "side", "sitting", "unknown"}},
		"in_crib":           map[string]any{"type": "boolean"},
		"face_covered":      map[string]any{"type": "boolean"},
		"blanket_near_face": map[string]any{"type": "boolean"},
		"loose_objects":     map[string]any{"type": "boolean"},
		"eyes_open":         map[string]any{"type": "boolean"},
		"baby_visible":      map[string]any{"type": "boolean"},
		"risk_level":        map[string]any{"type": "string", "enum": []string{"safe", "warning", "danger"}},
		"description":       map[string]any{"type": "string"},
	},
	"required": []string{"face_covered", "position", "in_crib", "risk_level", "description"},
}

func NewClient(baseURL string, cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("vision model base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}

	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   cfg.Model,
		logger:  logger,
		config:  &cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}

	return client, nil
}

// Analyze sends one JPEG frame to the model. ctx bounds the whole call,
// retries included; the configured timeout bounds each attempt.
func (c *Client) Analyze(ctx context.Context, image []byte, prompt string) (models.VisionJudgment, error) {
	request := &chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role:    "user",
			Content: prompt,
			Images:  []string{base64.StdEncoding.EncodeToString(image)},
		}},
		Stream: false,
		Format: judgmentSchema,
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying vision analysis request",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return models.VisionJudgment{}, classifyContextErr(ctx.Err())
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
		}

		judgment, err := c.executeChatRequest(ctx, request)
		if err == nil {
			return judgment, nil
		}
		lastErr = err

		// Only transport failures are worth repeating. A bad answer or a
		// timeout would just cost another full inference.
		var ae *AnalysisError
		if !errors.As(err, &ae) || ae.Kind != KindTransport || ctx.Err() != nil {
			break
		}
	}

	return models.VisionJudgment{}, lastErr
}

func (c *Client) executeChatRequest(ctx context.Context, request *chatRequest) (models.VisionJudgment, error) {
	requestData, err := json.Marshal(request)
	if err != nil {
		return models.VisionJudgment{}, newError(KindTransport, "failed to marshal request", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/chat", c.baseURL)
	httpRequest, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(requestData))
	if err != nil {
		return models.VisionJudgment{}, newError(KindTransport, "failed to create request", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", "cribwatch/1.0")

	start := time.Now()
	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if attemptCtx.Err() != nil {
			return models.VisionJudgment{}, classifyContextErr(attemptCtx.Err())
		}
		return models.VisionJudgment{}, newError(KindTransport, "HTTP request failed", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return models.VisionJudgment{}, newError(KindTransport,
			fmt.Sprintf("vision model error (status %d): %s", response.StatusCode, strings.TrimSpace(string(bodyBytes))), nil)
	}

	var chat chatResponse
	if err := json.NewDecoder(response.Body).Decode(&chat); err != nil {
		if attemptCtx.Err() != nil {
			return models.VisionJudgment{}, classifyContextErr(attemptCtx.Err())
		}
		return models.VisionJudgment{}, newError(KindMalformed, "failed to decode chat response", err)
	}
	if chat.Error != "" {
		return models.VisionJudgment{}, newError(KindTransport, "vision model error: "+chat.Error, nil)
	}

	judgment, err := parseJudgment(chat.Message.Content)
	if err != nil {
		return models.VisionJudgment{}, err
	}
	judgment.Timestamp = time.Now()

	c.logger.Debug("Vision analysis completed",
		zap.String("risk_level", string(judgment.RiskLevel)),
		zap.String("position", string(judgment.Position)),
		zap.Duration("latency", time.Since(start)))

	return judgment, nil
}

// HealthCheck asks the model server for its installed models.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	response, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("vision model unhealthy (status %d)", response.StatusCode)
	}
	return nil
}

// StartHealthChecker logs model availability until ctx is cancelled.
func (c *Client) StartHealthChecker(ctx context.Context) {
	err := c.HealthCheck(ctx)
	c.setHealthy(err == nil)
	if err != nil {
		c.logger.Warn("Vision model not available at startup", zap.Error(err))
	}

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.HealthCheck(ctx)
			c.setHealthy(err == nil)
			if err != nil {
				c.logger.Error("Vision model health check failed", zap.Error(err))
			} else {
				c.logger.Debug("Vision model health check passed")
			}
		}
	}
}

func (c *Client) setHealthy(healthy bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.healthy = healthy
}

func (c *Client) Healthy() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.healthy
}

func (c *Client) Model() string {
	return c.model
}
