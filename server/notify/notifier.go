package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/san-kum/cribwatch/server/models"
	"go.uber.org/zap"
)

type Channel string

const (
	ChannelAlert  Channel = "alert"
	ChannelReport Channel = "report"
)

var ErrNotConfigured = errors.New("webhook not configured")

// Message is one outgoing notification. Image is an optional JPEG attached to
// the embed.
type Message struct {
	Channel     Channel
	Severity    models.Severity
	Title       string
	Description string
	Image       []byte
	ImageName   string
	Timestamp   time.Time
}

// AlertLog receives one entry per dispatched message, successful or not.
type AlertLog interface {
	AppendAlert(ctx context.Context, entry models.AlertLogEntry) error
}

type Config struct {
	AlertWebhookURL  string
	ReportWebhookURL string
	Username         string
	Timeout          time.Duration
	MaxAttempts      int
	RetryDelay       time.Duration
	MaxRetryDelay    time.Duration
}

// Notifier posts Discord-compatible webhook messages.
type Notifier struct {
	client *resty.Client
	config Config
	log    AlertLog
	logger *zap.Logger
}

var severityColors = map[models.Severity]int{
	models.SeverityInfo:    0x2ecc71,
	models.SeverityWarning: 0xf39c12,
	models.SeverityDanger:  0xe74c3c,
	models.SeverityReport:  0x3498db,
}

const defaultColor = 0x95a5a6

func NewNotifier(cfg Config, alertLog AlertLog, logger *zap.Logger) *Notifier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxAttempts - 1).
		SetRetryWaitTime(cfg.RetryDelay).
		SetRetryMaxWaitTime(cfg.MaxRetryDelay).
		SetRetryResetReaders(true).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil || resp == nil {
				return true
			}
			return retryable(resp.StatusCode())
		}).
		AddRetryHook(func(resp *resty.Response, err error) {
			fields := []zap.Field{zap.Error(err)}
			if resp != nil {
				fields = append(fields,
					zap.Int("attempt", resp.Request.Attempt),
					zap.Int("status", resp.StatusCode()))
			}
			logger.Warn("Retrying notification", fields...)
		}).
		SetLogger(logger.Sugar()).
		SetHeader("User-Agent", "cribwatch/1.0")

	return &Notifier{
		client: client,
		config: cfg,
		log:    alertLog,
		logger: logger,
	}
}

func (n *Notifier) Send(ctx context.Context, msg Message) bool {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	attempts, err := n.deliver(ctx, msg)

	entry := models.AlertLogEntry{
		ID:          uuid.NewString(),
		Timestamp:   msg.Timestamp,
		Channel:     string(msg.Channel),
		Severity:    msg.Severity,
		Title:       msg.Title,
		Description: msg.Description,
		HasImage:    len(msg.Image) > 0,
		Success:     err == nil,
		Attempts:    attempts,
	}
	if err != nil {
		entry.Error = err.Error()
		n.logger.Error("Failed to send notification",
			zap.String("channel", string(msg.Channel)),
			zap.String("title", msg.Title),
			zap.Int("attempts", attempts),
			zap.Error(err))
	} else {
		n.logger.Info("Notification sent",
			zap.String("channel", string(msg.Channel)),
			zap.String("title", msg.Title),
			zap.Int("attempts", attempts))
	}

	if n.log != nil {
		// The delivery context may already be cancelled during shutdown.
		logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if lerr := n.log.AppendAlert(logCtx, entry); lerr != nil {
			n.logger.Warn("Failed to persist alert log entry", zap.Error(lerr))
		}
	}

	return err == nil
}

func (n *Notifier) deliver(ctx context.Context, msg Message) (int, error) {
	url := n.urlFor(msg.Channel)
	if url == "" {
		return 0, fmt.Errorf("%s channel: %w", msg.Channel, ErrNotConfigured)
	}

	payload, err := n.buildPayload(msg)
	if err != nil {
		return 0, err
	}

	req := n.client.R().SetContext(ctx)
	if len(msg.Image) > 0 {
		req.SetMultipartFormData(map[string]string{"payload_json": string(payload)}).
			SetFileReader("files[0]", imageName(msg), bytes.NewReader(msg.Image))
	} else {
		req.SetHeader("Content-Type", "application/json").SetBody(payload)
	}

	// Retries and backoff happen inside resty; Attempt counts every try.
	resp, err := req.Post(url)
	attempts := req.Attempt
	if err != nil {
		return attempts, fmt.Errorf("notification failed after %d attempts: %w", attempts, err)
	}
	if resp.StatusCode() >= 300 {
		return attempts, fmt.Errorf("notification failed after %d attempts: webhook error (status %d): %s",
			attempts, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return attempts, nil
}

func (n *Notifier) urlFor(ch Channel) string {
	switch ch {
	case ChannelAlert:
		return n.config.AlertWebhookURL
	case ChannelReport:
		return n.config.ReportWebhookURL
	}
	return ""
}

// retryable reports whether a response status is worth another attempt.
// Status 0 means the request never got a response.
func retryable(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedImage struct {
	URL string `json:"url"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Timestamp   string       `json:"timestamp"`
	Fields      []embedField `json:"fields,omitempty"`
	Image       *embedImage  `json:"image,omitempty"`
}

type webhookPayload struct {
	Username string  `json:"username,omitempty"`
	Embeds   []embed `json:"embeds"`
}

func (n *Notifier) buildPayload(msg Message) ([]byte, error) {
	color, ok := severityColors[msg.Severity]
	if !ok {
		color = defaultColor
	}

	e := embed{
		Title:       msg.Title,
		Description: msg.Description,
		Color:       color,
		Timestamp:   msg.Timestamp.UTC().Format(time.RFC3339),
	}
	if msg.Channel == ChannelAlert {
		e.Fields = []embedField{{Name: "Risk Level", Value: strings.ToUpper(string(msg.Severity)), Inline: true}}
	}
	if len(msg.Image) > 0 {
		e.Image = &embedImage{URL: "attachment://" + imageName(msg)}
	}

	data, err := json.Marshal(webhookPayload{Username: n.config.Username, Embeds: []embed{e}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	return data, nil
}

func imageName(msg Message) string {
	if msg.ImageName != "" {
		return msg.ImageName
	}
	if msg.Channel == ChannelReport {
		return "status.jpg"
	}
	return "capture.jpg"
}
