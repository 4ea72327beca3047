package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/san-kum/cribwatch/server/models"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

type StatusSource interface {
	Snapshot() models.Status
}

type StatusPublisherConfig struct {
	// StatusTopic receives the full snapshot, retained so new subscribers get
	// the current state immediately.
	StatusTopic string
	// RiskTopic receives a small message whenever the vision risk changes.
	RiskTopic string
	Interval  time.Duration
}

type riskMessage struct {
	RiskLevel   models.RiskLevel `json:"risk_level"`
	Previous    models.RiskLevel `json:"previous"`
	Description string           `json:"description"`
	Timestamp   time.Time        `json:"timestamp"`
}

// StatusPublisher mirrors the shared state to the broker for home automation
// consumers.
type StatusPublisher struct {
	pub    Publisher
	source StatusSource
	config StatusPublisherConfig
	logger *zap.Logger

	lastRisk models.RiskLevel
}

func NewStatusPublisher(pub Publisher, source StatusSource, cfg StatusPublisherConfig, logger *zap.Logger) *StatusPublisher {
	if cfg.StatusTopic == "" {
		cfg.StatusTopic = "cribwatch/status"
	}
	if cfg.RiskTopic == "" {
		cfg.RiskTopic = "cribwatch/risk"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &StatusPublisher{pub: pub, source: source, config: cfg, logger: logger, lastRisk: models.RiskUnknown}
}

func (p *StatusPublisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		if err := p.PublishOnce(); err != nil {
			p.logger.Warn("Failed to publish status", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PublishOnce sends the current snapshot and, if the risk level moved since
// the last call, a risk change message.
func (p *StatusPublisher) PublishOnce() error {
	status := p.source.Snapshot()

	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := p.pub.Publish(p.config.StatusTopic, payload, true); err != nil {
		return err
	}

	if status.Vision.RiskLevel == p.lastRisk {
		return nil
	}
	msg, err := json.Marshal(riskMessage{
		RiskLevel:   status.Vision.RiskLevel,
		Previous:    p.lastRisk,
		Description: status.Vision.Description,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal risk change: %w", err)
	}
	if err := p.pub.Publish(p.config.RiskTopic, msg, false); err != nil {
		return err
	}
	p.lastRisk = status.Vision.RiskLevel
	return nil
}
