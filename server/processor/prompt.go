package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/san-kum/cribwatch/server/cache"
	"github.com/san-kum/cribwatch/server/models"
	"github.com/san-kum/cribwatch/server/store"
	"go.uber.org/zap"
)

const (
	PromptConfigKey = "vlm_prompt"
	MaxPromptLength = 8000
)

var (
	ErrEmptyPrompt   = errors.New("prompt must not be empty")
	ErrPromptTooLong = fmt.Errorf("prompt exceeds %d characters", MaxPromptLength)
)

// PromptKey is the cache key other instances watch for prompt changes.
var PromptKey = cache.Key("prompt")

type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
	AppendEvent(ctx context.Context, entry models.EventLogEntry) error
}

// PromptStore keeps the VLM prompt. The durable copy lives in the config
// table, the shared cache carries edits made by other processes, and a local
// copy answers when both are unavailable.
type PromptStore struct {
	store    ConfigStore
	cache    cache.Cache
	fallback string
	logger   *zap.Logger

	mutex   sync.RWMutex
	current string
	updated time.Time
}

type promptRecord struct {
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewPromptStore(cfgStore ConfigStore, c cache.Cache, fallback string, logger *zap.Logger) *PromptStore {
	return &PromptStore{
		store:    cfgStore,
		cache:    c,
		fallback: fallback,
		logger:   logger,
		current:  fallback,
	}
}

// Load reads the persisted prompt, seeding the default on first run.
func (s *PromptStore) Load(ctx context.Context) error {
	text, err := s.store.GetConfig(ctx, PromptConfigKey)
	if errors.Is(err, store.ErrNotFound) {
		if err := s.store.SetConfig(ctx, PromptConfigKey, s.fallback); err != nil {
			return fmt.Errorf("failed to seed default prompt: %w", err)
		}
		text = s.fallback
	} else if err != nil {
		return fmt.Errorf("failed to load prompt: %w", err)
	}

	s.mutex.Lock()
	s.current = text
	s.updated = time.Now()
	s.mutex.Unlock()

	s.publish(ctx, text)
	return nil
}

// Prompt returns the prompt for the next analysis. A newer edit seen in the
// cache replaces the local copy.
func (s *PromptStore) Prompt(ctx context.Context) string {
	if s.cache != nil {
		var rec promptRecord
		err := s.cache.Get(ctx, PromptKey, &rec)
		switch {
		case err == nil && rec.Text != "":
			s.mutex.Lock()
			if rec.UpdatedAt.After(s.updated) {
				s.current = rec.Text
				s.updated = rec.UpdatedAt
			}
			s.mutex.Unlock()
		case err != nil && !errors.Is(err, cache.ErrCacheMiss):
			s.logger.Debug("Prompt cache read failed", zap.Error(err))
		}
	}
	return s.Get()
}

func (s *PromptStore) Get() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.current
}

// Update validates, persists and publishes a new prompt. It is used by the
// next analysis that starts after it returns.
func (s *PromptStore) Update(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyPrompt
	}
	if utf8.RuneCountInString(text) > MaxPromptLength {
		return ErrPromptTooLong
	}

	if err := s.store.SetConfig(ctx, PromptConfigKey, text); err != nil {
		return fmt.Errorf("failed to persist prompt: %w", err)
	}

	now := time.Now()
	s.mutex.Lock()
	s.current = text
	s.updated = now
	s.mutex.Unlock()

	s.publish(ctx, text)

	event := models.EventLogEntry{
		Timestamp: now,
		Type:      models.EventPromptUpdated,
		Severity:  models.SeverityInfo,
		Message:   "VLM prompt updated",
		Data:      map[string]any{"length": utf8.RuneCountInString(text)},
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		s.logger.Warn("Failed to persist prompt event", zap.Error(err))
	}

	s.logger.Info("Prompt updated", zap.Int("length", len(text)))
	return nil
}

// Reset restores the built-in prompt.
func (s *PromptStore) Reset(ctx context.Context) error {
	return s.Update(ctx, s.fallback)
}

func (s *PromptStore) publish(ctx context.Context, text string) {
	if s.cache == nil {
		return
	}
	s.mutex.RLock()
	rec := promptRecord{Text: text, UpdatedAt: s.updated}
	s.mutex.RUnlock()

	if err := s.cache.SetWithTTL(ctx, PromptKey, rec, 0); err != nil {
		s.logger.Warn("Failed to publish prompt to cache", zap.Error(err))
	}
}
