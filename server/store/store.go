package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/san-kum/cribwatch/server/models"
)

var ErrNotFound = errors.New("not found")

// Store is the append-only log sink. Recent* return the newest entries
// first.
type Store interface {
	AppendVision(ctx context.Context, entry models.VisionLogEntry) error
	AppendAlert(ctx context.Context, entry models.AlertLogEntry) error
	AppendEvent(ctx context.Context, entry models.EventLogEntry) error
	AppendAudio(ctx context.Context, entry models.AudioLogEntry) error

	RecentVision(ctx context.Context, limit int) ([]models.VisionLogEntry, error)
	RecentAlerts(ctx context.Context, limit int) ([]models.AlertLogEntry, error)
	RecentEvents(ctx context.Context, limit int) ([]models.EventLogEntry, error)
	RecentAudio(ctx context.Context, limit int) ([]models.AudioLogEntry, error)

	Counts(ctx context.Context) (models.LogCounts, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error

	Close() error
}

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ClampLimit maps a requested page size into [1, MaxLimit].
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func ensureID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}
