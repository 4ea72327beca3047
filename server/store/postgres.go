package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/san-kum/cribwatch/server/models"
	"go.uber.org/zap"
)

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

func (c DatabaseConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, sslMode)
}

func NewPostgresDB(ctx context.Context, cfg DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS vision_logs (
	id          TEXT PRIMARY KEY,
	ts          TIMESTAMPTZ NOT NULL,
	risk_level  TEXT NOT NULL,
	position    TEXT NOT NULL,
	judgment    JSONB NOT NULL,
	latency_ms  BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_vision_logs_ts ON vision_logs (ts DESC);

CREATE TABLE IF NOT EXISTS alert_logs (
	id          TEXT PRIMARY KEY,
	ts          TIMESTAMPTZ NOT NULL,
	channel     TEXT NOT NULL,
	severity    TEXT NOT NULL,
	title       TEXT NOT NULL,
	description TEXT NOT NULL,
	has_image   BOOLEAN NOT NULL DEFAULT FALSE,
	success     BOOLEAN NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_alert_logs_ts ON alert_logs (ts DESC);

CREATE TABLE IF NOT EXISTS event_logs (
	id          TEXT PRIMARY KEY,
	ts          TIMESTAMPTZ NOT NULL,
	event_type  TEXT NOT NULL,
	severity    TEXT NOT NULL,
	message     TEXT NOT NULL,
	data        JSONB
);
CREATE INDEX IF NOT EXISTS idx_event_logs_ts ON event_logs (ts DESC);
CREATE INDEX IF NOT EXISTS idx_event_logs_type ON event_logs (event_type);

CREATE TABLE IF NOT EXISTS audio_logs (
	id          TEXT PRIMARY KEY,
	ts          TIMESTAMPTZ NOT NULL,
	is_crying   BOOLEAN NOT NULL,
	reading     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audio_logs_ts ON audio_logs (ts DESC);

CREATE TABLE IF NOT EXISTS config (
	key         TEXT PRIMARY KEY,
	value       TEXT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
`

// PostgresStore persists logs with lib/pq.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendVision(ctx context.Context, entry models.VisionLogEntry) error {
	judgment, err := json.Marshal(entry.Judgment)
	if err != nil {
		return fmt.Errorf("failed to marshal judgment: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vision_logs (id, ts, risk_level, position, judgment, latency_ms) VALUES ($1, $2, $3, $4, $5, $6)`,
		ensureID(entry.ID), entry.Timestamp, string(entry.RiskLevel), string(entry.Position), judgment, entry.Latency.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to insert vision log: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendAlert(ctx context.Context, entry models.AlertLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_logs (id, ts, channel, severity, title, description, has_image, success, attempts, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ensureID(entry.ID), entry.Timestamp, entry.Channel, string(entry.Severity), entry.Title, entry.Description,
		entry.HasImage, entry.Success, entry.Attempts, entry.Error)
	if err != nil {
		return fmt.Errorf("failed to insert alert log: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, entry models.EventLogEntry) error {
	var data []byte
	if len(entry.Data) > 0 {
		var err error
		if data, err = json.Marshal(entry.Data); err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_logs (id, ts, event_type, severity, message, data) VALUES ($1, $2, $3, $4, $5, $6)`,
		ensureID(entry.ID), entry.Timestamp, entry.Type, string(entry.Severity), entry.Message, data)
	if err != nil {
		return fmt.Errorf("failed to insert event log: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendAudio(ctx context.Context, entry models.AudioLogEntry) error {
	reading, err := json.Marshal(entry.Reading)
	if err != nil {
		return fmt.Errorf("failed to marshal audio reading: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audio_logs (id, ts, is_crying, reading) VALUES ($1, $2, $3, $4)`,
		ensureID(entry.ID), entry.Timestamp, entry.IsCrying, reading)
	if err != nil {
		return fmt.Errorf("failed to insert audio log: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentVision(ctx context.Context, limit int) ([]models.VisionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, risk_level, position, judgment, latency_ms FROM vision_logs ORDER BY ts DESC LIMIT $1`,
		ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query vision logs: %w", err)
	}
	defer rows.Close()

	entries := []models.VisionLogEntry{}
	for rows.Next() {
		var e models.VisionLogEntry
		var risk, position string
		var judgment []byte
		var latencyMs int64
		if err := rows.Scan(&e.ID, &e.Timestamp, &risk, &position, &judgment, &latencyMs); err != nil {
			return nil, fmt.Errorf("failed to scan vision log: %w", err)
		}
		if err := json.Unmarshal(judgment, &e.Judgment); err != nil {
			return nil, fmt.Errorf("failed to decode judgment %s: %w", e.ID, err)
		}
		e.RiskLevel = models.RiskLevel(risk)
		e.Position = models.Position(position)
		e.Latency = time.Duration(latencyMs) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) RecentAlerts(ctx context.Context, limit int) ([]models.AlertLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, channel, severity, title, description, has_image, success, attempts, error
		 FROM alert_logs ORDER BY ts DESC LIMIT $1`,
		ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query alert logs: %w", err)
	}
	defer rows.Close()

	entries := []models.AlertLogEntry{}
	for rows.Next() {
		var e models.AlertLogEntry
		var severity string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Channel, &severity, &e.Title, &e.Description,
			&e.HasImage, &e.Success, &e.Attempts, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan alert log: %w", err)
		}
		e.Severity = models.Severity(severity)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) RecentEvents(ctx context.Context, limit int) ([]models.EventLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, event_type, severity, message, data FROM event_logs ORDER BY ts DESC LIMIT $1`,
		ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query event logs: %w", err)
	}
	defer rows.Close()

	entries := []models.EventLogEntry{}
	for rows.Next() {
		var e models.EventLogEntry
		var severity string
		var data []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &severity, &e.Message, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event log: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data %s: %w", e.ID, err)
			}
		}
		e.Severity = models.Severity(severity)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) RecentAudio(ctx context.Context, limit int) ([]models.AudioLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, is_crying, reading FROM audio_logs ORDER BY ts DESC LIMIT $1`,
		ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query audio logs: %w", err)
	}
	defer rows.Close()

	entries := []models.AudioLogEntry{}
	for rows.Next() {
		var e models.AudioLogEntry
		var reading []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.IsCrying, &reading); err != nil {
			return nil, fmt.Errorf("failed to scan audio log: %w", err)
		}
		if err := json.Unmarshal(reading, &e.Reading); err != nil {
			return nil, fmt.Errorf("failed to decode audio reading %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Counts(ctx context.Context) (models.LogCounts, error) {
	var c models.LogCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM vision_logs),
			(SELECT COUNT(*) FROM vision_logs WHERE risk_level IN ('warning', 'danger')),
			(SELECT COUNT(*) FROM audio_logs WHERE is_crying),
			(SELECT COUNT(*) FROM event_logs WHERE event_type = $1),
			(SELECT COUNT(*) FROM alert_logs WHERE success),
			(SELECT COUNT(*) FROM alert_logs WHERE NOT success)`,
		models.EventVisionError,
	).Scan(&c.VisionLogs, &c.AlertsCount, &c.CryCount, &c.VisionErrors, &c.NotificationsSent, &c.NotificationsFail)
	if err != nil {
		return models.LogCounts{}, fmt.Errorf("failed to count logs: %w", err)
	}

	var message string
	var at time.Time
	err = s.db.QueryRowContext(ctx,
		`SELECT message, ts FROM event_logs WHERE event_type = $1 ORDER BY ts DESC LIMIT 1`,
		models.EventVisionError,
	).Scan(&message, &at)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return models.LogCounts{}, fmt.Errorf("failed to query last vision error: %w", err)
	default:
		c.LastVisionError = message
		c.LastVisionErrorAt = &at
	}
	return c, nil
}

func (s *PostgresStore) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read config %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config (key, value, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to write config %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
