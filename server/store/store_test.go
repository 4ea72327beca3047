package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/san-kum/cribwatch/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, NewPostgresStore(db, zap.NewNop())
}

func dangerJudgment(ts time.Time) models.VisionJudgment {
	return models.VisionJudgment{
		Position:    models.PositionProne,
		InCrib:      true,
		FaceCovered: true,
		BabyVisible: true,
		RiskLevel:   models.RiskDanger,
		Description: "Face down with blanket",
		Timestamp:   ts,
	}
}

func TestPostgresStore_AppendVision(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	ts := time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC)
	j := dangerJudgment(ts)
	payload, err := json.Marshal(j)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO vision_logs`).
		WithArgs("v-1", ts, "danger", "prone", payload, int64(1500)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.AppendVision(context.Background(), models.VisionLogEntry{
		ID: "v-1", Timestamp: ts, RiskLevel: j.RiskLevel, Position: j.Position, Judgment: j, Latency: 1500 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecentVisionRoundTrip(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	ts := time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC)
	payload, err := json.Marshal(dangerJudgment(ts))
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"id", "ts", "risk_level", "position", "judgment", "latency_ms"}).
		AddRow("v-2", ts.Add(time.Second), "safe", "supine", []byte(`{"position":"supine","risk_level":"safe"}`), int64(900)).
		AddRow("v-1", ts, "danger", "prone", payload, int64(1500))
	mock.ExpectQuery(`SELECT id, ts, risk_level, position, judgment, latency_ms FROM vision_logs`).
		WithArgs(10).
		WillReturnRows(rows)

	entries, err := s.RecentVision(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "v-2", entries[0].ID)
	assert.Equal(t, models.RiskDanger, entries[1].RiskLevel)
	assert.Equal(t, models.RiskDanger, entries[1].Judgment.RiskLevel)
	assert.True(t, entries[1].Judgment.Timestamp.Equal(ts))
	assert.Equal(t, 1500*time.Millisecond, entries[1].Latency)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendAlert(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO alert_logs`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "alert", "danger", "title", "desc", true, false, 3, "status 500").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.AppendAlert(context.Background(), models.AlertLogEntry{
		Timestamp: time.Now(), Channel: "alert", Severity: models.SeverityDanger,
		Title: "title", Description: "desc", HasImage: true, Success: false, Attempts: 3, Error: "status 500",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecentEventsDecodesData(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "ts", "event_type", "severity", "message", "data"}).
		AddRow("e-1", time.Now(), models.EventStaleSensor, "info", "vision stale", []byte(`{"channel":"vision"}`)).
		AddRow("e-2", time.Now(), models.EventPromptUpdated, "info", "prompt updated", nil)
	mock.ExpectQuery(`FROM event_logs ORDER BY ts DESC`).
		WithArgs(DefaultLimit).
		WillReturnRows(rows)

	entries, err := s.RecentEvents(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "vision", entries[0].Data["channel"])
	assert.Nil(t, entries[1].Data)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Counts(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	at := time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT\s+\(SELECT COUNT\(\*\) FROM vision_logs\)`).
		WithArgs(models.EventVisionError).
		WillReturnRows(sqlmock.NewRows([]string{"a", "b", "c", "d", "e", "f"}).AddRow(40, 3, 2, 1, 5, 1))
	mock.ExpectQuery(`SELECT message, ts FROM event_logs`).
		WithArgs(models.EventVisionError).
		WillReturnRows(sqlmock.NewRows([]string{"message", "ts"}).AddRow("timeout", at))

	c, err := s.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, c.VisionLogs)
	assert.Equal(t, 3, c.AlertsCount)
	assert.Equal(t, 2, c.CryCount)
	assert.Equal(t, 1, c.VisionErrors)
	assert.Equal(t, 5, c.NotificationsSent)
	assert.Equal(t, 1, c.NotificationsFail)
	assert.Equal(t, "timeout", c.LastVisionError)
	require.NotNil(t, c.LastVisionErrorAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountsWithoutErrors(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT\s+\(SELECT COUNT`).
		WithArgs(models.EventVisionError).
		WillReturnRows(sqlmock.NewRows([]string{"a", "b", "c", "d", "e", "f"}).AddRow(0, 0, 0, 0, 0, 0))
	mock.ExpectQuery(`SELECT message, ts FROM event_logs`).
		WithArgs(models.EventVisionError).
		WillReturnRows(sqlmock.NewRows([]string{"message", "ts"}))

	c, err := s.Counts(context.Background())
	require.NoError(t, err)
	assert.Nil(t, c.LastVisionErrorAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Config(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectQuery(`SELECT value FROM config`).
		WithArgs("vlm_prompt").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	_, err := s.GetConfig(ctx, "vlm_prompt")
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectExec(`INSERT INTO config`).
		WithArgs("vlm_prompt", "look closely", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SetConfig(ctx, "vlm_prompt", "look closely"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryStore_VisionRoundTrip(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()
	ts := time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC)

	j := dangerJudgment(ts)
	require.NoError(t, s.AppendVision(ctx, models.VisionLogEntry{Timestamp: ts, RiskLevel: j.RiskLevel, Position: j.Position, Judgment: j}))

	entries, err := s.RecentVision(ctx, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, models.RiskDanger, entries[0].RiskLevel)
	assert.True(t, entries[0].Timestamp.Equal(ts))
	assert.Equal(t, j, entries[0].Judgment)
}

func TestMemoryStore_RingKeepsNewest(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEvent(ctx, models.EventLogEntry{Type: models.EventVisionError, Message: string(rune('a' + i))}))
	}
	entries, err := s.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "e", entries[0].Message)
	assert.Equal(t, "c", entries[2].Message)

	c, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, c.VisionErrors)
	assert.Equal(t, "e", c.LastVisionError)
}

func TestMemoryStore_Counts(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	_ = s.AppendVision(ctx, models.VisionLogEntry{RiskLevel: models.RiskSafe})
	_ = s.AppendVision(ctx, models.VisionLogEntry{RiskLevel: models.RiskWarning})
	_ = s.AppendAudio(ctx, models.AudioLogEntry{IsCrying: true})
	_ = s.AppendAudio(ctx, models.AudioLogEntry{})
	_ = s.AppendAlert(ctx, models.AlertLogEntry{Success: true})
	_ = s.AppendAlert(ctx, models.AlertLogEntry{Success: false})

	c, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, c.VisionLogs)
	assert.Equal(t, 1, c.AlertsCount)
	assert.Equal(t, 1, c.CryCount)
	assert.Equal(t, 1, c.NotificationsSent)
	assert.Equal(t, 1, c.NotificationsFail)

	_, err = s.GetConfig(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.SetConfig(ctx, "k", "v"))
	v, err := s.GetConfig(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}
