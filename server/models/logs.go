package models

import "time"

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
	SeverityError   Severity = "error"
	SeverityReport  Severity = "report"
)

// SeverityFor maps a risk level to the severity an alert is sent with.
func SeverityFor(r RiskLevel) Severity {
	switch r {
	case RiskDanger:
		return SeverityDanger
	case RiskWarning:
		return SeverityWarning
	}
	return SeverityInfo
}

func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityDanger:
		return 2
	}
	return 0
}

const (
	EventVisionError        = "vision_error"
	EventStaleSensor        = "stale_sensor"
	EventSensorRecovered    = "sensor_recovered"
	EventCameraDisconnected = "camera_disconnected"
	EventCameraReconnected  = "camera_reconnected"
	EventMicDisconnected    = "microphone_disconnected"
	EventMicReconnected     = "microphone_reconnected"
	EventAlertDropped       = "alert_dropped"
	EventPromptUpdated      = "prompt_updated"
	EventRiskLevelChanged   = "risk_level_changed"
)

type AlertLogEntry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Channel     string    `json:"channel"`
	Severity    Severity  `json:"severity"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	HasImage    bool      `json:"has_image"`
	Success     bool      `json:"success"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
}

type VisionLogEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	RiskLevel RiskLevel      `json:"risk_level"`
	Position  Position       `json:"position"`
	Judgment  VisionJudgment `json:"judgment"`
	Latency   time.Duration  `json:"latency_ns"`
}

type EventLogEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type AudioLogEntry struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	IsCrying  bool         `json:"is_crying"`
	Reading   AudioReading `json:"reading"`
}

// LogCounts summarises the persisted logs.
type LogCounts struct {
	VisionLogs        int        `json:"vision_logs"`
	AlertsCount       int        `json:"alerts_count"`
	CryCount          int        `json:"cry_count"`
	VisionErrors      int        `json:"vision_errors"`
	NotificationsSent int        `json:"notifications_sent"`
	NotificationsFail int        `json:"notifications_failed"`
	LastVisionError   string     `json:"last_vision_error,omitempty"`
	LastVisionErrorAt *time.Time `json:"last_vision_error_at,omitempty"`
}
