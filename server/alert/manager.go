package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/san-kum/cribwatch/server/models"
	"github.com/san-kum/cribwatch/server/notify"
	"github.com/san-kum/cribwatch/server/processor"
	"go.uber.org/zap"
)

const (
	sourceVision = "vision"
	sourceAudio  = "audio"
)

type Sender interface {
	Send(ctx context.Context, msg notify.Message) bool
}

// StateStore is the part of the shared monitor state the manager reads and
// the stale flags it owns.
type StateStore interface {
	Snapshot() models.Status
	SetStale(ch models.Channel, stale bool)
}

type EventLog interface {
	AppendEvent(ctx context.Context, entry models.EventLogEntry) error
}

type Config struct {
	DebounceCount     int
	CryDebounceCount  int
	Cooldown          time.Duration
	StaleAfter        time.Duration
	Tick              time.Duration
	DispatchQueueSize int

	// Channels are checked for staleness. Disabled analyzers are left out.
	Channels []models.Channel
}

// Manager fuses analyzer readings into alerts. Readings are handled
// synchronously by the calling loop; notifications are delivered by a
// background dispatcher so a slow webhook never stalls an analyzer.
type Manager struct {
	config Config
	sender Sender
	state  StateStore
	events EventLog
	frames FrameProvider
	window *Window
	logger *zap.Logger
	now    func() time.Time

	mutex        sync.Mutex
	fusion       *Fusion
	cryStreak    int
	cryEpisode   bool
	startedAt    time.Time
	staleEpisode map[models.Channel]bool

	cooldown *Cooldown
	dispatch *processor.Queue[notify.Message]

	queued     atomic.Int64
	suppressed atomic.Int64
}

type Stats struct {
	Level      models.RiskLevel     `json:"level"`
	CryStreak  int                  `json:"cry_streak"`
	Queued     int64                `json:"queued"`
	Suppressed int64                `json:"suppressed"`
	Dispatch   processor.QueueStats `json:"dispatch"`
}

func NewManager(cfg Config, sender Sender, state StateStore, events EventLog, frames FrameProvider, window *Window, logger *zap.Logger) *Manager {
	if cfg.CryDebounceCount < 1 {
		cfg.CryDebounceCount = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.DispatchQueueSize < 1 {
		cfg.DispatchQueueSize = 16
	}

	m := &Manager{
		config:       cfg,
		sender:       sender,
		state:        state,
		events:       events,
		frames:       frames,
		window:       window,
		logger:       logger,
		now:          time.Now,
		fusion:       NewFusion(cfg.DebounceCount),
		staleEpisode: make(map[models.Channel]bool),
		cooldown:     NewCooldown(cfg.Cooldown),
		dispatch:     processor.NewQueue[notify.Message]("alerts", cfg.DispatchQueueSize),
	}
	m.startedAt = m.now()
	return m
}

// Run delivers queued notifications and checks channel staleness until ctx
// is cancelled.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.runDispatcher(ctx)
	}()

	ticker := time.NewTicker(m.config.Tick)
	defer ticker.Stop()

	m.logger.Info("Alert manager started",
		zap.Int("debounce", m.config.DebounceCount),
		zap.Duration("cooldown", m.config.Cooldown),
		zap.Duration("stale_after", m.config.StaleAfter))

	for {
		select {
		case <-ctx.Done():
			m.dispatch.Shutdown()
			wg.Wait()
			if n := m.dispatch.Drain(); n > 0 {
				m.logger.Warn("Discarded undelivered alerts on shutdown", zap.Int("count", n))
			}
			m.logger.Info("Alert manager stopped")
			return
		case <-ticker.C:
			m.CheckStaleness(ctx)
		}
	}
}

func (m *Manager) runDispatcher(ctx context.Context) {
	for {
		msg, err := m.dispatch.Pop(ctx)
		if err != nil {
			return
		}
		m.deliver(ctx, msg)
	}
}

func (m *Manager) deliver(ctx context.Context, msg notify.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Alert dispatch panic", zap.Any("panic", r))
		}
	}()
	m.sender.Send(ctx, msg)
}

func (m *Manager) enqueue(msg notify.Message) {
	if m.dispatch.Size() >= m.dispatch.Capacity() {
		m.logger.Warn("Alert dispatch queue full, dropping oldest alert",
			zap.Int("capacity", m.dispatch.Capacity()))
	}
	m.dispatch.Push(msg)
	m.queued.Add(1)
}

// HandleVision feeds one successful vision judgment together with the frame
// it was computed from.
func (m *Manager) HandleVision(ctx context.Context, j models.VisionJudgment, frame *models.FrameSample) {
	now := m.now()
	if m.window != nil {
		m.window.AddVision(j)
	}

	m.mutex.Lock()
	prev := m.fusion.Level()
	level, changed := m.fusion.Observe(j.RiskLevel)

	var msg *notify.Message
	if level.Elevated() {
		sev := models.SeverityFor(level)
		if m.cooldown.TryAcquire(sourceVision, sev, now) {
			alert := visionAlert(level, j, frame, now)
			msg = &alert
		} else {
			m.suppressed.Add(1)
		}
	}
	m.mutex.Unlock()

	if changed {
		m.logger.Info("Risk level changed",
			zap.String("from", string(prev)),
			zap.String("to", string(level)),
			zap.String("position", string(j.Position)))
		m.appendEvent(ctx, models.EventRiskLevelChanged, severityForChange(level),
			fmt.Sprintf("Risk level changed from %s to %s", prev, level),
			map[string]any{"from": prev, "to": level, "description": j.Description})
	}

	if msg != nil {
		m.enqueue(*msg)
	}
}

// HandleMotion only feeds the summary window. Motion alone never raises an
// alert.
func (m *Manager) HandleMotion(_ context.Context, r models.MotionReading) {
	if m.window != nil {
		m.window.AddMotion(r)
	}
}

// HandleAudio runs the cry channel: CryDebounceCount consecutive crying
// chunks raise a warning-level alert.
func (m *Manager) HandleAudio(ctx context.Context, a models.AudioReading) {
	now := m.now()
	if m.window != nil {
		m.window.AddAudio(a)
	}

	m.mutex.Lock()
	var msg *notify.Message
	newEpisode := false
	if a.IsCrying {
		m.cryStreak++
		if m.cryStreak >= m.config.CryDebounceCount {
			if !m.cryEpisode {
				m.cryEpisode = true
				newEpisode = true
			}
			if m.cooldown.TryAcquire(sourceAudio, models.SeverityWarning, now) {
				alert := cryAlert(a, m.latestImage(), now)
				msg = &alert
			} else {
				m.suppressed.Add(1)
			}
		}
	} else {
		m.cryStreak = 0
		m.cryEpisode = false
	}
	m.mutex.Unlock()

	if newEpisode {
		if m.window != nil {
			m.window.AddCryEvent()
		}
		m.logger.Info("Crying confirmed", zap.Float64("confidence", a.CryConfidence))
	}
	if msg != nil {
		m.enqueue(*msg)
	}
}

// CheckStaleness emits one stale_sensor event per silence episode for each
// watched channel and a sensor_recovered event when data resumes.
func (m *Manager) CheckStaleness(ctx context.Context) {
	if m.config.StaleAfter <= 0 {
		return
	}

	snap := m.state.Snapshot()
	now := m.now()

	for _, ch := range m.config.Channels {
		ref := m.startedAt
		if last := snap.LastUpdate(ch); last != nil {
			ref = *last
		}
		silence := now.Sub(ref)
		stale := silence > m.config.StaleAfter

		m.mutex.Lock()
		was := m.staleEpisode[ch]
		m.staleEpisode[ch] = stale
		m.mutex.Unlock()

		switch {
		case stale && !was:
			m.state.SetStale(ch, true)
			m.logger.Warn("Sensor stale",
				zap.String("channel", string(ch)),
				zap.Duration("silence", silence))
			m.appendEvent(ctx, models.EventStaleSensor, models.SeverityInfo,
				fmt.Sprintf("No %s update for %s", ch, silence.Round(time.Second)),
				map[string]any{"channel": ch, "silence_seconds": silence.Seconds()})
		case !stale && was:
			m.state.SetStale(ch, false)
			m.logger.Info("Sensor recovered", zap.String("channel", string(ch)))
			m.appendEvent(ctx, models.EventSensorRecovered, models.SeverityInfo,
				fmt.Sprintf("%s updates resumed", ch),
				map[string]any{"channel": ch})
		}
	}
}

// TestAlert sends a synthetic alert synchronously, bypassing fusion and the
// cooldown.
func (m *Manager) TestAlert(ctx context.Context) bool {
	return m.sender.Send(ctx, notify.Message{
		Channel:     notify.ChannelAlert,
		Severity:    models.SeverityWarning,
		Title:       "🧪 Test Alert",
		Description: "This is a test alert from the baby monitor. If you can read this, alerts are working.",
		Image:       m.latestImage(),
		Timestamp:   m.now(),
	})
}

func (m *Manager) Level() models.RiskLevel {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.fusion.Level()
}

func (m *Manager) Stats() Stats {
	m.mutex.Lock()
	level, streak := m.fusion.Level(), m.cryStreak
	m.mutex.Unlock()

	return Stats{
		Level:      level,
		CryStreak:  streak,
		Queued:     m.queued.Load(),
		Suppressed: m.suppressed.Load(),
		Dispatch:   m.dispatch.GetQueueStats(),
	}
}

func (m *Manager) latestImage() []byte {
	if m.frames == nil {
		return nil
	}
	if f := m.frames.LatestFrame(); f != nil {
		return f.JPEG
	}
	return nil
}

func (m *Manager) appendEvent(ctx context.Context, typ string, sev models.Severity, message string, data map[string]any) {
	if m.events == nil {
		return
	}
	entry := models.EventLogEntry{
		ID:        uuid.NewString(),
		Timestamp: m.now(),
		Type:      typ,
		Severity:  sev,
		Message:   message,
		Data:      data,
	}
	if err := m.events.AppendEvent(ctx, entry); err != nil {
		m.logger.Warn("Failed to persist event", zap.String("type", typ), zap.Error(err))
	}
}

func severityForChange(level models.RiskLevel) models.Severity {
	if level.Elevated() {
		return models.SeverityFor(level)
	}
	return models.SeverityInfo
}

func visionAlert(level models.RiskLevel, j models.VisionJudgment, frame *models.FrameSample, now time.Time) notify.Message {
	msg := notify.Message{
		Channel:   notify.ChannelAlert,
		Severity:  models.SeverityFor(level),
		Timestamp: now,
	}
	if frame != nil {
		msg.Image = frame.JPEG
	}

	if level == models.RiskDanger {
		msg.Title = "⚠️ DANGER: Immediate Attention Required"
		if reasons := j.DangerReasons(); len(reasons) > 0 {
			msg.Description = strings.Join(reasons, "\n")
			if j.Description != "" {
				msg.Description += "\n\n" + j.Description
			}
		} else {
			msg.Description = j.Description
		}
		return msg
	}

	msg.Title = "⚠️ Warning: Check Baby"
	msg.Description = j.Description
	return msg
}

func cryAlert(a models.AudioReading, image []byte, now time.Time) notify.Message {
	desc := a.Description
	if desc == "" {
		desc = fmt.Sprintf("Crying detected (confidence %.0f%%)", a.CryConfidence*100)
	}
	return notify.Message{
		Channel:     notify.ChannelAlert,
		Severity:    models.SeverityWarning,
		Title:       "⚠️ Baby Crying Detected",
		Description: desc,
		Image:       image,
		Timestamp:   now,
	}
}
