package alert

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/san-kum/cribwatch/server/models"
	"github.com/san-kum/cribwatch/server/notify"
	"go.uber.org/zap"
)

// Summary is the aggregate of one reporting window.
type Summary struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	Samples   int                      `json:"samples"`
	Positions map[models.Position]int  `json:"positions"`
	Risks     map[models.RiskLevel]int `json:"risks"`

	MotionSamples  int     `json:"motion_samples"`
	MotionDetected int     `json:"motion_detected"`
	MaxMagnitude   float64 `json:"max_magnitude"`
	AvgMagnitude   float64 `json:"avg_magnitude"`

	AudioSamples     int      `json:"audio_samples"`
	CryEvents        int      `json:"cry_events"`
	BreathingSamples int      `json:"breathing_samples"`
	AvgBreathingRate *float64 `json:"avg_breathing_rate"`

	LatestObservation string `json:"latest_observation"`
}

var positionOrder = []models.Position{
	models.PositionSupine,
	models.PositionSide,
	models.PositionProne,
	models.PositionSitting,
	models.PositionUnknown,
}

// MostCommonPosition returns the most frequent position, or "" when the
// window holds no vision samples.
func (s Summary) MostCommonPosition() models.Position {
	var best models.Position
	bestCount := 0
	for _, p := range positionOrder {
		if c := s.Positions[p]; c > bestCount {
			best, bestCount = p, c
		}
	}
	return best
}

// Format renders the digest body.
func (s Summary) Format() string {
	minutes := int(math.Round(s.End.Sub(s.Start).Minutes()))
	if minutes < 1 {
		minutes = 1
	}

	lines := []string{
		fmt.Sprintf("**Period**: Last %d minutes", minutes),
		fmt.Sprintf("**Samples**: %d", s.Samples),
	}

	if pos := s.MostCommonPosition(); pos != "" {
		lines = append(lines, fmt.Sprintf("**Most common position**: %s", pos))
	} else {
		lines = append(lines, "**Most common position**: n/a")
	}

	lines = append(lines,
		fmt.Sprintf("**Risk levels**: safe %d, warning %d, danger %d",
			s.Risks[models.RiskSafe], s.Risks[models.RiskWarning], s.Risks[models.RiskDanger]),
		fmt.Sprintf("**Movement detected**: %d/%d frames", s.MotionDetected, s.MotionSamples),
		fmt.Sprintf("**Avg motion magnitude**: %.1f (max %.1f)", s.AvgMagnitude, s.MaxMagnitude),
		fmt.Sprintf("**Crying episodes**: %d", s.CryEvents),
	)

	if s.AudioSamples > 0 {
		line := fmt.Sprintf("**Breathing detected**: %d/%d chunks", s.BreathingSamples, s.AudioSamples)
		if s.AvgBreathingRate != nil {
			line += fmt.Sprintf(" (avg %.0f bpm)", *s.AvgBreathingRate)
		}
		lines = append(lines, line)
	}

	switch {
	case s.Samples == 0:
		lines = append(lines, "⚪ **No vision data collected in this period**")
	case s.Risks[models.RiskDanger] > 0:
		lines = append(lines, "🔴 **Danger events occurred during this period**")
	case s.Risks[models.RiskWarning] > 0:
		lines = append(lines, "🟡 **Warning events occurred during this period**")
	default:
		lines = append(lines, fmt.Sprintf("🟢 **No danger detected in the last %d minutes**", minutes))
	}

	if s.LatestObservation != "" {
		lines = append(lines, "\n**Latest observation**: "+s.LatestObservation)
	}

	return strings.Join(lines, "\n")
}

// Window accumulates readings between two reports.
type Window struct {
	mutex sync.Mutex
	cur   Summary

	motionSum    float64
	breathingSum float64
	breathingN   int
}

func NewWindow(start time.Time) *Window {
	w := &Window{}
	w.reset(start)
	return w
}

func (w *Window) reset(start time.Time) {
	w.cur = Summary{
		Start:     start,
		Positions: make(map[models.Position]int),
		Risks:     make(map[models.RiskLevel]int),
	}
	w.motionSum = 0
	w.breathingSum = 0
	w.breathingN = 0
}

func (w *Window) AddVision(j models.VisionJudgment) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.cur.Samples++
	w.cur.Positions[j.Position]++
	w.cur.Risks[j.RiskLevel]++
	if j.Description != "" {
		w.cur.LatestObservation = j.Description
	}
}

func (w *Window) AddMotion(m models.MotionReading) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.cur.MotionSamples++
	if m.HasMotion {
		w.cur.MotionDetected++
	}
	w.motionSum += m.MotionMagnitude
	if m.MotionMagnitude > w.cur.MaxMagnitude {
		w.cur.MaxMagnitude = m.MotionMagnitude
	}
}

func (w *Window) AddAudio(a models.AudioReading) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.cur.AudioSamples++
	if a.BreathingDetected {
		w.cur.BreathingSamples++
		if a.BreathingRate != nil {
			w.breathingSum += *a.BreathingRate
			w.breathingN++
		}
	}
}

// AddCryEvent counts one confirmed crying episode.
func (w *Window) AddCryEvent() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.cur.CryEvents++
}

// Drain returns the current aggregate and starts a new window at now.
func (w *Window) Drain(now time.Time) Summary {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	s := w.cur
	w.fillAverages(&s, now)
	w.reset(now)
	return s
}

func (w *Window) fillAverages(s *Summary, now time.Time) {
	s.End = now
	if s.MotionSamples > 0 {
		s.AvgMagnitude = w.motionSum / float64(s.MotionSamples)
	}
	if w.breathingN > 0 {
		avg := w.breathingSum / float64(w.breathingN)
		s.AvgBreathingRate = &avg
	}
}

// Peek returns the aggregate so far without resetting the window.
func (w *Window) Peek(now time.Time) Summary {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	s := w.cur
	s.Positions = make(map[models.Position]int, len(w.cur.Positions))
	for k, v := range w.cur.Positions {
		s.Positions[k] = v
	}
	s.Risks = make(map[models.RiskLevel]int, len(w.cur.Risks))
	for k, v := range w.cur.Risks {
		s.Risks[k] = v
	}
	w.fillAverages(&s, now)
	return s
}

// FrameProvider exposes the most recent captured frame, nil when none.
type FrameProvider interface {
	LatestFrame() *models.FrameSample
}

type SchedulerConfig struct {
	Interval time.Duration
	Tick     time.Duration
}

// Scheduler sends the periodic digest. The next report time is compared on
// every tick, and ForceReport re-arms it.
type Scheduler struct {
	window *Window
	sender Sender
	frames FrameProvider
	config SchedulerConfig
	logger *zap.Logger
	now    func() time.Time

	mutex      sync.Mutex
	nextReport time.Time

	reportsSent   atomic.Int64
	reportsFailed atomic.Int64
}

func NewScheduler(window *Window, sender Sender, frames FrameProvider, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	s := &Scheduler{
		window: window,
		sender: sender,
		frames: frames,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
	s.nextReport = s.now().Add(cfg.Interval)
	return s
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	s.logger.Info("Summary scheduler started", zap.Duration("interval", s.config.Interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Summary scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick sends a digest when the next report time has passed. It reports
// whether a digest was attempted.
func (s *Scheduler) Tick(ctx context.Context) bool {
	now := s.now()

	s.mutex.Lock()
	due := !now.Before(s.nextReport)
	if due {
		s.nextReport = now.Add(s.config.Interval)
	}
	s.mutex.Unlock()

	if !due {
		return false
	}
	s.send(ctx, now, false)
	return true
}

// ForceReport sends a digest immediately and restarts the interval.
func (s *Scheduler) ForceReport(ctx context.Context) bool {
	now := s.now()

	s.mutex.Lock()
	s.nextReport = now.Add(s.config.Interval)
	s.mutex.Unlock()

	return s.send(ctx, now, true)
}

func (s *Scheduler) NextReport() time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.nextReport
}

func (s *Scheduler) send(ctx context.Context, now time.Time, forced bool) bool {
	summary := s.window.Drain(now)

	msg := notify.Message{
		Channel:     notify.ChannelReport,
		Severity:    models.SeverityReport,
		Title:       "📊 Baby Status Report",
		Description: summary.Format(),
		Timestamp:   now,
	}
	if s.frames != nil {
		if f := s.frames.LatestFrame(); f != nil {
			msg.Image = f.JPEG
		}
	}

	ok := s.sender.Send(ctx, msg)
	if ok {
		s.reportsSent.Add(1)
	} else {
		s.reportsFailed.Add(1)
	}

	s.logger.Info("Status report dispatched",
		zap.Bool("forced", forced),
		zap.Bool("success", ok),
		zap.Int("samples", summary.Samples),
		zap.Int("cry_events", summary.CryEvents))

	return ok
}

func (s *Scheduler) Stats() (sent, failed int64) {
	return s.reportsSent.Load(), s.reportsFailed.Load()
}
