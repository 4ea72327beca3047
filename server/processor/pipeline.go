package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/san-kum/cribwatch/server/cache"
	"github.com/san-kum/cribwatch/server/models"
	"go.uber.org/zap"
)

type FrameSource interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (models.FrameSample, error)
	Close() error
}

type AudioSource interface {
	Start(ctx context.Context) error
	ReadChunk(ctx context.Context) (models.AudioChunk, error)
	Close() error
}

type VisionModel interface {
	Analyze(ctx context.Context, image []byte, prompt string) (models.VisionJudgment, error)
}

type AudioAnalyzer interface {
	Analyze(chunk models.AudioChunk) models.AudioReading
}

type MotionDetector interface {
	Process(frame *models.FrameSample) models.MotionReading
	Reset()
}

// RiskSink receives every successful reading in arrival order per channel.
type RiskSink interface {
	HandleVision(ctx context.Context, j models.VisionJudgment, frame *models.FrameSample)
	HandleMotion(ctx context.Context, r models.MotionReading)
	HandleAudio(ctx context.Context, a models.AudioReading)
}

type LogStore interface {
	AppendVision(ctx context.Context, entry models.VisionLogEntry) error
	AppendEvent(ctx context.Context, entry models.EventLogEntry) error
	AppendAudio(ctx context.Context, entry models.AudioLogEntry) error
}

type PromptSource interface {
	Prompt(ctx context.Context) string
}

// AudioStreamer receives each chunk for live playback. The chunk is shared
// and must be treated as read-only.
type AudioStreamer interface {
	BroadcastAudio(chunk models.AudioChunk)
}

type PipelineConfig struct {
	VisionEnabled bool
	MotionEnabled bool
	AudioEnabled  bool

	FrameQueueSize  int
	VisionQueueSize int
	AudioQueueSize  int

	MotionFPS      int
	VisionInterval time.Duration
	VisionTimeout  time.Duration

	CameraFailureThreshold int
	ReconnectBaseDelay     time.Duration
	ReconnectMaxDelay      time.Duration

	// StatusMirrorInterval controls how often the snapshot is copied to the
	// shared cache. Zero disables the mirror.
	StatusMirrorInterval time.Duration
}

// Dependencies wires the pipeline. Sources and analyzers for a disabled loop
// may be nil.
type Dependencies struct {
	State    *SharedState
	Camera   FrameSource
	Mic      AudioSource
	Vision   VisionModel
	Audio    AudioAnalyzer
	Motion   MotionDetector
	Sink     RiskSink
	Store    LogStore
	Prompts  PromptSource
	Streamer AudioStreamer
	Cache    cache.Cache
}

type PipelineStats struct {
	StartTime       time.Time    `json:"start_time"`
	Uptime          string       `json:"uptime"`
	FramesCaptured  int64        `json:"frames_captured"`
	CaptureErrors   int64        `json:"capture_errors"`
	MotionFrames    int64        `json:"motion_frames"`
	VisionCalls     int64        `json:"vision_calls"`
	VisionFailures  int64        `json:"vision_failures"`
	AudioChunks     int64        `json:"audio_chunks"`
	LastVisionError string       `json:"last_vision_error,omitempty"`
	Queues          []QueueStats `json:"queues"`
}

// Pipeline runs the capture and analyzer loops and converges their readings
// in SharedState.
type Pipeline struct {
	config PipelineConfig
	deps   Dependencies
	logger *zap.Logger

	motionFrames *Queue[*models.FrameSample]
	visionFrames *Queue[*models.FrameSample]
	audioChunks  *Queue[models.AudioChunk]

	latest      atomic.Pointer[models.FrameSample]
	motionReset atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startTime time.Time
	started   atomic.Bool

	framesCaptured atomic.Int64
	captureErrors  atomic.Int64
	motionCount    atomic.Int64
	visionCalls    atomic.Int64
	visionFailures atomic.Int64
	audioCount     atomic.Int64

	errMutex        sync.RWMutex
	lastVisionError string
}

func NewPipeline(cfg PipelineConfig, deps Dependencies, logger *zap.Logger) *Pipeline {
	if cfg.FrameQueueSize <= 0 {
		cfg.FrameQueueSize = 30
	}
	if cfg.VisionQueueSize <= 0 {
		cfg.VisionQueueSize = 2
	}
	if cfg.AudioQueueSize <= 0 {
		cfg.AudioQueueSize = 16
	}
	if cfg.MotionFPS <= 0 {
		cfg.MotionFPS = 15
	}
	if cfg.VisionInterval <= 0 {
		cfg.VisionInterval = 2 * time.Second
	}
	if cfg.VisionTimeout <= 0 {
		cfg.VisionTimeout = 60 * time.Second
	}
	if cfg.CameraFailureThreshold <= 0 {
		cfg.CameraFailureThreshold = 10
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	if deps.State == nil {
		deps.State = NewSharedState()
	}

	return &Pipeline{
		config:       cfg,
		deps:         deps,
		logger:       logger,
		motionFrames: NewQueue[*models.FrameSample]("motion_frames", cfg.FrameQueueSize),
		visionFrames: NewQueue[*models.FrameSample]("vision_frames", cfg.VisionQueueSize),
		audioChunks:  NewQueue[models.AudioChunk]("audio_chunks", cfg.AudioQueueSize),
	}
}

func (p *Pipeline) validate() error {
	needCamera := p.config.VisionEnabled || p.config.MotionEnabled
	if needCamera && p.deps.Camera == nil {
		return errors.New("camera source is required when vision or motion is enabled")
	}
	if p.config.VisionEnabled && p.deps.Vision == nil {
		return errors.New("vision model is required when vision is enabled")
	}
	if p.config.MotionEnabled && p.deps.Motion == nil {
		return errors.New("motion detector is required when motion is enabled")
	}
	if p.config.AudioEnabled && (p.deps.Mic == nil || p.deps.Audio == nil) {
		return errors.New("microphone and audio analyzer are required when audio is enabled")
	}
	return nil
}

// Start launches every enabled loop. It returns immediately.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.validate(); err != nil {
		return err
	}
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("pipeline already started")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.startTime = time.Now()

	if p.config.VisionEnabled || p.config.MotionEnabled {
		p.goSafe("capture", p.captureLoop)
	}
	if p.config.MotionEnabled {
		p.goSafe("motion", p.motionLoop)
	}
	if p.config.VisionEnabled {
		p.goSafe("vision", p.visionLoop)
	}
	if p.config.AudioEnabled {
		p.goSafe("audio_capture", p.audioCaptureLoop)
		p.goSafe("audio", p.audioLoop)
	}

	if p.deps.Cache != nil && p.config.StatusMirrorInterval > 0 {
		p.goSafe("status_mirror", p.statusMirrorLoop)
	}

	p.logger.Info("Pipeline started",
		zap.Bool("vision", p.config.VisionEnabled),
		zap.Bool("motion", p.config.MotionEnabled),
		zap.Bool("audio", p.config.AudioEnabled),
		zap.Duration("vision_interval", p.config.VisionInterval),
		zap.Int("motion_fps", p.config.MotionFPS))
	return nil
}

// goSafe runs fn in a goroutine that survives panics. A panicking loop is
// restarted after a short pause so one bad reading cannot stop monitoring.
func (p *Pipeline) goSafe(name string, fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			panicked := func() (panicked bool) {
				defer func() {
					if r := recover(); r != nil {
						panicked = true
						p.logger.Error("Pipeline loop panic", zap.String("loop", name), zap.Any("panic", r))
					}
				}()
				fn(p.ctx)
				return false
			}()
			if !panicked || p.ctx.Err() != nil {
				return
			}
			if !sleepCtx(p.ctx, time.Second) {
				return
			}
		}
	}()
}

// Shutdown cancels every loop and waits up to timeout for them to exit.
func (p *Pipeline) Shutdown(timeout time.Duration) error {
	if !p.started.Load() {
		return nil
	}
	p.cancel()
	p.motionFrames.Shutdown()
	p.visionFrames.Shutdown()
	p.audioChunks.Shutdown()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Pipeline stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("pipeline did not stop within %s", timeout)
	}
}

func (p *Pipeline) captureLoop(ctx context.Context) {
	cam := p.deps.Camera
	motionGap := time.Second / time.Duration(p.config.MotionFPS)
	var nextMotion time.Time
	delay := p.config.ReconnectBaseDelay
	reconnecting := false

	defer cam.Close()

	for ctx.Err() == nil {
		if err := cam.Open(ctx); err != nil {
			p.logger.Warn("Camera open failed", zap.Error(err), zap.Duration("retry_in", delay))
			p.deps.State.SetCameraConnected(false)
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = nextBackoff(delay, p.config.ReconnectMaxDelay)
			reconnecting = true
			continue
		}

		delay = p.config.ReconnectBaseDelay
		p.deps.State.SetCameraConnected(true)
		p.motionReset.Store(true)
		if reconnecting {
			p.logger.Info("Camera reconnected")
			p.appendEvent(ctx, models.EventCameraReconnected, models.SeverityInfo, "Camera reconnected", nil)
		}

		failures := 0
		for ctx.Err() == nil && failures < p.config.CameraFailureThreshold {
			frame, err := cam.Read(ctx)
			if err != nil {
				failures++
				p.captureErrors.Add(1)
				p.logger.Debug("Frame read failed", zap.Int("consecutive_errors", failures), zap.Error(err))
				if !sleepCtx(ctx, 50*time.Millisecond) {
					return
				}
				continue
			}
			failures = 0
			p.framesCaptured.Add(1)

			f := &frame
			p.latest.Store(f)
			if p.config.VisionEnabled {
				p.visionFrames.Push(f)
			}
			if p.config.MotionEnabled {
				if now := time.Now(); !now.Before(nextMotion) {
					nextMotion = now.Add(motionGap)
					p.motionFrames.Push(f)
				}
			}
		}
		if ctx.Err() != nil {
			return
		}

		p.logger.Error("Camera disconnected", zap.Int("consecutive_errors", failures))
		p.deps.State.SetCameraConnected(false)
		p.appendEvent(ctx, models.EventCameraDisconnected, models.SeverityWarning, "Camera disconnected",
			map[string]any{"consecutive_errors": failures})
		_ = cam.Close()
		reconnecting = true
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = nextBackoff(delay, p.config.ReconnectMaxDelay)
	}
}

func (p *Pipeline) motionLoop(ctx context.Context) {
	degraded := false
	idle := 4 * time.Second / time.Duration(p.config.MotionFPS)
	if idle < time.Second {
		idle = time.Second
	}

	for {
		waitCtx, cancel := context.WithTimeout(ctx, idle)
		frame, err := p.motionFrames.Pop(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			if !degraded && !p.deps.State.Snapshot().CameraConnected {
				degraded = true
				p.deps.State.SetDegradedMotion(models.MotionReading{
					Description: "Camera disconnected",
					Timestamp:   time.Now(),
				})
			}
			continue
		}
		degraded = false

		if p.motionReset.CompareAndSwap(true, false) {
			p.deps.Motion.Reset()
		}

		reading := p.deps.Motion.Process(frame)
		p.motionCount.Add(1)
		p.deps.State.SetMotion(reading)
		if p.deps.Sink != nil {
			p.deps.Sink.HandleMotion(ctx, reading)
		}
	}
}

func (p *Pipeline) visionLoop(ctx context.Context) {
	var nextEligible time.Time

	for {
		if wait := time.Until(nextEligible); wait > 0 {
			if !sleepCtx(ctx, wait) {
				return
			}
		}

		frame, err := p.visionFrames.PopLatest(ctx)
		if err != nil {
			return
		}
		nextEligible = time.Now().Add(p.config.VisionInterval)

		p.analyzeFrame(ctx, frame)
	}
}

func (p *Pipeline) analyzeFrame(ctx context.Context, frame *models.FrameSample) {
	prompt := ""
	if p.deps.Prompts != nil {
		prompt = p.deps.Prompts.Prompt(ctx)
	}

	started := time.Now()
	p.visionCalls.Add(1)
	p.deps.State.SetVLMInProgress(true, started)

	callCtx, cancel := context.WithTimeout(ctx, p.config.VisionTimeout)
	judgment, err := p.deps.Vision.Analyze(callCtx, frame.JPEG, prompt)
	cancel()
	p.deps.State.SetVLMInProgress(false, time.Time{})
	latency := time.Since(started)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.visionFailures.Add(1)
		p.errMutex.Lock()
		p.lastVisionError = err.Error()
		p.errMutex.Unlock()

		p.logger.Warn("Vision analysis failed",
			zap.Uint64("seq", frame.Seq),
			zap.Duration("latency", latency),
			zap.Error(err))
		p.appendEvent(ctx, models.EventVisionError, models.SeverityError, err.Error(),
			map[string]any{"latency_ms": latency.Milliseconds()})
		return
	}

	if judgment.Timestamp.IsZero() {
		judgment.Timestamp = time.Now()
	}
	p.deps.State.SetVision(judgment)

	if p.deps.Store != nil {
		entry := models.VisionLogEntry{
			Timestamp: judgment.Timestamp,
			RiskLevel: judgment.RiskLevel,
			Position:  judgment.Position,
			Judgment:  judgment,
			Latency:   latency,
		}
		if err := p.deps.Store.AppendVision(ctx, entry); err != nil {
			p.logger.Warn("Failed to persist vision log", zap.Error(err))
		}
	}

	p.logger.Debug("Vision analysis applied",
		zap.String("risk_level", string(judgment.RiskLevel)),
		zap.String("position", string(judgment.Position)),
		zap.Duration("latency", latency))

	if p.deps.Sink != nil {
		p.deps.Sink.HandleVision(ctx, judgment, frame)
	}
}

func (p *Pipeline) audioCaptureLoop(ctx context.Context) {
	mic := p.deps.Mic
	delay := p.config.ReconnectBaseDelay
	reconnecting := false

	defer mic.Close()

	for ctx.Err() == nil {
		if err := mic.Start(ctx); err != nil {
			p.logger.Warn("Microphone start failed", zap.Error(err), zap.Duration("retry_in", delay))
			p.deps.State.SetMicrophoneConnected(false)
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = nextBackoff(delay, p.config.ReconnectMaxDelay)
			reconnecting = true
			continue
		}

		delay = p.config.ReconnectBaseDelay
		p.deps.State.SetMicrophoneConnected(true)
		if reconnecting {
			p.logger.Info("Microphone reconnected")
			p.appendEvent(ctx, models.EventMicReconnected, models.SeverityInfo, "Microphone reconnected", nil)
		}

		var readErr error
		for ctx.Err() == nil {
			chunk, err := mic.ReadChunk(ctx)
			if err != nil {
				readErr = err
				break
			}
			p.audioChunks.Push(chunk)
		}
		if ctx.Err() != nil {
			return
		}

		p.logger.Error("Microphone disconnected", zap.Error(readErr))
		p.deps.State.SetMicrophoneConnected(false)
		p.appendEvent(ctx, models.EventMicDisconnected, models.SeverityWarning, "Microphone disconnected",
			map[string]any{"error": readErr.Error()})
		_ = mic.Close()
		reconnecting = true
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = nextBackoff(delay, p.config.ReconnectMaxDelay)
	}
}

func (p *Pipeline) audioLoop(ctx context.Context) {
	for {
		chunk, err := p.audioChunks.Pop(ctx)
		if err != nil {
			return
		}

		if p.deps.Streamer != nil {
			p.deps.Streamer.BroadcastAudio(chunk)
		}

		reading := p.deps.Audio.Analyze(chunk)
		p.audioCount.Add(1)
		p.deps.State.SetAudio(reading)

		if p.deps.Store != nil {
			entry := models.AudioLogEntry{Timestamp: reading.Timestamp, IsCrying: reading.IsCrying, Reading: reading}
			if err := p.deps.Store.AppendAudio(ctx, entry); err != nil {
				p.logger.Warn("Failed to persist audio log", zap.Error(err))
			}
		}
		if p.deps.Sink != nil {
			p.deps.Sink.HandleAudio(ctx, reading)
		}
	}
}

// StatusKey is where the latest snapshot is mirrored for other processes.
var StatusKey = cache.Key("status")

func (p *Pipeline) statusMirrorLoop(ctx context.Context) {
	ticker := time.NewTicker(p.config.StatusMirrorInterval)
	defer ticker.Stop()
	ttl := 3 * p.config.StatusMirrorInterval

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.deps.Cache.SetWithTTL(ctx, StatusKey, p.deps.State.Snapshot(), ttl); err != nil && ctx.Err() == nil {
				p.logger.Debug("Status mirror write failed", zap.Error(err))
			}
		}
	}
}

func (p *Pipeline) appendEvent(ctx context.Context, typ string, sev models.Severity, message string, data map[string]any) {
	if p.deps.Store == nil {
		return
	}
	entry := models.EventLogEntry{
		Timestamp: time.Now(),
		Type:      typ,
		Severity:  sev,
		Message:   message,
		Data:      data,
	}
	if err := p.deps.Store.AppendEvent(context.WithoutCancel(ctx), entry); err != nil {
		p.logger.Warn("Failed to persist event", zap.String("type", typ), zap.Error(err))
	}
}

// LatestFrame returns the most recent captured frame, nil before the first.
func (p *Pipeline) LatestFrame() *models.FrameSample {
	return p.latest.Load()
}

func (p *Pipeline) GetStatus() models.Status {
	return p.deps.State.Snapshot()
}

func (p *Pipeline) Stats() PipelineStats {
	p.errMutex.RLock()
	lastErr := p.lastVisionError
	p.errMutex.RUnlock()

	stats := PipelineStats{
		StartTime:       p.startTime,
		FramesCaptured:  p.framesCaptured.Load(),
		CaptureErrors:   p.captureErrors.Load(),
		MotionFrames:    p.motionCount.Load(),
		VisionCalls:     p.visionCalls.Load(),
		VisionFailures:  p.visionFailures.Load(),
		AudioChunks:     p.audioCount.Load(),
		LastVisionError: lastErr,
		Queues: []QueueStats{
			p.motionFrames.GetQueueStats(),
			p.visionFrames.GetQueueStats(),
			p.audioChunks.GetQueueStats(),
		},
	}
	if !p.startTime.IsZero() {
		stats.Uptime = time.Since(p.startTime).Round(time.Second).String()
	}
	return stats
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
