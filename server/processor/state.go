package processor

import (
	"sync"
	"time"

	"github.com/san-kum/cribwatch/server/models"
)

// SharedState holds the latest reading of every analyzer. Each field group
// has exactly one writer: the vision loop, the motion loop, the audio loop,
// the capture loops for device flags and the alert manager for stale flags.
type SharedState struct {
	mutex sync.RWMutex

	vision models.VisionJudgment
	motion models.MotionReading
	audio  models.AudioReading

	lastVision *time.Time
	lastMotion *time.Time
	lastAudio  *time.Time

	vlmInProgress   bool
	vlmInferStarted *time.Time

	cameraConnected bool
	micConnected    bool

	stale map[models.Channel]bool
}

func NewSharedState() *SharedState {
	return &SharedState{
		vision: models.DefaultVisionJudgment(),
		motion: models.DefaultMotionReading(),
		audio:  models.DefaultAudioReading(),
		stale:  make(map[models.Channel]bool),
	}
}

func (s *SharedState) SetVision(j models.VisionJudgment) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.vision = j
	ts := j.Timestamp
	s.lastVision = &ts
}

func (s *SharedState) SetMotion(m models.MotionReading) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.motion = m
	ts := m.Timestamp
	s.lastMotion = &ts
}

// SetDegradedMotion records a motion reading without counting it as fresh
// data for staleness purposes.
func (s *SharedState) SetDegradedMotion(m models.MotionReading) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.motion = m
}

func (s *SharedState) SetAudio(a models.AudioReading) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.audio = a
	ts := a.Timestamp
	s.lastAudio = &ts
}

func (s *SharedState) SetVLMInProgress(inProgress bool, startedAt time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.vlmInProgress = inProgress
	if inProgress {
		s.vlmInferStarted = &startedAt
	} else {
		s.vlmInferStarted = nil
	}
}

func (s *SharedState) SetCameraConnected(connected bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.cameraConnected = connected
}

func (s *SharedState) SetMicrophoneConnected(connected bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.micConnected = connected
}

func (s *SharedState) SetStale(ch models.Channel, stale bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.stale[ch] = stale
}

// Snapshot returns a copy that is safe to hand to other goroutines.
func (s *SharedState) Snapshot() models.Status {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stale := make(map[models.Channel]bool, len(s.stale))
	for k, v := range s.stale {
		stale[k] = v
	}

	return models.Status{
		Vision:              s.vision,
		Motion:              s.motion,
		Audio:               s.audio,
		LastVisionUpdate:    copyTime(s.lastVision),
		LastMotionUpdate:    copyTime(s.lastMotion),
		LastAudioUpdate:     copyTime(s.lastAudio),
		VLMInProgress:       s.vlmInProgress,
		VLMInferStarted:     copyTime(s.vlmInferStarted),
		CameraConnected:     s.cameraConnected,
		MicrophoneConnected: s.micConnected,
		Stale:               stale,
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
