package processor

import (
	"sync"
	"testing"
	"time"

	"github.com/san-kum/cribwatch/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedState_InitialSnapshot(t *testing.T) {
	s := NewSharedState()
	snap := s.Snapshot()

	assert.Equal(t, models.RiskUnknown, snap.Vision.RiskLevel)
	assert.Nil(t, snap.LastVisionUpdate)
	assert.Nil(t, snap.LastMotionUpdate)
	assert.Nil(t, snap.LastAudioUpdate)
	assert.False(t, snap.VLMInProgress)
}

func TestSharedState_SnapshotIsACopy(t *testing.T) {
	s := NewSharedState()
	now := time.Now()
	s.SetVision(models.VisionJudgment{RiskLevel: models.RiskSafe, Timestamp: now})
	s.SetStale(models.ChannelAudio, true)

	snap := s.Snapshot()
	require.NotNil(t, snap.LastVisionUpdate)
	*snap.LastVisionUpdate = now.Add(time.Hour)
	snap.Stale[models.ChannelAudio] = false

	again := s.Snapshot()
	assert.True(t, again.LastVisionUpdate.Equal(now))
	assert.True(t, again.Stale[models.ChannelAudio])
}

func TestSharedState_DegradedMotionKeepsTimestamp(t *testing.T) {
	s := NewSharedState()
	s.SetDegradedMotion(models.MotionReading{Description: "Camera disconnected", Timestamp: time.Now()})

	snap := s.Snapshot()
	assert.Equal(t, "Camera disconnected", snap.Motion.Description)
	assert.Nil(t, snap.LastMotionUpdate)
}

func TestSharedState_ConcurrentWriters(t *testing.T) {
	s := NewSharedState()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(3)
		go func(i int) {
			defer wg.Done()
			s.SetMotion(models.MotionReading{MotionMagnitude: float64(i), Timestamp: time.Now()})
		}(i)
		go func() {
			defer wg.Done()
			s.SetAudio(models.AudioReading{RMSLevel: 0.1, Timestamp: time.Now()})
		}()
		go func() {
			defer wg.Done()
			_ = s.Snapshot()
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.NotNil(t, snap.LastMotionUpdate)
	assert.NotNil(t, snap.LastAudioUpdate)
}
