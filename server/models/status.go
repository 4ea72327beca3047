package models

import "time"

type Channel string

const (
	ChannelVision Channel = "vision"
	ChannelMotion Channel = "motion"
	ChannelAudio  Channel = "audio"
)

// Status is a point-in-time copy of the shared monitor state.
type Status struct {
	Vision VisionJudgment `json:"vision"`
	Motion MotionReading  `json:"motion"`
	Audio  AudioReading   `json:"audio"`

	LastVisionUpdate *time.Time `json:"last_vision_update"`
	LastMotionUpdate *time.Time `json:"last_motion_update"`
	LastAudioUpdate  *time.Time `json:"last_audio_update"`

	VLMInProgress   bool       `json:"vlm_in_progress"`
	VLMInferStarted *time.Time `json:"vlm_infer_started"`

	CameraConnected     bool `json:"camera_connected"`
	MicrophoneConnected bool `json:"microphone_connected"`

	Stale map[Channel]bool `json:"stale"`
}

// LastUpdate returns the last update time of a channel, nil when the channel
// has never reported.
func (s Status) LastUpdate(ch Channel) *time.Time {
	switch ch {
	case ChannelVision:
		return s.LastVisionUpdate
	case ChannelMotion:
		return s.LastMotionUpdate
	case ChannelAudio:
		return s.LastAudioUpdate
	}
	return nil
}
