package models

import "time"

type Position string

const (
	PositionSupine  Position = "supine"
	PositionProne   Position = "prone"
	PositionSide    Position = "side"
	PositionSitting Position = "sitting"
	PositionUnknown Position = "unknown"
)

// ParsePosition accepts only the positions a vision model may report, in
// their exact lowercase form.
func ParsePosition(s string) (Position, bool) {
	switch p := Position(s); p {
	case PositionSupine, PositionProne, PositionSide, PositionSitting, PositionUnknown:
		return p, true
	}
	return "", false
}

type RiskLevel string

const (
	RiskSafe    RiskLevel = "safe"
	RiskWarning RiskLevel = "warning"
	RiskDanger  RiskLevel = "danger"

	// RiskUnknown is the process-start state. No model output maps to it.
	RiskUnknown RiskLevel = "unknown"
)

// ParseRiskLevel accepts exactly safe, warning and danger. Anything else,
// including "unknown" or a different case, is rejected.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	switch r := RiskLevel(s); r {
	case RiskSafe, RiskWarning, RiskDanger:
		return r, true
	}
	return "", false
}

// Rank orders levels by severity. Unknown ranks below safe.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskSafe:
		return 0
	case RiskWarning:
		return 1
	case RiskDanger:
		return 2
	default:
		return -1
	}
}

func (r RiskLevel) Elevated() bool {
	return r == RiskWarning || r == RiskDanger
}

// FrameSample is a captured frame. It must not be mutated after it has been
// pushed to a queue.
type FrameSample struct {
	Seq        uint64    `json:"seq"`
	JPEG       []byte    `json:"-"`
	Gray       []byte    `json:"-"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"captured_at"`
}

// AudioChunk holds mono PCM samples in [-1, 1]. Shared read-only between the
// analyzer and the live stream.
type AudioChunk struct {
	Samples    []float32 `json:"-"`
	SampleRate int       `json:"sample_rate"`
	StartedAt  time.Time `json:"started_at"`
}

func (c AudioChunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

type VisionJudgment struct {
	Position        Position  `json:"position"`
	InCrib          bool      `json:"in_crib"`
	FaceCovered     bool      `json:"face_covered"`
	BlanketNearFace bool      `json:"blanket_near_face"`
	LooseObjects    bool      `json:"loose_objects"`
	EyesOpen        bool      `json:"eyes_open"`
	BabyVisible     bool      `json:"baby_visible"`
	RiskLevel       RiskLevel `json:"risk_level"`
	Description     string    `json:"description"`
	Timestamp       time.Time `json:"timestamp"`
}

// DefaultVisionJudgment is what the status reports before the first
// successful analysis.
func DefaultVisionJudgment() VisionJudgment {
	return VisionJudgment{
		Position:    PositionUnknown,
		InCrib:      true,
		RiskLevel:   RiskUnknown,
		Description: "Waiting for first analysis",
	}
}

// DangerReasons lists the observed hazards, most severe first.
func (v VisionJudgment) DangerReasons() []string {
	var reasons []string
	if v.FaceCovered {
		reasons = append(reasons, "Face covered")
	}
	if v.Position == PositionProne {
		reasons = append(reasons, "Prone position")
	}
	if !v.InCrib {
		reasons = append(reasons, "Not in crib")
	}
	if v.BlanketNearFace {
		reasons = append(reasons, "Blanket near face")
	}
	if v.LooseObjects {
		reasons = append(reasons, "Loose objects in crib")
	}
	return reasons
}

type MotionReading struct {
	HasMotion       bool      `json:"has_motion"`
	MotionMagnitude float64   `json:"motion_magnitude"`
	TrackedPoints   int       `json:"tracked_points"`
	Description     string    `json:"description"`
	Timestamp       time.Time `json:"timestamp"`
}

func DefaultMotionReading() MotionReading {
	return MotionReading{Description: "Waiting for first frame"}
}

type AudioReading struct {
	IsCrying            bool      `json:"is_crying"`
	CryConfidence       float64   `json:"cry_confidence"`
	BreathingDetected   bool      `json:"breathing_detected"`
	BreathingRate       *float64  `json:"breathing_rate"`
	BreathingConfidence float64   `json:"breathing_confidence"`
	RMSLevel            float64   `json:"rms_level"`
	NormalizedLevel     float64   `json:"normalized_level"`
	SpectralCentroid    *float64  `json:"spectral_centroid"`
	Description         string    `json:"description"`
	Timestamp           time.Time `json:"timestamp"`
}

func DefaultAudioReading() AudioReading {
	return AudioReading{Description: "Waiting for audio"}
}
