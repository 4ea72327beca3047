package audio

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/san-kum/cribwatch/server/models"
)

const (
	cryFrame       = 25 * time.Millisecond
	cryHop         = 10 * time.Millisecond
	cryFrameEnergy = 0.01

	breathingWindow = 50 * time.Millisecond
	breathingMinLag = 750 * time.Millisecond
	breathingMaxLag = 2 * time.Second
	breathingMinRMS = 0.002
	breathingMaxRMS = 0.05

	centroidFrameSize = 2048
	quietRMS          = 0.005
)

type Config struct {
	SampleRate          int
	CryRMSThreshold     float64
	CryPeakThreshold    float64
	CryEnergyRatio      float64
	BreathingConfidence float64
	RMSNormalization    float64
}

func DefaultConfig() Config {
	return Config{
		SampleRate:          16000,
		CryRMSThreshold:     0.05,
		CryPeakThreshold:    0.3,
		CryEnergyRatio:      0.3,
		BreathingConfidence: 0.6,
		RMSNormalization:    0.3,
	}
}

// Analyzer extracts cry, breathing and level features from PCM chunks. It
// holds no state between chunks and is safe for concurrent use.
type Analyzer struct {
	config Config
}

func NewAnalyzer(cfg Config) *Analyzer {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.RMSNormalization <= 0 {
		cfg.RMSNormalization = def.RMSNormalization
	}
	return &Analyzer{config: cfg}
}

func (a *Analyzer) samplesFor(d time.Duration, rate int) int {
	return int(d.Seconds() * float64(rate))
}

func (a *Analyzer) rate(chunk models.AudioChunk) int {
	if chunk.SampleRate > 0 {
		return chunk.SampleRate
	}
	return a.config.SampleRate
}

// DetectCry flags sustained loud sound. confidence is the share of 25 ms
// frames above the energy floor, reported even when not crying.
func (a *Analyzer) DetectCry(chunk models.AudioChunk) (bool, float64) {
	rate := a.rate(chunk)
	energies := frameEnergies(chunk.Samples, a.samplesFor(cryFrame, rate), a.samplesFor(cryHop, rate))
	if len(energies) == 0 {
		return false, 0
	}

	high := 0
	for _, e := range energies {
		if e > cryFrameEnergy {
			high++
		}
	}
	ratio := float64(high) / float64(len(energies))

	loud := rms(chunk.Samples) > a.config.CryRMSThreshold && peak(chunk.Samples) > a.config.CryPeakThreshold
	return loud && ratio > a.config.CryEnergyRatio, ratio
}

// DetectBreathing looks for a periodic envelope between 30 and 80 breaths per
// minute in quiet audio. rate is nil unless detected.
func (a *Analyzer) DetectBreathing(chunk models.AudioChunk) (bool, *float64, float64) {
	level := rms(chunk.Samples)
	if level < breathingMinRMS || level > breathingMaxRMS {
		return false, nil, 0
	}

	rate := a.rate(chunk)
	env := envelope(chunk.Samples, a.samplesFor(breathingWindow, rate))
	step := breathingWindow.Seconds()
	minLag := int(math.Round(breathingMinLag.Seconds() / step))
	maxLag := int(math.Round(breathingMaxLag.Seconds() / step))
	if maxLag >= len(env)-1 {
		maxLag = len(env) - 2
	}

	bestLag, best := 0, 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		if c := lagCorrelation(env, lag); c > best {
			best, bestLag = c, lag
		}
	}
	if bestLag == 0 || best < a.config.BreathingConfidence {
		return false, nil, best
	}

	bpm := 60 / (float64(bestLag) * step)
	return true, &bpm, best
}

func (a *Analyzer) SignalFeatures(chunk models.AudioChunk) (float64, *float64) {
	level := rms(chunk.Samples)
	centroid, ok := spectralCentroid(chunk.Samples, a.rate(chunk), centroidFrameSize)
	if !ok {
		return level, nil
	}
	return level, &centroid
}

func (a *Analyzer) Analyze(chunk models.AudioChunk) models.AudioReading {
	crying, cryConfidence := a.DetectCry(chunk)
	breathing, bpm, breathingConfidence := a.DetectBreathing(chunk)
	level, centroid := a.SignalFeatures(chunk)

	var parts []string
	if crying {
		parts = append(parts, fmt.Sprintf("Crying detected (RMS=%.3f)", level))
	}
	if breathing {
		parts = append(parts, fmt.Sprintf("Breathing detected (%.0f bpm)", *bpm))
	}
	if len(parts) == 0 {
		if level < quietRMS {
			parts = append(parts, "Quiet / no audio")
		} else {
			parts = append(parts, fmt.Sprintf("Ambient noise (RMS=%.3f)", level))
		}
	}

	timestamp := chunk.StartedAt.Add(chunk.Duration())
	if chunk.StartedAt.IsZero() {
		timestamp = time.Now()
	}

	return models.AudioReading{
		IsCrying:            crying,
		CryConfidence:       cryConfidence,
		BreathingDetected:   breathing,
		BreathingRate:       bpm,
		BreathingConfidence: breathingConfidence,
		RMSLevel:            level,
		NormalizedLevel:     math.Min(1, level/a.config.RMSNormalization),
		SpectralCentroid:    centroid,
		Description:         strings.Join(parts, ", "),
		Timestamp:           timestamp,
	}
}
