package audio

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/san-kum/cribwatch/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rate = 16000

func tone(freq, amp float64, d time.Duration) []float32 {
	n := int(d.Seconds() * rate)
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return out
}

// modulated is a 300 Hz carrier whose amplitude swings at breathsPerMinute.
func modulated(amp, breathsPerMinute float64, d time.Duration) []float32 {
	n := int(d.Seconds() * rate)
	out := make([]float32, n)
	mod := breathsPerMinute / 60
	for i := range out {
		t := float64(i) / rate
		env := 0.5 + 0.5*math.Sin(2*math.Pi*mod*t)
		out[i] = float32(amp * env * math.Sin(2*math.Pi*300*t))
	}
	return out
}

func chunk(samples []float32) models.AudioChunk {
	return models.AudioChunk{Samples: samples, SampleRate: rate, StartedAt: time.Unix(1700000000, 0)}
}

func TestAnalyzer_DetectCry(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())

	crying, confidence := a.DetectCry(chunk(tone(450, 0.5, 4*time.Second)))
	assert.True(t, crying)
	assert.InDelta(t, 1.0, confidence, 1e-9)

	crying, _ = a.DetectCry(chunk(tone(450, 0.02, 4*time.Second)))
	assert.False(t, crying)

	// Loud but short burst: peak passes, sustained energy does not.
	burst := make([]float32, 4*rate)
	copy(burst, tone(450, 0.9, 200*time.Millisecond))
	crying, confidence = a.DetectCry(chunk(burst))
	assert.False(t, crying)
	assert.Less(t, confidence, 0.3)
}

func TestAnalyzer_DetectBreathing(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())

	detected, bpm, confidence := a.DetectBreathing(chunk(modulated(0.02, 36, 4*time.Second)))
	require.True(t, detected)
	require.NotNil(t, bpm)
	assert.InDelta(t, 36, *bpm, 3)
	assert.GreaterOrEqual(t, confidence, 0.6)

	detected, bpm, _ = a.DetectBreathing(chunk(make([]float32, 4*rate)))
	assert.False(t, detected)
	assert.Nil(t, bpm)

	// Too loud for the quiet band.
	detected, _, _ = a.DetectBreathing(chunk(modulated(0.5, 36, 4*time.Second)))
	assert.False(t, detected)
}

func TestAnalyzer_NoiseIsNotBreathing(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	rng := rand.New(rand.NewSource(7))

	noise := make([]float32, 4*rate)
	for i := range noise {
		noise[i] = float32(rng.NormFloat64() * 0.01)
	}
	detected, bpm, _ := a.DetectBreathing(chunk(noise))
	assert.False(t, detected)
	assert.Nil(t, bpm)
}

func TestAnalyzer_SignalFeatures(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())

	level, centroid := a.SignalFeatures(chunk(tone(1000, 0.5, time.Second)))
	assert.InDelta(t, 0.5/math.Sqrt2, level, 1e-3)
	require.NotNil(t, centroid)
	assert.InDelta(t, 1000, *centroid, 50)

	level, centroid = a.SignalFeatures(chunk(make([]float32, 100)))
	assert.Zero(t, level)
	assert.Nil(t, centroid)
}

func TestAnalyzer_Analyze(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	c := chunk(tone(450, 0.5, 4*time.Second))

	r := a.Analyze(c)
	assert.True(t, r.IsCrying)
	assert.Contains(t, r.Description, "Crying detected")
	assert.InDelta(t, 1.0, r.NormalizedLevel, 1e-9)
	assert.Equal(t, c.StartedAt.Add(4*time.Second), r.Timestamp)

	quiet := a.Analyze(chunk(make([]float32, 4*rate)))
	assert.False(t, quiet.IsCrying)
	assert.Equal(t, "Quiet / no audio", quiet.Description)
}

func TestPCM16RoundTrip(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 1, -1}
	out := DecodePCM16(EncodePCM16(in))
	require.Len(t, out, len(in))
	for i := range in {
		assert.InDelta(t, in[i], out[i], 1e-3)
	}
	assert.Len(t, DecodePCM16([]byte{1, 2, 3}), 1)
}
