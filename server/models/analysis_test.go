package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRiskLevel(t *testing.T) {
	for _, in := range []string{"safe", "warning", "danger"} {
		r, ok := ParseRiskLevel(in)
		assert.True(t, ok, in)
		assert.Equal(t, RiskLevel(in), r)
	}
	for _, in := range []string{"", "unknown", "critical", "low", "DANGER", "Safe", " danger "} {
		_, ok := ParseRiskLevel(in)
		assert.False(t, ok, in)
	}
}

func TestParsePosition(t *testing.T) {
	p, ok := ParsePosition("prone")
	assert.True(t, ok)
	assert.Equal(t, PositionProne, p)

	for _, in := range []string{"", "standing", "PRONE", " prone ", "Supine"} {
		_, ok := ParsePosition(in)
		assert.False(t, ok, in)
	}
}

func TestRiskLevelRank(t *testing.T) {
	assert.Less(t, RiskUnknown.Rank(), RiskSafe.Rank())
	assert.Less(t, RiskSafe.Rank(), RiskWarning.Rank())
	assert.Less(t, RiskWarning.Rank(), RiskDanger.Rank())
	assert.False(t, RiskUnknown.Elevated())
	assert.True(t, RiskWarning.Elevated())
}

func TestDefaultVisionJudgmentIsNotSafe(t *testing.T) {
	assert.Equal(t, RiskUnknown, DefaultVisionJudgment().RiskLevel)
}

func TestDangerReasons(t *testing.T) {
	j := VisionJudgment{Position: PositionProne, FaceCovered: true, InCrib: true}
	assert.Equal(t, []string{"Face covered", "Prone position"}, j.DangerReasons())

	j = VisionJudgment{Position: PositionSupine, InCrib: true}
	assert.Empty(t, j.DangerReasons())
}

func TestAudioChunkDuration(t *testing.T) {
	c := AudioChunk{Samples: make([]float32, 32000), SampleRate: 16000}
	assert.Equal(t, "2s", c.Duration().String())
}
