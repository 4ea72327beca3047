package ml

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/san-kum/cribwatch/server/models"
)

// DefaultPrompt is used until an operator stores a different one.
const DefaultPrompt = `You are a baby safety monitor AI. Analyze this baby camera image and respond ONLY with a JSON object (no markdown, no explanation, no extra text).

Check for:
1. Is the baby's face covered by cloth/blanket? (suffocation risk, DANGER)
2. What position is the baby in? supine=on back (safe), prone=on stomach (DANGER), side=on side (WARNING), sitting=upright (WARNING)
3. Is the baby inside the crib/bed?
4. Is a blanket or cloth near the face without covering it? (WARNING)
5. Are there loose objects such as pillows or toys in the crib? (WARNING)
6. Are the baby's eyes open? Is the baby visible at all?
7. Overall risk level: "safe", "warning", or "danger"

Respond with EXACTLY this JSON format:
{"face_covered": false, "position": "supine", "in_crib": true, "blanket_near_face": false, "loose_objects": false, "eyes_open": false, "baby_visible": true, "risk_level": "safe", "description": "Baby is sleeping safely on their back"}

IMPORTANT: Output ONLY the JSON object. No other text.`

// rawJudgment mirrors the wire shape. Pointers distinguish a missing field
// from a false or empty one.
type rawJudgment struct {
	Position        *string `json:"position"`
	InCrib          *bool   `json:"in_crib"`
	FaceCovered     *bool   `json:"face_covered"`
	BlanketNearFace *bool   `json:"blanket_near_face"`
	LooseObjects    *bool   `json:"loose_objects"`
	EyesOpen        *bool   `json:"eyes_open"`
	BabyVisible     *bool   `json:"baby_visible"`
	RiskLevel       *string `json:"risk_level"`
	Description     *string `json:"description"`
}

// parseJudgment validates model output strictly: unknown fields, missing
// required fields and out-of-range enums are errors, never defaults.
func parseJudgment(content string) (models.VisionJudgment, error) {
	body := stripCodeFence(content)
	if body == "" {
		return models.VisionJudgment{}, newError(KindMalformed, "empty model output", nil)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.DisallowUnknownFields()

	var raw rawJudgment
	if err := dec.Decode(&raw); err != nil {
		if strings.HasPrefix(err.Error(), "json: unknown field") {
			return models.VisionJudgment{}, newError(KindInvalid, "unexpected field in model output", err)
		}
		return models.VisionJudgment{}, newError(KindMalformed, "model output is not valid JSON", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return models.VisionJudgment{}, newError(KindMalformed, "trailing data after JSON object", nil)
	}

	var missing []string
	if raw.FaceCovered == nil {
		missing = append(missing, "face_covered")
	}
	if raw.Position == nil {
		missing = append(missing, "position")
	}
	if raw.InCrib == nil {
		missing = append(missing, "in_crib")
	}
	if raw.RiskLevel == nil {
		missing = append(missing, "risk_level")
	}
	if raw.Description == nil {
		missing = append(missing, "description")
	}
	if len(missing) > 0 {
		return models.VisionJudgment{}, newError(KindInvalid,
			"missing required fields: "+strings.Join(missing, ", "), nil)
	}

	position, ok := models.ParsePosition(*raw.Position)
	if !ok {
		return models.VisionJudgment{}, newError(KindInvalid, fmt.Sprintf("invalid position %q", *raw.Position), nil)
	}
	risk, ok := models.ParseRiskLevel(*raw.RiskLevel)
	if !ok {
		return models.VisionJudgment{}, newError(KindInvalid, fmt.Sprintf("invalid risk_level %q", *raw.RiskLevel), nil)
	}

	return models.VisionJudgment{
		Position:        position,
		InCrib:          *raw.InCrib,
		FaceCovered:     *raw.FaceCovered,
		BlanketNearFace: boolOr(raw.BlanketNearFace, false),
		LooseObjects:    boolOr(raw.LooseObjects, false),
		EyesOpen:        boolOr(raw.EyesOpen, false),
		BabyVisible:     boolOr(raw.BabyVisible, true),
		RiskLevel:       risk,
		Description:     strings.TrimSpace(*raw.Description),
	}, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
