package ml

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/san-kum/cribwatch/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const safeReply = `{"face_covered": false, "position": "supine", "in_crib": true, "risk_level": "safe", "description": "Sleeping on back"}`

func setupClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, ClientConfig{
		Model:      "qwen3-vl:latest",
		Timeout:    time.Second,
		MaxRetries: 2,
		RetryDelay: 5 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return client
}

func replyWith(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse{
			Model:   "qwen3-vl:latest",
			Message: chatMessage{Role: "assistant", Content: content},
			Done:    true,
		})
	}
}

func TestClient_AnalyzeSendsImageAndSchema(t *testing.T) {
	var got chatRequest
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&got)) {
			return
		}
		replyWith(safeReply)(w, r)
	})

	j, err := client.Analyze(context.Background(), []byte{0xff, 0xd8}, "look")
	require.NoError(t, err)

	assert.Equal(t, models.RiskSafe, j.RiskLevel)
	assert.Equal(t, models.PositionSupine, j.Position)
	assert.True(t, j.InCrib)
	assert.True(t, j.BabyVisible)
	assert.False(t, j.Timestamp.IsZero())

	require.Len(t, got.Messages, 1)
	assert.Equal(t, "look", got.Messages[0].Content)
	assert.Equal(t, []string{"/9g="}, got.Messages[0].Images)
	assert.False(t, got.Stream)
	assert.NotNil(t, got.Format)
}

func TestClient_ServerErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		replyWith(safeReply)(w, r)
	})

	_, err := client.Analyze(context.Background(), []byte("img"), "p")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_InvalidReplyIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		replyWith(`{"position": "supine"}`)(w, r)
	})

	_, err := client.Analyze(context.Background(), []byte("img"), "p")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_AttemptTimeout(t *testing.T) {
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	})
	client.config.Timeout = 50 * time.Millisecond

	_, err := client.Analyze(context.Background(), []byte("img"), "p")
	require.Error(t, err)

	var ae *AnalysisError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, KindTimeout, ae.Kind)
}

func TestClient_HealthCheck(t *testing.T) {
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			_, _ = w.Write([]byte(`{"models":[]}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	assert.NoError(t, client.HealthCheck(context.Background()))
	assert.False(t, client.Healthy())
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient("", ClientConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestParseJudgment(t *testing.T) {
	tests := []struct {
		name    string
		content string
		kind    ErrorKind
		check   func(t *testing.T, j models.VisionJudgment)
	}{
		{
			name:    "danger with optional fields",
			content: `{"face_covered": true, "position": "prone", "in_crib": true, "blanket_near_face": true, "loose_objects": false, "eyes_open": false, "baby_visible": true, "risk_level": "danger", "description": "Face down "}`,
			check: func(t *testing.T, j models.VisionJudgment) {
				assert.Equal(t, models.RiskDanger, j.RiskLevel)
				assert.Equal(t, models.PositionProne, j.Position)
				assert.True(t, j.FaceCovered)
				assert.True(t, j.BlanketNearFace)
				assert.Equal(t, "Face down", j.Description)
			},
		},
		{
			name:    "fenced",
			content: "```json\n" + safeReply + "\n```",
			check: func(t *testing.T, j models.VisionJudgment) {
				assert.Equal(t, models.RiskSafe, j.RiskLevel)
			},
		},
		{
			name:    "baby not visible",
			content: `{"face_covered": false, "position": "unknown", "in_crib": true, "baby_visible": false, "risk_level": "warning", "description": "Empty crib"}`,
			check: func(t *testing.T, j models.VisionJudgment) {
				assert.False(t, j.BabyVisible)
				assert.Equal(t, models.PositionUnknown, j.Position)
			},
		},
		{name: "empty", content: "  ", kind: KindMalformed},
		{name: "prose", content: "The baby looks fine.", kind: KindMalformed},
		{name: "truncated", content: `{"face_covered": false, "position": "sup`, kind: KindMalformed},
		{name: "trailing data", content: safeReply + ` {}`, kind: KindMalformed},
		{name: "unknown field", content: `{"face_covered": false, "position": "supine", "in_crib": true, "risk_level": "safe", "description": "x", "mood": "happy"}`, kind: KindInvalid},
		{name: "missing risk", content: `{"face_covered": false, "position": "supine", "in_crib": true, "description": "x"}`, kind: KindInvalid},
		{name: "bad risk", content: `{"face_covered": false, "position": "supine", "in_crib": true, "risk_level": "critical", "description": "x"}`, kind: KindInvalid},
		{name: "unknown risk is not a reply", content: `{"face_covered": false, "position": "supine", "in_crib": true, "risk_level": "unknown", "description": "x"}`, kind: KindInvalid},
		{name: "uppercase risk", content: `{"face_covered": false, "position": "supine", "in_crib": true, "risk_level": "DANGER", "description": "x"}`, kind: KindInvalid},
		{name: "capitalised risk", content: `{"face_covered": false, "position": "supine", "in_crib": true, "risk_level": "Safe", "description": "x"}`, kind: KindInvalid},
		{name: "padded position", content: `{"face_covered": false, "position": " PRONE ", "in_crib": true, "risk_level": "danger", "description": "x"}`, kind: KindInvalid},
		{name: "bad position", content: `{"face_covered": false, "position": "standing", "in_crib": true, "risk_level": "safe", "description": "x"}`, kind: KindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := parseJudgment(tt.content)
			if tt.kind != "" {
				var ae *AnalysisError
				require.True(t, errors.As(err, &ae), "expected AnalysisError, got %v", err)
				assert.Equal(t, tt.kind, ae.Kind)
				return
			}
			require.NoError(t, err)
			tt.check(t, j)
		})
	}
}
