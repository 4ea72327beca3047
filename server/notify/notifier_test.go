package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/san-kum/cribwatch/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingLog struct {
	mu      sync.Mutex
	entries []models.AlertLogEntry
}

func (r *recordingLog) AppendAlert(_ context.Context, e models.AlertLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingLog) all() []models.AlertLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.AlertLogEntry(nil), r.entries...)
}

func setupNotifier(t *testing.T, url string) (*Notifier, *recordingLog) {
	log := &recordingLog{}
	n := NewNotifier(Config{
		AlertWebhookURL:  url,
		ReportWebhookURL: url,
		Timeout:          2 * time.Second,
		MaxAttempts:      3,
		RetryDelay:       time.Millisecond,
		MaxRetryDelay:    5 * time.Millisecond,
	}, log, zap.NewNop())
	return n, log
}

func TestSend_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n, log := setupNotifier(t, srv.URL)
	ok := n.Send(context.Background(), Message{
		Channel:  ChannelAlert,
		Severity: models.SeverityDanger,
		Title:    "DANGER",
	})

	assert.True(t, ok)
	assert.Equal(t, int32(3), calls.Load())

	entries := log.all()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.Equal(t, "alert", entries[0].Channel)
}

func TestSend_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n, log := setupNotifier(t, srv.URL)
	ok := n.Send(context.Background(), Message{Channel: ChannelAlert, Severity: models.SeverityWarning, Title: "w"})

	assert.False(t, ok)
	assert.Equal(t, int32(3), calls.Load())
	entries := log.all()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.Contains(t, entries[0].Error, "429")
}

func TestSend_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n, log := setupNotifier(t, srv.URL)
	assert.False(t, n.Send(context.Background(), Message{Channel: ChannelReport, Severity: models.SeverityReport}))
	assert.Equal(t, int32(1), calls.Load())
	entries := log.all()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Contains(t, entries[0].Error, "400")
}

func TestSend_JSONPayload(t *testing.T) {
	var body webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n, _ := setupNotifier(t, srv.URL)
	require.True(t, n.Send(context.Background(), Message{
		Channel:     ChannelAlert,
		Severity:    models.SeverityDanger,
		Title:       "DANGER: Immediate Attention Required",
		Description: "Face covered",
	}))

	require.Len(t, body.Embeds, 1)
	e := body.Embeds[0]
	assert.Equal(t, 0xe74c3c, e.Color)
	assert.Equal(t, "Face covered", e.Description)
	require.Len(t, e.Fields, 1)
	assert.Equal(t, "DANGER", e.Fields[0].Value)
	assert.Nil(t, e.Image)
}

func TestSend_MultipartWithImage(t *testing.T) {
	var payload webhookPayload
	var file []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		_ = json.Unmarshal([]byte(r.FormValue("payload_json")), &payload)
		f, hdr, err := r.FormFile("files[0]")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		assert.Equal(t, "capture.jpg", hdr.Filename)
		file, _ = io.ReadAll(f)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, log := setupNotifier(t, srv.URL)
	img := []byte{0xff, 0xd8, 0xff, 0xd9}
	require.True(t, n.Send(context.Background(), Message{
		Channel:  ChannelAlert,
		Severity: models.SeverityWarning,
		Title:    "Warning: Check Baby",
		Image:    img,
	}))

	assert.Equal(t, img, file)
	require.Len(t, payload.Embeds, 1)
	require.NotNil(t, payload.Embeds[0].Image)
	assert.Equal(t, "attachment://capture.jpg", payload.Embeds[0].Image.URL)
	assert.True(t, log.all()[0].HasImage)
}

func TestSend_UnconfiguredChannel(t *testing.T) {
	n, log := setupNotifier(t, "")
	assert.False(t, n.Send(context.Background(), Message{Channel: ChannelAlert, Severity: models.SeverityDanger}))

	entries := log.all()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Equal(t, 0, entries[0].Attempts)
	assert.Contains(t, entries[0].Error, ErrNotConfigured.Error())
}

func TestSend_ContextCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	log := &recordingLog{}
	n := NewNotifier(Config{
		AlertWebhookURL: srv.URL,
		MaxAttempts:     5,
		RetryDelay:      time.Hour,
	}, log, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	assert.False(t, n.Send(ctx, Message{Channel: ChannelAlert, Severity: models.SeverityDanger}))
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, log.all(), 1)
}

func TestNewNotifier_ConfiguresClientRetries(t *testing.T) {
	n := NewNotifier(Config{MaxAttempts: 4, RetryDelay: time.Second, MaxRetryDelay: 3 * time.Second}, nil, zap.NewNop())
	assert.Equal(t, 3, n.client.RetryCount)
	assert.Equal(t, time.Second, n.client.RetryWaitTime)
	assert.Equal(t, 3*time.Second, n.client.RetryMaxWaitTime)

	n = NewNotifier(Config{RetryDelay: 2 * time.Second}, nil, zap.NewNop())
	assert.Equal(t, 0, n.client.RetryCount)
	assert.Equal(t, 2*time.Second, n.client.RetryMaxWaitTime)
}

func TestRetryable(t *testing.T) {
	for _, status := range []int{0, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		assert.True(t, retryable(status), status)
	}
	for _, status := range []int{http.StatusOK, http.StatusBadRequest, http.StatusNotFound} {
		assert.False(t, retryable(status), status)
	}
}

func TestSend_RetryResendsImage(t *testing.T) {
	var calls atomic.Int32
	var lastFile []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		f, _, err := r.FormFile("files[0]")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		lastFile, _ = io.ReadAll(f)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, log := setupNotifier(t, srv.URL)
	img := []byte{0xff, 0xd8, 0x01, 0x02, 0xff, 0xd9}
	require.True(t, n.Send(context.Background(), Message{
		Channel:  ChannelAlert,
		Severity: models.SeverityDanger,
		Title:    "DANGER",
		Image:    img,
	}))

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, img, lastFile)
	assert.Equal(t, 2, log.all()[0].Attempts)
}
