package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Vision.Interval)
	assert.Equal(t, 60*time.Second, cfg.Vision.Timeout)
	assert.Equal(t, 2, cfg.Alert.DebounceCount)
	assert.Equal(t, 60*time.Second, cfg.Alert.Cooldown)
	assert.Equal(t, 5*time.Minute, cfg.Report.Interval)
	assert.Equal(t, 0.05, cfg.Audio.CryRMSThreshold)
	assert.Equal(t, 2.0, cfg.Motion.Threshold)
	assert.Equal(t, 2, cfg.Queue.VisionQueueSize)
	assert.Empty(t, cfg.Database.Host)

	require.NoError(t, cfg.ValidateConfig(zap.NewNop()))
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("VISION_INTERVAL", "5s")
	t.Setenv("CRY_RMS_THRESHOLD", "0.08")
	t.Setenv("AUDIO_ENABLED", "false")
	t.Setenv("ALLOWED_ORIGINS", "http://a.local, http://b.local")
	t.Setenv("MOTION_FPS", "not-a-number")

	cfg := LoadConfig()

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Vision.Interval)
	assert.Equal(t, 0.08, cfg.Audio.CryRMSThreshold)
	assert.False(t, cfg.Audio.Enabled)
	assert.Equal(t, []string{"http://a.local", "http://b.local"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, 15, cfg.Motion.FPS)
}

func TestValidateConfig_AggregatesErrors(t *testing.T) {
	cfg := LoadConfig()
	cfg.Server.Port = 0
	cfg.Alert.DebounceCount = 0
	cfg.Audio.Source = "bluetooth"

	err := cfg.ValidateConfig(zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server port")
	assert.Contains(t, err.Error(), "debounce counts")
	assert.Contains(t, err.Error(), `unknown audio source "bluetooth"`)
}

func TestValidateConfig_RequiresAnAnalyzer(t *testing.T) {
	cfg := LoadConfig()
	cfg.Vision.Enabled = false
	cfg.Motion.Enabled = false
	cfg.Audio.Enabled = false

	err := cfg.ValidateConfig(zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one of vision, motion or audio")
}

func TestValidateConfig_MQTTAudioNeedsBroker(t *testing.T) {
	cfg := LoadConfig()
	cfg.Audio.Source = "mqtt"

	assert.Error(t, cfg.ValidateConfig(zap.NewNop()))

	cfg.MQTT.Broker = "tcp://localhost:1883"
	assert.NoError(t, cfg.ValidateConfig(zap.NewNop()))
}
