package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Security SecurityConfig `json:"security"`
	Camera   CameraConfig   `json:"camera"`
	Audio    AudioConfig    `json:"audio"`
	Vision   VisionConfig   `json:"vision"`
	Motion   MotionConfig   `json:"motion"`
	Alert    AlertConfig    `json:"alert"`
	Report   ReportConfig   `json:"report"`
	Notify   NotifyConfig   `json:"notify"`
	Queue    QueueConfig    `json:"queue"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Logging  LoggingConfig  `json:"logging"`
}

type ServerConfig struct {
	Host             string        `json:"host"`
	Port             int           `json:"port"`
	ReadTimeout      time.Duration `json:"read_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout"`
	IdleTimeout      time.Duration `json:"idle_timeout"`
	Environment      string        `json:"environment"`
	VideoStreamFPS   int           `json:"video_stream_fps"`
	WSStatusInterval time.Duration `json:"ws_status_interval"`
	ShutdownTimeout  time.Duration `json:"shutdown_timeout"`
}

type SecurityConfig struct {
	APIToken       string        `json:"-"`
	AllowedOrigins []string      `json:"allowed_origins"`
	RateLimitRPS   int           `json:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst"`
	ActionRPS      int           `json:"action_rps"`
	ActionBurst    int           `json:"action_burst"`
	MaxRequestSize int64         `json:"max_request_size"`
	RequestTimeout time.Duration `json:"request_timeout"`
	EnableHTTPS    bool          `json:"enable_https"`
	CertFile       string        `json:"cert_file"`
	KeyFile        string        `json:"key_file"`
}

type CameraConfig struct {
	Device           string `json:"device"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	JPEGQuality      int    `json:"jpeg_quality"`
	FailureThreshold int    `json:"failure_threshold"`
}

type AudioConfig struct {
	Enabled             bool          `json:"enabled"`
	Source              string        `json:"source"` // ffmpeg or mqtt
	FFmpegPath          string        `json:"ffmpeg_path"`
	InputFormat         string        `json:"input_format"`
	Device              string        `json:"device"`
	SampleRate          int           `json:"sample_rate"`
	ChunkDuration       time.Duration `json:"chunk_duration"`
	CryRMSThreshold     float64       `json:"cry_rms_threshold"`
	CryPeakThreshold    float64       `json:"cry_peak_threshold"`
	CryEnergyRatio      float64       `json:"cry_energy_ratio"`
	BreathingConfidence float64       `json:"breathing_confidence"`
	RMSNormalization    float64       `json:"rms_normalization"`
}

type VisionConfig struct {
	Enabled             bool          `json:"enabled"`
	BaseURL             string        `json:"base_url"`
	Model               string        `json:"model"`
	Interval            time.Duration `json:"interval"`
	Timeout             time.Duration `json:"timeout"`
	MaxRetries          int           `json:"max_retries"`
	RetryDelay          time.Duration `json:"retry_delay"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
}

type MotionConfig struct {
	Enabled     bool    `json:"enabled"`
	FPS         int     `json:"fps"`
	Threshold   float64 `json:"threshold"`
	ReseedEvery int     `json:"reseed_every"`
	MinPoints   int     `json:"min_points"`
	MaxCorners  int     `json:"max_corners"`
}

type AlertConfig struct {
	DebounceCount    int           `json:"debounce_count"`
	CryDebounceCount int           `json:"cry_debounce_count"`
	Cooldown         time.Duration `json:"cooldown"`
	StaleAfter       time.Duration `json:"stale_after"`
	Tick             time.Duration `json:"tick"`
}

type ReportConfig struct {
	Interval time.Duration `json:"interval"`
}

type NotifyConfig struct {
	AlertWebhookURL  string        `json:"-"`
	ReportWebhookURL string        `json:"-"`
	Username         string        `json:"username"`
	Timeout          time.Duration `json:"timeout"`
	MaxAttempts      int           `json:"max_attempts"`
	RetryDelay       time.Duration `json:"retry_delay"`
	MaxRetryDelay    time.Duration `json:"max_retry_delay"`
}

type QueueConfig struct {
	FrameQueueSize    int `json:"frame_queue_size"`
	VisionQueueSize   int `json:"vision_queue_size"`
	AudioQueueSize    int `json:"audio_queue_size"`
	DispatchQueueSize int `json:"dispatch_queue_size"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
	DBName   string `json:"db_name"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int    `json:"max_connections"`
	MinConns int    `json:"min_connections"`
	// MemoryRows bounds each log kind when no database is configured.
	MemoryRows int `json:"memory_rows"`
}

type RedisConfig struct {
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Password string        `json:"-"`
	DB       int           `json:"db"`
	TTL      time.Duration `json:"ttl"`
}

type MQTTConfig struct {
	Broker          string        `json:"broker"`
	ClientID        string        `json:"client_id"`
	Username        string        `json:"username"`
	Password        string        `json:"-"`
	QoS             int           `json:"qos"`
	AudioTopic      string        `json:"audio_topic"`
	StatusTopic     string        `json:"status_topic"`
	RiskTopic       string        `json:"risk_topic"`
	PublishInterval time.Duration `json:"publish_interval"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// LoadConfig reads .env when present, then the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Host:             getEnv("SERVER_HOST", "0.0.0.0"),
			Port:             getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:      getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:     getEnvAsDuration("SERVER_WRITE_TIMEOUT", 0),
			IdleTimeout:      getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:      getEnv("ENVIRONMENT", "development"),
			VideoStreamFPS:   getEnvAsInt("VIDEO_STREAM_FPS", 10),
			WSStatusInterval: getEnvAsDuration("WS_STATUS_INTERVAL", time.Second),
			ShutdownTimeout:  getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Security: SecurityConfig{
			APIToken:       getEnv("API_TOKEN", ""),
			AllowedOrigins: getEnvAsStringSlice("ALLOWED_ORIGINS", []string{"*"}),
			RateLimitRPS:   getEnvAsInt("RATE_LIMIT_RPS", 20),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 40),
			ActionRPS:      getEnvAsInt("ACTION_RATE_LIMIT_RPS", 1),
			ActionBurst:    getEnvAsInt("ACTION_RATE_LIMIT_BURST", 3),
			MaxRequestSize: getEnvAsInt64("MAX_REQUEST_SIZE", 1024*1024),
			RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
			EnableHTTPS:    getEnvAsBool("ENABLE_HTTPS", false),
			CertFile:       getEnv("CERT_FILE", ""),
			KeyFile:        getEnv("KEY_FILE", ""),
		},
		Camera: CameraConfig{
			Device:           getEnv("CAMERA_DEVICE", "0"),
			Width:            getEnvAsInt("CAMERA_WIDTH", 640),
			Height:           getEnvAsInt("CAMERA_HEIGHT", 480),
			JPEGQuality:      getEnvAsInt("CAMERA_JPEG_QUALITY", 80),
			FailureThreshold: getEnvAsInt("CAMERA_FAILURE_THRESHOLD", 10),
		},
		Audio: AudioConfig{
			Enabled:             getEnvAsBool("AUDIO_ENABLED", true),
			Source:              getEnv("AUDIO_SOURCE", "ffmpeg"),
			FFmpegPath:          getEnv("FFMPEG_PATH", "ffmpeg"),
			InputFormat:         getEnv("AUDIO_INPUT_FORMAT", "alsa"),
			Device:              getEnv("AUDIO_DEVICE", "default"),
			SampleRate:          getEnvAsInt("AUDIO_SAMPLE_RATE", 16000),
			ChunkDuration:       getEnvAsDuration("AUDIO_CHUNK_DURATION", 4*time.Second),
			CryRMSThreshold:     getEnvAsFloat("CRY_RMS_THRESHOLD", 0.05),
			CryPeakThreshold:    getEnvAsFloat("CRY_PEAK_THRESHOLD", 0.3),
			CryEnergyRatio:      getEnvAsFloat("CRY_ENERGY_RATIO", 0.3),
			BreathingConfidence: getEnvAsFloat("BREATHING_CONFIDENCE", 0.6),
			RMSNormalization:    getEnvAsFloat("AUDIO_RMS_NORMALIZATION", 0.3),
		},
		Vision: VisionConfig{
			Enabled:             getEnvAsBool("VISION_ENABLED", true),
			BaseURL:             getEnv("VLM_BASE_URL", "http://localhost:11434"),
			Model:               getEnv("VLM_MODEL", "qwen2.5vl:7b"),
			Interval:            getEnvAsDuration("VISION_INTERVAL", 2*time.Second),
			Timeout:             getEnvAsDuration("VISION_TIMEOUT", 60*time.Second),
			MaxRetries:          getEnvAsInt("VLM_MAX_RETRIES", 2),
			RetryDelay:          getEnvAsDuration("VLM_RETRY_DELAY", time.Second),
			HealthCheckInterval: getEnvAsDuration("VLM_HEALTH_CHECK_INTERVAL", 30*time.Second),
		},
		Motion: MotionConfig{
			Enabled:     getEnvAsBool("MOTION_ENABLED", true),
			FPS:         getEnvAsInt("MOTION_FPS", 15),
			Threshold:   getEnvAsFloat("MOTION_THRESHOLD", 2.0),
			ReseedEvery: getEnvAsInt("MOTION_RESEED_EVERY", 30),
			MinPoints:   getEnvAsInt("MOTION_MIN_POINTS", 8),
			MaxCorners:  getEnvAsInt("MOTION_MAX_CORNERS", 100),
		},
		Alert: AlertConfig{
			DebounceCount:    getEnvAsInt("ALERT_DEBOUNCE_COUNT", 2),
			CryDebounceCount: getEnvAsInt("CRY_DEBOUNCE_COUNT", 2),
			Cooldown:         getEnvAsDuration("ALERT_COOLDOWN", 60*time.Second),
			StaleAfter:       getEnvAsDuration("STALE_AFTER", 30*time.Second),
			Tick:             getEnvAsDuration("FUSION_TICK", time.Second),
		},
		Report: ReportConfig{
			Interval: getEnvAsDuration("REPORT_INTERVAL", 5*time.Minute),
		},
		Notify: NotifyConfig{
			AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),
			ReportWebhookURL: getEnv("REPORT_WEBHOOK_URL", ""),
			Username:         getEnv("NOTIFY_USERNAME", "Baby Monitor"),
			Timeout:          getEnvAsDuration("NOTIFY_TIMEOUT", 15*time.Second),
			MaxAttempts:      getEnvAsInt("NOTIFY_MAX_ATTEMPTS", 3),
			RetryDelay:       getEnvAsDuration("NOTIFY_RETRY_DELAY", time.Second),
			MaxRetryDelay:    getEnvAsDuration("NOTIFY_MAX_RETRY_DELAY", 10*time.Second),
		},
		Queue: QueueConfig{
			FrameQueueSize:    getEnvAsInt("FRAME_QUEUE_SIZE", 30),
			VisionQueueSize:   getEnvAsInt("VISION_QUEUE_SIZE", 2),
			AudioQueueSize:    getEnvAsInt("AUDIO_QUEUE_SIZE", 16),
			DispatchQueueSize: getEnvAsInt("DISPATCH_QUEUE_SIZE", 16),
		},
		Database: DatabaseConfig{
			Host:       getEnv("DB_HOST", ""),
			Port:       getEnvAsInt("DB_PORT", 5432),
			User:       getEnv("DB_USER", "postgres"),
			Password:   getEnv("DB_PASSWORD", ""),
			DBName:     getEnv("DB_NAME", "cribwatch"),
			SSLMode:    getEnv("DB_SSL_MODE", "disable"),
			MaxConns:   getEnvAsInt("DB_MAX_CONNS", 10),
			MinConns:   getEnvAsInt("DB_MIN_CONNS", 2),
			MemoryRows: getEnvAsInt("MEMORY_STORE_ROWS", 1000),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			TTL:      getEnvAsDuration("REDIS_TTL", 5*time.Minute),
		},
		MQTT: MQTTConfig{
			Broker:          getEnv("MQTT_BROKER", ""),
			ClientID:        getEnv("MQTT_CLIENT_ID", "cribwatch"),
			Username:        getEnv("MQTT_USERNAME", ""),
			Password:        getEnv("MQTT_PASSWORD", ""),
			QoS:             getEnvAsInt("MQTT_QOS", 1),
			AudioTopic:      getEnv("MQTT_AUDIO_TOPIC", "cribwatch/audio/pcm"),
			StatusTopic:     getEnv("MQTT_STATUS_TOPIC", "cribwatch/status"),
			RiskTopic:       getEnv("MQTT_RISK_TOPIC", "cribwatch/risk"),
			PublishInterval: getEnvAsDuration("MQTT_PUBLISH_INTERVAL", 5*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config
}

// ValidateConfig reports every hard problem in one error. Missing webhooks
// and a missing API token only produce warnings.
func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "server port must be between 1 and 65535")
	}
	if c.Server.VideoStreamFPS < 1 {
		errors = append(errors, "video stream fps must be positive")
	}
	if c.Server.WSStatusInterval <= 0 {
		errors = append(errors, "websocket status interval must be positive")
	}

	if c.Security.MaxRequestSize <= 0 {
		errors = append(errors, "max request size must be positive")
	}
	if c.Security.RateLimitRPS < 1 || c.Security.ActionRPS < 1 {
		errors = append(errors, "rate limits must be positive")
	}
	if c.Security.EnableHTTPS && (c.Security.CertFile == "" || c.Security.KeyFile == "") {
		errors = append(errors, "HTTPS requires CERT_FILE and KEY_FILE")
	}

	if !c.Vision.Enabled && !c.Motion.Enabled && !c.Audio.Enabled {
		errors = append(errors, "at least one of vision, motion or audio must be enabled")
	}

	if c.Vision.Enabled {
		if c.Vision.BaseURL == "" {
			errors = append(errors, "VLM base URL is required when vision is enabled")
		}
		if c.Vision.Interval <= 0 || c.Vision.Timeout <= 0 {
			errors = append(errors, "vision interval and timeout must be positive")
		}
	}

	if c.Motion.Enabled {
		if c.Motion.FPS < 1 {
			errors = append(errors, "motion fps must be positive")
		}
		if c.Motion.Threshold <= 0 {
			errors = append(errors, "motion threshold must be positive")
		}
	}

	if c.Camera.JPEGQuality < 1 || c.Camera.JPEGQuality > 100 {
		errors = append(errors, "camera JPEG quality must be between 1 and 100")
	}
	if c.Camera.FailureThreshold < 1 {
		errors = append(errors, "camera failure threshold must be positive")
	}

	if c.Audio.Enabled {
		switch c.Audio.Source {
		case "ffmpeg":
		case "mqtt":
			if c.MQTT.Broker == "" {
				errors = append(errors, "MQTT broker is required for the mqtt audio source")
			}
		default:
			errors = append(errors, fmt.Sprintf("unknown audio source %q", c.Audio.Source))
		}
		if c.Audio.SampleRate < 1000 {
			errors = append(errors, "audio sample rate must be at least 1000")
		}
		if c.Audio.ChunkDuration < 100*time.Millisecond {
			errors = append(errors, "audio chunk duration must be at least 100ms")
		}
		if c.Audio.RMSNormalization <= 0 {
			errors = append(errors, "audio RMS normalization must be positive")
		}
	}

	if c.Alert.DebounceCount < 1 || c.Alert.CryDebounceCount < 1 {
		errors = append(errors, "debounce counts must be at least 1")
	}
	if c.Alert.Cooldown < 0 {
		errors = append(errors, "alert cooldown must not be negative")
	}
	if c.Alert.StaleAfter <= 0 || c.Alert.Tick <= 0 {
		errors = append(errors, "stale threshold and fusion tick must be positive")
	}
	if c.Report.Interval <= 0 {
		errors = append(errors, "report interval must be positive")
	}
	if c.Notify.MaxAttempts < 1 {
		errors = append(errors, "notify max attempts must be at least 1")
	}

	if c.Queue.FrameQueueSize < 1 || c.Queue.VisionQueueSize < 1 ||
		c.Queue.AudioQueueSize < 1 || c.Queue.DispatchQueueSize < 1 {
		errors = append(errors, "queue sizes must be positive")
	}

	if c.Database.Host != "" && (c.Database.Port < 1 || c.Database.Port > 65535) {
		errors = append(errors, "database port must be between 1 and 65535")
	}
	if c.Redis.Host != "" && (c.Redis.Port < 1 || c.Redis.Port > 65535) {
		errors = append(errors, "Redis port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errors = append(errors, "MQTT QoS must be 0, 1 or 2")
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errors = append(errors, "log format must be json or console")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, ", "))
	}

	if c.Notify.AlertWebhookURL == "" {
		logger.Warn("ALERT_WEBHOOK_URL not set, alerts will only be logged")
	}
	if c.Notify.ReportWebhookURL == "" {
		logger.Warn("REPORT_WEBHOOK_URL not set, summary reports will only be logged")
	}
	if c.Security.APIToken == "" {
		logger.Warn("API_TOKEN not set, control endpoints are open")
	}
	if c.Database.Host == "" {
		logger.Warn("DB_HOST not set, logs are kept in memory only")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
