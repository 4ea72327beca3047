package audio

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/san-kum/cribwatch/server/models"
	"go.uber.org/zap"
)

// DecodePCM16 converts little-endian signed 16-bit mono PCM to samples in
// [-1, 1]. A trailing odd byte is ignored.
func DecodePCM16(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(b[2*i:]))) / 32768
	}
	return out
}

// EncodePCM16 is the inverse of DecodePCM16, clipping to [-1, 1].
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s*32767)))
	}
	return out
}

type MicrophoneConfig struct {
	FFmpegPath    string
	InputFormat   string // alsa, pulse, avfoundation, dshow
	Device        string
	SampleRate    int
	ChunkDuration time.Duration
}

// Microphone captures mono PCM through an ffmpeg child process and cuts it
// into fixed-duration chunks.
type Microphone struct {
	config MicrophoneConfig
	logger *zap.Logger

	mutex  sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout *bufio.Reader
	done   chan struct{}
}

func NewMicrophone(cfg MicrophoneConfig, logger *zap.Logger) *Microphone {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "alsa"
	}
	if cfg.Device == "" {
		cfg.Device = "default"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 4 * time.Second
	}
	return &Microphone{config: cfg, logger: logger}
}

func (m *Microphone) args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", m.config.InputFormat,
		"-i", m.config.Device,
		"-ac", "1",
		"-ar", strconv.Itoa(m.config.SampleRate),
		"-f", "s16le",
		"pipe:1",
	}
}

func (m *Microphone) Start(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.cmd != nil {
		return nil
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, m.config.FFmpegPath, m.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("microphone stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("microphone stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	m.cmd = cmd
	m.cancel = cancel
	m.stdout = bufio.NewReaderSize(stdout, 64*1024)
	m.done = make(chan struct{})

	go m.logStderr(stderr)
	go m.wait(cmd, m.done)

	m.logger.Info("Microphone capture started",
		zap.String("device", m.config.Device),
		zap.String("format", m.config.InputFormat),
		zap.Int("sample_rate", m.config.SampleRate))
	return nil
}

func (m *Microphone) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		m.logger.Warn("ffmpeg", zap.String("line", scanner.Text()))
	}
}

func (m *Microphone) wait(cmd *exec.Cmd, done chan struct{}) {
	defer close(done)
	if err := cmd.Wait(); err != nil {
		m.logger.Debug("ffmpeg exited", zap.Error(err))
	}
}

// ReadChunk blocks until one full chunk has been read. Any error means the
// process is gone and the caller should Close and Start again.
func (m *Microphone) ReadChunk(ctx context.Context) (models.AudioChunk, error) {
	m.mutex.Lock()
	reader := m.stdout
	m.mutex.Unlock()
	if reader == nil {
		return models.AudioChunk{}, fmt.Errorf("microphone not started")
	}

	n := int(m.config.ChunkDuration.Seconds()*float64(m.config.SampleRate)) * 2
	buf := make([]byte, n)
	started := time.Now()

	readErr := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(reader, buf)
		readErr <- err
	}()

	select {
	case <-ctx.Done():
		// The read goroutine ends once Close kills the process.
		return models.AudioChunk{}, ctx.Err()
	case err := <-readErr:
		if err != nil {
			return models.AudioChunk{}, fmt.Errorf("microphone read failed: %w", err)
		}
	}

	return models.AudioChunk{
		Samples:    DecodePCM16(buf),
		SampleRate: m.config.SampleRate,
		StartedAt:  started,
	}, nil
}

func (m *Microphone) Close() error {
	m.mutex.Lock()
	cancel, done := m.cancel, m.done
	m.cmd, m.cancel, m.stdout, m.done = nil, nil, nil, nil
	m.mutex.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		m.logger.Warn("ffmpeg did not exit after kill")
	}
	return nil
}
