package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/san-kum/cribwatch/server/audio"
	"github.com/san-kum/cribwatch/server/models"
	"github.com/san-kum/cribwatch/server/processor"
	"go.uber.org/zap"
)

type Subscriber interface {
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
}

type AudioSourceConfig struct {
	// Topic carries raw little-endian PCM16 mono payloads, e.g.
	// "cribwatch/+/audio".
	Topic         string
	SampleRate    int
	ChunkDuration time.Duration
	// IdleTimeout is how long ReadChunk waits for data before reporting the
	// microphone node as gone.
	IdleTimeout time.Duration
	BufferSize  int
}

// AudioSource assembles PCM payloads from a remote microphone node into
// fixed-duration chunks.
type AudioSource struct {
	sub    Subscriber
	config AudioSourceConfig
	logger *zap.Logger

	mutex   sync.Mutex
	pending []float32
	started time.Time
	chunks  *processor.Queue[models.AudioChunk]
}

func NewAudioSource(sub Subscriber, cfg AudioSourceConfig, logger *zap.Logger) *AudioSource {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 4 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 3 * cfg.ChunkDuration
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4
	}
	return &AudioSource{sub: sub, config: cfg, logger: logger}
}

func (s *AudioSource) chunkSamples() int {
	return int(s.config.ChunkDuration.Seconds() * float64(s.config.SampleRate))
}

func (s *AudioSource) Start(_ context.Context) error {
	s.mutex.Lock()
	if s.chunks != nil {
		s.mutex.Unlock()
		return nil
	}
	s.chunks = processor.NewQueue[models.AudioChunk]("mqtt_audio", s.config.BufferSize)
	s.pending = s.pending[:0]
	s.mutex.Unlock()

	if err := s.sub.Subscribe(s.config.Topic, s.handlePayload); err != nil {
		s.mutex.Lock()
		s.chunks.Shutdown()
		s.chunks = nil
		s.mutex.Unlock()
		return err
	}
	s.logger.Info("Subscribed to audio topic", zap.String("topic", s.config.Topic))
	return nil
}

func (s *AudioSource) handlePayload(topic string, payload []byte) {
	samples := audio.DecodePCM16(payload)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.chunks == nil {
		return
	}
	if len(s.pending) == 0 {
		s.started = time.Now().Add(-time.Duration(len(samples)) * time.Second / time.Duration(s.config.SampleRate))
	}
	s.pending = append(s.pending, samples...)

	size := s.chunkSamples()
	for len(s.pending) >= size {
		chunk := models.AudioChunk{
			Samples:    append([]float32(nil), s.pending[:size]...),
			SampleRate: s.config.SampleRate,
			StartedAt:  s.started,
		}
		s.pending = append(s.pending[:0], s.pending[size:]...)
		s.started = s.started.Add(s.config.ChunkDuration)
		s.chunks.Push(chunk)
	}
}

func (s *AudioSource) ReadChunk(ctx context.Context) (models.AudioChunk, error) {
	s.mutex.Lock()
	chunks := s.chunks
	s.mutex.Unlock()
	if chunks == nil {
		return models.AudioChunk{}, fmt.Errorf("audio source not started")
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.config.IdleTimeout)
	defer cancel()

	chunk, err := chunks.Pop(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return models.AudioChunk{}, ctx.Err()
		}
		return models.AudioChunk{}, fmt.Errorf("no audio from %s for %s: %w", s.config.Topic, s.config.IdleTimeout, err)
	}
	return chunk, nil
}

func (s *AudioSource) Close() error {
	s.mutex.Lock()
	chunks := s.chunks
	s.chunks = nil
	s.pending = nil
	s.mutex.Unlock()

	if chunks == nil {
		return nil
	}
	chunks.Shutdown()
	return s.sub.Unsubscribe(s.config.Topic)
}
