package store

import (
	"context"
	"sync"

	"github.com/san-kum/cribwatch/server/models"
)

// ring keeps the newest capacity entries.
type ring[T any] struct {
	items []T
	next  int
	full  bool
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) add(item T) {
	r.items[r.next] = item
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring[T]) size() int {
	if r.full {
		return len(r.items)
	}
	return r.next
}

// recent returns up to limit entries, newest first.
func (r *ring[T]) recent(limit int) []T {
	n := r.size()
	if limit < n {
		n = limit
	}
	out := make([]T, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.items[(r.next-i+len(r.items))%len(r.items)])
	}
	return out
}

// MemoryStore is used when no database is configured. Counts cover every
// entry appended since start, not just the retained ones.
type MemoryStore struct {
	mutex sync.RWMutex

	vision *ring[models.VisionLogEntry]
	alerts *ring[models.AlertLogEntry]
	events *ring[models.EventLogEntry]
	audio  *ring[models.AudioLogEntry]
	config map[string]string
	counts models.LogCounts
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{
		vision: newRing[models.VisionLogEntry](capacity),
		alerts: newRing[models.AlertLogEntry](capacity),
		events: newRing[models.EventLogEntry](capacity),
		audio:  newRing[models.AudioLogEntry](capacity),
		config: make(map[string]string),
	}
}

func (s *MemoryStore) AppendVision(_ context.Context, entry models.VisionLogEntry) error {
	entry.ID = ensureID(entry.ID)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.vision.add(entry)
	s.counts.VisionLogs++
	if entry.RiskLevel.Elevated() {
		s.counts.AlertsCount++
	}
	return nil
}

func (s *MemoryStore) AppendAlert(_ context.Context, entry models.AlertLogEntry) error {
	entry.ID = ensureID(entry.ID)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.alerts.add(entry)
	if entry.Success {
		s.counts.NotificationsSent++
	} else {
		s.counts.NotificationsFail++
	}
	return nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, entry models.EventLogEntry) error {
	entry.ID = ensureID(entry.ID)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.events.add(entry)
	if entry.Type == models.EventVisionError {
		s.counts.VisionErrors++
		s.counts.LastVisionError = entry.Message
		at := entry.Timestamp
		s.counts.LastVisionErrorAt = &at
	}
	return nil
}

func (s *MemoryStore) AppendAudio(_ context.Context, entry models.AudioLogEntry) error {
	entry.ID = ensureID(entry.ID)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.audio.add(entry)
	if entry.IsCrying {
		s.counts.CryCount++
	}
	return nil
}

func (s *MemoryStore) RecentVision(_ context.Context, limit int) ([]models.VisionLogEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.vision.recent(ClampLimit(limit)), nil
}

func (s *MemoryStore) RecentAlerts(_ context.Context, limit int) ([]models.AlertLogEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.alerts.recent(ClampLimit(limit)), nil
}

func (s *MemoryStore) RecentEvents(_ context.Context, limit int) ([]models.EventLogEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.events.recent(ClampLimit(limit)), nil
}

func (s *MemoryStore) RecentAudio(_ context.Context, limit int) ([]models.AudioLogEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.audio.recent(ClampLimit(limit)), nil
}

func (s *MemoryStore) Counts(_ context.Context) (models.LogCounts, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	c := s.counts
	if c.LastVisionErrorAt != nil {
		at := *c.LastVisionErrorAt
		c.LastVisionErrorAt = &at
	}
	return c, nil
}

func (s *MemoryStore) GetConfig(_ context.Context, key string) (string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	v, ok := s.config[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) SetConfig(_ context.Context, key, value string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.config[key] = value
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
