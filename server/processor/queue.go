package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrQueueClosed = errors.New("queue closed")

// Queue is a bounded FIFO between one producer loop and one consumer loop.
// Push never blocks: when the queue is full the oldest item is evicted.
type Queue[T any] struct {
	name      string
	items     chan T
	mutex     sync.Mutex
	shutdown  chan struct{}
	closeOnce sync.Once
	isRunning atomic.Bool

	pushed  atomic.Int64
	dropped atomic.Int64
	skipped atomic.Int64
}

func NewQueue[T any](name string, capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		name:     name,
		items:    make(chan T, capacity),
		shutdown: make(chan struct{}),
	}
	q.isRunning.Store(true)
	return q
}

// Push enqueues item, evicting the oldest entry when at capacity. It returns
// false only after Shutdown.
func (q *Queue[T]) Push(item T) bool {
	if !q.isRunning.Load() {
		return false
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.pushed.Add(1)
	for {
		select {
		case q.items <- item:
			return true
		default:
		}
		select {
		case <-q.items:
			q.dropped.Add(1)
		default:
		}
	}
}

// Pop blocks until an item is available, ctx is done or the queue is shut
// down.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-q.shutdown:
		return zero, ErrQueueClosed
	default:
	}

	select {
	case item := <-q.items:
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-q.shutdown:
		return zero, ErrQueueClosed
	}
}

// PopLatest waits like Pop, then discards any backlog and returns the newest
// item.
func (q *Queue[T]) PopLatest(ctx context.Context) (T, error) {
	item, err := q.Pop(ctx)
	if err != nil {
		return item, err
	}
	for {
		select {
		case newer := <-q.items:
			q.skipped.Add(1)
			item = newer
		default:
			return item, nil
		}
	}
}

func (q *Queue[T]) Size() int {
	return len(q.items)
}

func (q *Queue[T]) Capacity() int {
	return cap(q.items)
}

func (q *Queue[T]) IsRunning() bool {
	return q.isRunning.Load()
}

// Shutdown wakes every blocked Pop with ErrQueueClosed. Items still queued are
// left for Drain.
func (q *Queue[T]) Shutdown() {
	q.closeOnce.Do(func() {
		q.isRunning.Store(false)
		close(q.shutdown)
	})
}

// Drain empties the queue and returns how many items were discarded.
func (q *Queue[T]) Drain() int {
	drained := 0
	for {
		select {
		case <-q.items:
			drained++
		default:
			return drained
		}
	}
}

func (q *Queue[T]) GetQueueStats() QueueStats {
	size := q.Size()
	return QueueStats{
		Name:               q.name,
		CurrentSize:        size,
		MaxCapacity:        q.Capacity(),
		Pushed:             q.pushed.Load(),
		Dropped:            q.dropped.Load(),
		Skipped:            q.skipped.Load(),
		IsRunning:          q.IsRunning(),
		UtilizationPercent: float64(size) / float64(q.Capacity()) * 100,
	}
}

type QueueStats struct {
	Name               string  `json:"name"`
	CurrentSize        int     `json:"current_size"`
	MaxCapacity        int     `json:"max_capacity"`
	Pushed             int64   `json:"pushed"`
	Dropped            int64   `json:"dropped"`
	Skipped            int64   `json:"skipped"`
	IsRunning          bool    `json:"is_running"`
	UtilizationPercent float64 `json:"utilization_percent"`
}
