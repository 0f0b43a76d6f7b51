package transcription

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zhouzirui/karitas/backend/internal/model/transcript"
)

// ErrQueueEmpty 表示在超时时间内没有新的记录。
var ErrQueueEmpty = errors.New("transcript queue empty")

// Queue 是识别线程到消费者之间的无界 FIFO，Push 从不阻塞。
type Queue struct {
	mu      sync.Mutex
	items   []transcript.Entry
	waiting chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{waiting: make(chan struct{}, 1)}
}

// Push appends an entry.
func (q *Queue) Push(entry transcript.Entry) {
	q.mu.Lock()
	q.items = append(q.items, entry)
	q.mu.Unlock()

	select {
	case q.waiting <- struct{}{}:
	default:
	}
}

// Pop 返回最早的一条记录；超时返回 ErrQueueEmpty，ctx 取消时返回 ctx.Err()。
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (transcript.Entry, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if entry, ok := q.tryPop(); ok {
			return entry, nil
		}

		select {
		case <-ctx.Done():
			return transcript.Entry{}, ctx.Err()
		case <-timer.C:
			if entry, ok := q.tryPop(); ok {
				return entry, nil
			}
			return transcript.Entry{}, ErrQueueEmpty
		case <-q.waiting:
		}
	}
}

func (q *Queue) tryPop() (transcript.Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return transcript.Entry{}, false
	}
	entry := q.items[0]
	q.items[0] = transcript.Entry{}
	q.items = q.items[1:]
	return entry, true
}

// Drain 清空队列并返回被丢弃的条数。
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = nil
	return n
}

// Len reports how many entries are pending.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
