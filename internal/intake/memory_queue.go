package intake

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue mirrors the Postgres backend's lease semantics in process
// memory. It backs tests and local development; a message leased by
// Receive stays hidden until its lease expires or it is deleted.
type MemoryQueue struct {
	name string

	mu     sync.Mutex
	nextID int64
	items  []*memoryMessage
	now    func() time.Time
}

type memoryMessage struct {
	id           int64
	body         string
	dequeueCount int
	visibleAt    time.Time
	receipt      string
}

func NewMemoryQueue(name string) *MemoryQueue {
	return &MemoryQueue{
		name: name,
		now:  time.Now,
	}
}

func (q *MemoryQueue) Receive(_ context.Context, max int, visibility time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var out []Message
	for _, item := range q.items {
		if len(out) >= max {
			break
		}
		if item.visibleAt.After(now) {
			continue
		}
		item.visibleAt = now.Add(visibility)
		item.dequeueCount++
		item.receipt = uuid.NewString()
		out = append(out, Message{
			ID:           strconv.FormatInt(item.id, 10),
			Body:         item.body,
			Receipt:      item.receipt,
			DequeueCount: item.dequeueCount,
		})
	}
	return out, nil
}

func (q *MemoryQueue) Delete(_ context.Context, msg Message) error {
	id, err := strconv.ParseInt(msg.ID, 10, 64)
	if err != nil {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.id != id {
			continue
		}
		if item.receipt != msg.Receipt {
			return ErrReceiptMismatch
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		return nil
	}
	return ErrReceiptMismatch
}

func (q *MemoryQueue) Send(_ context.Context, body string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.items = append(q.items, &memoryMessage{
		id:        q.nextID,
		body:      body,
		visibleAt: q.now(),
	})
	return nil
}

func (q *MemoryQueue) Close() error {
	return nil
}

// Depth reports how many messages remain, leased or not.
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
