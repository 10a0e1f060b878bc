package queue

import (
	"context"
	"sync"
)

// MaxPriority is the highest scheduling priority a job may carry. Each
// priority level maps to its own delivery bucket (its own stream on the Redis
// transport), read in descending order.
const MaxPriority = 9

// Delivery is one message handed to a worker. Ack confirms the message so the
// transport will not redeliver it.
type Delivery struct {
	Body []byte
	Ack  func()
}

// Transport moves job envelopes between producers and workers. Consume must
// deliver higher-priority envelopes before lower-priority ones when both are
// pending, and FIFO within one priority.
type Transport interface {
	Publish(ctx context.Context, queue string, priority int, body []byte) error
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	Close() error
}

// MemoryTransport is a single-process transport used in tests and in
// deployments that run workers inside the API process.
type MemoryTransport struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
	closed bool
}

type memoryQueue struct {
	mu      sync.Mutex
	buckets [MaxPriority + 1][][]byte
	signal  chan struct{}
}

// NewMemoryTransport initialises an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{queues: make(map[string]*memoryQueue)}
}

func (t *MemoryTransport) queue(name string) *memoryQueue {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[name]
	if !ok {
		q = &memoryQueue{signal: make(chan struct{}, 1)}
		t.queues[name] = q
	}
	return q
}

func (t *MemoryTransport) Publish(ctx context.Context, queue string, priority int, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if priority < 0 {
		priority = 0
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	q := t.queue(queue)
	q.mu.Lock()
	buf := append([]byte(nil), body...)
	q.buckets[priority] = append(q.buckets[priority], buf)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (t *MemoryTransport) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	q := t.queue(queue)
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			body, ok := q.pop()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-q.signal:
					continue
				}
			}
			select {
			case out <- Delivery{Body: body, Ack: func() {}}:
			case <-ctx.Done():
				// Push the unconsumed message back so nothing is lost.
				q.pushFront(body)
				return
			}
		}
	}()
	return out, nil
}

// pop removes the oldest message from the highest non-empty priority bucket.
func (q *memoryQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for priority := MaxPriority; priority >= 0; priority-- {
		bucket := q.buckets[priority]
		if len(bucket) == 0 {
			continue
		}
		body := bucket[0]
		q.buckets[priority] = bucket[1:]
		if len(q.buckets[priority]) > 0 {
			select {
			case q.signal <- struct{}{}:
			default:
			}
		}
		return body, true
	}
	return nil, false
}

func (q *memoryQueue) pushFront(body []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buckets[MaxPriority] = append([][]byte{body}, q.buckets[MaxPriority]...)
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

var _ Transport = (*MemoryTransport)(nil)
