package queuebus

import (
	"context"
	"sync"
	"time"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
)

type inflight struct {
	msg       Message
	visibleAt time.Time
}

// MemoryBus is an in-memory Bus for tests. It reproduces the at-least-
// once/visibility-timeout/poison contract without a Redis dependency so
// every consumer package (webhook, enricher, poster, notifier) can test
// redelivery and poison routing deterministically.
type MemoryBus struct {
	mu      sync.Mutex
	queues  map[string][]Message
	poison  map[string][]Message
	seq     int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		queues: make(map[string][]Message),
		poison: make(map[string][]Message),
	}
}

func (b *MemoryBus) Enqueue(_ context.Context, queue string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.queues[queue] = append(b.queues[queue], Message{ID: idFor(b.seq), Body: payload})
	return nil
}

func idFor(seq int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, 0, 8)
	for seq > 0 || len(buf) == 0 {
		buf = append(buf, letters[seq%len(letters)])
		seq /= len(letters)
	}
	return string(buf)
}

// Depth returns the number of messages currently queued (visible or
// requeued for redelivery; a message a handler is working on is not
// counted) — useful for assertions and would back a
// queue-depth metric in production (pkg/obsmetrics).
func (b *MemoryBus) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// Poisoned returns the messages diverted to queue's sibling poison
// queue.
func (b *MemoryBus) Poisoned(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.poison[PoisonQueueName(queue)]...)
}

func (b *MemoryBus) Consume(ctx context.Context, queue string, opts ConsumeOptions, handler Handler) error {
	opts = opts.withDefaults()

	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.worker(ctx, queue, opts, handler)
		}()
	}
	wg.Wait()
	return nil
}

func (b *MemoryBus) worker(ctx context.Context, queue string, opts ConsumeOptions, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, ok := b.claim(queue)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(opts.PollBackoff):
			}
			continue
		}

		if msg.DeliveryCount > opts.MaxDequeue {
			b.toPoison(queue, msg)
			continue
		}

		deadline := opts.Visibility - 30*time.Second
		if deadline <= 0 {
			deadline = opts.Visibility
		}
		handlerCtx, cancel := context.WithTimeout(ctx, deadline)
		err := handler(handlerCtx, msg)
		cancel()

		if err != nil {
			if isRetryable(err) {
				b.requeue(queue, msg)
			} else {
				b.toPoison(queue, msg)
			}
		}
		// success: message already removed by claim()
	}
}

func (b *MemoryBus) claim(queue string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[queue]
	if len(q) == 0 {
		return Message{}, false
	}
	msg := q[0]
	b.queues[queue] = q[1:]
	msg.DeliveryCount++
	return msg, true
}

func (b *MemoryBus) requeue(queue string, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[queue] = append(b.queues[queue], msg)
}

func (b *MemoryBus) toPoison(queue string, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.poison[PoisonQueueName(queue)] = append(b.poison[PoisonQueueName(queue)], msg)
}
