// Package queuebus wraps a message-queue primitive behind an
// at-least-once delivery contract: a message becomes
// invisible to other consumers when delivered, for a configurable
// visibility timeout; a handler success deletes it; a handler failure
// lets it reappear for redelivery; after N redeliveries it is diverted
// to a sibling "<queue>-poison" queue.
package queuebus

import (
	"context"
	"time"
)

// Message is a single delivered payload.
type Message struct {
	ID            string
	Body          []byte
	DeliveryCount int
}

// Handler processes one message. Returning nil acks and deletes the
// message; returning a retryable error lets the queue redeliver it (or
// poison it, once DeliveryCount exceeds the queue's MaxDequeue), while a
// non-retryable *AppError sends it straight to the poison queue.
type Handler func(ctx context.Context, msg Message) error

// Bus is the interface every other package depends on.
type Bus interface {
	// Enqueue publishes payload onto queue.
	Enqueue(ctx context.Context, queue string, payload []byte) error

	// Consume runs concurrency worker goroutines pulling from queue,
	// each message made invisible for visibility once claimed. It
	// blocks until ctx is canceled.
	Consume(ctx context.Context, queue string, opts ConsumeOptions, handler Handler) error

	// Depth reports the current number of undelivered messages on
	// queue, for the QueueDepth gauge. Best-effort: a backend error is
	// swallowed and reported as 0 rather than failing the caller.
	Depth(queue string) int
}

// ConsumeOptions tunes a single Consume call, mapping directly onto
// QueueMaxDequeue/QueueVisibility config and the worker-pool
// concurrency model.
type ConsumeOptions struct {
	Concurrency int
	Visibility  time.Duration
	MaxDequeue  int
	PollBackoff time.Duration // how long an idle worker sleeps between empty polls
}

func (o ConsumeOptions) withDefaults() ConsumeOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Visibility <= 0 {
		o.Visibility = 10 * time.Minute
	}
	if o.MaxDequeue <= 0 {
		o.MaxDequeue = 5
	}
	if o.PollBackoff <= 0 {
		o.PollBackoff = 250 * time.Millisecond
	}
	return o
}

// PoisonQueueName returns the sibling poison queue name for queue.
func PoisonQueueName(queue string) string {
	return queue + "-poison"
}
