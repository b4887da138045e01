package queuebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
)

const consumerGroup = "workers"

// RedisBus is the production Bus, backed by a Redis stream per queue
// with a single consumer group so XREADGROUP/XACK give exactly the
// at-least-once, visibility-timeout, redelivery-count semantics
// needs. Each worker claims and retries stale pending entries with
// XAUTOCLAIM, consulting XPENDING's delivery count to decide when a
// message has exhausted its retry budget and belongs on the poison
// stream instead.
type RedisBus struct {
	client *redis.Client
	log    logr.Logger
}

// NewRedisBus builds a RedisBus over an already-configured client.
func NewRedisBus(client *redis.Client, log logr.Logger) *RedisBus {
	return &RedisBus{client: client, log: log}
}

func streamKey(queue string) string { return "queue:" + queue }

func (b *RedisBus) Enqueue(ctx context.Context, queue string, payload []byte) error {
	if err := b.ensureGroup(ctx, queue); err != nil {
		return err
	}
	_, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(queue),
		Values: map[string]interface{}{"body": payload},
	}).Result()
	if err != nil {
		return appErrors.Wrapf(err, appErrors.ErrorTypeTransient, "enqueue to %s", queue)
	}
	return nil
}

func (b *RedisBus) ensureGroup(ctx context.Context, queue string) error {
	err := b.client.XGroupCreateMkStream(ctx, streamKey(queue), consumerGroup, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) && !isBusyGroupErr(err) {
		return appErrors.Wrapf(err, appErrors.ErrorTypeTransient, "create consumer group for %s", queue)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

func (b *RedisBus) Consume(ctx context.Context, queue string, opts ConsumeOptions, handler Handler) error {
	opts = opts.withDefaults()
	if err := b.ensureGroup(ctx, queue); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		consumerName := fmt.Sprintf("worker-%s", uuid.NewString())
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.worker(ctx, queue, consumerName, opts, handler)
		}()
	}
	wg.Wait()
	return nil
}

func (b *RedisBus) worker(ctx context.Context, queue, consumer string, opts ConsumeOptions, handler Handler) {
	key := streamKey(queue)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.reclaimStale(ctx, queue, consumer, opts, handler)

		entries, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumer,
			Streams:  []string{key, ">"},
			Count:    1,
			Block:    opts.PollBackoff,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				b.log.V(1).Info("queuebus: read group error", "queue", queue, "error", err)
			}
			continue
		}

		for _, stream := range entries {
			for _, msg := range stream.Messages {
				b.handle(ctx, queue, consumer, msg, opts, handler)
			}
		}
	}
}

func (b *RedisBus) reclaimStale(ctx context.Context, queue, consumer string, opts ConsumeOptions, handler Handler) {
	key := streamKey(queue)
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   key,
		Group:    consumerGroup,
		Consumer: consumer,
		MinIdle:  opts.Visibility,
		Start:    "0",
		Count:    int64(opts.Concurrency),
	}).Result()
	if err != nil || len(msgs) == 0 {
		return
	}
	for _, msg := range msgs {
		b.handle(ctx, queue, consumer, msg, opts, handler)
	}
}

// handle processes a single delivered Redis stream entry, whether read
// fresh or reclaimed from the pending list by reclaimStale: an entry
// past MaxDequeue goes to poison, any other is passed to handler. A nil
// handler only routes exhausted entries to poison.
func (b *RedisBus) handle(ctx context.Context, queue, consumer string, msg redis.XMessage, opts ConsumeOptions, handler Handler) {
	key := streamKey(queue)

	deliveryCount := b.deliveryCount(ctx, queue, msg.ID)
	body, _ := msg.Values["body"].(string)

	if deliveryCount > opts.MaxDequeue {
		b.divertToPoison(ctx, queue, []byte(body))
		b.client.XAck(ctx, key, consumerGroup, msg.ID)
		b.client.XDel(ctx, key, msg.ID)
		return
	}

	if handler == nil {
		return
	}

	deadline := opts.Visibility - 30*time.Second
	if deadline <= 0 {
		deadline = opts.Visibility
	}
	handlerCtx, cancel := context.WithTimeout(ctx, deadline)
	err := handler(handlerCtx, Message{ID: msg.ID, Body: []byte(body), DeliveryCount: deliveryCount})
	cancel()

	if err == nil {
		b.client.XAck(ctx, key, consumerGroup, msg.ID)
		b.client.XDel(ctx, key, msg.ID)
		return
	}

	if !isRetryable(err) {
		b.log.V(1).Info("queuebus: non-retryable error, diverting to poison", "queue", queue, "id", msg.ID, "error", err)
		b.divertToPoison(ctx, queue, []byte(body))
		b.client.XAck(ctx, key, consumerGroup, msg.ID)
		b.client.XDel(ctx, key, msg.ID)
		return
	}

	b.log.V(1).Info("queuebus: handler failed, message will be redelivered", "queue", queue, "id", msg.ID, "deliveryCount", deliveryCount, "error", err)
	// Leaving the entry unacked keeps it pending; reclaimStale picks it
	// back up once MinIdle elapses.
}

// isRetryable reports whether err should be left for redelivery. An
// *appErrors.AppError with Retryable()==false (Validation, NotFound,
// Conflict, Permanent, Fatal) is diverted straight to poison instead of
// counting against MaxDequeue; an unclassified error is treated as
// retryable here, although pkg/retry does not retry one.
func isRetryable(err error) bool {
	var appErr *appErrors.AppError
	if appErrors.As(err, &appErr) {
		return appErr.Retryable()
	}
	return true
}

func (b *RedisBus) deliveryCount(ctx context.Context, queue, id string) int {
	res, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey(queue),
		Group:  consumerGroup,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(res) == 0 {
		return 1
	}
	return int(res[0].RetryCount)
}

// Depth reports the stream's current length via XLEN. Entries already
// acked and XDEL'd don't count; pending-but-unacked entries do.
func (b *RedisBus) Depth(queue string) int {
	n, err := b.client.XLen(context.Background(), streamKey(queue)).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

func (b *RedisBus) divertToPoison(ctx context.Context, queue string, body []byte) {
	poison := PoisonQueueName(queue)
	if err := b.Enqueue(ctx, poison, body); err != nil {
		b.log.Error(err, "queuebus: failed to divert message to poison queue", "queue", queue)
	}
}
