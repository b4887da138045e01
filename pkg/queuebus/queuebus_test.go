package queuebus_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
	"github.com/afoxnyc3/invoice-agent/pkg/queuebus"
)

func TestQueueBus(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "QueueBus Suite")
}

var _ = Describe("MemoryBus", func() {
	var (
		bus *queuebus.MemoryBus
		ctx context.Context
	)

	BeforeEach(func() {
		bus = queuebus.NewMemoryBus()
		ctx = context.Background()
	})

	It("delivers an enqueued message to a successful handler exactly once", func() {
		Expect(bus.Enqueue(ctx, "raw-queue", []byte("payload"))).To(Succeed())

		var delivered int32
		cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()

		_ = bus.Consume(cctx, "raw-queue", queuebus.ConsumeOptions{Concurrency: 1, PollBackoff: 5 * time.Millisecond}, func(_ context.Context, msg queuebus.Message) error {
			atomic.AddInt32(&delivered, 1)
			return nil
		})

		Expect(atomic.LoadInt32(&delivered)).To(Equal(int32(1)))
		Expect(bus.Depth("raw-queue")).To(Equal(0))
	})

	It("redelivers a message whose handler returns an error", func() {
		Expect(bus.Enqueue(ctx, "raw-queue", []byte("payload"))).To(Succeed())

		var attempts int32
		cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()

		_ = bus.Consume(cctx, "raw-queue", queuebus.ConsumeOptions{Concurrency: 1, MaxDequeue: 5, PollBackoff: 5 * time.Millisecond}, func(_ context.Context, msg queuebus.Message) error {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return errBoom
			}
			return nil
		})

		Expect(atomic.LoadInt32(&attempts)).To(BeNumerically(">=", 3))
		Expect(bus.Poisoned("raw-queue")).To(BeEmpty())
	})

	It("diverts a message to the poison queue after MaxDequeue redeliveries", func() {
		Expect(bus.Enqueue(ctx, "raw-queue", []byte("poison-me"))).To(Succeed())

		cctx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
		defer cancel()

		_ = bus.Consume(cctx, "raw-queue", queuebus.ConsumeOptions{Concurrency: 1, MaxDequeue: 2, PollBackoff: 2 * time.Millisecond}, func(_ context.Context, msg queuebus.Message) error {
			return errBoom
		})

		poisoned := bus.Poisoned("raw-queue")
		Expect(poisoned).To(HaveLen(1))
		Expect(string(poisoned[0].Body)).To(Equal("poison-me"))
	})

	It("never loses a message: it ends up acked, redelivering, or poisoned", func() {
		Expect(bus.Enqueue(ctx, "post-queue", []byte("m1"))).To(Succeed())

		cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		_ = bus.Consume(cctx, "post-queue", queuebus.ConsumeOptions{Concurrency: 2, MaxDequeue: 1, PollBackoff: 2 * time.Millisecond}, func(_ context.Context, msg queuebus.Message) error {
			return errBoom
		})

		total := bus.Depth("post-queue") + len(bus.Poisoned("post-queue"))
		Expect(total).To(BeNumerically(">=", 1))
	})

	It("names the poison queue as the sibling <queue>-poison", func() {
		Expect(queuebus.PoisonQueueName("notify-queue")).To(Equal("notify-queue-poison"))
	})

	It("diverts a non-retryable error straight to poison on the first delivery", func() {
		Expect(bus.Enqueue(ctx, "raw-queue", []byte("bad-payload"))).To(Succeed())

		var attempts int32
		cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()

		_ = bus.Consume(cctx, "raw-queue", queuebus.ConsumeOptions{Concurrency: 1, MaxDequeue: 5, PollBackoff: 5 * time.Millisecond}, func(_ context.Context, msg queuebus.Message) error {
			atomic.AddInt32(&attempts, 1)
			return appErrors.New(appErrors.ErrorTypeValidation, "malformed payload")
		})

		Expect(atomic.LoadInt32(&attempts)).To(Equal(int32(1)), "a non-retryable error must not be redelivered")
		poisoned := bus.Poisoned("raw-queue")
		Expect(poisoned).To(HaveLen(1))
		Expect(string(poisoned[0].Body)).To(Equal("bad-payload"))
	})
})

var errBoom = &boomErr{}

type boomErr struct{}

func (*boomErr) Error() string { return "boom" }
