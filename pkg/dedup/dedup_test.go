package dedup_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/afoxnyc3/invoice-agent/pkg/dedup"
	"github.com/afoxnyc3/invoice-agent/pkg/kvstore"
)

func TestDedup(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Dedup Suite")
}

var _ = Describe("Deduplicator", func() {
	var store *kvstore.MemoryStore

	BeforeEach(func() {
		store = kvstore.NewMemoryStore()
	})

	// Scenario S1: webhook delivers the same message id twice.
	It("claims a fresh message id exactly once", func() {
		d := dedup.New(store, 30*time.Minute)

		first, err := d.ClaimAndStart(context.Background(), "msg-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(first.IsNew).To(BeTrue())

		second, err := d.ClaimAndStart(context.Background(), "msg-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(second.IsNew).To(BeFalse())
		Expect(second.TxID).To(Equal(first.TxID))
	})

	It("assigns independent txids to distinct message ids", func() {
		d := dedup.New(store, 30*time.Minute)

		a, err := d.ClaimAndStart(context.Background(), "msg-a")
		Expect(err).NotTo(HaveOccurred())
		b, err := d.ClaimAndStart(context.Background(), "msg-b")
		Expect(err).NotTo(HaveOccurred())

		Expect(a.TxID).NotTo(Equal(b.TxID))
		Expect(a.IsNew).To(BeTrue())
		Expect(b.IsNew).To(BeTrue())
	})

	// Scenario S4: a worker crashes mid-flight and the poller replays.
	It("steals a claim once it is older than the stale window", func() {
		d := dedup.New(store, time.Millisecond)

		first, err := d.ClaimAndStart(context.Background(), "msg-stuck")
		Expect(err).NotTo(HaveOccurred())
		Expect(first.IsNew).To(BeTrue())

		time.Sleep(5 * time.Millisecond)

		second, err := d.ClaimAndStart(context.Background(), "msg-stuck")
		Expect(err).NotTo(HaveOccurred())
		Expect(second.IsNew).To(BeTrue())
		Expect(second.TxID).To(Equal(first.TxID))
	})

	It("does not steal a claim still inside the stale window", func() {
		d := dedup.New(store, time.Hour)

		first, err := d.ClaimAndStart(context.Background(), "msg-fresh")
		Expect(err).NotTo(HaveOccurred())

		second, err := d.ClaimAndStart(context.Background(), "msg-fresh")
		Expect(err).NotTo(HaveOccurred())
		Expect(second.IsNew).To(BeFalse())
		Expect(second.TxID).To(Equal(first.TxID))
	})
})
