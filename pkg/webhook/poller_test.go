package webhook_test

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/afoxnyc3/invoice-agent/pkg/blobstore"
	"github.com/afoxnyc3/invoice-agent/pkg/dedup"
	"github.com/afoxnyc3/invoice-agent/pkg/kvstore"
	"github.com/afoxnyc3/invoice-agent/pkg/mailclient"
	"github.com/afoxnyc3/invoice-agent/pkg/queuebus"
	"github.com/afoxnyc3/invoice-agent/pkg/txn"
	"github.com/afoxnyc3/invoice-agent/pkg/vendorextractor"
	"github.com/afoxnyc3/invoice-agent/pkg/webhook"
)

var _ = Describe("Poller", func() {
	It("processes every unread email and marks it read", func() {
		mail := mailclient.NewFakeClient()
		mail.Seed(mailclient.Email{MessageID: "p1", From: "vendor@example.com", Subject: "Invoice", AttachmentIDs: []string{"a1"}},
			mailclient.Attachment{Name: "a1", Bytes: []byte("%PDF-1.4")})

		blobs := blobstore.NewMemoryStore()
		bus := queuebus.NewMemoryBus()
		kv := kvstore.NewMemoryStore()
		dd := dedup.New(kv, 30*time.Minute)
		txns := txn.NewStore(kv)
		loopGuard := webhook.NewLoopPrevention("invoices@acme.com", "ap@acme.com", nil)
		proc := webhook.NewProcessor(mail, blobs, dd, txns, (*vendorextractor.Extractor)(nil), false, loopGuard, bus, "raw-queue", logr.Discard())

		poller := webhook.NewPoller(mail, proc, "invoices@acme.com", time.Hour, logr.Discard())
		Expect(poller.RunOnce(context.Background())).To(Succeed())

		Expect(bus.Depth("raw-queue")).To(Equal(1))

		unread, err := mail.ListUnread(context.Background(), "invoices@acme.com", 50)
		Expect(err).NotTo(HaveOccurred())
		Expect(unread).To(BeEmpty())
	})

	// Scenario S1: webhook already claimed it before the poller ran.
	It("is a no-op when the Deduplicator already owns the message", func() {
		mail := mailclient.NewFakeClient()
		mail.Seed(mailclient.Email{MessageID: "p2", From: "vendor@example.com", Subject: "Invoice", AttachmentIDs: []string{"a1"}},
			mailclient.Attachment{Name: "a1", Bytes: []byte("%PDF-1.4")})

		blobs := blobstore.NewMemoryStore()
		bus := queuebus.NewMemoryBus()
		kv := kvstore.NewMemoryStore()
		dd := dedup.New(kv, 30*time.Minute)
		txns := txn.NewStore(kv)
		loopGuard := webhook.NewLoopPrevention("invoices@acme.com", "ap@acme.com", nil)
		proc := webhook.NewProcessor(mail, blobs, dd, txns, (*vendorextractor.Extractor)(nil), false, loopGuard, bus, "raw-queue", logr.Discard())

		_, err := dd.ClaimAndStart(context.Background(), "p2")
		Expect(err).NotTo(HaveOccurred())

		poller := webhook.NewPoller(mail, proc, "invoices@acme.com", time.Hour, logr.Discard())
		Expect(poller.RunOnce(context.Background())).To(Succeed())

		Expect(bus.Depth("raw-queue")).To(Equal(0))
	})
})
