package webhook_test

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-logr/logr"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/afoxnyc3/invoice-agent/pkg/blobstore"
	"github.com/afoxnyc3/invoice-agent/pkg/dedup"
	"github.com/afoxnyc3/invoice-agent/pkg/kvstore"
	"github.com/afoxnyc3/invoice-agent/pkg/mailclient"
	"github.com/afoxnyc3/invoice-agent/pkg/pipeline"
	"github.com/afoxnyc3/invoice-agent/pkg/queuebus"
	"github.com/afoxnyc3/invoice-agent/pkg/txn"
	"github.com/afoxnyc3/invoice-agent/pkg/vendorextractor"
	"github.com/afoxnyc3/invoice-agent/pkg/webhook"
)

var _ = Describe("Processor", func() {
	var (
		mail  *mailclient.FakeClient
		blobs *blobstore.MemoryStore
		bus   *queuebus.MemoryBus
		proc  *webhook.Processor
	)

	BeforeEach(func() {
		mail = mailclient.NewFakeClient()
		blobs = blobstore.NewMemoryStore()
		bus = queuebus.NewMemoryBus()
		kv := kvstore.NewMemoryStore()
		dd := dedup.New(kv, 30*time.Minute)
		txns := txn.NewStore(kv)
		loopGuard := webhook.NewLoopPrevention("invoices@acme.com", "ap@acme.com", []string{"[Invoice Agent]"})
		proc = webhook.NewProcessor(mail, blobs, dd, txns, (*vendorextractor.Extractor)(nil), false, loopGuard, bus, "raw-queue", logr.Discard())
	})

	// Scenario S2: a clean single invoice flows to raw-queue.
	It("claims, stores the blob, records the transaction, and enqueues RawMail", func() {
		mail.Seed(mailclient.Email{MessageID: "m1", From: "vendor@example.com", Subject: "Invoice #1", AttachmentIDs: []string{"a1"}},
			mailclient.Attachment{Name: "a1", Bytes: []byte("%PDF-1.4 invoice bytes")})

		notice := mustMarshalNotice("users/ap@acme.com/messages/m1")
		err := proc.HandleNotice(context.Background(), queuebus.Message{Body: notice})
		Expect(err).NotTo(HaveOccurred())

		Expect(bus.Depth("raw-queue")).To(Equal(1))
	})

	// Scenario S1: webhook and poller race on the same message.
	It("is a no-op the second time the same message is processed", func() {
		mail.Seed(mailclient.Email{MessageID: "m2", From: "vendor@example.com", Subject: "Invoice #2", AttachmentIDs: []string{"a1"}},
			mailclient.Attachment{Name: "a1", Bytes: []byte("%PDF-1.4 invoice bytes")})

		notice := mustMarshalNotice("users/ap@acme.com/messages/m2")
		Expect(proc.HandleNotice(context.Background(), queuebus.Message{Body: notice})).To(Succeed())
		Expect(proc.HandleNotice(context.Background(), queuebus.Message{Body: notice})).To(Succeed())

		Expect(bus.Depth("raw-queue")).To(Equal(1))
	})

	It("discards an email from the monitored mailbox without claiming it", func() {
		mail.Seed(mailclient.Email{MessageID: "m3", From: "invoices@acme.com", Subject: "auto-reply", AttachmentIDs: []string{"a1"}},
			mailclient.Attachment{Name: "a1", Bytes: []byte("ignored")})

		notice := mustMarshalNotice("users/ap@acme.com/messages/m3")
		Expect(proc.HandleNotice(context.Background(), queuebus.Message{Body: notice})).To(Succeed())
		Expect(bus.Depth("raw-queue")).To(Equal(0))
	})

	It("rejects a malformed resource string", func() {
		notice := mustMarshalNotice("garbage")
		err := proc.HandleNotice(context.Background(), queuebus.Message{Body: notice})
		Expect(err).To(HaveOccurred())
	})
})

func mustMarshalNotice(resource string) []byte {
	notice := pipeline.WebhookNotice{SchemaVersion: pipeline.CurrentSchemaVersion, Resource: resource}
	data, err := json.Marshal(notice)
	Expect(err).NotTo(HaveOccurred())
	return data
}
