package poster_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-logr/logr"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
	"github.com/afoxnyc3/invoice-agent/pkg/blobstore"
	"github.com/afoxnyc3/invoice-agent/pkg/kvstore"
	"github.com/afoxnyc3/invoice-agent/pkg/mailclient"
	"github.com/afoxnyc3/invoice-agent/pkg/pipeline"
	"github.com/afoxnyc3/invoice-agent/pkg/poster"
	"github.com/afoxnyc3/invoice-agent/pkg/queuebus"
	"github.com/afoxnyc3/invoice-agent/pkg/txn"
)

func TestPoster(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Poster Suite")
}

func seedEnrichedTransaction(txns *txn.Store, txID string, receivedAt time.Time) {
	Expect(txns.Create(context.Background(), txn.Transaction{
		TxID: txID, OriginalMessageID: "m-" + txID, ReceivedAt: receivedAt,
	})).To(Succeed())
	period := receivedAt.Format("200601")
	row, err := txns.Get(context.Background(), period, txID)
	Expect(err).NotTo(HaveOccurred())
	Expect(txns.Advance(context.Background(), period, row, func(tx *txn.Transaction) {
		tx.Status = pipeline.StatusEnriched
	})).To(Succeed())
}

var _ = Describe("Poster", func() {
	var (
		mail  *mailclient.FakeClient
		blobs *blobstore.MemoryStore
		txns  *txn.Store
		bus   *queuebus.MemoryBus
		p     *poster.Poster
	)

	BeforeEach(func() {
		mail = mailclient.NewFakeClient()
		blobs = blobstore.NewMemoryStore()
		txns = txn.NewStore(kvstore.NewMemoryStore())
		bus = queuebus.NewMemoryBus()
		p = poster.New(mail, blobs, txns, "invoices@acme.com", "ap@acme.com", bus, "notify-queue", logr.Discard())
	})

	It("sends an enriched invoice to AP, marks Posted, and notifies success", func() {
		now := time.Now()
		seedEnrichedTransaction(txns, "TX1", now)
		Expect(blobs.Put(context.Background(), "raw/TX1.pdf", []byte("%PDF-1.4"))).To(Succeed())

		enriched := pipeline.Enriched{
			RawMail: pipeline.RawMail{SchemaVersion: pipeline.CurrentSchemaVersion, TxID: "TX1", BlobRef: "raw/TX1.pdf", Sender: "vendor@example.com", ReceivedAt: now},
			Status:  pipeline.StatusEnriched, VendorName: "Acme Corp", GLCode: "1234",
		}
		data, err := json.Marshal(enriched)
		Expect(err).NotTo(HaveOccurred())

		Expect(p.Handle(context.Background(), queuebus.Message{Body: data})).To(Succeed())

		sent := mail.Sent()
		Expect(sent).To(HaveLen(1))
		Expect(sent[0].From).To(Equal("invoices@acme.com"))
		Expect(sent[0].To).To(Equal("ap@acme.com"))
		Expect(sent[0].Subject).To(ContainSubstring("Acme Corp"))

		period := now.Format("200601")
		row, err := txns.Get(context.Background(), period, "TX1")
		Expect(err).NotTo(HaveOccurred())
		Expect(row.Transaction.Status).To(Equal(pipeline.StatusPosted))
		Expect(row.Transaction.EmailsSentCount).To(Equal(1))

		Expect(bus.Depth("notify-queue")).To(Equal(1))
	})

	It("addresses an unknown-vendor invoice back to the original sender", func() {
		now := time.Now()
		seedEnrichedTransaction(txns, "TX2", now)
		Expect(blobs.Put(context.Background(), "raw/TX2.pdf", []byte("%PDF-1.4"))).To(Succeed())

		enriched := pipeline.Enriched{
			RawMail: pipeline.RawMail{SchemaVersion: pipeline.CurrentSchemaVersion, TxID: "TX2", BlobRef: "raw/TX2.pdf", Sender: "bill@unknownvendor.com", ReceivedAt: now},
			Status:  pipeline.StatusUnknown, GLCode: "0000",
		}
		data, err := json.Marshal(enriched)
		Expect(err).NotTo(HaveOccurred())

		Expect(p.Handle(context.Background(), queuebus.Message{Body: data})).To(Succeed())

		sent := mail.Sent()
		Expect(sent).To(HaveLen(1))
		Expect(sent[0].From).To(Equal("invoices@acme.com"))
		Expect(sent[0].To).To(Equal("bill@unknownvendor.com"))
		Expect(sent[0].Subject).To(ContainSubstring("Unknown Vendor"))
	})

	It("marks Failed and sends an error notification when the blob is missing", func() {
		now := time.Now()
		seedEnrichedTransaction(txns, "TX3", now)

		enriched := pipeline.Enriched{
			RawMail: pipeline.RawMail{SchemaVersion: pipeline.CurrentSchemaVersion, TxID: "TX3", BlobRef: "raw/missing.pdf", Sender: "vendor@example.com", ReceivedAt: now},
			Status:  pipeline.StatusEnriched,
		}
		data, err := json.Marshal(enriched)
		Expect(err).NotTo(HaveOccurred())

		Expect(p.Handle(context.Background(), queuebus.Message{Body: data})).To(Succeed())

		period := now.Format("200601")
		row, txErr := txns.Get(context.Background(), period, "TX3")
		Expect(txErr).NotTo(HaveOccurred())
		Expect(row.Transaction.Status).To(Equal(pipeline.StatusFailed))
		Expect(bus.Depth("notify-queue")).To(Equal(1))
	})

	It("links a signed URL instead of attaching a PDF over the size limit", func() {
		now := time.Now()
		seedEnrichedTransaction(txns, "TX4", now)
		oversized := make([]byte, 20*1024*1024+1)
		Expect(blobs.Put(context.Background(), "raw/TX4.pdf", oversized)).To(Succeed())

		enriched := pipeline.Enriched{
			RawMail: pipeline.RawMail{SchemaVersion: pipeline.CurrentSchemaVersion, TxID: "TX4", BlobRef: "raw/TX4.pdf", Sender: "vendor@example.com", ReceivedAt: now},
			Status:  pipeline.StatusEnriched, VendorName: "Acme Corp", GLCode: "1234",
		}
		data, err := json.Marshal(enriched)
		Expect(err).NotTo(HaveOccurred())

		Expect(p.Handle(context.Background(), queuebus.Message{Body: data})).To(Succeed())

		sent := mail.Sent()
		Expect(sent).To(HaveLen(1))
		Expect(sent[0].From).To(Equal("invoices@acme.com"))
		Expect(sent[0].Attachments).To(BeEmpty())
		Expect(sent[0].Body).To(ContainSubstring("download it here"))
	})

	It("rejects a malformed payload without retry", func() {
		err := p.Handle(context.Background(), queuebus.Message{Body: []byte("not json")})
		Expect(appErrors.Is(err, appErrors.ErrorTypeValidation)).To(BeTrue())
	})
})
