// Package enricher consumes raw-queue and attaches accounting metadata
// to each RawMail, looking up vendors by normalized key.
package enricher

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
	"github.com/afoxnyc3/invoice-agent/pkg/blobstore"
	"github.com/afoxnyc3/invoice-agent/pkg/pipeline"
	"github.com/afoxnyc3/invoice-agent/pkg/queuebus"
	"github.com/afoxnyc3/invoice-agent/pkg/txn"
	"github.com/afoxnyc3/invoice-agent/pkg/vendor"
	"github.com/afoxnyc3/invoice-agent/pkg/vendorextractor"
)

// LookupStrategy selects how a missing VendorHint is derived from the
// sender address.
type LookupStrategy string

const (
	// LookupByDomain derives the key from the sender's domain minus
	// its TLD. This is the default strategy.
	LookupByDomain LookupStrategy = "domain"
	// LookupByLocalPart derives the key from the sender's local-part.
	LookupByLocalPart LookupStrategy = "local_part"
)

// Enricher consumes raw-queue.
type Enricher struct {
	vendors     *vendor.Store
	txns        *txn.Store
	blobs       blobstore.Store
	extractor   *vendorextractor.Extractor
	extractorOn bool
	strategy    LookupStrategy
	bus         queuebus.Bus
	postQueue   string
	log         logr.Logger
}

// New builds an Enricher.
func New(vendors *vendor.Store, txns *txn.Store, blobs blobstore.Store, extractor *vendorextractor.Extractor, extractorOn bool, strategy LookupStrategy, bus queuebus.Bus, postQueue string, log logr.Logger) *Enricher {
	if strategy == "" {
		strategy = LookupByDomain
	}
	return &Enricher{vendors: vendors, txns: txns, blobs: blobs, extractor: extractor, extractorOn: extractorOn, strategy: strategy, bus: bus, postQueue: postQueue, log: log}
}

// Handle implements queuebus.Handler for a RawMail message.
func (e *Enricher) Handle(ctx context.Context, msg queuebus.Message) error {
	raw, err := pipeline.DecodeRawMail(msg.Body)
	if err != nil {
		return err
	}

	key := e.lookupKey(*raw)
	v, lookupErr := e.vendors.Get(ctx, key)
	found := lookupErr == nil && v.Active && !v.IsReseller()

	enriched := pipeline.Enriched{RawMail: *raw}
	if found {
		enriched.Status = pipeline.StatusEnriched
		enriched.VendorName = v.DisplayName
		enriched.ExpenseDept = v.ExpenseDept
		enriched.GLCode = v.GLCode
		enriched.AllocationSchedule = v.AllocationSchedule
		enriched.BillingParty = v.BillingParty

		if e.extractorOn {
			e.fillExtractedFields(ctx, &enriched)
		}
	} else {
		enriched.Status = pipeline.StatusUnknown
		enriched.GLCode = "0000"
		enriched.ExpenseDept = "UNKNOWN"
	}

	period := periodFor(raw.ReceivedAt)
	if err := e.txns.AdvanceWithRetry(ctx, period, raw.TxID, func(tx *txn.Transaction) {
		tx.Status = enriched.Status
		tx.VendorName = enriched.VendorName
		tx.GLCode = enriched.GLCode
		tx.ProcessedAt = time.Now()
	}); err != nil {
		return err
	}

	data, err := json.Marshal(enriched)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeFatal, "marshal Enriched")
	}
	return e.bus.Enqueue(ctx, e.postQueue, data)
}

// fillExtractedFields best-effort re-runs the extractor to populate
// amount/date/terms; extractor failures never
// block enrichment.
func (e *Enricher) fillExtractedFields(ctx context.Context, enriched *pipeline.Enriched) {
	pdfBytes, err := e.blobs.Get(ctx, enriched.BlobRef)
	if err != nil {
		e.log.Info("could not re-fetch blob for extraction", "txId", enriched.TxID, "error", err.Error())
		return
	}
	result, err := e.extractor.Extract(ctx, pdfBytes, true)
	if err != nil {
		e.log.Info("vendor extractor failed during enrichment", "txId", enriched.TxID, "error", err.Error())
		return
	}
	if result.InvoiceAmount != "" {
		if amount, err := strconv.ParseFloat(result.InvoiceAmount, 64); err == nil {
			enriched.InvoiceAmount = &amount
		}
	}
	enriched.Currency = result.Currency
	enriched.DueDate = result.DueDate
	enriched.PaymentTerms = result.PaymentTerms
}

func periodFor(t time.Time) string {
	return t.Format("200601")
}

// lookupKey implements step 1.
func (e *Enricher) lookupKey(raw pipeline.RawMail) string {
	if raw.VendorHint != "" {
		return vendor.Normalize(raw.VendorHint)
	}
	local, domain := splitAddress(raw.Sender)
	if e.strategy == LookupByLocalPart {
		return vendor.Normalize(local)
	}
	return vendor.Normalize(stripTLD(domain))
}

func splitAddress(address string) (local, domain string) {
	idx := strings.LastIndex(address, "@")
	if idx < 0 {
		return address, ""
	}
	return address[:idx], address[idx+1:]
}

func stripTLD(domain string) string {
	idx := strings.LastIndex(domain, ".")
	if idx < 0 {
		return domain
	}
	return domain[:idx]
}
