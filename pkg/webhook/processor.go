package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
	"github.com/afoxnyc3/invoice-agent/pkg/blobstore"
	"github.com/afoxnyc3/invoice-agent/pkg/dedup"
	"github.com/afoxnyc3/invoice-agent/pkg/mailclient"
	"github.com/afoxnyc3/invoice-agent/pkg/pipeline"
	"github.com/afoxnyc3/invoice-agent/pkg/queuebus"
	"github.com/afoxnyc3/invoice-agent/pkg/txn"
	"github.com/afoxnyc3/invoice-agent/pkg/vendorextractor"
)

// Processor is the common download-and-enqueue path both the webhook
// receiver and the poller funnel into once an email has been claimed.
type Processor struct {
	mail       mailclient.MailClient
	blobs      blobstore.Store
	dedup      *dedup.Deduplicator
	txns       *txn.Store
	extractor  *vendorextractor.Extractor
	extractorOn bool
	loopGuard  *LoopPrevention
	bus        queuebus.Bus
	rawQueue   string
	log        logr.Logger
}

// NewProcessor builds a Processor.
func NewProcessor(mail mailclient.MailClient, blobs blobstore.Store, dd *dedup.Deduplicator, txns *txn.Store, extractor *vendorextractor.Extractor, extractorOn bool, loopGuard *LoopPrevention, bus queuebus.Bus, rawQueue string, log logr.Logger) *Processor {
	return &Processor{mail: mail, blobs: blobs, dedup: dd, txns: txns, extractor: extractor, extractorOn: extractorOn, loopGuard: loopGuard, bus: bus, rawQueue: rawQueue, log: log}
}

// HandleNotice implements queuebus.Handler for a WebhookNotice message.
func (p *Processor) HandleNotice(ctx context.Context, msg queuebus.Message) error {
	notice, err := pipeline.DecodeWebhookNotice(msg.Body)
	if err != nil {
		return err // Validation: not retried, diverted straight to poison by queuebus
	}

	mailbox, messageID, err := parseResource(notice.Resource)
	if err != nil {
		return err
	}

	return p.process(ctx, mailbox, messageID)
}

// process claims, downloads, and enqueues a single email for
// enrichment; the Poller calls this directly for each listed email,
// sharing the exact same path as the webhook-driven flow.
func (p *Processor) process(ctx context.Context, mailbox, messageID string) error {
	email, err := p.mail.GetEmail(ctx, mailbox, messageID)
	if err != nil {
		return err
	}

	if discard, reason := p.loopGuard.ShouldDiscard(email); discard {
		p.log.V(1).Info("discarding email per loop prevention", "messageId", messageID, "reason", reason)
		_ = p.mail.MarkRead(ctx, messageID)
		return nil
	}

	outcome, err := p.dedup.ClaimAndStart(ctx, messageID)
	if err != nil {
		return err
	}
	if !outcome.IsNew {
		// Another worker (or a previous delivery of this same notice)
		// already owns this message; ack and return.
		_ = p.mail.MarkRead(ctx, messageID)
		return nil
	}

	attachment, err := p.mail.DownloadAttachment(ctx, messageID, email.AttachmentIDs[0])
	if err != nil {
		return err
	}

	blobKey := fmt.Sprintf("raw/%s.pdf", outcome.TxID)
	if err := p.blobs.Put(ctx, blobKey, attachment.Bytes); err != nil {
		return err
	}

	if err := p.txns.Create(ctx, txnRecord(outcome.TxID, messageID, email)); err != nil && !isAlreadyClaimedRace(err) {
		return err
	}

	var vendorHint string
	if p.extractorOn {
		if result, err := p.extractor.Extract(ctx, attachment.Bytes, true); err != nil {
			p.log.Info("vendor extraction failed, continuing without a hint", "txId", outcome.TxID, "error", err.Error())
		} else {
			vendorHint = result.VendorGuess
		}
	}

	raw := pipeline.RawMail{
		SchemaVersion:     pipeline.CurrentSchemaVersion,
		TxID:              outcome.TxID,
		Sender:            email.From,
		Subject:           email.Subject,
		BlobRef:           blobKey,
		ReceivedAt:        email.ReceivedAt,
		OriginalMessageID: messageID,
		VendorHint:        vendorHint,
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeFatal, "marshal RawMail")
	}
	if err := p.bus.Enqueue(ctx, p.rawQueue, data); err != nil {
		return err // transient for this attempt; queue redelivery retries it
	}

	return p.mail.MarkRead(ctx, messageID)
}

func txnRecord(txID, messageID string, email mailclient.Email) txn.Transaction {
	return txn.Transaction{
		TxID:              txID,
		OriginalMessageID: messageID,
		Status:            pipeline.StatusReceived,
		SenderDomain:      domainOf(email.From),
		ReceivedAt:        email.ReceivedAt,
		SchemaVersion:     txn.CurrentSchemaVersion,
	}
}

func domainOf(address string) string {
	if idx := strings.LastIndex(address, "@"); idx >= 0 {
		return address[idx+1:]
	}
	return address
}

func isAlreadyClaimedRace(err error) bool {
	var appErr *appErrors.AppError
	return appErrors.As(err, &appErr) && appErr.Type == appErrors.ErrorTypeConflict
}

// parseResource splits the provider's `Resource` string (e.g.
// "users/ap@acme.com/messages/AAMk...") into (mailbox, messageId).
func parseResource(resource string) (mailbox, messageID string, err error) {
	parts := strings.Split(resource, "/")
	for i, p := range parts {
		if p == "users" && i+1 < len(parts) {
			mailbox = parts[i+1]
		}
		if p == "messages" && i+1 < len(parts) {
			messageID = parts[i+1]
		}
	}
	if mailbox == "" || messageID == "" {
		return "", "", appErrors.Newf(appErrors.ErrorTypeValidation, "cannot parse webhook resource %q", resource)
	}
	return mailbox, messageID, nil
}
