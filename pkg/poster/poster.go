// Package poster consumes post-queue: it composes the outbound invoice
// email and records the audit trail.
package poster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
	"github.com/afoxnyc3/invoice-agent/pkg/blobstore"
	"github.com/afoxnyc3/invoice-agent/pkg/mailclient"
	"github.com/afoxnyc3/invoice-agent/pkg/pipeline"
	"github.com/afoxnyc3/invoice-agent/pkg/queuebus"
	"github.com/afoxnyc3/invoice-agent/pkg/txn"
)

// signedURLSizeLimit is the attachment size above which the email
// links a signed URL instead of attaching the PDF inline.
const signedURLSizeLimit = 20 * 1024 * 1024

// signedURLTTL bounds how long an oversized attachment's link stays valid.
const signedURLTTL = 7 * 24 * time.Hour

// Poster consumes post-queue.
type Poster struct {
	mail        mailclient.MailClient
	blobs       blobstore.Store
	txns        *txn.Store
	fromAddress string
	apAddress   string
	bus         queuebus.Bus
	notifyQueue string
	log         logr.Logger
}

// New builds a Poster. fromAddress is the monitored mailbox every
// outbound send is sent as; apAddress is where known-vendor invoices
// are posted to.
func New(mail mailclient.MailClient, blobs blobstore.Store, txns *txn.Store, fromAddress, apAddress string, bus queuebus.Bus, notifyQueue string, log logr.Logger) *Poster {
	return &Poster{mail: mail, blobs: blobs, txns: txns, fromAddress: fromAddress, apAddress: apAddress, bus: bus, notifyQueue: notifyQueue, log: log}
}

// Handle implements queuebus.Handler for an Enriched message.
func (p *Poster) Handle(ctx context.Context, msg queuebus.Message) error {
	enriched, err := pipeline.DecodeEnriched(msg.Body)
	if err != nil {
		return err
	}

	attachments, signedURL, sendErr := p.attachmentsFor(ctx, *enriched)
	to, subject, body := p.compose(*enriched, signedURL)
	if sendErr == nil {
		sendErr = p.mail.SendMail(ctx, p.fromAddress, to, subject, body, attachments)
	}

	period := enriched.ReceivedAt.Format("200601")

	if sendErr == nil {
		notifKind := pipeline.NotificationSuccess
		if enriched.Status == pipeline.StatusUnknown {
			notifKind = pipeline.NotificationUnknown
		}
		if err := p.txns.AdvanceWithRetry(ctx, period, enriched.TxID, func(tx *txn.Transaction) {
			tx.Status = pipeline.StatusPosted
			tx.EmailsSentCount++
		}); err != nil {
			return err
		}
		return p.notify(ctx, notifKind, enriched.TxID, fmt.Sprintf("Sent invoice email for %s", enriched.Sender), nil)
	}

	var appErr *appErrors.AppError
	if appErrors.As(sendErr, &appErr) && !appErr.Retryable() {
		if err := p.txns.AdvanceWithRetry(ctx, period, enriched.TxID, func(tx *txn.Transaction) {
			tx.Status = pipeline.StatusFailed
			tx.ErrorReason = appErr.Error()
		}); err != nil {
			return err
		}
		return p.notify(ctx, pipeline.NotificationError, enriched.TxID, "Failed to send invoice email", map[string]string{"reason": appErr.Error()})
	}

	// Transient failure: return the error so the queue redelivers.
	return sendErr
}

// attachmentsFor returns the PDF as an inline attachment, or — when it
// exceeds signedURLSizeLimit — no attachment plus a signed URL the
// body links instead.
func (p *Poster) attachmentsFor(ctx context.Context, enriched pipeline.Enriched) ([]mailclient.Attachment, string, error) {
	data, err := p.blobs.Get(ctx, enriched.BlobRef)
	if err != nil {
		return nil, "", err
	}
	if len(data) <= signedURLSizeLimit {
		return []mailclient.Attachment{{Name: enriched.TxID + ".pdf", Bytes: data}}, "", nil
	}
	url, err := p.blobs.SignedURL(ctx, enriched.BlobRef, signedURLTTL)
	if err != nil {
		return nil, "", err
	}
	return nil, url, nil
}

func (p *Poster) compose(enriched pipeline.Enriched, signedURL string) (to, subject, body string) {
	if enriched.Status == pipeline.StatusUnknown {
		to = enriched.Sender
		subject = fmt.Sprintf("Unknown Vendor — requires registration (TxID %s)", shortID(enriched.TxID))
	} else {
		to = p.apAddress
		subject = fmt.Sprintf("Invoice: %s — GL %s", enriched.VendorName, enriched.GLCode)
	}

	body = fmt.Sprintf(
		"GL %s | Dept %s\nVendor: %s\nAmount: %s %s\nDue: %s\nTerms: %s\n\nTxID: %s\nOriginal sender: %s\n",
		enriched.GLCode, enriched.ExpenseDept, enriched.VendorName,
		amountString(enriched), enriched.Currency, enriched.DueDate, enriched.PaymentTerms,
		enriched.TxID, enriched.Sender,
	)
	if signedURL != "" {
		body += fmt.Sprintf("\nAttachment exceeded the inline size limit; download it here: %s\n", signedURL)
	}
	return to, subject, body
}

func amountString(enriched pipeline.Enriched) string {
	if enriched.InvoiceAmount == nil {
		return ""
	}
	return fmt.Sprintf("%.2f", *enriched.InvoiceAmount)
}

func shortID(txID string) string {
	if len(txID) <= 8 {
		return txID
	}
	return txID[:8]
}

func (p *Poster) notify(ctx context.Context, kind pipeline.NotificationKind, txID, summary string, details map[string]string) error {
	notif := pipeline.Notification{
		SchemaVersion: pipeline.CurrentSchemaVersion,
		Kind:          kind,
		TxID:          txID,
		Summary:       summary,
		Details:       details,
	}
	data, err := json.Marshal(notif)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeFatal, "marshal Notification")
	}
	return p.bus.Enqueue(ctx, p.notifyQueue, data)
}
