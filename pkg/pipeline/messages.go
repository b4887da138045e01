// Package pipeline defines the queue payload types that flow between
// the ingestion, enrichment, posting, and notification stages. Every
// payload carries SchemaVersion and TxID; decoding is schema-versioned
// so an unrecognized version is a Validation error rather than a panic
// on a mismatched struct shape.
package pipeline

import (
	"encoding/json"
	"time"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
)

// CurrentSchemaVersion is stamped onto every message this process
// produces. Consumers accept this version and any version explicitly
// listed in supportedSchemaVersions.
const CurrentSchemaVersion = "1.0"

var supportedSchemaVersions = map[string]bool{
	"1.0": true,
}

// TxStatus mirrors the Transaction.Status enum.
type TxStatus string

const (
	StatusReceived TxStatus = "received"
	StatusEnriched TxStatus = "enriched"
	StatusUnknown  TxStatus = "unknown"
	StatusPosted   TxStatus = "posted"
	StatusFailed   TxStatus = "failed"
)

// WebhookNotice is the internal envelope enqueued onto notif-queue once
// the WebhookReceiver has authenticated a provider notification.
type WebhookNotice struct {
	SchemaVersion  string    `json:"schemaVersion"`
	TxID           string    `json:"txId,omitempty"` // not yet assigned at this stage; kept for envelope symmetry
	SubscriptionID string    `json:"subscriptionId"`
	ChangeType     string    `json:"changeType"`
	Resource       string    `json:"resource"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// RawMail is enqueued onto raw-queue once the attachment has been
// claimed and written to blob storage.
type RawMail struct {
	SchemaVersion     string    `json:"schemaVersion"`
	TxID              string    `json:"txId"`
	Sender            string    `json:"sender"`
	Subject           string    `json:"subject"`
	BlobRef           string    `json:"blobRef"`
	ReceivedAt        time.Time `json:"receivedAt"`
	OriginalMessageID string    `json:"originalMessageId"`
	VendorHint        string    `json:"vendorHint,omitempty"`
}

// Enriched is RawMail plus the accounting metadata the Enricher attaches.
type Enriched struct {
	RawMail

	VendorName         string   `json:"vendorName,omitempty"`
	ExpenseDept        string   `json:"expenseDept,omitempty"`
	GLCode             string   `json:"glCode,omitempty"`
	AllocationSchedule string   `json:"allocationSchedule,omitempty"`
	BillingParty       string   `json:"billingParty,omitempty"`
	Status             TxStatus `json:"status"`

	InvoiceAmount *float64 `json:"invoiceAmount,omitempty"`
	Currency      string   `json:"currency,omitempty"`
	DueDate       string   `json:"dueDate,omitempty"`
	PaymentTerms  string   `json:"paymentTerms,omitempty"`
}

// NotificationKind classifies a Notifier card.
type NotificationKind string

const (
	NotificationSuccess NotificationKind = "success"
	NotificationUnknown NotificationKind = "unknown"
	NotificationError   NotificationKind = "error"
)

// Notification is enqueued onto notify-queue.
type Notification struct {
	SchemaVersion string           `json:"schemaVersion"`
	Kind          NotificationKind `json:"kind"`
	TxID          string           `json:"txId"`
	Summary       string           `json:"summary"`
	Details       map[string]string `json:"details,omitempty"`
}

func checkSchemaVersion(v string) error {
	if !supportedSchemaVersions[v] {
		return appErrors.Newf(appErrors.ErrorTypeValidation, "unsupported schema version %q", v).
			WithDetails("message dropped, not retried: an unknown schema version is a permanent shape mismatch")
	}
	return nil
}

// DecodeRawMail parses and validates a RawMail payload.
func DecodeRawMail(data []byte) (*RawMail, error) {
	var m RawMail
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeValidation, "decode RawMail")
	}
	if err := checkSchemaVersion(m.SchemaVersion); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeEnriched parses and validates an Enriched payload.
func DecodeEnriched(data []byte) (*Enriched, error) {
	var m Enriched
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeValidation, "decode Enriched")
	}
	if err := checkSchemaVersion(m.SchemaVersion); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeNotification parses and validates a Notification payload.
func DecodeNotification(data []byte) (*Notification, error) {
	var m Notification
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeValidation, "decode Notification")
	}
	if err := checkSchemaVersion(m.SchemaVersion); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeWebhookNotice parses and validates a WebhookNotice payload.
func DecodeWebhookNotice(data []byte) (*WebhookNotice, error) {
	var m WebhookNotice
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeValidation, "decode WebhookNotice")
	}
	if err := checkSchemaVersion(m.SchemaVersion); err != nil {
		return nil, err
	}
	return &m, nil
}
