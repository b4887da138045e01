// Package mailclient defines the MailClient contract the pipeline's
// ingestion and outbound stages depend on, plus an HTTP implementation
// shaped after a Graph-style mail API. HTTPClient wraps every network
// call in the mail CircuitBreaker and Retry policy handed to its
// constructor, and applies per-call timeouts and pacing.
package mailclient

import (
	"context"
	"time"
)

// Email is the subset of provider message fields the core consumes.
type Email struct {
	MessageID     string
	From          string
	Subject       string
	ReceivedAt    time.Time
	AttachmentIDs []string
}

// Attachment is a downloaded attachment's bytes plus its declared name.
type Attachment struct {
	Name  string
	Bytes []byte
}

// MailClient is the set of mail-provider operations the core consumes.
type MailClient interface {
	ListUnread(ctx context.Context, mailbox string, limit int) ([]Email, error)
	GetEmail(ctx context.Context, mailbox, messageID string) (Email, error)
	DownloadAttachment(ctx context.Context, messageID, attachmentID string) (Attachment, error)
	SendMail(ctx context.Context, from, to, subject, body string, attachments []Attachment) error
	Subscribe(ctx context.Context, resource, notifURL, clientState string, ttl time.Duration) (string, error)
	Renew(ctx context.Context, subscriptionID string, ttl time.Duration) error
	Delete(ctx context.Context, subscriptionID string) error
	MarkRead(ctx context.Context, messageID string) error
}

// TokenProvider supplies a bearer token for each outbound call; the
// MailClient never learns how the token was obtained.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}
