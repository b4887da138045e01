package mailclient

import (
	"context"
	"sync"
	"time"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
)

// FakeClient is an in-memory MailClient used by tests that exercise
// the pipeline end-to-end without a live mail provider.
type FakeClient struct {
	mu            sync.Mutex
	emails        map[string]Email
	attachments   map[string]Attachment
	unread        []string
	sent          []SentMail
	subscriptions map[string]time.Time
	marked        map[string]bool
}

// SentMail records one SendMail invocation for assertions.
type SentMail struct {
	From, To, Subject, Body string
	Attachments             []Attachment
}

// NewFakeClient builds an empty FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		emails:        map[string]Email{},
		attachments:   map[string]Attachment{},
		subscriptions: map[string]time.Time{},
		marked:        map[string]bool{},
	}
}

// Seed registers an email (and marks it unread) for a later ListUnread
// or GetEmail call to return.
func (f *FakeClient) Seed(e Email, attachments ...Attachment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails[e.MessageID] = e
	f.unread = append(f.unread, e.MessageID)
	for _, a := range attachments {
		f.attachments[e.MessageID+"|"+a.Name] = a
	}
}

func (f *FakeClient) ListUnread(ctx context.Context, mailbox string, limit int) ([]Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Email
	for _, id := range f.unread {
		if f.marked[id] {
			continue
		}
		out = append(out, f.emails[id])
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *FakeClient) GetEmail(ctx context.Context, mailbox, messageID string) (Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.emails[messageID]
	if !ok {
		return Email{}, appErrors.New(appErrors.ErrorTypeNotFound, "message not found")
	}
	return e, nil
}

func (f *FakeClient) DownloadAttachment(ctx context.Context, messageID, attachmentID string) (Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attachments[messageID+"|"+attachmentID]
	if !ok {
		return Attachment{}, appErrors.New(appErrors.ErrorTypeNotFound, "attachment not found")
	}
	return a, nil
}

func (f *FakeClient) SendMail(ctx context.Context, from, to, subject, body string, attachments []Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, SentMail{From: from, To: to, Subject: subject, Body: body, Attachments: attachments})
	return nil
}

// Sent returns every SendMail call recorded so far.
func (f *FakeClient) Sent() []SentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMail, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *FakeClient) Subscribe(ctx context.Context, resource, notifURL, clientState string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "sub-" + clientState
	f.subscriptions[id] = time.Now().Add(ttl)
	return id, nil
}

func (f *FakeClient) Renew(ctx context.Context, subscriptionID string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscriptions[subscriptionID]; !ok {
		return appErrors.New(appErrors.ErrorTypeNotFound, "subscription not found")
	}
	f.subscriptions[subscriptionID] = time.Now().Add(ttl)
	return nil
}

func (f *FakeClient) Delete(ctx context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscriptions, subscriptionID)
	return nil
}

func (f *FakeClient) MarkRead(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked[messageID] = true
	return nil
}
