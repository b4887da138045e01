package mailclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
	"github.com/afoxnyc3/invoice-agent/pkg/breaker"
	"github.com/afoxnyc3/invoice-agent/pkg/retry"
)

// HTTPClient is a Graph-API-shaped MailClient implementation. Every
// call is paced by a token bucket (the provider's own rate limit),
// wrapped by the mail CircuitBreaker, and retried per the generic
// Retry policy.
type HTTPClient struct {
	baseURL   string
	tokens    TokenProvider
	http      *http.Client
	limiter   *rate.Limiter
	breaker   *breaker.Breaker
	retryPol  retry.Policy
	log       logr.Logger
}

// NewHTTPClient builds an HTTPClient. callTimeout bounds a single HTTP
// round trip.
func NewHTTPClient(baseURL string, tokens TokenProvider, b *breaker.Breaker, retryPol retry.Policy, callTimeout time.Duration, log logr.Logger) *HTTPClient {
	if callTimeout <= 0 || callTimeout > 30*time.Second {
		callTimeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:  baseURL,
		tokens:   tokens,
		http:     &http.Client{Timeout: callTimeout},
		limiter:  rate.NewLimiter(rate.Limit(10), 20), // 10 req/s sustained, burst 20
		breaker:  b,
		retryPol: retryPol,
		log:      log,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeTransient, "wait for mail client rate limiter")
	}

	return retry.Do(ctx, c.retryPol, func(ctx context.Context) ([]byte, error) {
		return breaker.DoCtx(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
			return c.roundTrip(ctx, method, path, body, contentType)
		})
	})
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeTransient, "obtain mail provider token")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeFatal, "build mail provider request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeTransient, "call mail provider")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeTransient, "read mail provider response")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, appErrors.New(appErrors.ErrorTypeRateLimited, "mail provider rate limited the request")
	}
	if resp.StatusCode >= 500 {
		return nil, appErrors.Newf(appErrors.ErrorTypeTransient, "mail provider returned %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, appErrors.New(appErrors.ErrorTypeNotFound, "mail provider resource not found")
	}
	if resp.StatusCode >= 400 {
		return nil, appErrors.Newf(appErrors.ErrorTypePermanent, "mail provider rejected request with %d", resp.StatusCode)
	}
	return respBody, nil
}

// ListUnread returns up to limit unread messages in mailbox.
func (c *HTTPClient) ListUnread(ctx context.Context, mailbox string, limit int) ([]Email, error) {
	path := fmt.Sprintf("/users/%s/messages?$filter=isRead eq false&$top=%d", mailbox, limit)
	body, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	var payload struct {
		Value []wireEmail `json:"value"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeTransient, "decode unread list")
	}
	emails := make([]Email, 0, len(payload.Value))
	for _, e := range payload.Value {
		emails = append(emails, e.toEmail())
	}
	return emails, nil
}

// GetEmail fetches a single message by id.
func (c *HTTPClient) GetEmail(ctx context.Context, mailbox, messageID string) (Email, error) {
	path := fmt.Sprintf("/users/%s/messages/%s", mailbox, messageID)
	body, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return Email{}, err
	}
	var w wireEmail
	if err := json.Unmarshal(body, &w); err != nil {
		return Email{}, appErrors.Wrap(err, appErrors.ErrorTypeTransient, "decode email")
	}
	return w.toEmail(), nil
}

// DownloadAttachment fetches one attachment's raw bytes.
func (c *HTTPClient) DownloadAttachment(ctx context.Context, messageID, attachmentID string) (Attachment, error) {
	path := fmt.Sprintf("/messages/%s/attachments/%s/$value", messageID, attachmentID)
	body, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return Attachment{}, err
	}
	return Attachment{Name: attachmentID, Bytes: body}, nil
}

// SendMail sends a message, attaching each attachment inline.
func (c *HTTPClient) SendMail(ctx context.Context, from, to, subject, body string, attachments []Attachment) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("from", from)
	_ = w.WriteField("to", to)
	_ = w.WriteField("subject", subject)
	_ = w.WriteField("body", body)
	for _, a := range attachments {
		part, err := w.CreateFormFile("attachment", a.Name)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrorTypeFatal, "build attachment part")
		}
		if _, err := part.Write(a.Bytes); err != nil {
			return appErrors.Wrap(err, appErrors.ErrorTypeFatal, "write attachment bytes")
		}
	}
	if err := w.Close(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeFatal, "close multipart writer")
	}
	_, err := c.do(ctx, http.MethodPost, "/sendMail", buf.Bytes(), w.FormDataContentType())
	return err
}

// Subscribe creates a change notification subscription.
func (c *HTTPClient) Subscribe(ctx context.Context, resource, notifURL, clientState string, ttl time.Duration) (string, error) {
	reqBody, err := json.Marshal(map[string]any{
		"resource":           resource,
		"notificationUrl":    notifURL,
		"clientState":        clientState,
		"expirationDateTime": time.Now().Add(ttl),
		"changeType":         "created",
	})
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrorTypeFatal, "marshal subscribe request")
	}
	body, err := c.do(ctx, http.MethodPost, "/subscriptions", reqBody, "application/json")
	if err != nil {
		return "", err
	}
	var w struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &w); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrorTypeTransient, "decode subscribe response")
	}
	return w.ID, nil
}

// Renew extends a subscription's expiry.
func (c *HTTPClient) Renew(ctx context.Context, subscriptionID string, ttl time.Duration) error {
	reqBody, err := json.Marshal(map[string]any{"expirationDateTime": time.Now().Add(ttl)})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeFatal, "marshal renew request")
	}
	_, err = c.do(ctx, http.MethodPatch, "/subscriptions/"+subscriptionID, reqBody, "application/json")
	return err
}

// Delete cancels a subscription.
func (c *HTTPClient) Delete(ctx context.Context, subscriptionID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/subscriptions/"+subscriptionID, nil, "")
	return err
}

// MarkRead flips a message's isRead flag.
func (c *HTTPClient) MarkRead(ctx context.Context, messageID string) error {
	reqBody, err := json.Marshal(map[string]any{"isRead": true})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeFatal, "marshal mark-read request")
	}
	_, err = c.do(ctx, http.MethodPatch, "/messages/"+messageID, reqBody, "application/json")
	return err
}

type wireEmail struct {
	ID               string    `json:"id"`
	From             wireFrom  `json:"from"`
	Subject          string    `json:"subject"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
	Attachments      []struct {
		ID string `json:"id"`
	} `json:"attachments"`
}

type wireFrom struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func (w wireEmail) toEmail() Email {
	ids := make([]string, 0, len(w.Attachments))
	for _, a := range w.Attachments {
		ids = append(ids, a.ID)
	}
	return Email{
		MessageID:     w.ID,
		From:          w.From.EmailAddress.Address,
		Subject:       w.Subject,
		ReceivedAt:    w.ReceivedDateTime,
		AttachmentIDs: ids,
	}
}
