// Package notifier consumes notify-queue and posts best-effort chat
// cards. A delivery failure is logged and the queue
// message is acked regardless — notifications must never block the
// pipeline or cause a redelivery storm.
package notifier

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/slack-go/slack"

	"github.com/afoxnyc3/invoice-agent/pkg/pipeline"
	"github.com/afoxnyc3/invoice-agent/pkg/queuebus"
)

func colorFor(kind pipeline.NotificationKind) string {
	switch kind {
	case pipeline.NotificationSuccess:
		return "good"
	case pipeline.NotificationError:
		return "danger"
	default:
		return "warning"
	}
}

// WebhookPoster matches slack.PostWebhookContext, narrowed so fakes
// can stand in for tests without dialing out.
type WebhookPoster func(ctx context.Context, url string, msg *slack.WebhookMessage) error

// Notifier consumes notify-queue.
type Notifier struct {
	sinkURL string
	post    WebhookPoster
	log     logr.Logger
}

// New builds a Notifier posting cards to a Slack incoming webhook URL.
func New(sinkURL string, log logr.Logger) *Notifier {
	return NewWithPoster(sinkURL, slack.PostWebhookContext, log)
}

// NewWithPoster builds a Notifier with a caller-supplied poster,
// letting tests observe delivery without dialing out.
func NewWithPoster(sinkURL string, post WebhookPoster, log logr.Logger) *Notifier {
	return &Notifier{sinkURL: sinkURL, post: post, log: log}
}

// Handle implements queuebus.Handler for a Notification message. It
// never returns an error: delivery is best-effort and must not retry
// or fail the queue message.
func (n *Notifier) Handle(ctx context.Context, msg queuebus.Message) error {
	notif, err := pipeline.DecodeNotification(msg.Body)
	if err != nil {
		n.log.Info("dropping malformed notification", "error", err.Error())
		return nil
	}

	attachment := slack.Attachment{
		Color: colorFor(notif.Kind),
		Title: string(notif.Kind),
		Text:  notif.Summary,
	}
	attachment.Fields = append(attachment.Fields, slack.AttachmentField{Title: "txId", Value: notif.TxID, Short: true})
	for k, v := range notif.Details {
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{Title: k, Value: v, Short: true})
	}

	err = n.post(ctx, n.sinkURL, &slack.WebhookMessage{Attachments: []slack.Attachment{attachment}})
	if err != nil {
		n.log.Info("notification delivery failed", "txId", notif.TxID, "error", err.Error())
	}
	return nil
}
