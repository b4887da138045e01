package webhook

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/afoxnyc3/invoice-agent/pkg/mailclient"
)

// Poller is the safety net against missed or dropped webhook
// deliveries: it runs ListUnread and replays the Processor's common
// path for every result, relying on the Deduplicator to make a
// webhook/poller race harmless.
type Poller struct {
	mail      mailclient.MailClient
	processor *Processor
	mailbox   string
	batchSize int
	interval  time.Duration
	log       logr.Logger
}

// NewPoller builds a Poller.
func NewPoller(mail mailclient.MailClient, processor *Processor, mailbox string, interval time.Duration, log logr.Logger) *Poller {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Poller{mail: mail, processor: processor, mailbox: mailbox, batchSize: 50, interval: interval, log: log}
}

// RunOnce executes a single poll pass.
func (p *Poller) RunOnce(ctx context.Context) error {
	emails, err := p.mail.ListUnread(ctx, p.mailbox, p.batchSize)
	if err != nil {
		return err
	}

	for _, email := range emails {
		if err := p.processor.process(ctx, p.mailbox, email.MessageID); err != nil {
			p.log.Error(err, "poller failed to process email", "messageId", email.MessageID)
		}
	}
	return nil
}

// Run loops RunOnce on Poller's interval until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if err := p.RunOnce(ctx); err != nil {
		p.log.Error(err, "initial poll failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				p.log.Error(err, "scheduled poll failed")
			}
		}
	}
}
