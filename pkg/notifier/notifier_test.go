package notifier_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/slack-go/slack"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/afoxnyc3/invoice-agent/pkg/notifier"
	"github.com/afoxnyc3/invoice-agent/pkg/pipeline"
	"github.com/afoxnyc3/invoice-agent/pkg/queuebus"
)

func TestNotifier(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Notifier Suite")
}

var _ = Describe("Notifier", func() {
	It("posts a formatted card to the configured sink", func() {
		var gotURL string
		var gotMsg *slack.WebhookMessage
		poster := func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
			gotURL, gotMsg = url, msg
			return nil
		}

		n := notifier.NewWithPoster("https://hooks.example.com/T1", poster, logr.Discard())
		notif := pipeline.Notification{
			SchemaVersion: pipeline.CurrentSchemaVersion,
			Kind:          pipeline.NotificationSuccess,
			TxID:          "TX1",
			Summary:       "Sent invoice email",
		}
		data, err := json.Marshal(notif)
		Expect(err).NotTo(HaveOccurred())

		Expect(n.Handle(context.Background(), queuebus.Message{Body: data})).To(Succeed())
		Expect(gotURL).To(Equal("https://hooks.example.com/T1"))
		Expect(gotMsg.Attachments).To(HaveLen(1))
		Expect(gotMsg.Attachments[0].Color).To(Equal("good"))
		Expect(gotMsg.Attachments[0].Text).To(Equal("Sent invoice email"))
	})

	It("does not return an error when delivery fails", func() {
		poster := func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
			return errors.New("connection refused")
		}
		n := notifier.NewWithPoster("https://hooks.example.com/T2", poster, logr.Discard())
		notif := pipeline.Notification{SchemaVersion: pipeline.CurrentSchemaVersion, Kind: pipeline.NotificationError, TxID: "TX2"}
		data, err := json.Marshal(notif)
		Expect(err).NotTo(HaveOccurred())

		Expect(n.Handle(context.Background(), queuebus.Message{Body: data})).To(Succeed())
	})

	It("drops a malformed payload without returning an error", func() {
		called := false
		poster := func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
			called = true
			return nil
		}
		n := notifier.NewWithPoster("https://hooks.example.com/T3", poster, logr.Discard())

		Expect(n.Handle(context.Background(), queuebus.Message{Body: []byte("not json")})).To(Succeed())
		Expect(called).To(BeFalse())
	})

	It("includes detail fields alongside the txId field", func() {
		var gotMsg *slack.WebhookMessage
		poster := func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
			gotMsg = msg
			return nil
		}
		n := notifier.NewWithPoster("https://hooks.example.com/T4", poster, logr.Discard())
		notif := pipeline.Notification{
			SchemaVersion: pipeline.CurrentSchemaVersion,
			Kind:          pipeline.NotificationError,
			TxID:          "TX4",
			Details:       map[string]string{"reason": "send failed"},
		}
		data, err := json.Marshal(notif)
		Expect(err).NotTo(HaveOccurred())

		Expect(n.Handle(context.Background(), queuebus.Message{Body: data})).To(Succeed())
		Expect(gotMsg.Attachments[0].Fields).To(HaveLen(2))
	})
})
