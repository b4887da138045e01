package webhook_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/afoxnyc3/invoice-agent/pkg/kvstore"
	"github.com/afoxnyc3/invoice-agent/pkg/queuebus"
	"github.com/afoxnyc3/invoice-agent/pkg/ratelimiter"
	"github.com/afoxnyc3/invoice-agent/pkg/subscription"
	"github.com/afoxnyc3/invoice-agent/pkg/webhook"
)

var _ = Describe("Receiver", func() {
	var (
		subs     *subscription.Store
		limiter  *ratelimiter.Limiter
		bus      *queuebus.MemoryBus
		receiver *webhook.Receiver
		mr       *miniredis.Miniredis
	)

	BeforeEach(func() {
		subs = subscription.NewStore(kvstore.NewMemoryStore())
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		limiter = ratelimiter.New(rdb, 100, time.Minute)
		bus = queuebus.NewMemoryBus()
		receiver = webhook.NewReceiver(subs, limiter, bus, "notif-queue", logr.Discard())
	})

	AfterEach(func() {
		mr.Close()
	})

	// Scenario S3: validation handshake.
	It("echoes the validationToken as plain text within the handshake", func() {
		req := httptest.NewRequest(http.MethodPost, "/webhook?validationToken=abc123", nil)
		rec := httptest.NewRecorder()
		receiver.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get("Content-Type")).To(Equal("text/plain"))
		Expect(rec.Body.String()).To(Equal("abc123"))
	})

	It("enqueues a WebhookNotice for a notification whose clientState matches the active subscription", func() {
		Expect(seedActiveSubscription(subs, "sub-1", "secret-state")).To(Succeed())

		body := `{"value":[{"subscriptionId":"sub-1","clientState":"secret-state","changeType":"created","resource":"users/ap@acme.com/messages/m1"}]}`
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		rec := httptest.NewRecorder()
		receiver.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusAccepted))
		Expect(bus.Depth("notif-queue")).To(Equal(1))
	})

	It("drops a notification whose clientState does not match", func() {
		Expect(seedActiveSubscription(subs, "sub-1", "secret-state")).To(Succeed())

		body := `{"value":[{"subscriptionId":"sub-1","clientState":"forged","changeType":"created","resource":"users/ap@acme.com/messages/m1"}]}`
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		rec := httptest.NewRecorder()
		receiver.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusAccepted))
		Expect(bus.Depth("notif-queue")).To(Equal(0))
	})

	It("responds 202 even with no active subscription yet", func() {
		body := `{"value":[{"subscriptionId":"sub-1","clientState":"x","changeType":"created","resource":"users/ap@acme.com/messages/m1"}]}`
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		rec := httptest.NewRecorder()
		receiver.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusAccepted))
	})

	It("rejects requests over the configured rate limit", func() {
		tight := ratelimiter.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 1, time.Minute)
		r := webhook.NewReceiver(subs, tight, bus, "notif-queue", logr.Discard())

		req1 := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"value":[]}`))
		req1.RemoteAddr = "9.9.9.9:1234"
		rec1 := httptest.NewRecorder()
		r.ServeHTTP(rec1, req1)
		Expect(rec1.Code).To(Equal(http.StatusAccepted))

		req2 := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"value":[]}`))
		req2.RemoteAddr = "9.9.9.9:1234"
		rec2 := httptest.NewRecorder()
		r.ServeHTTP(rec2, req2)
		Expect(rec2.Code).To(Equal(http.StatusTooManyRequests))
	})
})

func seedActiveSubscription(subs *subscription.Store, providerSubID, clientState string) error {
	return subs.Seed(context.Background(), subscription.Subscription{
		ProviderSubID: providerSubID,
		ClientState:   clientState,
		ExpirationAt:  time.Now().Add(6 * 24 * time.Hour),
		CreatedAt:     time.Now(),
	})
}
