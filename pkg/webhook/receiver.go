// Package webhook implements the three collaborating ingestion
// components: a WebhookReceiver HTTP endpoint, a WebhookProcessor
// queue consumer, and an hourly Poller safety net, all funneling into
// the Deduplicator and the raw-queue.
package webhook

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"github.com/afoxnyc3/invoice-agent/pkg/pipeline"
	"github.com/afoxnyc3/invoice-agent/pkg/queuebus"
	"github.com/afoxnyc3/invoice-agent/pkg/ratelimiter"
	"github.com/afoxnyc3/invoice-agent/pkg/subscription"
)

// notificationBody is the provider's change-notification envelope.
type notificationBody struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		ClientState    string `json:"clientState"`
		ChangeType     string `json:"changeType"`
		Resource       string `json:"resource"`
	} `json:"value"`
}

// Receiver serves the public webhook endpoint.
type Receiver struct {
	subs    *subscription.Store
	limiter *ratelimiter.Limiter
	bus     queuebus.Bus
	queue   string
	log     logr.Logger
}

// NewReceiver builds a Receiver. queue is the notif-queue name.
func NewReceiver(subs *subscription.Store, limiter *ratelimiter.Limiter, bus queuebus.Bus, queue string, log logr.Logger) *Receiver {
	return &Receiver{subs: subs, limiter: limiter, bus: bus, queue: queue, log: log}
}

// ServeHTTP handles both the validation handshake and notification
// delivery.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if token := req.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		return
	}

	ip := clientIP(req)
	allowed, err := r.limiter.Allow(req.Context(), ip)
	if err != nil {
		r.log.Error(err, "rate limiter check failed, failing open")
	} else if !allowed {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	var body notificationBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusAccepted) // malformed bodies are dropped silently, provider still gets 202
		return
	}

	active, err := r.subs.Active(req.Context())
	if err != nil {
		r.log.Info("no active subscription to authenticate notifications against", "error", err.Error())
		w.WriteHeader(http.StatusAccepted)
		return
	}

	for _, n := range body.Value {
		if n.ClientState != active.ClientState {
			r.log.Info("dropping notification with mismatched clientState", "subscriptionId", n.SubscriptionID)
			continue
		}

		notice := pipeline.WebhookNotice{
			SchemaVersion:  pipeline.CurrentSchemaVersion,
			SubscriptionID: n.SubscriptionID,
			ChangeType:     n.ChangeType,
			Resource:       n.Resource,
			ReceivedAt:     time.Now(),
		}
		data, err := json.Marshal(notice)
		if err != nil {
			r.log.Error(err, "marshal WebhookNotice")
			continue
		}
		if err := r.bus.Enqueue(req.Context(), r.queue, data); err != nil {
			r.log.Error(err, "enqueue WebhookNotice")
		}
	}

	w.WriteHeader(http.StatusAccepted)
}

func clientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
