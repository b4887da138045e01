// Package subscription holds the Subscription model, its
// store, and the SubscriptionManager scheduled task
// that keeps exactly one active webhook subscription alive against a
// provider that hard-caps subscription lifetime at 7 days.
package subscription

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/go-logr/logr"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
	"github.com/afoxnyc3/invoice-agent/pkg/kvstore"
	"github.com/afoxnyc3/invoice-agent/pkg/mailclient"
)

const (
	table     = "subscriptions"
	partition = "all"
	activeKey = "active" // the single "most recent" row key; superseded rows are archived under "archived-<ProviderSubID>"
)

// Subscription is the webhook subscription lifecycle row.
type Subscription struct {
	RowKey         string    `json:"-"`
	ProviderSubID  string    `json:"providerSubId"`
	Resource       string    `json:"resource"`
	ExpirationAt   time.Time `json:"expirationAt"`
	ClientState    string    `json:"clientState"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
	LastRenewedAt  time.Time `json:"lastRenewedAt"`
}

// Store persists Subscription rows.
type Store struct {
	kv kvstore.Store
}

// NewStore builds a subscription Store over kv.
func NewStore(kv kvstore.Store) *Store {
	return &Store{kv: kv}
}

type storedRow struct {
	sub  Subscription
	etag string
}

// Active returns the single row with IsActive=true, or a NotFound
// AppError if none exists yet.
func (s *Store) Active(ctx context.Context) (Subscription, error) {
	row, err := s.kv.Get(ctx, table, partition, activeKey)
	if err != nil {
		return Subscription{}, err
	}
	var sub Subscription
	if err := json.Unmarshal(row.Data, &sub); err != nil {
		return Subscription{}, appErrors.Wrap(err, appErrors.ErrorTypeFatal, "unmarshal subscription row")
	}
	return sub, nil
}

func (s *Store) activeRow(ctx context.Context) (storedRow, error) {
	row, err := s.kv.Get(ctx, table, partition, activeKey)
	if err != nil {
		return storedRow{}, err
	}
	var sub Subscription
	if err := json.Unmarshal(row.Data, &sub); err != nil {
		return storedRow{}, appErrors.Wrap(err, appErrors.ErrorTypeFatal, "unmarshal subscription row")
	}
	return storedRow{sub: sub, etag: row.ETag}, nil
}

// Seed installs sub as the active row directly, bypassing the
// provider. Exercised by tests that need a known ClientState to assert
// webhook authenticity checks against.
func (s *Store) Seed(ctx context.Context, sub Subscription) error {
	sub.IsActive = true
	return s.replaceActive(ctx, sub)
}

// replaceActive enforces the invariant that only one row may carry
// IsActive=true: a copy of the previous active row, with its flag
// cleared, is first inserted under "archived-<ProviderSubID>", and only
// then is the "active" row overwritten with next via UpdateIfMatch.
func (s *Store) replaceActive(ctx context.Context, next Subscription) error {
	data, err := json.Marshal(next)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeFatal, "marshal subscription row")
	}

	prev, err := s.activeRow(ctx)
	hadPrevious := err == nil
	if err != nil && !appErrors.Is(err, appErrors.ErrorTypeNotFound) {
		return err
	}

	if hadPrevious {
		archived := prev.sub
		archived.IsActive = false
		archivedData, err := json.Marshal(archived)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrorTypeFatal, "marshal archived subscription row")
		}
		if err := s.kv.InsertIfAbsent(ctx, kvstore.Row{
			Table: table, PartitionKey: partition, RowKey: "archived-" + archived.ProviderSubID, Data: archivedData,
		}); err != nil && !kvstore.IsAlreadyExists(err) {
			return err
		}
		if err := s.kv.UpdateIfMatch(ctx, kvstore.Row{
			Table: table, PartitionKey: partition, RowKey: activeKey, Data: data,
		}, prev.etag); err != nil {
			return err
		}
		return nil
	}

	return s.kv.InsertIfAbsent(ctx, kvstore.Row{Table: table, PartitionKey: partition, RowKey: activeKey, Data: data})
}

// Manager runs the scheduled subscription lifecycle.
type Manager struct {
	store       *Store
	mail        mailclient.MailClient
	resource    string
	notifURL    string
	ttl         time.Duration
	renewWindow time.Duration
	log         logr.Logger
}

// NewManager builds a Manager. ttl should already be provider_max - 1d
// (SubscriptionTtlDays, hard-capped by the provider).
func NewManager(store *Store, mail mailclient.MailClient, resource, notifURL string, ttl time.Duration, log logr.Logger) *Manager {
	return &Manager{store: store, mail: mail, resource: resource, notifURL: notifURL, ttl: ttl, renewWindow: 48 * time.Hour, log: log}
}

// Reconcile runs the None/Expiring/Healthy state machine once.
func (m *Manager) Reconcile(ctx context.Context) error {
	active, err := m.store.Active(ctx)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrorTypeNotFound) {
			return m.subscribeFresh(ctx)
		}
		return err
	}

	if time.Until(active.ExpirationAt) < m.renewWindow {
		return m.renew(ctx, active)
	}

	m.log.V(1).Info("subscription healthy", "expiresAt", active.ExpirationAt)
	return nil
}

func (m *Manager) subscribeFresh(ctx context.Context) error {
	clientState, err := newClientState()
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeFatal, "generate client state")
	}

	providerSubID, err := m.mail.Subscribe(ctx, m.resource, m.notifURL, clientState, m.ttl)
	if err != nil {
		// Do not mark anything inactive on failure; retry on the next
		// schedule.
		return appErrors.Wrap(err, appErrors.ErrorTypeTransient, "subscribe to mail provider")
	}

	now := time.Now()
	return m.store.replaceActive(ctx, Subscription{
		ProviderSubID: providerSubID,
		Resource:      m.resource,
		ExpirationAt:  now.Add(m.ttl),
		ClientState:   clientState,
		IsActive:      true,
		CreatedAt:     now,
		LastRenewedAt: now,
	})
}

func (m *Manager) renew(ctx context.Context, active Subscription) error {
	if err := m.mail.Renew(ctx, active.ProviderSubID, m.ttl); err != nil {
		if appErrors.Is(err, appErrors.ErrorTypeNotFound) {
			// Already expired server-side: create a fresh one instead.
			return m.subscribeFresh(ctx)
		}
		return appErrors.Wrap(err, appErrors.ErrorTypeTransient, "renew mail provider subscription")
	}

	active.ExpirationAt = time.Now().Add(m.ttl)
	active.LastRenewedAt = time.Now()
	data, err := json.Marshal(active)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeFatal, "marshal renewed subscription row")
	}

	row, err := m.store.activeRow(ctx)
	if err != nil {
		return err
	}
	return m.store.kv.UpdateIfMatch(ctx, kvstore.Row{Table: table, PartitionKey: partition, RowKey: activeKey, Data: data}, row.etag)
}

func newClientState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
