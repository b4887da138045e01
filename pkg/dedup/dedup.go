// Package dedup implements the Deduplicator: at-most-one concurrent
// processing per inbound email despite at-least-once queue delivery,
// webhook + fallback-poller double-ingestion, and provider replays.
package dedup

import (
	"context"
	"encoding/json"
	"time"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
	"github.com/afoxnyc3/invoice-agent/pkg/kvstore"
	"github.com/afoxnyc3/invoice-agent/pkg/obsmetrics"
	"github.com/afoxnyc3/invoice-agent/pkg/pipeline"
	"github.com/afoxnyc3/invoice-agent/pkg/txid"
)

const transactionsTable = "transactions"

// claimRecord is the JSON shape stored in the Transactions row at claim
// time. pkg/txn owns the full Transaction shape; dedup only needs the
// fields the claim algorithm reads and writes.
type claimRecord struct {
	TxID              string          `json:"txId"`
	OriginalMessageID string          `json:"originalMessageId"`
	Status            pipeline.TxStatus `json:"status"`
	ClaimedAt         time.Time       `json:"claimedAt"`
}

// Deduplicator claims exclusive ownership of an inbound message.
type Deduplicator struct {
	store             kvstore.Store
	staleClaimWindow  time.Duration
	now               func() time.Time
}

// New builds a Deduplicator. staleClaimWindow bounds how long a claim
// may sit unfinished before another worker is allowed to steal it
// (default 30m).
func New(store kvstore.Store, staleClaimWindow time.Duration) *Deduplicator {
	if staleClaimWindow <= 0 {
		staleClaimWindow = 30 * time.Minute
	}
	return &Deduplicator{store: store, staleClaimWindow: staleClaimWindow, now: time.Now}
}

// Outcome tells the caller whether it won the claim or should skip.
type Outcome struct {
	TxID  string
	IsNew bool
}

// ClaimAndStart claims a message for processing: insert a
// Transactions row keyed by the provider message id (not TxID), so a
// second ingestion of the same message collides on the same row.
func (d *Deduplicator) ClaimAndStart(ctx context.Context, originalMessageID string) (Outcome, error) {
	outcome, err := d.claimAndStart(ctx, originalMessageID)
	if err == nil {
		obsmetrics.RecordDedupeOutcome(outcome.IsNew)
	}
	return outcome, err
}

func (d *Deduplicator) claimAndStart(ctx context.Context, originalMessageID string) (Outcome, error) {
	newTxID := txid.New()
	period, err := txid.Period(newTxID)
	if err != nil {
		return Outcome{}, appErrors.Wrap(err, appErrors.ErrorTypeFatal, "derive partition from new txid")
	}

	rec := claimRecord{
		TxID:              newTxID,
		OriginalMessageID: originalMessageID,
		Status:            pipeline.StatusReceived,
		ClaimedAt:         d.now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Outcome{}, appErrors.Wrap(err, appErrors.ErrorTypeFatal, "marshal claim record")
	}

	insertErr := d.store.InsertIfAbsent(ctx, kvstore.Row{
		Table:        transactionsTable,
		PartitionKey: period,
		RowKey:       originalMessageID,
		Data:         data,
	})
	if insertErr == nil {
		return Outcome{TxID: newTxID, IsNew: true}, nil
	}
	if !kvstore.IsAlreadyExists(insertErr) {
		return Outcome{}, appErrors.Wrap(insertErr, appErrors.ErrorTypeTransient, "claim transaction row")
	}

	return d.resolveExisting(ctx, period, originalMessageID)
}

// resolveExisting handles the AlreadyExists branch: terminal states skip,
// stale mid-flight claims are stolen, everything else skips.
func (d *Deduplicator) resolveExisting(ctx context.Context, period, originalMessageID string) (Outcome, error) {
	row, err := d.store.Get(ctx, transactionsTable, period, originalMessageID)
	if err != nil {
		return Outcome{}, appErrors.Wrap(err, appErrors.ErrorTypeTransient, "read existing claim")
	}

	var existing claimRecord
	if err := json.Unmarshal(row.Data, &existing); err != nil {
		return Outcome{}, appErrors.Wrap(err, appErrors.ErrorTypeFatal, "unmarshal existing claim record")
	}

	if existing.Status == pipeline.StatusPosted || existing.Status == pipeline.StatusFailed {
		return Outcome{TxID: existing.TxID, IsNew: false}, nil
	}

	if d.now().Sub(existing.ClaimedAt) > d.staleClaimWindow {
		existing.ClaimedAt = d.now()
		existing.Status = pipeline.StatusReceived
		data, err := json.Marshal(existing)
		if err != nil {
			return Outcome{}, appErrors.Wrap(err, appErrors.ErrorTypeFatal, "marshal stolen claim record")
		}

		updateErr := d.store.UpdateIfMatch(ctx, kvstore.Row{
			Table: transactionsTable, PartitionKey: period, RowKey: originalMessageID, Data: data,
		}, row.ETag)
		if updateErr == nil {
			return Outcome{TxID: existing.TxID, IsNew: true}, nil
		}
		if kvstore.IsConflict(updateErr) {
			// Another worker stole it first between our read and
			// write; treat this as losing the race.
			return Outcome{TxID: existing.TxID, IsNew: false}, nil
		}
		return Outcome{}, appErrors.Wrap(updateErr, appErrors.ErrorTypeTransient, "steal stale claim")
	}

	return Outcome{TxID: existing.TxID, IsNew: false}, nil
}
