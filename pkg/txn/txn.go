// Package txn holds the Transaction model — one row per
// unique inbound message, partitioned by receipt month — and the store
// it is persisted through. The Deduplicator is the only component
// permitted to create a row; every other stage advances it with
// UpdateIfMatch against the etag it last observed.
package txn

import (
	"context"
	"encoding/json"
	"time"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
	"github.com/afoxnyc3/invoice-agent/pkg/kvstore"
	"github.com/afoxnyc3/invoice-agent/pkg/pipeline"
)

const table = "transactions"

// Transaction is one row per unique inbound message.
type Transaction struct {
	TxID              string            `json:"txId"`
	OriginalMessageID string            `json:"originalMessageId"`
	InvoiceHash       string            `json:"invoiceHash,omitempty"`
	Status            pipeline.TxStatus `json:"status"`
	VendorName        string            `json:"vendorName,omitempty"`
	GLCode            string            `json:"glCode,omitempty"`
	SenderDomain      string            `json:"senderDomain"`
	ReceivedAt        time.Time         `json:"receivedAt"`
	ProcessedAt       time.Time         `json:"processedAt,omitempty"`
	EmailsSentCount   int               `json:"emailsSentCount"`
	ErrorReason       string            `json:"errorReason,omitempty"`
	SchemaVersion     string            `json:"schemaVersion"`
}

const CurrentSchemaVersion = "1.0"

// validTransitions enumerates the only allowed Status moves. received is the only entry point, created by the Deduplicator.
var validTransitions = map[pipeline.TxStatus][]pipeline.TxStatus{
	pipeline.StatusReceived: {pipeline.StatusEnriched, pipeline.StatusUnknown, pipeline.StatusFailed},
	pipeline.StatusEnriched: {pipeline.StatusPosted, pipeline.StatusFailed},
	pipeline.StatusUnknown:  {pipeline.StatusPosted, pipeline.StatusFailed},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to pipeline.TxStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Store persists Transaction rows, keyed by YYYYMM partition and TxID.
type Store struct {
	kv kvstore.Store
}

// NewStore builds a txn Store over kv.
func NewStore(kv kvstore.Store) *Store {
	return &Store{kv: kv}
}

// Row pairs a Transaction with the etag it was read at, so callers can
// round-trip it through UpdateIfMatch.
type Row struct {
	Transaction Transaction
	ETag        string
}

// Get fetches a Transaction row by its receipt period and TxID.
func (s *Store) Get(ctx context.Context, period, txID string) (Row, error) {
	row, err := s.kv.Get(ctx, table, period, txID)
	if err != nil {
		return Row{}, err
	}
	var tx Transaction
	if err := json.Unmarshal(row.Data, &tx); err != nil {
		return Row{}, appErrors.Wrap(err, appErrors.ErrorTypeFatal, "unmarshal transaction row")
	}
	return Row{Transaction: tx, ETag: row.ETag}, nil
}

// Create inserts the initial `received` row. Used only by the
// Deduplicator; everyone else calls Advance.
func (s *Store) Create(ctx context.Context, tx Transaction) error {
	tx.Status = pipeline.StatusReceived
	if tx.SchemaVersion == "" {
		tx.SchemaVersion = CurrentSchemaVersion
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeFatal, "marshal transaction row")
	}
	period := tx.ReceivedAt.Format("200601")
	return s.kv.InsertIfAbsent(ctx, kvstore.Row{Table: table, PartitionKey: period, RowKey: tx.TxID, Data: data})
}

// Advance applies mutate to the Transaction last read at etag and
// writes it back with UpdateIfMatch, rejecting the write if mutate
// proposes an illegal status transition.
func (s *Store) Advance(ctx context.Context, period string, row Row, mutate func(*Transaction)) error {
	before := row.Transaction.Status
	mutate(&row.Transaction)
	if row.Transaction.Status != before && !CanTransition(before, row.Transaction.Status) {
		return appErrors.Newf(appErrors.ErrorTypeFatal, "illegal transaction status transition %s -> %s", before, row.Transaction.Status)
	}

	data, err := json.Marshal(row.Transaction)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeFatal, "marshal transaction row")
	}
	return s.kv.UpdateIfMatch(ctx, kvstore.Row{Table: table, PartitionKey: period, RowKey: row.Transaction.TxID, Data: data}, row.ETag)
}

// AdvanceWithRetry is Advance, but on a Conflict it re-reads the row
// once and retries the mutation against the fresh etag.
func (s *Store) AdvanceWithRetry(ctx context.Context, period, txID string, mutate func(*Transaction)) error {
	row, err := s.Get(ctx, period, txID)
	if err != nil {
		return err
	}
	err = s.Advance(ctx, period, row, mutate)
	if err == nil || !kvstore.IsConflict(err) {
		return err
	}

	row, err = s.Get(ctx, period, txID)
	if err != nil {
		return err
	}
	return s.Advance(ctx, period, row, mutate)
}
