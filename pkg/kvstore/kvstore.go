// Package kvstore wraps a row-store primitive behind a narrow
// interface granting every other component row-addressed
// CRUD by (PartitionKey, RowKey), plus the two atomic operations the
// Deduplicator, Enricher, and SubscriptionManager all lean on —
// InsertIfAbsent and UpdateIfMatch. This is the only package permitted
// to talk to the row-store driver directly.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
)

// ErrAlreadyExists is the sentinel wrapped into an AppError of kind
// Conflict when InsertIfAbsent loses a race to an existing row.
var ErrAlreadyExists = errors.New("kvstore: row already exists")

// ErrConflict is the sentinel wrapped into an AppError of kind Conflict
// when UpdateIfMatch's etag no longer matches the stored row.
var ErrConflict = errors.New("kvstore: etag mismatch")

// Row is a single addressed record. Data holds the caller's entity,
// JSON-encoded, so one physical table can back Vendors, Transactions,
// and Subscriptions without three bespoke schemas.
type Row struct {
	Table        string
	PartitionKey string
	RowKey       string
	ETag         string
	Data         json.RawMessage
	UpdatedAt    time.Time
}

// Store is the interface every other package depends on.
type Store interface {
	// Get fetches a single row. Returns an AppError of kind NotFound if
	// absent.
	Get(ctx context.Context, table, partitionKey, rowKey string) (Row, error)

	// InsertIfAbsent creates row iff no row exists at
	// (table, partitionKey, rowKey). On a pre-existing row it returns an
	// AppError wrapping ErrAlreadyExists.
	InsertIfAbsent(ctx context.Context, row Row) error

	// UpdateIfMatch overwrites row iff the stored row's etag equals the
	// etag on row. On mismatch it returns an AppError wrapping
	// ErrConflict. The new row gets a freshly generated etag.
	UpdateIfMatch(ctx context.Context, row Row, etag string) error

	// Delete removes a row unconditionally. Used only by
	// SubscriptionManager-adjacent cleanup in tests; production code
	// prefers soft-delete (Vendor.Active=false).
	Delete(ctx context.Context, table, partitionKey, rowKey string) error
}

// IsAlreadyExists reports whether err represents an InsertIfAbsent
// collision.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsConflict reports whether err represents an UpdateIfMatch etag
// mismatch.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func notFound(table, pk, rk string) error {
	return appErrors.Newf(appErrors.ErrorTypeNotFound, "no row for table=%s partitionKey=%s rowKey=%s", table, pk, rk)
}

func alreadyExists(table, pk, rk string) error {
	return appErrors.Wrapf(ErrAlreadyExists, appErrors.ErrorTypeConflict, "row already exists for table=%s partitionKey=%s rowKey=%s", table, pk, rk)
}

func conflict(table, pk, rk string) error {
	return appErrors.Wrapf(ErrConflict, appErrors.ErrorTypeConflict, "etag mismatch for table=%s partitionKey=%s rowKey=%s", table, pk, rk)
}
