package kvstore

import (
	"context"

	"github.com/afoxnyc3/invoice-agent/pkg/breaker"
)

// BreakerStore wraps a Store so every call trips the shared KVStore
// circuit breaker on repeated failures, the same way mailclient and
// vendorextractor wrap their own calls.
type BreakerStore struct {
	next Store
	cb   *breaker.Breaker
}

// NewBreakerStore wraps next behind cb.
func NewBreakerStore(next Store, cb *breaker.Breaker) *BreakerStore {
	return &BreakerStore{next: next, cb: cb}
}

func (s *BreakerStore) Get(ctx context.Context, table, partitionKey, rowKey string) (Row, error) {
	return breaker.DoCtx(ctx, s.cb, func(ctx context.Context) (Row, error) {
		return s.next.Get(ctx, table, partitionKey, rowKey)
	})
}

func (s *BreakerStore) InsertIfAbsent(ctx context.Context, row Row) error {
	_, err := breaker.DoCtx(ctx, s.cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.next.InsertIfAbsent(ctx, row)
	})
	return err
}

func (s *BreakerStore) UpdateIfMatch(ctx context.Context, row Row, etag string) error {
	_, err := breaker.DoCtx(ctx, s.cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.next.UpdateIfMatch(ctx, row, etag)
	})
	return err
}

func (s *BreakerStore) Delete(ctx context.Context, table, partitionKey, rowKey string) error {
	_, err := breaker.DoCtx(ctx, s.cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.next.Delete(ctx, table, partitionKey, rowKey)
	})
	return err
}
