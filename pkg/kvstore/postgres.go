package kvstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// PostgresStore backs Store with a single generic table, keyed on
// (table_name, partition_key, row_key), so Vendors/Transactions/
// Subscriptions all live behind one schema (see
// internal/database/migrations).
type PostgresStore struct {
	db *sqlx.DB
}

// Open connects to Postgres via the pgx driver through database/sql.
func Open(dsn string, maxOpenConns int) (*PostgresStore, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeTransient, "open postgres connection")
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an already-open sqlx.DB, used by tests driving
// go-sqlmock.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowRecord struct {
	TableName    string    `db:"table_name"`
	PartitionKey string    `db:"partition_key"`
	RowKey       string    `db:"row_key"`
	ETag         string    `db:"etag"`
	Data         []byte    `db:"data"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func newETagPG() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (s *PostgresStore) Get(ctx context.Context, table, pk, rk string) (Row, error) {
	var rec rowRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT table_name, partition_key, row_key, etag, data, updated_at
		   FROM kv_rows
		  WHERE table_name = $1 AND partition_key = $2 AND row_key = $3`,
		table, pk, rk)
	if err != nil {
		if isNoRows(err) {
			return Row{}, notFound(table, pk, rk)
		}
		return Row{}, appErrors.Wrap(err, appErrors.ErrorTypeTransient, "get row").WithDetailsf("table=%s pk=%s rk=%s", table, pk, rk)
	}

	return Row{
		Table:        rec.TableName,
		PartitionKey: rec.PartitionKey,
		RowKey:       rec.RowKey,
		ETag:         rec.ETag,
		Data:         json.RawMessage(rec.Data),
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}

func (s *PostgresStore) InsertIfAbsent(ctx context.Context, row Row) error {
	etag := newETagPG()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_rows (table_name, partition_key, row_key, etag, data, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (table_name, partition_key, row_key) DO NOTHING`,
		row.Table, row.PartitionKey, row.RowKey, etag, []byte(row.Data))
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeTransient, "insert row")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeTransient, "insert row: rows affected")
	}
	if n == 0 {
		return alreadyExists(row.Table, row.PartitionKey, row.RowKey)
	}
	return nil
}

func (s *PostgresStore) UpdateIfMatch(ctx context.Context, row Row, etag string) error {
	newTag := newETagPG()
	res, err := s.db.ExecContext(ctx,
		`UPDATE kv_rows SET data = $1, etag = $2, updated_at = now()
		  WHERE table_name = $3 AND partition_key = $4 AND row_key = $5 AND etag = $6`,
		[]byte(row.Data), newTag, row.Table, row.PartitionKey, row.RowKey, etag)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeTransient, "update row")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeTransient, "update row: rows affected")
	}
	if n == 0 {
		// Could be a genuine conflict or a row that never existed;
		// either way the caller must re-read before retrying.
		if _, getErr := s.Get(ctx, row.Table, row.PartitionKey, row.RowKey); appErrors.Is(getErr, appErrors.ErrorTypeNotFound) {
			return notFound(row.Table, row.PartitionKey, row.RowKey)
		}
		return conflict(row.Table, row.PartitionKey, row.RowKey)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, table, pk, rk string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_rows WHERE table_name = $1 AND partition_key = $2 AND row_key = $3`,
		table, pk, rk)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeTransient, "delete row")
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
