package metadata

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrKeyExists is returned when a key is already reserved or committed.
	ErrKeyExists = errors.New("key already exists")
)

//go:embed schema.sql
var schema string

// Entry is one keyed blob in the cache index.
// An entry is reserved (Committed false) before its object is uploaded and
// only becomes visible to lookups once committed.
type Entry struct {
	ID        int64
	Key       string
	ObjectKey string
	Size      int64
	Committed bool
	CreatedAt time.Time
}

// DefaultReservationTimeout is how long an uncommitted reservation holds its
// key before another writer may take it over.
const DefaultReservationTimeout = time.Hour

type MetadataStore struct {
	db                 *sql.DB
	reservationTimeout time.Duration
}

type StoreOption func(*MetadataStore)

// WithReservationTimeout sets how old an uncommitted reservation must be
// before ReserveKey reclaims it.
func WithReservationTimeout(d time.Duration) StoreOption {
	return func(ms *MetadataStore) {
		ms.reservationTimeout = d
	}
}

func NewMetadataStore(db *sql.DB, opts ...StoreOption) *MetadataStore {
	ms := &MetadataStore{
		db:                 db,
		reservationTimeout: DefaultReservationTimeout,
	}
	for _, opt := range opts {
		opt(ms)
	}
	return ms
}

type QueryOpt func(*QueryOpts)

type QueryOpts struct {
	tx *sql.Tx
}

func WithTx(tx *sql.Tx) QueryOpt {
	return func(opts *QueryOpts) {
		opts.tx = tx
	}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (ms *MetadataStore) conn(opts []QueryOpt) querier {
	options := QueryOpts{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.tx != nil {
		return options.tx
	}
	return ms.db
}

// Migrate creates the cache index schema if it does not exist.
func (ms *MetadataStore) Migrate(ctx context.Context) error {
	if _, err := ms.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// ReserveKey claims key for a new entry whose data will live at objectKey.
// A reservation left uncommitted for longer than the reservation timeout,
// e.g. by a killed process, is taken over and keeps its id.
func (ms *MetadataStore) ReserveKey(ctx context.Context, key, objectKey string, opts ...QueryOpt) (int64, error) {
	query := `
		INSERT INTO cache_entries (key, object_key) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE
			SET object_key = EXCLUDED.object_key, size = 0, created_at = now()
			WHERE NOT cache_entries.committed
				AND cache_entries.created_at < now() - make_interval(secs => $3)
		RETURNING id;
	`
	var id int64
	err := ms.conn(opts).QueryRowContext(ctx, query, key, objectKey, ms.reservationTimeout.Seconds()).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrKeyExists, key)
		}
		return 0, fmt.Errorf("failed to reserve key: %w", err)
	}
	return id, nil
}

// CommitEntry marks the reservation id holding objectKey as complete. It
// fails with ErrNotFound when the reservation was committed, released or
// taken over in the meantime.
func (ms *MetadataStore) CommitEntry(ctx context.Context, id int64, objectKey string, size int64, opts ...QueryOpt) error {
	query := `
		UPDATE cache_entries SET committed = TRUE, size = $3
		WHERE id = $1 AND object_key = $2 AND NOT committed;
	`
	res, err := ms.conn(opts).ExecContext(ctx, query, id, objectKey, size)
	if err != nil {
		return fmt.Errorf("failed to commit entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to commit entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("failed to commit entry %d: %w", id, ErrNotFound)
	}
	return nil
}

// ReleaseReservation drops the reservation id if it still holds objectKey
// and was never committed.
func (ms *MetadataStore) ReleaseReservation(ctx context.Context, id int64, objectKey string, opts ...QueryOpt) error {
	query := `DELETE FROM cache_entries WHERE id = $1 AND object_key = $2 AND NOT committed;`
	if _, err := ms.conn(opts).ExecContext(ctx, query, id, objectKey); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

// FindExact returns the committed entry stored under key.
func (ms *MetadataStore) FindExact(ctx context.Context, key string, opts ...QueryOpt) (*Entry, error) {
	query := `
		SELECT id, key, object_key, size, committed, created_at
		FROM cache_entries
		WHERE key = $1 AND committed;
	`
	return scanEntry(ms.conn(opts).QueryRowContext(ctx, query, key))
}

// FindByPrefix returns the most recently created committed entry whose key
// starts with prefix.
func (ms *MetadataStore) FindByPrefix(ctx context.Context, prefix string, opts ...QueryOpt) (*Entry, error) {
	query := `
		SELECT id, key, object_key, size, committed, created_at
		FROM cache_entries
		WHERE starts_with(key, $1) AND committed
		ORDER BY created_at DESC, id DESC
		LIMIT 1;
	`
	return scanEntry(ms.conn(opts).QueryRowContext(ctx, query, prefix))
}

// ListEntries returns every entry, committed or not, whose key starts with
// prefix, newest first.
func (ms *MetadataStore) ListEntries(ctx context.Context, prefix string, opts ...QueryOpt) ([]Entry, error) {
	query := `
		SELECT id, key, object_key, size, committed, created_at
		FROM cache_entries
		WHERE starts_with(key, $1)
		ORDER BY created_at DESC, id DESC;
	`
	rows, err := ms.conn(opts).QueryContext(ctx, query, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Key, &e.ObjectKey, &e.Size, &e.Committed, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// DeleteEntry removes the entry stored under key and returns it.
func (ms *MetadataStore) DeleteEntry(ctx context.Context, key string, opts ...QueryOpt) (*Entry, error) {
	query := `
		DELETE FROM cache_entries
		WHERE key = $1
		RETURNING id, key, object_key, size, committed, created_at;
	`
	return scanEntry(ms.conn(opts).QueryRowContext(ctx, query, key))
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.Key, &e.ObjectKey, &e.Size, &e.Committed, &e.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}
