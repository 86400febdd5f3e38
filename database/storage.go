package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	tokenstore "go-tokenstore"
)

var (
	// ErrInvalidTablePrefix is returned when the table prefix cannot be used
	// as a PostgreSQL identifier.
	ErrInvalidTablePrefix = errors.New("table prefix must contain only lowercase letters, numbers, and underscores, and start with a letter")

	// validTablePrefixPattern validates PostgreSQL-safe identifiers
	validTablePrefixPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// Storage is the PostgreSQL implementation of tokenstore.Storage. Row-level
// exclusive locking comes from SELECT ... FOR UPDATE under a per-transaction
// lock_timeout, so a contended claim attempt fails fast instead of queueing.
type Storage struct {
	db          *sql.DB
	queries     *Queries
	lockTimeout time.Duration
}

// StorageOption configures a Storage.
type StorageOption func(*Storage)

// WithLockTimeout sets the bounded wait for row locks.
// DEFAULT: 1 second
func WithLockTimeout(timeout time.Duration) StorageOption {
	return func(s *Storage) {
		if timeout > 0 {
			s.lockTimeout = timeout
		}
	}
}

// NewStorage creates a Postgres-backed storage using tables named after the
// given prefix. The prefix must be a valid PostgreSQL identifier.
func NewStorage(db *sql.DB, tablePrefix string, opts ...StorageOption) (*Storage, error) {
	if err := ValidateTablePrefix(tablePrefix); err != nil {
		return nil, fmt.Errorf("invalid table prefix: %w", err)
	}

	var storage = &Storage{
		db:          db,
		queries:     NewQueries(db, tablePrefix),
		lockTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(storage)
	}

	return storage, nil
}

// ValidateTablePrefix checks if the prefix is valid for use as a PostgreSQL
// identifier.
func ValidateTablePrefix(tablePrefix string) error {
	if tablePrefix == "" {
		return errors.New("table prefix cannot be empty")
	}

	if len(tablePrefix) > 56 {
		return errors.New("table prefix must be 56 characters or less")
	}

	if !validTablePrefixPattern.MatchString(tablePrefix) {
		return ErrInvalidTablePrefix
	}

	return nil
}

// InTx runs fn inside one database transaction with the configured
// lock_timeout applied, committing on a nil return.
func (s *Storage) InTx(ctx context.Context, fn func(tx tokenstore.Tx) error) error {
	return s.inTx(ctx, func(queries *Queries) error {
		return fn(&dbTx{queries: queries})
	})
}

// inTx begins a transaction, applies the bounded lock wait, and commits when
// fn succeeds.
func (s *Storage) inTx(ctx context.Context, fn func(queries *Queries) error) error {
	var sqlTx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	// SET LOCAL scopes the timeout to this transaction only.
	if _, err := sqlTx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("failed to set lock timeout: %w", err)
	}

	if err := fn(NewQueries(sqlTx, s.queries.tablePrefix)); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ExtendClaim refreshes the claim timestamp where the owner matches. The
// update runs in its own transaction so the bounded lock wait applies; a
// timed-out wait surfaces as tokenstore.ErrRowLocked.
func (s *Storage) ExtendClaim(ctx context.Context, processorName string, segment int, owner string, ts time.Time) (bool, error) {
	var matched bool
	var err = s.inTx(ctx, func(queries *Queries) error {
		var txErr error
		matched, txErr = queries.ExtendClaim(ctx, processorName, segment, owner, ts)
		return txErr
	})
	return matched, err
}

// ReleaseClaim clears the owner where it matches, under the same bounded
// lock wait as ExtendClaim.
func (s *Storage) ReleaseClaim(ctx context.Context, processorName string, segment int, owner string) (bool, error) {
	var matched bool
	var err = s.inTx(ctx, func(queries *Queries) error {
		var txErr error
		matched, txErr = queries.ReleaseClaim(ctx, processorName, segment, owner)
		return txErr
	})
	return matched, err
}

// ListSegments returns all segment numbers for a processor in ascending order.
func (s *Storage) ListSegments(ctx context.Context, processorName string) ([]int, error) {
	return s.queries.ListSegments(ctx, processorName)
}

// ListTokens returns all token entries for a processor ordered by segment.
func (s *Storage) ListTokens(ctx context.Context, processorName string) ([]*tokenstore.TokenEntry, error) {
	return s.queries.ListTokens(ctx, processorName)
}

// dbTx adapts transaction-bound Queries to the tokenstore.Tx interface.
type dbTx struct {
	queries *Queries
}

func (tx *dbTx) GetForUpdate(ctx context.Context, processorName string, segment int) (*tokenstore.TokenEntry, error) {
	return tx.queries.GetTokenForUpdate(ctx, processorName, segment)
}

func (tx *dbTx) Insert(ctx context.Context, entry *tokenstore.TokenEntry) error {
	return tx.queries.InsertToken(ctx, entry)
}

func (tx *dbTx) Update(ctx context.Context, entry *tokenstore.TokenEntry) error {
	return tx.queries.UpdateToken(ctx, entry)
}

func (tx *dbTx) ListSegments(ctx context.Context, processorName string) ([]int, error) {
	return tx.queries.ListSegments(ctx, processorName)
}
