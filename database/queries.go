package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	tokenstore "go-tokenstore"

	"github.com/lib/pq"
)

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides table-aware database operations for token entries.
type Queries struct {
	db          DBTX
	tablePrefix string
}

// NewQueries creates a new Queries instance with the given table prefix.
func NewQueries(db DBTX, tablePrefix string) *Queries {
	return &Queries{
		db:          db,
		tablePrefix: tablePrefix,
	}
}

var (
	getTokenForUpdateSQL = `
SELECT processor_name, segment, token, token_type, owner, timestamp
FROM %s_tokens
WHERE processor_name = $1 AND segment = $2
FOR UPDATE;`

	insertTokenSQL = `
INSERT INTO %s_tokens (processor_name, segment, token, token_type, owner, timestamp)
VALUES ($1, $2, $3, $4, $5, $6);`

	updateTokenSQL = `
UPDATE %s_tokens
SET token = $3, token_type = $4, owner = $5, timestamp = $6
WHERE processor_name = $1 AND segment = $2;`

	extendClaimSQL = `
UPDATE %s_tokens
SET timestamp = $4
WHERE processor_name = $1 AND segment = $2 AND owner = $3;`

	releaseClaimSQL = `
UPDATE %s_tokens
SET owner = NULL
WHERE processor_name = $1 AND segment = $2 AND owner = $3;`

	listSegmentsSQL = `
SELECT segment
FROM %s_tokens
WHERE processor_name = $1
ORDER BY segment ASC;`

	listTokensSQL = `
SELECT processor_name, segment, token, token_type, owner, timestamp
FROM %s_tokens
WHERE processor_name = $1
ORDER BY segment ASC;`
)

// GetTokenForUpdate loads a token entry under an exclusive row lock. The
// lock wait is bounded by the transaction's lock_timeout; a timed-out wait
// is reported as tokenstore.ErrRowLocked. Returns nil when no entry exists.
func (q *Queries) GetTokenForUpdate(ctx context.Context, processorName string, segment int) (*tokenstore.TokenEntry, error) {
	var (
		query = fmt.Sprintf(getTokenForUpdateSQL, q.tablePrefix)
		row   = q.db.QueryRowContext(ctx, query, processorName, segment)
		entry, err = scanEntry(row.Scan)
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if isLockNotAvailable(err) {
		return nil, tokenstore.ErrRowLocked
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	return entry, nil
}

// InsertToken persists a new token entry.
func (q *Queries) InsertToken(ctx context.Context, entry *tokenstore.TokenEntry) error {
	var query = fmt.Sprintf(insertTokenSQL, q.tablePrefix)
	_, err := q.db.ExecContext(ctx, query,
		entry.ProcessorName, entry.Segment, entry.Token,
		nullable(entry.TokenType), nullable(entry.Owner), entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

// UpdateToken overwrites the entry with the same key.
func (q *Queries) UpdateToken(ctx context.Context, entry *tokenstore.TokenEntry) error {
	var query = fmt.Sprintf(updateTokenSQL, q.tablePrefix)
	_, err := q.db.ExecContext(ctx, query,
		entry.ProcessorName, entry.Segment, entry.Token,
		nullable(entry.TokenType), nullable(entry.Owner), entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	return nil
}

// ExtendClaim refreshes the timestamp only where the owner matches,
// reporting whether a row matched.
func (q *Queries) ExtendClaim(ctx context.Context, processorName string, segment int, owner string, ts time.Time) (bool, error) {
	var query = fmt.Sprintf(extendClaimSQL, q.tablePrefix)
	result, err := q.db.ExecContext(ctx, query, processorName, segment, owner, ts)
	if isLockNotAvailable(err) {
		return false, tokenstore.ErrRowLocked
	}
	if err != nil {
		return false, fmt.Errorf("failed to extend claim: %w", err)
	}

	return matchedRows(result)
}

// ReleaseClaim clears the owner only where it matches, reporting whether a
// row matched.
func (q *Queries) ReleaseClaim(ctx context.Context, processorName string, segment int, owner string) (bool, error) {
	var query = fmt.Sprintf(releaseClaimSQL, q.tablePrefix)
	result, err := q.db.ExecContext(ctx, query, processorName, segment, owner)
	if isLockNotAvailable(err) {
		return false, tokenstore.ErrRowLocked
	}
	if err != nil {
		return false, fmt.Errorf("failed to release claim: %w", err)
	}

	return matchedRows(result)
}

// ListSegments returns all segment numbers for a processor in ascending order.
func (q *Queries) ListSegments(ctx context.Context, processorName string) ([]int, error) {
	var (
		query     = fmt.Sprintf(listSegmentsSQL, q.tablePrefix)
		rows, err = q.db.QueryContext(ctx, query, processorName)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	var segments = make([]int, 0)
	for rows.Next() {
		var segment int
		if err := rows.Scan(&segment); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments = append(segments, segment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return segments, nil
}

// ListTokens returns all token entries for a processor ordered by segment.
// Used for introspection; it takes no locks.
func (q *Queries) ListTokens(ctx context.Context, processorName string) ([]*tokenstore.TokenEntry, error) {
	var (
		query     = fmt.Sprintf(listTokensSQL, q.tablePrefix)
		rows, err = q.db.QueryContext(ctx, query, processorName)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var entries []*tokenstore.TokenEntry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return entries, nil
}

// scanEntry reads one row into a TokenEntry, converting NULL columns to the
// entry's zero values.
func scanEntry(scan func(dest ...any) error) (*tokenstore.TokenEntry, error) {
	var (
		entry     tokenstore.TokenEntry
		tokenType sql.NullString
		owner     sql.NullString
	)
	if err := scan(&entry.ProcessorName, &entry.Segment, &entry.Token, &tokenType, &owner, &entry.Timestamp); err != nil {
		return nil, err
	}
	entry.TokenType = tokenType.String
	entry.Owner = owner.String
	return &entry, nil
}

// nullable maps an empty string to SQL NULL so owner predicates never match
// unclaimed rows.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func matchedRows(result sql.Result) (bool, error) {
	var affected, err = result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

// isLockNotAvailable reports whether err is the Postgres lock_not_available
// condition raised when lock_timeout expires.
func isLockNotAvailable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "55P03"
}
