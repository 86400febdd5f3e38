package tokenstore

import (
	"context"
	"errors"
	"time"
)

// ErrRowLocked is returned by Tx.GetForUpdate when the exclusive lock on an
// entry cannot be acquired within the storage lock-wait timeout. The store
// surfaces it to callers as a claim conflict.
var ErrRowLocked = errors.New("token entry is locked by another transaction")

// Tx is a single transaction against the token entry table. Locks taken by
// GetForUpdate are held until the transaction ends.
type Tx interface {
	// GetForUpdate loads the entry under an exclusive lock with a bounded
	// wait. It returns (nil, nil) when no entry exists, and ErrRowLocked when
	// the lock cannot be acquired in time.
	GetForUpdate(ctx context.Context, processorName string, segment int) (*TokenEntry, error)

	// Insert persists a new entry. The entry becomes visible to other
	// transactions once the transaction commits.
	Insert(ctx context.Context, entry *TokenEntry) error

	// Update overwrites the entry with the same key.
	Update(ctx context.Context, entry *TokenEntry) error

	// ListSegments returns all segment numbers known for the processor in
	// ascending order.
	ListSegments(ctx context.Context, processorName string) ([]int, error)
}

// Storage is the persistence boundary of the token store. Implementations
// must linearize all operations on a single (processorName, segment) key:
// no two transactions may simultaneously hold the entry for update, and the
// conditional updates must be atomic compare-and-swap operations rather than
// read-then-write.
type Storage interface {
	// InTx runs fn inside one transaction, committing on a nil return and
	// rolling back otherwise. The commit is the durability and visibility
	// boundary for every write made through the Tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// ExtendClaim sets the entry's timestamp to ts only where the owner
	// matches, reporting whether a row matched. A missing entry, a foreign
	// owner, and an unclaimed entry all report false.
	ExtendClaim(ctx context.Context, processorName string, segment int, owner string, ts time.Time) (bool, error)

	// ReleaseClaim clears the entry's owner only where the owner matches,
	// reporting whether a row matched.
	ReleaseClaim(ctx context.Context, processorName string, segment int, owner string) (bool, error)

	// ListSegments returns all segment numbers known for the processor in
	// ascending order.
	ListSegments(ctx context.Context, processorName string) ([]int, error)
}
