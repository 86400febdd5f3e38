package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TokenStore persistently tracks, per processor and segment, how far that
// segment has been consumed and which node currently owns the right to
// advance it. All state lives in the backing Storage; the store itself only
// holds configuration, so a node must never assume it still owns a segment
// without checking the result of ExtendClaim.
type TokenStore struct {
	storage Storage
	options options
}

// New creates a TokenStore on top of the given storage.
func New(storage Storage, opts ...Option) *TokenStore {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &TokenStore{
		storage: storage,
		options: options,
	}
}

// NodeID returns the identity this store uses as the owner value on claims.
func (ts *TokenStore) NodeID() string {
	return ts.options.nodeID
}

// InitializeSegments creates segmentCount unclaimed entries for the
// processor, segments 0 through segmentCount-1, with no recorded progress.
// It fails with a claim conflict if any segment already exists, so a second
// deployment cannot re-initialize an active processor.
func (ts *TokenStore) InitializeSegments(ctx context.Context, processorName string, segmentCount int) error {
	return ts.storage.InTx(ctx, func(tx Tx) error {
		var segments, err = tx.ListSegments(ctx, processorName)
		if err != nil {
			return fmt.Errorf("failed to list segments: %w", err)
		}

		if len(segments) > 0 {
			return &ClaimError{
				ProcessorName: processorName,
				Reason:        "could not initialize segments, some segments were already present",
			}
		}

		var now = time.Now()
		for segment := 0; segment < segmentCount; segment++ {
			var entry = &TokenEntry{
				ProcessorName: processorName,
				Segment:       segment,
				Timestamp:     now,
			}
			if err := tx.Insert(ctx, entry); err != nil {
				return fmt.Errorf("failed to insert segment %d: %w", segment, err)
			}
		}

		return nil
	})
}

// StoreToken records the given token as the progress marker for the segment.
// The calling node must hold or be able to acquire the claim; otherwise a
// claim conflict is returned.
func (ts *TokenStore) StoreToken(ctx context.Context, processorName string, segment int, token any) error {
	var (
		payload   []byte
		tokenType string
	)

	// A nil token is valid input: it records "no progress yet" without
	// going through the codec.
	if token != nil {
		var err error
		payload, tokenType, err = ts.options.codec.Encode(token)
		if err != nil {
			return err
		}
	}

	return ts.storage.InTx(ctx, func(tx Tx) error {
		entry, _, err := ts.loadOrCreate(ctx, tx, processorName, segment)
		if err != nil {
			return err
		}

		entry.Token = payload
		entry.TokenType = tokenType
		entry.Timestamp = time.Now()

		if err := tx.Update(ctx, entry); err != nil {
			return fmt.Errorf("failed to update token for '%s[%d]': %w", processorName, segment, err)
		}
		return nil
	})
}

// FetchToken returns the current progress token for the segment, acquiring
// the claim as a side effect. A nil token means no progress has been
// recorded yet. Fetching is deliberately not a pure read: taking
// responsibility for the segment is the point of fetching it.
func (ts *TokenStore) FetchToken(ctx context.Context, processorName string, segment int) (any, error) {
	var found *TokenEntry

	var err = ts.storage.InTx(ctx, func(tx Tx) error {
		entry, created, err := ts.loadOrCreate(ctx, tx, processorName, segment)
		if err != nil {
			return err
		}

		if !created {
			if err := tx.Update(ctx, entry); err != nil {
				return fmt.Errorf("failed to persist claim on '%s[%d]': %w", processorName, segment, err)
			}
		}

		found = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	if found.Token == nil {
		return nil, nil
	}
	return ts.options.codec.Decode(found.Token, found.TokenType)
}

// ExtendClaim refreshes the timestamp on a claim this node already holds.
// It fails with a claim conflict when the entry is missing or owned by
// someone else. Staleness is not checked here: as long as this node is
// still recorded as the owner it may renew, even past the nominal timeout.
// Expiry is advisory to competitors, not a deadline for the holder.
func (ts *TokenStore) ExtendClaim(ctx context.Context, processorName string, segment int) error {
	var matched, err = ts.storage.ExtendClaim(ctx, processorName, segment, ts.options.nodeID, time.Now())
	if errors.Is(err, ErrRowLocked) {
		return &ClaimError{
			ProcessorName: processorName,
			Segment:       segment,
			Reason:        "the entry is locked by another node",
		}
	}
	if err != nil {
		return fmt.Errorf("failed to extend claim on '%s[%d]': %w", processorName, segment, err)
	}

	if !matched {
		return &ClaimError{
			ProcessorName: processorName,
			Segment:       segment,
			Reason:        "unable to extend the claim, it is either claimed by another process or there is no such token",
		}
	}

	return nil
}

// ReleaseClaim gives up this node's claim on the segment. Releasing a claim
// that was already lost or never held is not an error: the caller's intent,
// to stop being responsible, is already satisfied. The failed release is
// logged as a warning.
func (ts *TokenStore) ReleaseClaim(ctx context.Context, processorName string, segment int) error {
	var matched, err = ts.storage.ReleaseClaim(ctx, processorName, segment, ts.options.nodeID)
	if errors.Is(err, ErrRowLocked) {
		// Someone else is mutating the entry right now, so this node has
		// already lost the claim it wanted to drop.
		matched, err = false, nil
	}
	if err != nil {
		return fmt.Errorf("failed to release claim on '%s[%d]': %w", processorName, segment, err)
	}

	if !matched {
		ts.options.logger.Warn("releasing claim failed, token was not owned by this node",
			"processor_name", processorName,
			"segment", segment,
			"node_id", ts.options.nodeID)
	}

	return nil
}

// FetchSegments returns all known segment numbers for the processor in
// ascending order.
func (ts *TokenStore) FetchSegments(ctx context.Context, processorName string) ([]int, error) {
	var segments, err = ts.storage.ListSegments(ctx, processorName)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	return segments, nil
}

// loadOrCreate loads the entry for (processorName, segment) under an
// exclusive lock and claims it for this node, creating an already-claimed
// entry when none exists. When created is true the entry has been inserted;
// otherwise the claim has only been applied in memory and the caller must
// persist it through tx.Update before the transaction commits.
func (ts *TokenStore) loadOrCreate(ctx context.Context, tx Tx, processorName string, segment int) (entry *TokenEntry, created bool, err error) {
	entry, err = tx.GetForUpdate(ctx, processorName, segment)
	if errors.Is(err, ErrRowLocked) {
		return nil, false, &ClaimError{
			ProcessorName: processorName,
			Segment:       segment,
			Reason:        "the entry is locked by another node",
		}
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load token for '%s[%d]': %w", processorName, segment, err)
	}

	if entry == nil {
		entry = &TokenEntry{
			ProcessorName: processorName,
			Segment:       segment,
			Owner:         ts.options.nodeID,
			Timestamp:     time.Now(),
		}
		if err := tx.Insert(ctx, entry); err != nil {
			return nil, false, fmt.Errorf("failed to insert token for '%s[%d]': %w", processorName, segment, err)
		}
		return entry, true, nil
	}

	if !ts.claim(entry, time.Now()) {
		return nil, false, &ClaimError{
			ProcessorName: processorName,
			Segment:       segment,
			Owner:         entry.Owner,
		}
	}

	return entry, false, nil
}

// claim attempts to take ownership of the entry: it succeeds when the entry
// is unclaimed, already owned by this node, or held by an owner whose claim
// is older than the claim timeout. The row lock held by the caller decides
// who wins a race; this rule only decides who is allowed to try.
func (ts *TokenStore) claim(entry *TokenEntry, now time.Time) bool {
	var expiresAt = entry.Timestamp.Add(ts.options.claimTimeout)
	if entry.Owner != "" && entry.Owner != ts.options.nodeID && !now.After(expiresAt) {
		return false
	}

	if entry.Owner != "" && entry.Owner != ts.options.nodeID {
		ts.options.logger.Debug("stealing expired claim",
			"processor_name", entry.ProcessorName,
			"segment", entry.Segment,
			"previous_owner", entry.Owner,
			"node_id", ts.options.nodeID)
	}

	entry.Owner = ts.options.nodeID
	entry.Timestamp = now
	return true
}
