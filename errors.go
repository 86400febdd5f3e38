package tokenstore

import (
	"errors"
	"fmt"
)

// ErrClaimConflict is the category for every "cannot safely proceed now"
// outcome: the segment is claimed by another live node, the row lock could
// not be acquired in time, or segments were already initialized. Callers are
// expected to back off or move on to another segment; this is the normal
// steady-state result of contention, not a fault.
var ErrClaimConflict = errors.New("claim conflict")

// ClaimError reports a failed claim, extend, or initialization attempt.
// It matches ErrClaimConflict under errors.Is.
type ClaimError struct {
	ProcessorName string
	Segment       int
	Owner         string // current owner, when known
	Reason        string
}

func (e *ClaimError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("unable to claim token '%s[%d]': it is owned by '%s'", e.ProcessorName, e.Segment, e.Owner)
	}
	return fmt.Sprintf("unable to claim token '%s[%d]': %s", e.ProcessorName, e.Segment, e.Reason)
}

func (e *ClaimError) Unwrap() error {
	return ErrClaimConflict
}
