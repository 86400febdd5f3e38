package tokenstore

import "time"

// TokenEntry is the persisted claim record for one segment of a processor.
// Zero values mean "absent": a nil Token means no progress has been recorded
// yet, an empty Owner means the segment is unclaimed.
type TokenEntry struct {
	ProcessorName string
	Segment       int
	Token         []byte
	TokenType     string
	Owner         string
	Timestamp     time.Time
}

// SequenceToken is a minimal tracking token: a global position in a stream.
type SequenceToken struct {
	Sequence int64 `json:"sequence"`
}

// Next returns the token advanced by one position.
func (t SequenceToken) Next() SequenceToken {
	return SequenceToken{Sequence: t.Sequence + 1}
}
