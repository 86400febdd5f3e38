package tokenstore

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// options configures the TokenStore behavior (internal only).
type options struct {
	claimTimeout time.Duration
	nodeID       string
	codec        Codec
	logger       *slog.Logger
}

// defaultOptions returns sensible defaults: a 10 second claim timeout and a
// node identity derived from the running process.
func defaultOptions() options {
	return options{
		claimTimeout: 10 * time.Second,
		nodeID:       defaultNodeID(),
		codec:        NewJSONCodec(),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// defaultNodeID identifies the calling process: host, pid, and a random
// suffix so two stores in one process do not share an identity.
func defaultNodeID() string {
	var host, err = os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[0:8])
}

// Option is a functional option for configuring a TokenStore.
type Option func(*options)

// WithClaimTimeout sets the duration after which a claim that has not been
// renewed may be stolen by another node.
func WithClaimTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.claimTimeout = timeout
	}
}

// WithNodeID sets the identity used as the owner value on claims.
// DEFAULT: host-pid-random
func WithNodeID(nodeID string) Option {
	return func(o *options) {
		o.nodeID = nodeID
	}
}

// WithCodec sets the codec used to serialize tokens.
// DEFAULT: a JSONCodec with SequenceToken registered
func WithCodec(codec Codec) Option {
	return func(o *options) {
		if codec == nil {
			return
		}
		o.codec = codec
	}
}

// WithLogger sets the logger for the store.
// If the logger is nil, the store will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}
