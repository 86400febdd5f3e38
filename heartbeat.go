package tokenstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Heartbeat periodically extends this node's claims on a tracked set of
// segments so long-held claims are not stolen mid-work. A segment whose
// claim can no longer be extended has been lost to another node and is
// dropped from the set; callers watch Segments to learn what they still own.
type Heartbeat struct {
	store         *TokenStore
	processorName string
	interval      time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	segments map[int]bool
}

// NewHeartbeat creates a heartbeat for the processor. An interval of zero
// falls back to a third of the store's claim timeout.
func NewHeartbeat(store *TokenStore, processorName string, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = store.options.claimTimeout / 3
	}

	return &Heartbeat{
		store:         store,
		processorName: processorName,
		interval:      interval,
		segments:      make(map[int]bool),
	}
}

// Track adds a segment to the renewal set.
func (h *Heartbeat) Track(segment int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.segments[segment] = true
}

// Untrack removes a segment from the renewal set.
func (h *Heartbeat) Untrack(segment int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.segments, segment)
}

// Segments returns the currently tracked segments in ascending order.
func (h *Heartbeat) Segments() []int {
	h.mu.Lock()
	defer h.mu.Unlock()

	var segments = make([]int, 0, len(h.segments))
	for segment := range h.segments {
		segments = append(segments, segment)
	}
	sort.Ints(segments)
	return segments
}

// Start launches the background renewal worker. The worker runs on its own
// context so it outlives the caller's; it is stopped via Stop. Calling Start
// while the worker is already running is a no-op.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		return
	}

	var ctx context.Context
	ctx, h.cancel = context.WithCancel(context.Background())
	go h.renewWorker(ctx)
}

// Stop cancels the background worker. The heartbeat may be started again
// afterwards.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// renewWorker extends every tracked claim once per interval.
func (h *Heartbeat) renewWorker(ctx context.Context) {
	var ticker = time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.renewAll(ctx)
		}
	}
}

func (h *Heartbeat) renewAll(ctx context.Context) {
	var logger = h.store.options.logger

	for _, segment := range h.Segments() {
		var err = h.store.ExtendClaim(ctx, h.processorName, segment)
		if err == nil {
			continue
		}

		if errors.Is(err, ErrClaimConflict) {
			logger.Warn("claim lost, dropping segment",
				"processor_name", h.processorName,
				"segment", segment,
				"node_id", h.store.NodeID())
			h.Untrack(segment)
			continue
		}

		logger.Error("failed to extend claim",
			"processor_name", h.processorName,
			"segment", segment,
			"error", err)
	}
}
