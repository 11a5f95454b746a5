// Package budget tracks bytes committed to in-flight work and derives how
// much new concurrent work may start. Usage is the sum of converted-output
// cache bytes, audio prepared but not yet submitted, and reservations held
// for in-flight uploads.
package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"scribe/internal/logging"
	"scribe/internal/services"
)

const (
	// MinConcurrentUploads and MaxConcurrentUploads clamp the derived ceiling.
	MinConcurrentUploads = 2
	MaxConcurrentUploads = 50

	// fixedOverheadBytes approximates the non-payload cost of one in-flight
	// upload (request buffers, extraction scratch, decoded metadata).
	fixedOverheadBytes = int64(256) << 20

	// minSlotCostBytes is the floor for the per-slot estimate so a queue of
	// tiny files cannot inflate the ceiling unrealistically.
	minSlotCostBytes = int64(64) << 20

	// fallbackAverageBytes stands in for the average queued file size while
	// no queued job has a known size yet.
	fallbackAverageBytes = int64(32) << 20
)

// Tracker answers "how many more concurrent upload/preparation slots can we
// start right now?". All counters are guarded by one mutex; waiters block on
// a broadcast channel that is replaced whenever budget is released.
type Tracker struct {
	logger *slog.Logger

	mu       sync.Mutex
	limit    int64
	cache    int64
	prepared int64
	reserved int64
	release  chan struct{}
}

// NewTracker constructs a tracker with the given limit in bytes.
func NewTracker(limitBytes int64, logger *slog.Logger) *Tracker {
	return &Tracker{
		logger:  logging.NewComponentLogger(logger, "budget"),
		limit:   limitBytes,
		release: make(chan struct{}),
	}
}

// SetLimit applies a new limit. Existing reservations above a lowered limit
// persist; only new work is throttled.
func (t *Tracker) SetLimit(limitBytes int64) {
	t.mu.Lock()
	t.limit = limitBytes
	t.broadcastLocked()
	t.mu.Unlock()
}

// Limit returns the configured limit in bytes.
func (t *Tracker) Limit() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limit
}

// Usage returns the bytes currently committed to in-flight work.
func (t *Tracker) Usage() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usageLocked()
}

func (t *Tracker) usageLocked() int64 {
	return t.cache + t.prepared + t.reserved
}

// Available returns max(0, limit - usage).
func (t *Tracker) Available() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.availableLocked()
}

func (t *Tracker) availableLocked() int64 {
	free := t.limit - t.usageLocked()
	if free < 0 {
		return 0
	}
	return free
}

// SetCacheBytes records the converted-output cache's resident byte total.
func (t *Tracker) SetCacheBytes(bytes int64) {
	t.mu.Lock()
	shrunk := bytes < t.cache
	t.cache = bytes
	if shrunk {
		t.broadcastLocked()
	}
	t.mu.Unlock()
}

// AddPrepared accounts bytes of audio prepared but not yet submitted.
func (t *Tracker) AddPrepared(bytes int64) {
	t.mu.Lock()
	t.prepared += bytes
	t.mu.Unlock()
}

// ReleasePrepared returns prepared-audio bytes to the budget.
func (t *Tracker) ReleasePrepared(bytes int64) {
	t.mu.Lock()
	t.prepared -= bytes
	if t.prepared < 0 {
		t.prepared = 0
	}
	t.broadcastLocked()
	t.mu.Unlock()
}

// UploadEstimate returns the byte cost reserved for an upload of the given
// source size.
func UploadEstimate(sizeBytes int64) int64 {
	return sizeBytes + fixedOverheadBytes
}

// Reserve claims bytes for an in-flight upload. The reservation is held
// until Release, on every exit path (success, failure, cancel).
func (t *Tracker) Reserve(bytes int64) {
	t.mu.Lock()
	t.reserved += bytes
	t.mu.Unlock()
}

// Release returns reserved upload bytes to the budget and wakes waiters.
func (t *Tracker) Release(bytes int64) {
	t.mu.Lock()
	t.reserved -= bytes
	if t.reserved < 0 {
		t.reserved = 0
	}
	t.broadcastLocked()
	t.mu.Unlock()
}

func (t *Tracker) broadcastLocked() {
	close(t.release)
	t.release = make(chan struct{})
}

// MaxConcurrentUploads derives the elastic concurrency ceiling from the
// current budget and the sizes of currently queued transcription jobs. Many
// small files allow more parallelism, a few huge files allow less, and the
// ceiling shrinks as cache and reservations grow.
func (t *Tracker) MaxConcurrentUploads(queuedSizes []int64) int {
	perSlot := perSlotCost(queuedSizes)

	t.mu.Lock()
	available := t.availableLocked()
	t.mu.Unlock()

	slots := int(available / perSlot)
	if slots < MinConcurrentUploads {
		return MinConcurrentUploads
	}
	if slots > MaxConcurrentUploads {
		return MaxConcurrentUploads
	}
	return slots
}

func perSlotCost(queuedSizes []int64) int64 {
	var total, known int64
	for _, size := range queuedSizes {
		if size > 0 {
			total += size
			known++
		}
	}
	average := fallbackAverageBytes
	if known > 0 {
		average = total / known
	}
	cost := average + fixedOverheadBytes
	if cost < minSlotCostBytes {
		cost = minSlotCostBytes
	}
	return cost
}

// WaitForBudget blocks until at least bytes of budget are available, the
// timeout elapses, or ctx is canceled. Timeout surfaces ErrBudgetTimeout
// with an actionable message.
func (t *Tracker) WaitForBudget(ctx context.Context, bytes int64, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		t.mu.Lock()
		if t.availableLocked() >= bytes {
			t.mu.Unlock()
			return nil
		}
		released := t.release
		t.mu.Unlock()

		select {
		case <-released:
		case <-deadline.C:
			t.logger.Warn("memory budget wait timed out",
				logging.Int64("needed_bytes", bytes),
				logging.Int64("available_bytes", t.Available()),
				logging.String(logging.FieldEventType, "budget_timeout"),
				logging.String(logging.FieldErrorHint, "raise the memory limit or process fewer files at once"),
			)
			return services.Wrap(services.ErrBudgetTimeout, "budget", "wait",
				"not enough memory budget could be freed; raise the memory limit or process fewer files at once", nil)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
