package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"scribe/internal/logging"
)

const defaultFlushDelay = 500 * time.Millisecond

// Registry is the authoritative in-memory list of job records. All mutation
// goes through a single entry point that stamps UpdatedAt; reads within the
// process observe mutations immediately. Durable persistence is best-effort
// and debounced.
type Registry struct {
	store      Store
	userKey    string
	logger     *slog.Logger
	flushDelay time.Duration

	mu      sync.Mutex
	order   []string
	records map[string]*Record
	sources map[string]*Source
	cancels map[string]context.CancelFunc
	subs    map[chan struct{}]struct{}

	flushTimer *time.Timer
	closed     bool
}

// RegistryOption configures optional Registry behavior.
type RegistryOption func(*Registry)

// WithFlushDelay overrides the persistence debounce window.
func WithFlushDelay(delay time.Duration) RegistryOption {
	return func(r *Registry) {
		if delay > 0 {
			r.flushDelay = delay
		}
	}
}

// NewRegistry constructs a registry mirroring to the provided store under the
// given user key. A nil store disables persistence.
func NewRegistry(store Store, userKey string, logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:      store,
		userKey:    userKey,
		logger:     logging.NewComponentLogger(logger, "registry"),
		flushDelay: defaultFlushDelay,
		records:    make(map[string]*Record),
		sources:    make(map[string]*Source),
		cancels:    make(map[string]context.CancelFunc),
		subs:       make(map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enqueue appends records to the canonical list in status queued. Records
// with an empty status are normalized; CreatedAt/UpdatedAt are stamped. The
// registry takes ownership of the pointers; callers get back clones, since
// workers may start mutating the canonical records as soon as the wake
// notification fires.
func (r *Registry) Enqueue(records ...*Record) []Record {
	now := time.Now().UTC()
	added := make([]Record, 0, len(records))
	r.mu.Lock()
	for _, rec := range records {
		if rec == nil || rec.ID == "" {
			continue
		}
		if rec.Status == "" {
			rec.Status = StatusQueued
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		if _, exists := r.records[rec.ID]; !exists {
			r.order = append(r.order, rec.ID)
		}
		r.records[rec.ID] = rec
		added = append(added, rec.Clone())
	}
	r.scheduleFlushLocked()
	r.mu.Unlock()
	r.notify()
	return added
}

// Update applies mutate to the record with the given id under the registry
// lock and stamps UpdatedAt. Returns the updated snapshot.
func (r *Registry) Update(id string, mutate func(*Record)) (Record, bool) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return Record{}, false
	}
	mutate(rec)
	rec.UpdatedAt = time.Now().UTC()
	snapshot := rec.Clone()
	r.scheduleFlushLocked()
	r.mu.Unlock()
	r.notify()
	return snapshot, true
}

// Get returns a snapshot of the record with the given id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// List returns snapshots of all records in enqueue order.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []Record {
	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		if rec, ok := r.records[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// ActiveCount returns the number of non-terminal records.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, rec := range r.records {
		if rec.Status.Active() {
			count++
		}
	}
	return count
}

// Claim atomically selects the first queued record of the given kind matching
// eligible (nil matches all) and transitions it to running. Workers use this
// so no two of them pick up the same job.
func (r *Registry) Claim(kind Kind, eligible func(Record) bool) (Record, bool) {
	r.mu.Lock()
	for _, id := range r.order {
		rec, ok := r.records[id]
		if !ok || rec.Kind != kind || rec.Status != StatusQueued {
			continue
		}
		if eligible != nil && !eligible(rec.Clone()) {
			continue
		}
		rec.Status = StatusRunning
		rec.UnloadSensitive = true
		rec.ErrorMessage = ""
		rec.UpdatedAt = time.Now().UTC()
		snapshot := rec.Clone()
		r.scheduleFlushLocked()
		r.mu.Unlock()
		r.notify()
		return snapshot, true
	}
	r.mu.Unlock()
	return Record{}, false
}

// Remove deletes the record and releases its ephemeral resources (source
// bytes and cancel handle). Returns the removed snapshot.
func (r *Registry) Remove(id string) (Record, bool) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return Record{}, false
	}
	snapshot := rec.Clone()
	delete(r.records, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.releaseLocked(id)
	r.scheduleFlushLocked()
	r.mu.Unlock()
	r.notify()
	return snapshot, true
}

// ClearTerminal removes every terminal record and returns their snapshots so
// the caller can clean up durable artifacts.
func (r *Registry) ClearTerminal() []Record {
	r.mu.Lock()
	removed := make([]Record, 0)
	kept := r.order[:0]
	for _, id := range r.order {
		rec, ok := r.records[id]
		if !ok {
			continue
		}
		if rec.Status.Terminal() {
			removed = append(removed, rec.Clone())
			delete(r.records, id)
			r.releaseLocked(id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	r.scheduleFlushLocked()
	r.mu.Unlock()
	if len(removed) > 0 {
		r.notify()
	}
	return removed
}

func (r *Registry) releaseLocked(id string) {
	delete(r.sources, id)
	if cancel, ok := r.cancels[id]; ok {
		delete(r.cancels, id)
		cancel()
	}
}

// PutSource stores a job's in-memory source bytes. Ownership transfers to the
// registry until DropSource or Remove.
func (r *Registry) PutSource(id string, src *Source) {
	if src == nil {
		return
	}
	r.mu.Lock()
	r.sources[id] = src
	r.mu.Unlock()
}

// Source returns the in-memory source bytes for the job, if still resident.
func (r *Registry) Source(id string) (*Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	return src, ok
}

// DropSource releases the in-memory source bytes for the job.
func (r *Registry) DropSource(id string) {
	r.mu.Lock()
	delete(r.sources, id)
	r.mu.Unlock()
}

// SetCancel registers a cancel handle for the job's in-flight work.
func (r *Registry) SetCancel(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancels[id] = cancel
	r.mu.Unlock()
}

// ClearCancel removes the cancel handle without invoking it.
func (r *Registry) ClearCancel(id string) {
	r.mu.Lock()
	delete(r.cancels, id)
	r.mu.Unlock()
}

// Cancel invokes and removes the job's cancel handle. Returns whether a
// handle was registered.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	delete(r.cancels, id)
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Subscribe returns a channel that receives a coalesced signal whenever the
// canonical list changes. Callers read the new state via List.
func (r *Registry) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe.
func (r *Registry) Unsubscribe(ch <-chan struct{}) {
	r.mu.Lock()
	for sub := range r.subs {
		if sub == ch {
			delete(r.subs, sub)
			break
		}
	}
	r.mu.Unlock()
}

func (r *Registry) notify() {
	r.mu.Lock()
	for sub := range r.subs {
		select {
		case sub <- struct{}{}:
		default:
		}
	}
	r.mu.Unlock()
}

func (r *Registry) scheduleFlushLocked() {
	if r.store == nil || r.closed {
		return
	}
	if r.flushTimer != nil {
		return
	}
	r.flushTimer = time.AfterFunc(r.flushDelay, func() {
		r.mu.Lock()
		r.flushTimer = nil
		snapshot := r.listLocked()
		r.mu.Unlock()
		r.persist(snapshot)
	})
}

func (r *Registry) persist(snapshot []Record) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.PutJobs(ctx, r.userKey, snapshot); err != nil {
		// Best-effort: a failed mirror never blocks queue progress.
		r.logger.Warn("job snapshot persist failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "snapshot_persist_failed"),
			logging.String(logging.FieldErrorHint, "check durable store availability"),
		)
	}
}

// Flush forces an immediate mirror of the canonical list to the store.
func (r *Registry) Flush(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.mu.Lock()
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	snapshot := r.listLocked()
	r.mu.Unlock()
	return r.store.PutJobs(ctx, r.userKey, snapshot)
}

// Rehydrate seeds the registry from the durable store. Any record read back
// with a non-terminal status is rewritten to failed: its ephemeral source
// reference is gone and safe resumption cannot be guaranteed. Terminal
// records pass through unchanged.
func (r *Registry) Rehydrate(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.GetJobs(ctx, r.userKey)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rewritten := 0
	r.mu.Lock()
	for i := range records {
		rec := records[i].Clone()
		if !rec.Status.Terminal() {
			rec.SetFailed(InterruptedMessage)
			rec.UpdatedAt = now
			rewritten++
		}
		if _, exists := r.records[rec.ID]; !exists {
			r.order = append(r.order, rec.ID)
		}
		stored := rec
		r.records[rec.ID] = &stored
	}
	if rewritten > 0 {
		r.scheduleFlushLocked()
	}
	r.mu.Unlock()

	if len(records) > 0 {
		r.logger.Info("job snapshot rehydrated",
			logging.Int("records", len(records)),
			logging.Int("interrupted", rewritten),
		)
		r.notify()
	}
	return nil
}

// Close flushes pending persistence and detaches subscribers.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	for sub := range r.subs {
		delete(r.subs, sub)
	}
	snapshot := r.listLocked()
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.store.PutJobs(ctx, r.userKey, snapshot)
}
