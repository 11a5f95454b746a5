// Package convcache keeps recently converted media outputs resident so
// playback does not re-run an expensive conversion, while bounding memory by
// entry count and by a fraction of the overall memory limit. Evicted and
// cold entries fall back to the durable store; the read-through Resolve path
// recomputes only when both tiers miss.
package convcache

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"

	"scribe/internal/budget"
	"scribe/internal/jobs"
	"scribe/internal/logging"
	"scribe/internal/services"
)

const (
	// maxEntries bounds the number of resident conversion results.
	maxEntries = 8

	// budgetDivisor sets the cache's byte budget as a fraction of the
	// overall memory limit (limit / budgetDivisor).
	budgetDivisor = 4
)

// Output is a converted media result.
type Output struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Size returns the byte length of the output payload.
func (o Output) Size() int64 { return int64(len(o.Data)) }

// DurablePath returns the store path for a job's converted artifact.
func DurablePath(id string) string { return "converted/" + id }

type entry struct {
	id     string
	output Output
}

// Cache is an LRU over in-memory conversion results with durable overflow.
// Mutation is serialized; the aggregate byte counter and the access-order
// list are kept consistent under one lock.
type Cache struct {
	store   jobs.Store
	tracker *budget.Tracker
	logger  *slog.Logger

	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front is most recently used
	totalBytes int64
}

// New constructs a cache backed by the given durable store and budget
// tracker. Either may be nil in tests.
func New(store jobs.Store, tracker *budget.Tracker, logger *slog.Logger) *Cache {
	return &Cache{
		store:   store,
		tracker: tracker,
		logger:  logging.NewComponentLogger(logger, "convcache"),
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Store inserts a conversion result, evicting least-recently-used entries
// while either bound is exceeded. The entry just inserted is never evicted
// by its own insertion.
func (c *Cache) Store(id string, output Output) {
	c.mu.Lock()
	if elem, ok := c.entries[id]; ok {
		old := elem.Value.(*entry)
		c.totalBytes -= old.output.Size()
		old.output = output
		c.order.MoveToFront(elem)
	} else {
		elem := c.order.PushFront(&entry{id: id, output: output})
		c.entries[id] = elem
	}
	c.totalBytes += output.Size()

	inserted := c.entries[id]
	for c.order.Len() > maxEntries || c.totalBytes > c.byteBudget() {
		victim := c.order.Back()
		if victim == nil || victim == inserted {
			break
		}
		c.evictLocked(victim)
	}
	c.reportLocked()
	c.mu.Unlock()
}

// Get returns the resident output for the job if present, refreshing its
// recency.
func (c *Cache) Get(id string) (Output, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[id]
	if !ok {
		return Output{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*entry).output, true
}

// Remove drops the job's entry from memory, if resident.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	if elem, ok := c.entries[id]; ok {
		c.evictLocked(elem)
		c.reportLocked()
	}
	c.mu.Unlock()
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Bytes returns the aggregate size of resident entries.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

func (c *Cache) evictLocked(elem *list.Element) {
	ent := elem.Value.(*entry)
	c.order.Remove(elem)
	delete(c.entries, ent.id)
	c.totalBytes -= ent.output.Size()
}

func (c *Cache) reportLocked() {
	if c.tracker != nil {
		c.tracker.SetCacheBytes(c.totalBytes)
	}
}

func (c *Cache) byteBudget() int64 {
	if c.tracker == nil {
		return int64(1) << 62
	}
	return c.tracker.Limit() / budgetDivisor
}

// RecomputeFunc re-runs the conversion transform for a job whose output is
// resident nowhere.
type RecomputeFunc func(ctx context.Context) (Output, error)

// Resolve is the read-through path: memory, then the durable overflow blob
// written for this job, then recompute. Recomputed results are cached and
// persisted; a failed durable write is logged and does not fail the resolve.
func (c *Cache) Resolve(ctx context.Context, rec jobs.Record, recompute RecomputeFunc) (Output, error) {
	if out, ok := c.Get(rec.ID); ok {
		return out, nil
	}

	filename, contentType, path := outputMeta(rec)
	if c.store != nil {
		data, err := c.store.Get(ctx, path)
		switch {
		case err == nil:
			out := Output{Filename: filename, ContentType: contentType, Data: data}
			c.Store(rec.ID, out)
			return out, nil
		case !errors.Is(err, jobs.ErrNotFound):
			c.logger.Warn("durable converted output read failed",
				logging.String(logging.FieldJobID, rec.ID),
				logging.Error(err),
			)
		}
	}

	if recompute == nil {
		return Output{}, jobs.ErrNotFound
	}
	out, err := recompute(ctx)
	if err != nil {
		return Output{}, err
	}
	c.Store(rec.ID, out)
	if c.store != nil {
		if err := c.store.Put(ctx, path, out.Data); err != nil {
			perr := services.Wrap(services.ErrPersistence, "convcache", "persist", "durable write of recomputed output failed", err)
			c.logger.Warn("converted output persist failed",
				logging.String(logging.FieldJobID, rec.ID),
				logging.Error(perr),
			)
		}
	}
	return out, nil
}

func outputMeta(rec jobs.Record) (filename, contentType, path string) {
	filename = rec.Title
	contentType = "application/octet-stream"
	path = DurablePath(rec.ID)
	if rec.Conversion != nil {
		if rec.Conversion.OutputFilename != "" {
			filename = rec.Conversion.OutputFilename
		}
		if rec.Conversion.OutputContentType != "" {
			contentType = rec.Conversion.OutputContentType
		}
		if rec.Conversion.OutputPath != "" {
			path = rec.Conversion.OutputPath
		}
	}
	return filename, contentType, path
}
