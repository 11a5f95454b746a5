package convcache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"scribe/internal/budget"
	"scribe/internal/convcache"
	"scribe/internal/jobs"
)

const mb = int64(1) << 20

type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemStore() *memStore { return &memStore{blobs: make(map[string][]byte)} }

func (m *memStore) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[path]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *memStore) Put(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[path] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, path)
	return nil
}

func (m *memStore) GetJobs(context.Context, string) ([]jobs.Record, error) { return nil, nil }
func (m *memStore) PutJobs(context.Context, string, []jobs.Record) error   { return nil }
func (m *memStore) Close() error                                           { return nil }

func output(size int64) convcache.Output {
	return convcache.Output{Filename: "out.mp4", ContentType: "video/mp4", Data: make([]byte, size)}
}

func TestEntryCountCeiling(t *testing.T) {
	cache := convcache.New(nil, budget.NewTracker(4096*mb, nil), nil)
	sizes := make(map[string]int64)
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("job-%d", i)
		sizes[id] = int64(i + 1)
		cache.Store(id, output(int64(i+1)))
		if cache.Len() > 8 {
			t.Fatalf("entry count %d exceeds ceiling after insert %d", cache.Len(), i)
		}
		assertCounterConsistent(t, cache, sizes)
	}
	if cache.Len() != 8 {
		t.Fatalf("final entry count = %d, want 8", cache.Len())
	}
}

// assertCounterConsistent checks the aggregate byte counter equals the sum of
// sizes of entries still resident (probed via Get without disturbing order
// beyond recency, which does not change sizes).
func assertCounterConsistent(t *testing.T, cache *convcache.Cache, sizes map[string]int64) {
	t.Helper()
	var sum int64
	for id, size := range sizes {
		if _, ok := cache.Get(id); ok {
			sum += size
		}
	}
	if got := cache.Bytes(); got != sum {
		t.Fatalf("byte counter = %d, resident sum = %d", got, sum)
	}
}

func TestByteBudgetEviction(t *testing.T) {
	// Limit 1024MB, budget fraction => 256MB of cache.
	tracker := budget.NewTracker(1024*mb, nil)
	cache := convcache.New(nil, tracker, nil)

	cache.Store("a", output(100*mb))
	cache.Store("b", output(100*mb))
	cache.Store("c", output(100*mb)) // pushes bytes past 256MB => evict "a"

	if _, ok := cache.Get("a"); ok {
		t.Fatal("expected oldest entry to be evicted")
	}
	if _, ok := cache.Get("b"); !ok {
		t.Fatal("expected b resident")
	}
	if got := cache.Bytes(); got != 200*mb {
		t.Fatalf("bytes = %d, want %d", got, 200*mb)
	}
	if got := tracker.Usage(); got != 200*mb {
		t.Fatalf("tracker cache usage = %d, want %d", got, 200*mb)
	}
}

func TestJustInsertedNeverEvicted(t *testing.T) {
	tracker := budget.NewTracker(1024*mb, nil) // 256MB cache budget
	cache := convcache.New(nil, tracker, nil)

	cache.Store("huge", output(400*mb)) // alone exceeds the budget
	if _, ok := cache.Get("huge"); !ok {
		t.Fatal("entry evicted by its own insertion")
	}
	if got := cache.Len(); got != 1 {
		t.Fatalf("len = %d, want 1", got)
	}
}

func TestGetRefreshesRecency(t *testing.T) {
	tracker := budget.NewTracker(1024*mb, nil)
	cache := convcache.New(nil, tracker, nil)

	cache.Store("a", output(100*mb))
	cache.Store("b", output(100*mb))
	if _, ok := cache.Get("a"); !ok {
		t.Fatal("a missing")
	}
	cache.Store("c", output(100*mb)) // now "b" is least recently used

	if _, ok := cache.Get("b"); ok {
		t.Fatal("expected b to be evicted after a was touched")
	}
	if _, ok := cache.Get("a"); !ok {
		t.Fatal("expected a to survive")
	}
}

func TestResolveReadsDurableOverflow(t *testing.T) {
	store := newMemStore()
	cache := convcache.New(store, budget.NewTracker(1024*mb, nil), nil)

	rec := jobs.Record{
		ID: "j1",
		Conversion: &jobs.ConversionInfo{
			OutputPath:        convcache.DurablePath("j1"),
			OutputFilename:    "clip.mp4",
			OutputContentType: "video/mp4",
		},
	}
	if err := store.Put(context.Background(), rec.Conversion.OutputPath, []byte("converted")); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	out, err := cache.Resolve(context.Background(), rec, func(context.Context) (convcache.Output, error) {
		t.Fatal("recompute must not run when durable copy exists")
		return convcache.Output{}, nil
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(out.Data) != "converted" || out.Filename != "clip.mp4" {
		t.Fatalf("unexpected output: %+v", out)
	}
	// Now resident in memory.
	if _, ok := cache.Get("j1"); !ok {
		t.Fatal("resolve did not warm the memory tier")
	}
}

func TestResolveRecomputesAndPersists(t *testing.T) {
	store := newMemStore()
	cache := convcache.New(store, budget.NewTracker(1024*mb, nil), nil)

	rec := jobs.Record{ID: "j2"}
	recomputed := false
	out, err := cache.Resolve(context.Background(), rec, func(context.Context) (convcache.Output, error) {
		recomputed = true
		return convcache.Output{Filename: "j2.mp4", ContentType: "video/mp4", Data: []byte("fresh")}, nil
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !recomputed {
		t.Fatal("expected recompute to run")
	}
	if string(out.Data) != "fresh" {
		t.Fatalf("unexpected output: %q", out.Data)
	}

	durable, err := store.Get(context.Background(), convcache.DurablePath("j2"))
	if err != nil {
		t.Fatalf("durable copy missing: %v", err)
	}
	if string(durable) != "fresh" {
		t.Fatalf("durable copy = %q, want fresh", durable)
	}
}

func TestResolveRecomputeFailure(t *testing.T) {
	cache := convcache.New(newMemStore(), budget.NewTracker(1024*mb, nil), nil)

	wantErr := errors.New("transform exploded")
	_, err := cache.Resolve(context.Background(), jobs.Record{ID: "j3"}, func(context.Context) (convcache.Output, error) {
		return convcache.Output{}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected recompute error, got %v", err)
	}
}

func TestRemoveUpdatesCounter(t *testing.T) {
	tracker := budget.NewTracker(1024*mb, nil)
	cache := convcache.New(nil, tracker, nil)

	cache.Store("a", output(64*mb))
	cache.Store("b", output(32*mb))
	cache.Remove("a")

	if got := cache.Bytes(); got != 32*mb {
		t.Fatalf("bytes = %d, want %d", got, 32*mb)
	}
	if got := cache.Len(); got != 1 {
		t.Fatalf("len = %d, want 1", got)
	}
	if got := tracker.Usage(); got != 32*mb {
		t.Fatalf("tracker usage = %d, want %d", got, 32*mb)
	}
}
