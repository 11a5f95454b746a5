package testsupport

import (
	"context"
	"errors"
	"sync"

	"scribe/internal/jobs"
)

var errFailPuts = errors.New("simulated store write failure")

// MemStore is an in-memory jobs.Store for tests that do not need a real
// backend.
type MemStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	jobs  map[string][]jobs.Record

	failPuts bool
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string][]byte), jobs: make(map[string][]jobs.Record)}
}

func (s *MemStore) Get(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[path]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemStore) Put(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPuts {
		return errFailPuts
	}
	s.blobs[path] = append([]byte(nil), data...)
	return nil
}

func (s *MemStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, path)
	return nil
}

func (s *MemStore) GetJobs(ctx context.Context, userKey string) ([]jobs.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jobs.Record(nil), s.jobs[userKey]...), nil
}

func (s *MemStore) PutJobs(ctx context.Context, userKey string, records []jobs.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[userKey] = append([]jobs.Record(nil), records...)
	return nil
}

func (s *MemStore) Close() error { return nil }

// HasBlob reports whether a blob exists at path.
func (s *MemStore) HasBlob(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[path]
	return ok
}

// Blob returns the blob at path.
func (s *MemStore) Blob(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[path]
	return data, ok
}

// FailPuts makes subsequent Put calls fail, for persistence-failure paths.
func (s *MemStore) FailPuts(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPuts = fail
}
