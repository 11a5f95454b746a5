package jobs

import "context"

// Source holds a job's in-memory source bytes. Sources are process-local and
// never persisted; after a restart they must be re-acquired through a
// SourceProvider using the record's SourceRef.
type Source struct {
	Name        string
	ContentType string
	Data        []byte
}

// Size returns the byte length of the source payload.
func (s *Source) Size() int64 {
	if s == nil {
		return 0
	}
	return int64(len(s.Data))
}

// SourceProvider re-acquires original file bytes from a stable reference id.
// Implementations return ErrNotFound when the reference can no longer be
// resolved (the post-restart case).
type SourceProvider interface {
	Acquire(ctx context.Context, ref string) (*Source, error)
}

// SourceProviderFunc adapts a function to the SourceProvider interface.
type SourceProviderFunc func(ctx context.Context, ref string) (*Source, error)

func (f SourceProviderFunc) Acquire(ctx context.Context, ref string) (*Source, error) {
	return f(ctx, ref)
}
