package jobs

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores when a blob or snapshot does not exist.
var ErrNotFound = errors.New("not found")

// Store is the durable key-value persistence consumed by the registry and the
// converted-output cache. Implementations live in internal/store; the engine
// only requires get/put/delete by string key plus per-user job snapshots, and
// stays independent of the backing technology.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error

	GetJobs(ctx context.Context, userKey string) ([]Record, error)
	PutJobs(ctx context.Context, userKey string, records []Record) error

	Close() error
}
