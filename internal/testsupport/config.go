package testsupport

import (
	"path/filepath"
	"testing"

	"scribe/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")

	for _, opt := range opts {
		opt(&cfg)
	}

	return &cfg
}

// WithMemoryLimitMB overrides the memory limit on the test config.
func WithMemoryLimitMB(mb int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Engine.MemoryLimitMB = config.ClampMemoryLimitMB(mb)
	}
}

// WithUserKey overrides the persistence user key on the test config.
func WithUserKey(key string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Store.UserKey = key
	}
}
