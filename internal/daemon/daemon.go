package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"

	"scribe/internal/config"
	"scribe/internal/engine"
	"scribe/internal/logging"
)

// Daemon runs the orchestration engine as a long-lived process and enforces
// single-instance execution per data directory.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	engine *engine.Engine

	lockPath string
	lock     *flock.Flock

	autostartConversion bool

	running atomic.Bool
	cancel  context.CancelFunc
}

// Options tunes daemon behavior.
type Options struct {
	// AutostartConversion begins draining the conversion queue immediately
	// instead of waiting for an explicit start.
	AutostartConversion bool
}

// New constructs a daemon around an initialized engine.
func New(cfg *config.Config, eng *engine.Engine, logger *slog.Logger, opts Options) (*Daemon, error) {
	if cfg == nil || eng == nil {
		return nil, errors.New("daemon requires config and engine")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := filepath.Join(cfg.Paths.DataDir, "scribed.lock")
	return &Daemon{
		cfg:                 cfg,
		logger:              logging.NewComponentLogger(logger, "daemon"),
		engine:              eng,
		lockPath:            lockPath,
		lock:                flock.New(lockPath),
		autostartConversion: opts.AutostartConversion,
	}, nil
}

// Start acquires the instance lock, rehydrates persisted jobs, and launches
// the queue runners.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("ensure data directory: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another scribed instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.engine.Start(runCtx); err != nil {
		_ = d.lock.Unlock()
		cancel()
		return fmt.Errorf("start engine: %w", err)
	}
	if d.autostartConversion {
		if err := d.engine.StartConversionQueue(runCtx); err != nil {
			d.logger.Warn("conversion queue autostart failed",
				logging.Error(err),
			)
		}
	}

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("scribed started",
		logging.String("lock", d.lockPath),
		logging.Int("memory_limit_mb", d.cfg.Engine.MemoryLimitMB),
	)
	return nil
}

// Stop shuts the engine down and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.engine.Close(); err != nil {
		d.logger.Warn("engine close", logging.Error(err))
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("scribed stopped")
}

// Running reports whether the daemon has started.
func (d *Daemon) Running() bool { return d.running.Load() }

// Engine exposes the facade for in-process callers.
func (d *Daemon) Engine() *engine.Engine { return d.engine }

// LockPath returns the instance lock file location.
func (d *Daemon) LockPath() string { return d.lockPath }
