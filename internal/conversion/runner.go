package conversion

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"scribe/internal/config"
	"scribe/internal/convcache"
	"scribe/internal/jobs"
	"scribe/internal/logging"
	"scribe/internal/media"
	"scribe/internal/services"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	batchYield          = 25 * time.Millisecond
)

// ConfirmFunc decides whether a source above the large-file threshold should
// be converted anyway. A nil func means always proceed.
type ConfirmFunc func(rec jobs.Record) bool

// Runner drains the conversion queue.
type Runner struct {
	cfg       *config.Config
	registry  *jobs.Registry
	cache     *convcache.Cache
	store     jobs.Store
	detector  media.Detector
	converter media.Converter
	confirm   ConfirmFunc
	logger    *slog.Logger

	pollInterval time.Duration

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	declined map[string]struct{}
}

// RunnerOption configures optional Runner behavior.
type RunnerOption func(*Runner)

// WithConfirm installs the large-file confirmation hook.
func WithConfirm(confirm ConfirmFunc) RunnerOption {
	return func(r *Runner) { r.confirm = confirm }
}

// WithPollInterval overrides the idle poll interval, used in tests.
func WithPollInterval(interval time.Duration) RunnerOption {
	return func(r *Runner) {
		if interval > 0 {
			r.pollInterval = interval
		}
	}
}

// NewRunner constructs a conversion runner.
func NewRunner(cfg *config.Config, registry *jobs.Registry, cache *convcache.Cache, store jobs.Store, detector media.Detector, converter media.Converter, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Runner{
		cfg:          cfg,
		registry:     registry,
		cache:        cache,
		store:        store,
		detector:     detector,
		converter:    converter,
		logger:       logging.NewComponentLogger(logger, "conversion"),
		pollInterval: defaultPollInterval,
		declined:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins background processing.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("conversion runner already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.declined = make(map[string]struct{})
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(runCtx)
	return nil
}

// Stop terminates background processing and waits for in-flight work.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Running reports whether the runner is currently active.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// halt stops the runner from inside a worker without waiting on the
// WaitGroup the worker itself belongs to.
func (r *Runner) halt() {
	r.mu.Lock()
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) run(ctx context.Context) {
	defer r.wg.Done()

	wake := r.registry.Subscribe()
	defer r.registry.Unsubscribe(wake)

	sem := semaphore.NewWeighted(int64(r.maxConcurrent()))
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := r.detectPending(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			r.logger.Warn("codec detection pass failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "detection_failed"),
			)
		}

		launched := r.drainOnce(ctx, sem, &inflight)
		if launched {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-time.After(r.pollInterval):
		}
	}
}

func (r *Runner) maxConcurrent() int {
	if r.cfg != nil && r.cfg.Engine.ConversionWorkers > 0 {
		return r.cfg.Engine.ConversionWorkers
	}
	return 12
}

// detectPending classifies newly added files in micro-batches so a long
// backlog of probes cannot monopolize the loop.
func (r *Runner) detectPending(ctx context.Context) error {
	pending := make([]jobs.Record, 0)
	for _, rec := range r.registry.List() {
		if rec.Kind != jobs.KindConversion || rec.Status != jobs.StatusQueued {
			continue
		}
		if rec.Conversion != nil && rec.Conversion.Detected {
			continue
		}
		pending = append(pending, rec)
	}
	if len(pending) == 0 {
		return nil
	}

	batchSize := r.cfg.Engine.DetectionBatchSize
	if batchSize <= 0 {
		batchSize = 4
	}

	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(batchSize)
		for _, rec := range pending[start:end] {
			group.Go(func() error {
				r.detectOne(groupCtx, rec)
				return groupCtx.Err()
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}

		if end < len(pending) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(batchYield):
			}
		}
	}
	return nil
}

func (r *Runner) detectOne(ctx context.Context, rec jobs.Record) {
	src, ok := r.registry.Source(rec.ID)
	if !ok {
		err := services.Wrap(services.ErrSourceUnavailable, "conversion", "detect",
			"the source file is no longer available; re-add it to convert", nil)
		r.failJob(rec.ID, err)
		return
	}

	probe, err := r.detector.Detect(ctx, media.File{Name: src.Name, ContentType: src.ContentType, Data: src.Data})
	if err != nil {
		if services.IsCancellation(err) || errors.Is(err, context.Canceled) {
			return
		}
		r.failJob(rec.ID, err)
		return
	}

	info := jobs.ConversionInfo{
		Detected:        true,
		NeedsConversion: probe.NeedsConversion,
		CodecName:       probe.CodecName,
		ContainerName:   probe.ContainerName,
	}

	if !probe.NeedsConversion {
		// Already playable: the original bytes are the output. Keep them
		// resident and durable so playback survives a restart.
		r.finishJob(ctx, rec.ID, info, convcache.Output{
			Filename:    src.Name,
			ContentType: src.ContentType,
			Data:        src.Data,
		})
		r.logger.Info("file already playable",
			logging.String(logging.FieldJobID, rec.ID),
			logging.String(logging.FieldEventType, "detection_skip_conversion"),
			logging.String("codec", probe.CodecName),
		)
		return
	}

	r.registry.Update(rec.ID, func(rec *jobs.Record) {
		rec.Conversion = &info
		rec.Detail = "waiting for conversion"
	})
}

// drainOnce launches conversions for every claimable job up to the
// concurrency bound. Returns true when at least one job started.
func (r *Runner) drainOnce(ctx context.Context, sem *semaphore.Weighted, inflight *sync.WaitGroup) bool {
	launched := false
	for {
		if ctx.Err() != nil {
			return launched
		}
		// Take the slot before claiming so a saturated pool leaves jobs
		// queued instead of parked in running.
		if !sem.TryAcquire(1) {
			return launched
		}

		r.screenLargeFiles()

		rec, ok := r.registry.Claim(jobs.KindConversion, func(rec jobs.Record) bool {
			if rec.Conversion == nil || !rec.Conversion.Detected || !rec.Conversion.NeedsConversion {
				return false
			}
			r.mu.Lock()
			_, skipped := r.declined[rec.ID]
			r.mu.Unlock()
			return !skipped
		})
		if !ok {
			sem.Release(1)
			return launched
		}

		launched = true
		inflight.Add(1)
		go func(rec jobs.Record) {
			defer inflight.Done()
			defer sem.Release(1)
			r.convertOne(ctx, rec)
		}(rec)
	}
}

// screenLargeFiles asks the confirmation hook about queued sources above the
// threshold and parks declined jobs with a note.
func (r *Runner) screenLargeFiles() {
	threshold := int64(r.cfg.Engine.LargeFileThresholdMB) << 20
	if threshold <= 0 || r.confirm == nil {
		return
	}
	for _, rec := range r.registry.List() {
		if rec.Kind != jobs.KindConversion || rec.Status != jobs.StatusQueued {
			continue
		}
		if rec.Conversion == nil || !rec.Conversion.Detected || !rec.Conversion.NeedsConversion {
			continue
		}
		if rec.SizeBytes <= threshold {
			continue
		}
		r.mu.Lock()
		_, seen := r.declined[rec.ID]
		r.mu.Unlock()
		if seen {
			continue
		}
		if r.confirm(rec) {
			continue
		}
		r.mu.Lock()
		r.declined[rec.ID] = struct{}{}
		r.mu.Unlock()
		r.registry.Update(rec.ID, func(rec *jobs.Record) {
			rec.Detail = "conversion skipped: file exceeds the large-file threshold; start it manually to proceed"
		})
		r.logger.Info("large file conversion declined",
			logging.String(logging.FieldJobID, rec.ID),
			logging.String(logging.FieldEventType, "large_file_declined"),
			logging.Int64("size_bytes", rec.SizeBytes),
		)
	}
}

func (r *Runner) convertOne(ctx context.Context, rec jobs.Record) {
	jobCtx, jobCancel := context.WithCancel(services.WithJobID(ctx, rec.ID))
	defer jobCancel()
	r.registry.SetCancel(rec.ID, jobCancel)
	defer r.registry.ClearCancel(rec.ID)

	logger := logging.WithContext(jobCtx, r.logger)

	if out, ok := r.cache.Get(rec.ID); ok {
		info := conversionInfo(rec)
		r.finishJob(jobCtx, rec.ID, info, out)
		logger.Info("conversion served from cache",
			logging.String(logging.FieldEventType, "conversion_cache_hit"),
		)
		return
	}

	src, ok := r.registry.Source(rec.ID)
	if !ok {
		r.failJob(rec.ID, services.Wrap(services.ErrSourceUnavailable, "conversion", "convert",
			"the source file is no longer available; re-add it to convert", nil))
		return
	}

	logger.Info("conversion started",
		logging.String(logging.FieldEventType, "conversion_started"),
		logging.Int64("size_bytes", src.Size()),
	)

	out, err := r.converter.Convert(jobCtx, media.File{Name: src.Name, ContentType: src.ContentType, Data: src.Data},
		func(ratio float64) {
			r.registry.Update(rec.ID, func(rec *jobs.Record) {
				rec.Progress = ratio
			})
		})
	if err != nil {
		if services.IsCancellation(err) || errors.Is(err, context.Canceled) || jobCtx.Err() != nil {
			r.registry.Update(rec.ID, func(rec *jobs.Record) {
				rec.SetCanceled()
			})
			logger.Info("conversion canceled; halting runner",
				logging.String(logging.FieldEventType, "conversion_canceled"),
			)
			r.halt()
			return
		}
		r.failJob(rec.ID, services.Wrap(services.ErrConversionFailed, "conversion", "convert", "conversion failed", err))
		return
	}

	info := conversionInfo(rec)
	r.finishJob(jobCtx, rec.ID, info, convcache.Output{
		Filename:    out.Name,
		ContentType: out.ContentType,
		Data:        out.Data,
	})
	logger.Info("conversion finished",
		logging.String(logging.FieldEventType, "conversion_finished"),
		logging.Int64("output_bytes", out.Size()),
	)
}

// finishJob records the output in the cache and the durable store and marks
// the job succeeded. A failed durable write is logged, not fatal.
func (r *Runner) finishJob(ctx context.Context, id string, info jobs.ConversionInfo, out convcache.Output) {
	path := convcache.DurablePath(id)
	info.OutputPath = path
	info.OutputFilename = out.Filename
	info.OutputContentType = out.ContentType

	r.cache.Store(id, out)
	if r.store != nil {
		if err := r.store.Put(ctx, path, out.Data); err != nil {
			perr := services.Wrap(services.ErrPersistence, "conversion", "persist", "durable write of converted output failed", err)
			r.logger.Warn("converted output persist failed",
				logging.String(logging.FieldJobID, id),
				logging.Error(perr),
			)
		}
	}

	r.registry.Update(id, func(rec *jobs.Record) {
		if rec.Status.Terminal() {
			return
		}
		rec.Status = jobs.StatusSucceeded
		rec.Progress = 1
		rec.Detail = ""
		rec.ErrorMessage = ""
		rec.UnloadSensitive = false
		rec.Conversion = &info
	})
	r.registry.DropSource(id)
}

func (r *Runner) failJob(id string, err error) {
	r.registry.Update(id, func(rec *jobs.Record) {
		rec.SetFailed(err.Error())
	})
	r.logger.Warn("conversion job failed",
		logging.String(logging.FieldJobID, id),
		logging.Error(err),
		logging.String(logging.FieldEventType, "conversion_failed"),
	)
}

func conversionInfo(rec jobs.Record) jobs.ConversionInfo {
	if rec.Conversion != nil {
		return *rec.Conversion
	}
	return jobs.ConversionInfo{Detected: true, NeedsConversion: true}
}
