package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"scribe/internal/budget"
	"scribe/internal/config"
	"scribe/internal/convcache"
	"scribe/internal/conversion"
	"scribe/internal/jobs"
	"scribe/internal/logging"
	"scribe/internal/media"
	"scribe/internal/services"
	"scribe/internal/transcription"
	"scribe/internal/transport"
)

// TranscriptionItem describes one file to transcribe.
type TranscriptionItem struct {
	File      media.File
	SourceRef string
	Params    jobs.TranscriptionParams
}

// Engine composes the orchestration components.
type Engine struct {
	cfg     *config.Config
	cfgPath string
	store   jobs.Store
	logger  *slog.Logger

	registry *jobs.Registry
	tracker  *budget.Tracker
	cache    *convcache.Cache

	converter     media.Converter
	conversion    *conversion.Runner
	transcription *transcription.Runner
}

// Option swaps an external adapter, used by tests and alternate frontends.
type Option func(*options)

type options struct {
	detector  media.Detector
	converter media.Converter
	extractor media.Extractor
	uploader  transport.Uploader
	provider  jobs.SourceProvider
	confirm   conversion.ConfirmFunc
	poll      time.Duration
}

// WithDetector overrides the codec detector.
func WithDetector(d media.Detector) Option { return func(o *options) { o.detector = d } }

// WithConverter overrides the conversion transform.
func WithConverter(c media.Converter) Option { return func(o *options) { o.converter = c } }

// WithExtractor overrides the audio extraction transform.
func WithExtractor(e media.Extractor) Option { return func(o *options) { o.extractor = e } }

// WithUploader overrides the upload transport.
func WithUploader(u transport.Uploader) Option { return func(o *options) { o.uploader = u } }

// WithSourceProvider installs post-restart source re-acquisition.
func WithSourceProvider(p jobs.SourceProvider) Option { return func(o *options) { o.provider = p } }

// WithLargeFileConfirm installs the conversion large-file prompt.
func WithLargeFileConfirm(c conversion.ConfirmFunc) Option { return func(o *options) { o.confirm = c } }

// WithPollInterval shortens runner poll intervals, used in tests.
func WithPollInterval(interval time.Duration) Option { return func(o *options) { o.poll = interval } }

// New constructs the engine. cfgPath is where SetMemoryLimit writes the
// updated configuration back.
func New(cfg *config.Config, cfgPath string, store jobs.Store, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.detector == nil {
		o.detector = media.NewFFprobeDetector(cfg.Media.FFprobeBinary)
	}
	if o.converter == nil || o.extractor == nil {
		ffmpeg := media.NewFFmpeg(cfg.Media.FFmpegBinary, cfg.Media.FFprobeBinary)
		if o.converter == nil {
			o.converter = ffmpeg
		}
		if o.extractor == nil {
			o.extractor = ffmpeg
		}
	}
	if o.uploader == nil {
		o.uploader = transport.NewClient(cfg)
	}

	engineLogger := logging.NewComponentLogger(logger, "engine")
	registry := jobs.NewRegistry(store, cfg.Store.UserKey, logger)
	tracker := budget.NewTracker(cfg.MemoryLimitBytes(), logger)
	cache := convcache.New(store, tracker, logger)

	convOpts := []conversion.RunnerOption{}
	if o.confirm != nil {
		convOpts = append(convOpts, conversion.WithConfirm(o.confirm))
	}
	if o.poll > 0 {
		convOpts = append(convOpts, conversion.WithPollInterval(o.poll))
	}
	transOpts := []transcription.RunnerOption{}
	if o.provider != nil {
		transOpts = append(transOpts, transcription.WithSourceProvider(o.provider))
	}
	if o.poll > 0 {
		transOpts = append(transOpts, transcription.WithPollInterval(o.poll))
	}

	return &Engine{
		cfg:           cfg,
		cfgPath:       cfgPath,
		store:         store,
		logger:        engineLogger,
		registry:      registry,
		tracker:       tracker,
		cache:         cache,
		converter:     o.converter,
		conversion:    conversion.NewRunner(cfg, registry, cache, store, o.detector, o.converter, logger, convOpts...),
		transcription: transcription.NewRunner(cfg, registry, tracker, store, o.uploader, o.extractor, logger, transOpts...),
	}
}

// Start rehydrates persisted jobs and launches the transcription pool. The
// conversion queue starts on demand via StartConversionQueue.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.registry.Rehydrate(ctx); err != nil {
		e.logger.Warn("job rehydration failed; starting with an empty queue",
			logging.Error(err),
			logging.String(logging.FieldEventType, "rehydrate_failed"),
		)
	}
	return e.transcription.Start(ctx)
}

// Close stops the runners and flushes pending registry persistence.
func (e *Engine) Close() error {
	e.conversion.Stop()
	e.transcription.Stop()
	return e.registry.Close()
}

// EnqueueTranscriptionJobs adds one job per item and returns the created
// records.
func (e *Engine) EnqueueTranscriptionJobs(items []TranscriptionItem) []jobs.Record {
	created := make([]jobs.Record, 0, len(items))
	for _, item := range items {
		id := uuid.NewString()
		rec := &jobs.Record{
			ID:        id,
			Kind:      jobs.KindTranscription,
			Status:    jobs.StatusQueued,
			Title:     item.File.Name,
			SizeBytes: item.File.Size(),
			SourceRef: item.SourceRef,
		}
		params := item.Params
		if params.OriginalFilename == "" {
			params.OriginalFilename = item.File.Name
		}
		rec.Transcription = &params
		e.registry.PutSource(id, &jobs.Source{Name: item.File.Name, ContentType: item.File.ContentType, Data: item.File.Data})
		created = append(created, e.registry.Enqueue(rec)...)
	}
	return created
}

// AddConversionJobs adds one conversion job per file and returns the
// created records. Jobs wait for codec detection until the conversion queue
// runs.
func (e *Engine) AddConversionJobs(files []media.File) []jobs.Record {
	created := make([]jobs.Record, 0, len(files))
	for _, file := range files {
		id := uuid.NewString()
		rec := &jobs.Record{
			ID:        id,
			Kind:      jobs.KindConversion,
			Status:    jobs.StatusQueued,
			Title:     file.Name,
			Detail:    "waiting for codec detection",
			SizeBytes: file.Size(),
		}
		e.registry.PutSource(id, &jobs.Source{Name: file.Name, ContentType: file.ContentType, Data: file.Data})
		created = append(created, e.registry.Enqueue(rec)...)
	}
	return created
}

// StartConversionQueue begins draining conversion jobs.
func (e *Engine) StartConversionQueue(ctx context.Context) error {
	return e.conversion.Start(ctx)
}

// StopConversionQueue halts the conversion runner and waits for in-flight
// transforms.
func (e *Engine) StopConversionQueue() {
	e.conversion.Stop()
}

// ConversionQueueRunning reports whether the conversion runner is active.
func (e *Engine) ConversionQueueRunning() bool {
	return e.conversion.Running()
}

// RetryJob re-queues a terminal job as a fresh attempt.
func (e *Engine) RetryJob(id string) error {
	rec, ok := e.registry.Get(id)
	if !ok {
		return fmt.Errorf("job %s: %w", id, jobs.ErrNotFound)
	}
	if !rec.Status.Terminal() {
		return fmt.Errorf("job %s is %s; only finished jobs can be retried", id, rec.Status)
	}
	e.registry.Update(id, func(rec *jobs.Record) {
		rec.Status = jobs.StatusQueued
		rec.Progress = 0
		rec.Detail = ""
		rec.ErrorMessage = ""
		rec.UnloadSensitive = false
	})
	return nil
}

// CancelJob cancels a queued or running job. Running jobs abort
// cooperatively through their cancel handle; queued jobs go straight to
// canceled.
func (e *Engine) CancelJob(id string) error {
	rec, ok := e.registry.Get(id)
	if !ok {
		return fmt.Errorf("job %s: %w", id, jobs.ErrNotFound)
	}
	if rec.Status.Terminal() {
		return nil
	}
	if e.registry.Cancel(id) {
		return nil
	}
	e.registry.Update(id, func(rec *jobs.Record) {
		rec.SetCanceled()
	})
	e.registry.DropSource(id)
	return nil
}

// RemoveJob deletes the job and its durable artifacts.
func (e *Engine) RemoveJob(ctx context.Context, id string) error {
	rec, ok := e.registry.Remove(id)
	if !ok {
		return fmt.Errorf("job %s: %w", id, jobs.ErrNotFound)
	}
	e.cleanupArtifacts(ctx, rec)
	return nil
}

// ClearTerminalJobs removes every finished job and its artifacts, returning
// the number removed.
func (e *Engine) ClearTerminalJobs(ctx context.Context) int {
	removed := e.registry.ClearTerminal()
	for _, rec := range removed {
		e.cleanupArtifacts(ctx, rec)
	}
	return len(removed)
}

func (e *Engine) cleanupArtifacts(ctx context.Context, rec jobs.Record) {
	e.cache.Remove(rec.ID)
	paths := []string{convcache.DurablePath(rec.ID)}
	if rec.Conversion != nil && rec.Conversion.OutputPath != "" && rec.Conversion.OutputPath != paths[0] {
		paths = append(paths, rec.Conversion.OutputPath)
	}
	if rec.Kind == jobs.KindTranscription {
		paths = append(paths, transcription.TranscriptPath(rec.ID), transcription.MediaPath(rec.ID))
	}
	for _, path := range paths {
		if err := e.store.Delete(ctx, path); err != nil && !errors.Is(err, jobs.ErrNotFound) {
			e.logger.Warn("artifact delete failed",
				logging.String(logging.FieldJobID, rec.ID),
				logging.String("path", path),
				logging.Error(err),
			)
		}
	}
}

// GetConvertedFile returns the converted output if it is resident in
// memory.
func (e *Engine) GetConvertedFile(id string) (convcache.Output, bool) {
	return e.cache.Get(id)
}

// ResolveConvertedFile is the read-through lookup: memory, then the durable
// blob, then a recompute from the source bytes when they are still held.
func (e *Engine) ResolveConvertedFile(ctx context.Context, id string) (convcache.Output, error) {
	rec, ok := e.registry.Get(id)
	if !ok {
		return convcache.Output{}, fmt.Errorf("job %s: %w", id, jobs.ErrNotFound)
	}
	return e.cache.Resolve(ctx, rec, func(ctx context.Context) (convcache.Output, error) {
		src, ok := e.registry.Source(id)
		if !ok {
			return convcache.Output{}, services.Wrap(services.ErrSourceUnavailable, "engine", "resolve",
				"the converted file is gone and the source is no longer available; re-add the file", nil)
		}
		out, err := e.converter.Convert(ctx, media.File{Name: src.Name, ContentType: src.ContentType, Data: src.Data}, nil)
		if err != nil {
			return convcache.Output{}, err
		}
		return convcache.Output{Filename: out.Name, ContentType: out.ContentType, Data: out.Data}, nil
	})
}

// Jobs returns a snapshot of every job record.
func (e *Engine) Jobs() []jobs.Record {
	return e.registry.List()
}

// ActiveCount returns the number of non-terminal jobs.
func (e *Engine) ActiveCount() int {
	return e.registry.ActiveCount()
}

// Subscribe returns a channel signaled on job changes.
func (e *Engine) Subscribe() <-chan struct{} { return e.registry.Subscribe() }

// Unsubscribe releases a Subscribe channel.
func (e *Engine) Unsubscribe(ch <-chan struct{}) { e.registry.Unsubscribe(ch) }

// MemoryLimitMB returns the configured memory limit.
func (e *Engine) MemoryLimitMB() int {
	return e.cfg.Engine.MemoryLimitMB
}

// SetMemoryLimit clamps, applies, and persists a new memory limit, and
// returns the value that took effect.
func (e *Engine) SetMemoryLimit(mb int) int {
	applied := e.cfg.SetMemoryLimitMB(mb)
	e.tracker.SetLimit(e.cfg.MemoryLimitBytes())
	if e.cfgPath != "" {
		if err := e.cfg.Save(e.cfgPath); err != nil {
			e.logger.Warn("memory limit persisted in memory only",
				logging.Error(err),
				logging.String(logging.FieldEventType, "config_save_failed"),
			)
		}
	}
	e.logger.Info("memory limit updated",
		logging.Int("memory_limit_mb", applied),
		logging.String(logging.FieldEventType, "memory_limit_updated"),
	)
	return applied
}

// BudgetUsage exposes current tracked usage in bytes.
func (e *Engine) BudgetUsage() int64 { return e.tracker.Usage() }
