package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"scribe/internal/budget"
	"scribe/internal/config"
	"scribe/internal/jobs"
	"scribe/internal/logging"
	"scribe/internal/media"
	"scribe/internal/services"
	"scribe/internal/transport"
)

const defaultPollInterval = 500 * time.Millisecond

// TranscriptPath is where a finished job's transcript reference lands in
// the durable store.
func TranscriptPath(id string) string { return "transcripts/" + id }

// MediaPath is the durable fallback location for source media copied during
// finalization.
func MediaPath(id string) string { return "media/" + id }

// Runner drains the transcription queue.
type Runner struct {
	cfg       *config.Config
	registry  *jobs.Registry
	tracker   *budget.Tracker
	store     jobs.Store
	uploader  transport.Uploader
	extractor media.Extractor
	provider  jobs.SourceProvider
	logger    *slog.Logger

	pollInterval time.Duration
	prepSlots    *semaphore.Weighted

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// RunnerOption configures optional Runner behavior.
type RunnerOption func(*Runner)

// WithSourceProvider installs the post-restart source re-acquisition hook.
func WithSourceProvider(provider jobs.SourceProvider) RunnerOption {
	return func(r *Runner) { r.provider = provider }
}

// WithPollInterval overrides the idle poll interval, used in tests.
func WithPollInterval(interval time.Duration) RunnerOption {
	return func(r *Runner) {
		if interval > 0 {
			r.pollInterval = interval
		}
	}
}

// NewRunner constructs a transcription runner.
func NewRunner(cfg *config.Config, registry *jobs.Registry, tracker *budget.Tracker, store jobs.Store, uploader transport.Uploader, extractor media.Extractor, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	slots := cfg.Engine.PreparationSlots
	if slots <= 0 {
		slots = 2
	}
	r := &Runner{
		cfg:          cfg,
		registry:     registry,
		tracker:      tracker,
		store:        store,
		uploader:     uploader,
		extractor:    extractor,
		logger:       logging.NewComponentLogger(logger, "transcription"),
		pollInterval: defaultPollInterval,
		prepSlots:    semaphore.NewWeighted(int64(slots)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the worker pool. The pool size is fixed; the budget
// tracker's ceiling decides how many workers actually pick up work at any
// moment, so effective parallelism adjusts without restarting the pool.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("transcription runner already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	workers := r.cfg.Engine.TranscriptionWorkers
	if workers <= 0 {
		workers = budget.MaxConcurrentUploads
	}
	r.wg.Add(workers)
	r.mu.Unlock()

	for i := 0; i < workers; i++ {
		go r.worker(runCtx, i)
	}
	return nil
}

// Stop terminates the pool and waits for in-flight jobs to settle.
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

func (r *Runner) worker(ctx context.Context, index int) {
	defer r.wg.Done()

	wake := r.registry.Subscribe()
	defer r.registry.Unsubscribe(wake)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if index >= r.ceiling() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.pollInterval):
			}
			continue
		}

		rec, ok := r.registry.Claim(jobs.KindTranscription, nil)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-time.After(r.pollInterval):
			}
			continue
		}

		r.process(ctx, rec)
	}
}

// ceiling recomputes the budget-driven concurrency bound from the sizes of
// currently queued transcription jobs.
func (r *Runner) ceiling() int {
	var sizes []int64
	for _, rec := range r.registry.List() {
		if rec.Kind == jobs.KindTranscription && rec.Status == jobs.StatusQueued && rec.SizeBytes > 0 {
			sizes = append(sizes, rec.SizeBytes)
		}
	}
	return r.tracker.MaxConcurrentUploads(sizes)
}

func (r *Runner) process(ctx context.Context, rec jobs.Record) {
	jobCtx, jobCancel := context.WithCancel(services.WithJobID(ctx, rec.ID))
	defer jobCancel()
	r.registry.SetCancel(rec.ID, jobCancel)
	defer r.registry.ClearCancel(rec.ID)

	logger := logging.WithContext(jobCtx, r.logger)

	src, err := r.acquireSource(jobCtx, rec)
	if err != nil {
		r.settle(jobCtx, rec.ID, err, logger)
		return
	}

	params := resolveParams(r.cfg, rec)

	payload, preparedBytes, err := r.prepare(jobCtx, rec, src, logger)
	defer func() {
		if preparedBytes > 0 {
			r.tracker.ReleasePrepared(preparedBytes)
		}
	}()
	if err != nil {
		r.settle(jobCtx, rec.ID, err, logger)
		return
	}

	if max := r.cfg.Engine.MaxUploadBytes; max > 0 && payload.Size() > max {
		r.settle(jobCtx, rec.ID, services.Wrap(services.ErrUploadFailed, "transcription", "upload",
			fmt.Sprintf("file is too large to upload (%d bytes > %d bytes)", payload.Size(), max), nil), logger)
		return
	}

	reserve := budget.UploadEstimate(payload.Size())
	r.tracker.Reserve(reserve)
	defer r.tracker.Release(reserve)
	if preparedBytes > 0 {
		// The payload is now accounted for by the upload reservation;
		// keeping the prepared bytes as well would count it twice.
		r.tracker.ReleasePrepared(preparedBytes)
		preparedBytes = 0
	}

	r.registry.Update(rec.ID, func(rec *jobs.Record) {
		rec.Detail = "uploading"
		rec.Progress = 0
	})
	logger.Info("upload started",
		logging.String(logging.FieldEventType, "upload_started"),
		logging.Int64("payload_bytes", payload.Size()),
	)

	result, err := r.uploader.Upload(jobCtx, transport.Request{File: payload, Params: params},
		func(ratio float64) {
			r.registry.Update(rec.ID, func(rec *jobs.Record) {
				rec.Progress = ratio
			})
		})
	if err != nil {
		r.settle(jobCtx, rec.ID, err, logger)
		return
	}

	r.registry.Update(rec.ID, func(rec *jobs.Record) {
		rec.Status = jobs.StatusFinalizing
		rec.Detail = "saving transcript"
	})

	if err := r.finalize(jobCtx, rec, params, result, src); err != nil {
		// The upload itself succeeded; local persistence is best effort.
		logger.Warn("transcript persistence failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "transcript_persist_failed"),
		)
	}

	r.registry.Update(rec.ID, func(rec *jobs.Record) {
		if rec.Status.Terminal() {
			return
		}
		rec.Status = jobs.StatusSucceeded
		rec.Progress = 1
		rec.Detail = "transcript " + result.TranscriptID
		rec.ErrorMessage = ""
		rec.UnloadSensitive = false
	})
	r.registry.DropSource(rec.ID)
	logger.Info("transcription job finished",
		logging.String(logging.FieldEventType, "transcription_finished"),
		logging.String("transcript_id", result.TranscriptID),
	)
}

// settle records a terminal failure or cancellation for the job.
func (r *Runner) settle(ctx context.Context, id string, err error, logger *slog.Logger) {
	if services.IsCancellation(err) || errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		r.registry.Update(id, func(rec *jobs.Record) {
			rec.SetCanceled()
		})
		logger.Info("transcription job canceled",
			logging.String(logging.FieldEventType, "transcription_canceled"),
		)
		return
	}
	r.registry.Update(id, func(rec *jobs.Record) {
		rec.SetFailed(err.Error())
	})
	logger.Warn("transcription job failed",
		logging.Error(err),
		logging.String(logging.FieldEventType, "transcription_failed"),
	)
}

// acquireSource returns the job's bytes, re-acquiring through the source
// provider when the in-memory handle is gone.
func (r *Runner) acquireSource(ctx context.Context, rec jobs.Record) (*jobs.Source, error) {
	if src, ok := r.registry.Source(rec.ID); ok {
		return src, nil
	}
	if r.provider != nil && rec.SourceRef != "" {
		src, err := r.provider.Acquire(ctx, rec.SourceRef)
		if err == nil && src != nil {
			r.registry.PutSource(rec.ID, src)
			return src, nil
		}
		if err != nil && errors.Is(ctx.Err(), context.Canceled) {
			return nil, err
		}
	}
	return nil, services.Wrap(services.ErrSourceUnavailable, "transcription", "acquire",
		"the source file is no longer available; re-add it to transcribe", nil)
}

// resolveParams reconstructs the transcription request from the persisted
// record when the ephemeral parameter set was lost.
func resolveParams(cfg *config.Config, rec jobs.Record) jobs.TranscriptionParams {
	var params jobs.TranscriptionParams
	if rec.Transcription != nil {
		params = *rec.Transcription
	}
	if params.TargetKey == "" {
		params.TargetKey = rec.ID
	}
	if params.Model == "" {
		params.Model = cfg.Upload.DefaultModel
	}
	if params.OriginalFilename == "" {
		params.OriginalFilename = rec.Title
	}
	return params
}

// prepare returns the upload payload. Sources outside the directly
// uploadable audio set go through extraction, gated by a preparation slot
// and the memory budget, with a direct-upload fallback when extraction is
// impractical and the original is small enough.
func (r *Runner) prepare(ctx context.Context, rec jobs.Record, src *jobs.Source, logger *slog.Logger) (media.File, int64, error) {
	file := media.File{Name: src.Name, ContentType: src.ContentType, Data: src.Data}
	if !needsExtraction(file.Name, file.ContentType) {
		return file, 0, nil
	}

	r.registry.Update(rec.ID, func(rec *jobs.Record) {
		rec.Detail = "waiting for a preparation slot"
	})
	slotCtx, slotCancel := context.WithTimeout(ctx, time.Duration(r.cfg.Engine.PreparationTimeout)*time.Second)
	err := r.prepSlots.Acquire(slotCtx, 1)
	slotCancel()
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return media.File{}, 0, services.Wrap(services.ErrExtractionCanceled, "transcription", "prepare", "preparation aborted", err)
		}
		return r.extractionFallback(file, services.Wrap(services.ErrExtractionTimeout, "transcription", "prepare",
			"timed out waiting for a preparation slot", err), logger)
	}
	defer r.prepSlots.Release(1)

	r.registry.Update(rec.ID, func(rec *jobs.Record) {
		rec.Detail = "waiting for memory budget"
	})
	if err := r.tracker.WaitForBudget(ctx, budget.UploadEstimate(file.Size()), time.Duration(r.cfg.Engine.BudgetWaitTimeout)*time.Second); err != nil {
		return media.File{}, 0, err
	}

	r.registry.Update(rec.ID, func(rec *jobs.Record) {
		rec.Detail = "extracting audio"
	})
	extractCtx, extractCancel := context.WithTimeout(ctx, time.Duration(r.cfg.Media.ExtractionTimeout)*time.Second)
	defer extractCancel()
	out, err := r.extractor.Extract(extractCtx, file, func(ratio float64) {
		r.registry.Update(rec.ID, func(rec *jobs.Record) {
			rec.Progress = ratio
		})
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return media.File{}, 0, services.Wrap(services.ErrExtractionCanceled, "transcription", "extract", "extraction aborted", err)
		}
		return r.extractionFallback(file, err, logger)
	}

	r.tracker.AddPrepared(out.Size())
	return out, out.Size(), nil
}

// extractionFallback uploads the original bytes directly when they are
// small enough; otherwise the extraction error stands, with a manual
// conversion suggestion.
func (r *Runner) extractionFallback(file media.File, cause error, logger *slog.Logger) (media.File, int64, error) {
	limit := int64(r.cfg.Engine.DirectUploadMaxMB) << 20
	if limit > 0 && file.Size() <= limit {
		logger.Warn("extraction unavailable; uploading original file directly",
			logging.Error(cause),
			logging.String(logging.FieldEventType, "extraction_fallback"),
			logging.Int64("size_bytes", file.Size()),
		)
		return file, 0, nil
	}
	return media.File{}, 0, fmt.Errorf("%w; the file is too large to upload unprocessed, convert it to mp3 manually and re-add it", cause)
}

// finalize persists the transcript reference, resolving how the source
// media is referenced: the provider handle when one exists, otherwise a
// durable copy of the bytes.
func (r *Runner) finalize(ctx context.Context, rec jobs.Record, params jobs.TranscriptionParams, result transport.Result, src *jobs.Source) error {
	mediaRef := rec.SourceRef
	if mediaRef == "" && r.store != nil {
		path := MediaPath(rec.ID)
		if err := r.store.Put(ctx, path, src.Data); err == nil {
			mediaRef = path
		}
	}

	record := map[string]any{
		"target_key":        params.TargetKey,
		"transcript_id":     result.TranscriptID,
		"audio_url":         result.AudioURL,
		"media_ref":         mediaRef,
		"model":             params.Model,
		"original_filename": params.OriginalFilename,
		"multichannel":      params.Multichannel,
		"created_at":        time.Now().UTC().Format(time.RFC3339),
	}
	if params.CaseID != "" {
		record["case_id"] = params.CaseID
	}
	if len(params.ChannelLabels) > 0 {
		record["channel_labels"] = params.ChannelLabels
	}
	if params.SpeakersExpected > 0 {
		record["speakers_expected"] = params.SpeakersExpected
	}
	if len(params.SpeakerNames) > 0 {
		record["speaker_names"] = params.SpeakerNames
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return services.Wrap(services.ErrPersistence, "transcription", "finalize", "encode transcript record", err)
	}
	if r.store == nil {
		return nil
	}
	if err := r.store.Put(ctx, TranscriptPath(rec.ID), encoded); err != nil {
		return services.Wrap(services.ErrPersistence, "transcription", "finalize", "write transcript record", err)
	}
	return nil
}
