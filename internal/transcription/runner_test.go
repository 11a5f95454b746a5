package transcription

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"scribe/internal/budget"
	"scribe/internal/config"
	"scribe/internal/jobs"
	"scribe/internal/logging"
	"scribe/internal/media"
	"scribe/internal/services"
	"scribe/internal/testsupport"
	"scribe/internal/transport"
)

type stubUploader struct {
	fn func(ctx context.Context, req transport.Request) (transport.Result, error)

	mu       sync.Mutex
	requests []transport.Request
}

func (u *stubUploader) Upload(ctx context.Context, req transport.Request, onProgress media.ProgressFunc) (transport.Result, error) {
	u.mu.Lock()
	u.requests = append(u.requests, req)
	u.mu.Unlock()
	if onProgress != nil {
		onProgress(1)
	}
	if u.fn != nil {
		return u.fn(ctx, req)
	}
	return transport.Result{TranscriptID: "tr_ok", AudioURL: "https://cdn.example/blob"}, nil
}

func (u *stubUploader) lastRequest() (transport.Request, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.requests) == 0 {
		return transport.Request{}, false
	}
	return u.requests[len(u.requests)-1], true
}

type stubExtractor struct {
	fn func(ctx context.Context, file media.File) (media.File, error)

	mu    sync.Mutex
	calls int
}

func (e *stubExtractor) Extract(ctx context.Context, file media.File, onProgress media.ProgressFunc) (media.File, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.fn != nil {
		return e.fn(ctx, file)
	}
	return media.File{Name: "audio.mp3", ContentType: "audio/mpeg", Data: []byte("extracted")}, nil
}

func (e *stubExtractor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	cfg       *config.Config
	registry  *jobs.Registry
	tracker   *budget.Tracker
	store     *testsupport.MemStore
	uploader  *stubUploader
	extractor *stubExtractor
	runner    *Runner
}

func newFixture(t *testing.T, opts ...RunnerOption) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Engine.TranscriptionWorkers = 4
	store := testsupport.NewMemStore()
	registry := jobs.NewRegistry(store, cfg.Store.UserKey, logging.NewNop(), jobs.WithFlushDelay(10*time.Millisecond))
	t.Cleanup(func() { _ = registry.Close() })
	tracker := budget.NewTracker(cfg.MemoryLimitBytes(), logging.NewNop())
	uploader := &stubUploader{}
	extractor := &stubExtractor{}
	opts = append([]RunnerOption{WithPollInterval(10 * time.Millisecond)}, opts...)
	runner := NewRunner(cfg, registry, tracker, store, uploader, extractor, logging.NewNop(), opts...)
	t.Cleanup(runner.Stop)
	return &fixture{cfg: cfg, registry: registry, tracker: tracker, store: store, uploader: uploader, extractor: extractor, runner: runner}
}

func (f *fixture) addAudioJob(id string, data []byte) {
	f.addJob(id, id+".mp3", "audio/mpeg", data)
}

func (f *fixture) addVideoJob(id string, data []byte) {
	f.addJob(id, id+".mov", "video/quicktime", data)
}

func (f *fixture) addJob(id, name, contentType string, data []byte) {
	rec := &jobs.Record{
		ID:        id,
		Kind:      jobs.KindTranscription,
		Status:    jobs.StatusQueued,
		Title:     name,
		SizeBytes: int64(len(data)),
		Transcription: &jobs.TranscriptionParams{
			TargetKey: "target-" + id,
		},
	}
	f.registry.Enqueue(rec)
	f.registry.PutSource(id, &jobs.Source{Name: name, ContentType: contentType, Data: data})
}

func (f *fixture) status(id string) jobs.Status {
	rec, _ := f.registry.Get(id)
	return rec.Status
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestDirectAudioUpload(t *testing.T) {
	f := newFixture(t)
	f.addAudioJob("t1", []byte("mp3-bytes"))
	f.start(t)

	waitFor(t, "job success", func() bool { return f.status("t1") == jobs.StatusSucceeded })

	if f.extractor.callCount() != 0 {
		t.Fatalf("extractor ran %d times, want 0", f.extractor.callCount())
	}
	req, ok := f.uploader.lastRequest()
	if !ok || string(req.File.Data) != "mp3-bytes" {
		t.Fatalf("uploaded payload = %+v", req.File)
	}
	if req.Params.TargetKey != "target-t1" {
		t.Fatalf("params target = %q", req.Params.TargetKey)
	}

	rec, _ := f.registry.Get("t1")
	if !strings.Contains(rec.Detail, "tr_ok") {
		t.Fatalf("detail = %q, want transcript id", rec.Detail)
	}
	if rec.Progress != 1 || rec.UnloadSensitive {
		t.Fatalf("final record = %+v", rec)
	}
	if _, ok := f.store.Blob(TranscriptPath("t1")); !ok {
		t.Fatal("transcript record should be persisted")
	}
	if _, ok := f.registry.Source("t1"); ok {
		t.Fatal("source bytes should be released after success")
	}
	waitFor(t, "reservations released", func() bool { return f.tracker.Usage() == 0 })
}

func TestVideoGoesThroughExtraction(t *testing.T) {
	f := newFixture(t)
	f.addVideoJob("t1", []byte("video-bytes"))
	f.start(t)

	waitFor(t, "job success", func() bool { return f.status("t1") == jobs.StatusSucceeded })

	if f.extractor.callCount() != 1 {
		t.Fatalf("extractor ran %d times, want 1", f.extractor.callCount())
	}
	req, _ := f.uploader.lastRequest()
	if string(req.File.Data) != "extracted" {
		t.Fatalf("uploaded payload = %q, want extracted audio", req.File.Data)
	}
	waitFor(t, "prepared bytes released", func() bool { return f.tracker.Usage() == 0 })
}

func TestExtractedBytesNotDoubleCountedDuringUpload(t *testing.T) {
	f := newFixture(t)
	usageDuringUpload := make(chan int64, 1)
	f.uploader.fn = func(ctx context.Context, req transport.Request) (transport.Result, error) {
		select {
		case usageDuringUpload <- f.tracker.Usage():
		default:
		}
		return transport.Result{TranscriptID: "tr_ok"}, nil
	}
	f.addVideoJob("t1", []byte("video-bytes"))
	f.start(t)

	var during int64
	select {
	case during = <-usageDuringUpload:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started")
	}
	// Once the upload reservation is taken it covers the payload; only the
	// reservation may be outstanding while the upload runs.
	want := budget.UploadEstimate(int64(len("extracted")))
	if during != want {
		t.Fatalf("usage during upload = %d, want %d", during, want)
	}

	waitFor(t, "job success", func() bool { return f.status("t1") == jobs.StatusSucceeded })
	waitFor(t, "budget drained", func() bool { return f.tracker.Usage() == 0 })
}

func TestMissingSourceFailsWithReAddMessage(t *testing.T) {
	f := newFixture(t)
	f.registry.Enqueue(&jobs.Record{ID: "lost", Kind: jobs.KindTranscription, Status: jobs.StatusQueued, Title: "lost.mp3"})
	f.start(t)

	waitFor(t, "job failed", func() bool { return f.status("lost") == jobs.StatusFailed })
	rec, _ := f.registry.Get("lost")
	if !strings.Contains(rec.ErrorMessage, "no longer available") {
		t.Fatalf("error message = %q", rec.ErrorMessage)
	}
}

func TestSourceProviderReacquisition(t *testing.T) {
	provider := jobs.SourceProviderFunc(func(ctx context.Context, ref string) (*jobs.Source, error) {
		if ref != "handle-7" {
			return nil, jobs.ErrNotFound
		}
		return &jobs.Source{Name: "recovered.mp3", ContentType: "audio/mpeg", Data: []byte("recovered")}, nil
	})
	f := newFixture(t, WithSourceProvider(provider))
	f.registry.Enqueue(&jobs.Record{
		ID: "t1", Kind: jobs.KindTranscription, Status: jobs.StatusQueued,
		Title: "recovered.mp3", SourceRef: "handle-7",
	})
	f.start(t)

	waitFor(t, "job success", func() bool { return f.status("t1") == jobs.StatusSucceeded })
	req, _ := f.uploader.lastRequest()
	if string(req.File.Data) != "recovered" {
		t.Fatalf("uploaded payload = %q", req.File.Data)
	}
}

func TestExtractionFailureFallsBackToDirectUpload(t *testing.T) {
	f := newFixture(t)
	f.extractor.fn = func(ctx context.Context, file media.File) (media.File, error) {
		return media.File{}, services.Wrap(services.ErrExtractionTimeout, "media", "extract", "transform deadline exceeded", context.DeadlineExceeded)
	}
	f.addVideoJob("t1", []byte("small-video"))
	f.start(t)

	waitFor(t, "job success", func() bool { return f.status("t1") == jobs.StatusSucceeded })
	req, _ := f.uploader.lastRequest()
	if string(req.File.Data) != "small-video" {
		t.Fatalf("fallback should upload the original bytes, got %q", req.File.Data)
	}
}

func TestExtractionFailureTooLargeFails(t *testing.T) {
	f := newFixture(t)
	f.cfg.Engine.DirectUploadMaxMB = 1
	f.extractor.fn = func(ctx context.Context, file media.File) (media.File, error) {
		return media.File{}, services.Wrap(services.ErrExtractionTimeout, "media", "extract", "transform deadline exceeded", context.DeadlineExceeded)
	}
	f.addVideoJob("t1", make([]byte, 2<<20))
	f.start(t)

	waitFor(t, "job failed", func() bool { return f.status("t1") == jobs.StatusFailed })
	rec, _ := f.registry.Get("t1")
	if !strings.Contains(rec.ErrorMessage, "convert it to mp3 manually") {
		t.Fatalf("error message = %q", rec.ErrorMessage)
	}
	if _, ok := f.uploader.lastRequest(); ok {
		t.Fatal("oversized fallback must not upload")
	}
}

func TestCancelDuringUploadLeavesSiblingsAlone(t *testing.T) {
	blocking := make(chan struct{})
	f := newFixture(t)
	f.uploader.fn = func(ctx context.Context, req transport.Request) (transport.Result, error) {
		if strings.HasPrefix(req.File.Name, "hang") {
			close(blocking)
			<-ctx.Done()
			return transport.Result{}, services.Wrap(services.ErrUploadFailed, "transport", "upload", "aborted", ctx.Err())
		}
		return transport.Result{TranscriptID: "tr_sib"}, nil
	}
	f.addAudioJob("hang", []byte("aa"))
	f.addAudioJob("sib", []byte("bb"))
	f.start(t)

	<-blocking
	if !f.registry.Cancel("hang") {
		t.Fatal("cancel handle not registered")
	}

	waitFor(t, "hang canceled", func() bool { return f.status("hang") == jobs.StatusCanceled })
	waitFor(t, "sibling success", func() bool { return f.status("sib") == jobs.StatusSucceeded })
	waitFor(t, "reservations released", func() bool { return f.tracker.Usage() == 0 })
}

func TestBudgetTimeoutFailsWithActionableMessage(t *testing.T) {
	f := newFixture(t)
	f.cfg.Engine.BudgetWaitTimeout = 1
	f.tracker.SetLimit(1 << 20)

	f.addVideoJob("t1", []byte("needs-extraction"))
	f.start(t)

	waitFor(t, "job failed", func() bool { return f.status("t1") == jobs.StatusFailed })
	rec, _ := f.registry.Get("t1")
	if !strings.Contains(rec.ErrorMessage, "limit") {
		t.Fatalf("error message = %q, want a raise-the-limit hint", rec.ErrorMessage)
	}
	if f.extractor.callCount() != 0 {
		t.Fatal("extraction must not start without budget")
	}
}

func TestMaxUploadBytesGuard(t *testing.T) {
	f := newFixture(t)
	f.cfg.Engine.MaxUploadBytes = 4
	f.addAudioJob("t1", []byte("way too large"))
	f.start(t)

	waitFor(t, "job failed", func() bool { return f.status("t1") == jobs.StatusFailed })
	rec, _ := f.registry.Get("t1")
	if !strings.Contains(rec.ErrorMessage, "too large to upload") {
		t.Fatalf("error message = %q", rec.ErrorMessage)
	}
}

func TestNeedsExtractionTable(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		want        bool
	}{
		{"a.mp3", "audio/mpeg", false},
		{"a.mp3", "audio/mp3", false},
		{"a.wav", "audio/x-wav", false},
		{"a.m4a", "audio/x-m4a", false},
		{"clip.mov", "video/quicktime", true},
		{"clip.webm", "video/webm", true},
		{"a.wma", "audio/x-ms-wma", true},
		{"a.mp3", "", false},
		{"mystery.bin", "", true},
	}
	for _, c := range cases {
		if got := needsExtraction(c.name, c.contentType); got != c.want {
			t.Errorf("needsExtraction(%q, %q) = %v, want %v", c.name, c.contentType, got, c.want)
		}
	}
}
