package store_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"scribe/internal/jobs"
	"scribe/internal/store"
	"scribe/internal/testsupport"
)

func TestSQLiteBlobRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	s := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	payload := []byte("converted bytes")
	if err := s.Put(ctx, "converted/j1.mp4", payload); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "converted/j1.mp4")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Get returned %q, want %q", got, payload)
	}
}

func TestSQLitePutOverwrites(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	s := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	if err := s.Put(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Put v1: %v", err)
	}
	if err := s.Put(ctx, "k", []byte("v2")); err != nil {
		t.Fatalf("Put v2: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("Get returned %q, want v2", got)
	}
}

func TestSQLiteGetMissing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	s := testsupport.MustOpenStore(t, cfg)

	if _, err := s.Get(context.Background(), "absent"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteDeleteIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	s := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	if err := s.Put(ctx, "gone", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "gone"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := s.Get(ctx, "gone"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLiteJobSnapshotRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	s := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	records := []jobs.Record{
		{
			ID:     "j1",
			Kind:   jobs.KindTranscription,
			Status: jobs.StatusSucceeded,
			Title:  "hearing.wav",
			Transcription: &jobs.TranscriptionParams{
				TargetKey:     "case/42/hearing",
				Model:         "universal-3-pro",
				Multichannel:  true,
				ChannelLabels: []string{"caller", "facility"},
			},
		},
		{
			ID:         "j2",
			Kind:       jobs.KindConversion,
			Status:     jobs.StatusFailed,
			Conversion: &jobs.ConversionInfo{Detected: true, NeedsConversion: true},
		},
	}
	if err := s.PutJobs(ctx, "user-a", records); err != nil {
		t.Fatalf("PutJobs: %v", err)
	}

	got, err := s.GetJobs(ctx, "user-a")
	if err != nil {
		t.Fatalf("GetJobs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].Transcription == nil || got[0].Transcription.ChannelLabels[1] != "facility" {
		t.Fatalf("transcription params lost: %+v", got[0])
	}
	if got[1].Conversion == nil || !got[1].Conversion.NeedsConversion {
		t.Fatalf("conversion info lost: %+v", got[1])
	}

	// Unknown users read back empty, not an error.
	none, err := s.GetJobs(ctx, "user-b")
	if err != nil {
		t.Fatalf("GetJobs unknown user: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no records, got %d", len(none))
	}
}

func TestSQLiteSnapshotSurvivesReopen(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first, err := store.OpenSQLite(cfg)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	ctx := context.Background()
	if err := first.PutJobs(ctx, "user", []jobs.Record{{ID: "j1", Status: jobs.StatusCanceled}}); err != nil {
		t.Fatalf("PutJobs: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := store.OpenSQLite(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	got, err := second.GetJobs(ctx, "user")
	if err != nil {
		t.Fatalf("GetJobs: %v", err)
	}
	if len(got) != 1 || got[0].Status != jobs.StatusCanceled {
		t.Fatalf("unexpected records after reopen: %+v", got)
	}
}
