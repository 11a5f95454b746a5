package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"scribe/internal/services"
)

func TestNewJSONWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.log")
	logger, err := New(Options{Level: "debug", Format: "json", OutputPaths: []string{path}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Info("hello", String(FieldJobID, "job-42"))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("decode log line %q: %v", data, err)
	}
	if entry["msg"] != "hello" {
		t.Fatalf("unexpected msg: %v", entry["msg"])
	}
	if entry[FieldJobID] != "job-42" {
		t.Fatalf("expected job id attr, got %v", entry)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "yaml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for value, want := range cases {
		if got := parseLevel(value); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", value, got, want)
		}
	}
}

func TestContextFields(t *testing.T) {
	ctx := services.WithJobID(context.Background(), "job-7")
	ctx = services.WithRequestID(ctx, "req-1")

	fields := ContextFields(ctx)
	if len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(fields))
	}
	if fields[0].Key != FieldJobID || fields[0].Value.String() != "job-7" {
		t.Fatalf("unexpected job field: %v", fields[0])
	}
	if fields[1].Key != FieldCorrelationID || fields[1].Value.String() != "req-1" {
		t.Fatalf("unexpected correlation field: %v", fields[1])
	}

	if got := ContextFields(context.Background()); len(got) != 0 {
		t.Fatalf("expected no fields from bare context, got %v", got)
	}
}

func TestWithContextFallsBackToNop(t *testing.T) {
	logger := WithContext(context.Background(), nil)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	logger.Info("should not panic")
}

func TestNewComponentLogger(t *testing.T) {
	var sb strings.Builder
	base := slog.New(slog.NewTextHandler(&sb, nil))
	NewComponentLogger(base, "engine").Info("ready")
	if !strings.Contains(sb.String(), "component=engine") {
		t.Fatalf("expected component attribute, got %q", sb.String())
	}
}
