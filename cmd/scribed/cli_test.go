package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"scribe/internal/jobs"
	"scribe/internal/testsupport"
)

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if configPath != "" {
		args = append([]string{"--config", configPath}, args...)
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save config: %v", err)
	}
	return path
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func TestConfigInitCreatesSample(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	_, _, err = runCLI(t, []string{"config", "init", "--path", target}, "")
	if err == nil {
		t.Fatal("expected error when config already exists")
	}
	requireContains(t, err.Error(), "already exists")
}

func TestJobsCommandEmptyQueue(t *testing.T) {
	configPath := writeTestConfig(t)
	out, _, err := runCLI(t, []string{"jobs"}, configPath)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	requireContains(t, out, "No jobs recorded")
}

func TestJobsCommandRejectsUnknownStatus(t *testing.T) {
	configPath := writeTestConfig(t)
	_, _, err := runCLI(t, []string{"jobs", "--status", "bogus"}, configPath)
	if err == nil {
		t.Fatal("expected error for unknown status")
	}
	requireContains(t, err.Error(), "unknown status")
}

func TestBuildJobRows(t *testing.T) {
	now := time.Now()
	records := []jobs.Record{
		{
			ID:        "aaaaaaaa-1111",
			Kind:      jobs.KindConversion,
			Status:    jobs.StatusFailed,
			Title:     "meeting.wmv",
			SizeBytes: 2 << 20,
			Progress:  0.5,
			CreatedAt: now.Add(-time.Minute),
			UpdatedAt: now,
		},
		{
			ID:        "bbbbbbbb-2222",
			Kind:      jobs.KindTranscription,
			Status:    jobs.StatusSucceeded,
			Title:     "",
			SizeBytes: 100,
			Progress:  1,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	rows := buildJobRows(records, "")
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	// Newest first.
	if rows[0][0] != "bbbbbbbb" {
		t.Fatalf("expected newest job first, got %q", rows[0][0])
	}
	if rows[0][3] != "Unknown" {
		t.Fatalf("expected empty title placeholder, got %q", rows[0][3])
	}
	if rows[1][2] != "Failed" {
		t.Fatalf("expected Failed label, got %q", rows[1][2])
	}
	if rows[1][4] != "2.0 MiB" {
		t.Fatalf("expected human size, got %q", rows[1][4])
	}
	if rows[1][5] != "50%" {
		t.Fatalf("expected progress percent, got %q", rows[1][5])
	}

	filtered := buildJobRows(records, jobs.StatusFailed)
	if len(filtered) != 1 || filtered[0][0] != "aaaaaaaa" {
		t.Fatalf("unexpected filtered rows: %v", filtered)
	}
}

func TestHumanBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1 << 30, "1.0 GiB"},
	}
	for _, tc := range cases {
		if got := humanBytes(tc.in); got != tc.want {
			t.Fatalf("humanBytes(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
