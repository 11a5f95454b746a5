package jobs

import (
	"strings"
	"time"
)

// Kind identifies which pipeline a job belongs to.
type Kind string

const (
	KindTranscription Kind = "transcription"
	KindConversion    Kind = "conversion"
)

// Status represents the lifecycle of a job record.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusFinalizing Status = "finalizing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// InterruptedMessage is the error message written onto non-terminal records
// found during rehydration after a restart.
const InterruptedMessage = "interrupted by restart; the in-memory source file was lost, re-add the file to try again"

var allStatuses = []Status{
	StatusQueued,
	StatusRunning,
	StatusFinalizing,
	StatusSucceeded,
	StatusFailed,
	StatusCanceled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := statusSet[normalized]; !ok {
		return "", false
	}
	return normalized, true
}

// Terminal reports whether the status is final. Terminal jobs never change
// status again without an explicit retry, which re-queues a fresh attempt.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Active reports whether the job still occupies the queue.
func (s Status) Active() bool {
	return !s.Terminal()
}

// TranscriptionParams carries everything the transcription pipeline needs to
// rebuild a request, including after the ephemeral parameter map is lost.
type TranscriptionParams struct {
	TargetKey        string   `json:"target_key"`
	Model            string   `json:"model"`
	CaseID           string   `json:"case_id,omitempty"`
	Multichannel     bool     `json:"multichannel,omitempty"`
	ChannelLabels    []string `json:"channel_labels,omitempty"`
	SpeakersExpected int      `json:"speakers_expected,omitempty"`
	SpeakerNames     []string `json:"speaker_names,omitempty"`
	OriginalFilename string   `json:"original_filename,omitempty"`
}

// ConversionInfo holds the conversion pipeline's per-job state.
type ConversionInfo struct {
	Detected          bool   `json:"detected"`
	NeedsConversion   bool   `json:"needs_conversion"`
	CodecName         string `json:"codec_name,omitempty"`
	ContainerName     string `json:"container_name,omitempty"`
	OutputPath        string `json:"output_path,omitempty"`
	OutputFilename    string `json:"output_filename,omitempty"`
	OutputContentType string `json:"output_content_type,omitempty"`
}

// Record is a job's persisted metadata. Source bytes are deliberately absent:
// they live in the registry's process-local source map and may be
// unrecoverable after a restart.
type Record struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Status       Status    `json:"status"`
	Title        string    `json:"title"`
	Detail       string    `json:"detail,omitempty"`
	Progress     float64   `json:"progress"`
	ErrorMessage string    `json:"error_message,omitempty"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// SourceRef is a stable reference id used to re-acquire the original
	// bytes from a source provider after the in-memory handle is gone.
	SourceRef string `json:"source_ref,omitempty"`

	// UnloadSensitive marks jobs mid-flight such that abrupt process
	// termination is treated as interruption rather than silent loss.
	UnloadSensitive bool `json:"unload_sensitive,omitempty"`

	Transcription *TranscriptionParams `json:"transcription,omitempty"`
	Conversion    *ConversionInfo      `json:"conversion,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (r Record) Clone() Record {
	cp := r
	if r.Transcription != nil {
		params := *r.Transcription
		params.ChannelLabels = append([]string(nil), r.Transcription.ChannelLabels...)
		params.SpeakerNames = append([]string(nil), r.Transcription.SpeakerNames...)
		cp.Transcription = &params
	}
	if r.Conversion != nil {
		info := *r.Conversion
		cp.Conversion = &info
	}
	return cp
}

// SetFailed marks the record failed with the given message. Records that are
// already terminal keep their status; a cancel that raced the worker must not
// be rewritten as a failure.
func (r *Record) SetFailed(message string) {
	if r.Status.Terminal() {
		return
	}
	r.Status = StatusFailed
	r.ErrorMessage = message
	r.Progress = 0
	r.UnloadSensitive = false
}

// SetCanceled marks the record canceled. Already-terminal records are left
// untouched.
func (r *Record) SetCanceled() {
	if r.Status.Terminal() {
		return
	}
	r.Status = StatusCanceled
	r.Progress = 0
	r.UnloadSensitive = false
}
