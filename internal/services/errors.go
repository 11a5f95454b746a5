package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers used to classify failures raised by the queue runners.
// Callers attach one with Wrap and inspect with errors.Is.
var (
	// ErrSourceUnavailable indicates the job's source bytes can no longer be
	// re-acquired (typically after a process restart). Not retried
	// automatically; the user must re-add the file.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrBudgetTimeout indicates the memory budget could not be freed within
	// the bounded wait.
	ErrBudgetTimeout = errors.New("memory budget timeout")

	// ErrExtractionCanceled marks a user-initiated abort of the audio
	// extraction transform, distinct from ordinary extraction failure.
	ErrExtractionCanceled = errors.New("extraction canceled")

	// ErrExtractionTimeout marks an extraction that exceeded its hard
	// deadline.
	ErrExtractionTimeout = errors.New("extraction timed out")

	// ErrUploadFailed marks a transport failure surfaced verbatim to the job
	// record. Uploads are never silently retried.
	ErrUploadFailed = errors.New("upload failed")

	// ErrUploadTimeout marks an upload that exceeded the configured request
	// timeout.
	ErrUploadTimeout = errors.New("upload timed out")

	// ErrConversionFailed marks a per-job conversion failure; the runner
	// continues with remaining jobs.
	ErrConversionFailed = errors.New("conversion failed")

	// ErrConversionCanceled marks a user-initiated abort of the conversion
	// transform; it halts the whole conversion runner.
	ErrConversionCanceled = errors.New("conversion canceled")

	// ErrPersistence marks best-effort durable writes that failed. These are
	// logged and never block the user-visible success of the primary
	// operation.
	ErrPersistence = errors.New("persistence failure")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrPersistence
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsCancellation reports whether an error represents a deliberate abort
// rather than a genuine failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrExtractionCanceled) ||
		errors.Is(err, ErrConversionCanceled)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
