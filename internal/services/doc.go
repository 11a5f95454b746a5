// Package services defines shared utilities consumed by the queue runners and
// external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs and correlation identifiers for
//     logging.
//   - Structured error markers plus the Wrap helper that keep failure
//     classification consistent across both pipelines: sentinels distinguish
//     lost sources, budget exhaustion, cancellation, transport failures, and
//     best-effort persistence problems.
//
// Use these helpers when wiring new runner logic so error handling and
// observability stay uniform across the engine.
package services
