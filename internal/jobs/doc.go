// Package jobs owns the canonical in-memory list of job records and the
// single mutation entry point through which every status transition flows.
// The registry mirrors its state to a durable store asynchronously and keeps
// strictly process-local state (source bytes, cancel handles) out of the
// persisted records, because that state cannot survive a restart.
package jobs
