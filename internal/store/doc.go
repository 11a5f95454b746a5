// Package store provides durable key-value backends implementing jobs.Store.
// The SQLite backend is the default; Redis is available for deployments that
// already run one. Both persist opaque blobs by path and per-user job
// snapshots, and nothing above this package depends on the backing
// technology.
package store
