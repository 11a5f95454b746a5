// Package conversion drains conversion jobs: codec detection in bounded
// micro-batches, then the transcode itself with a bounded number of
// concurrent transforms. Converted outputs land in the in-memory cache and
// the durable store. Cancelling one running conversion halts the whole
// runner; the caller restarts it explicitly.
package conversion
