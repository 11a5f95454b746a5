// Package transport uploads prepared audio to the remote transcription
// service and tracks upload progress. The client follows the service's
// two-step flow: stream the raw audio bytes to the upload endpoint, then
// submit a transcript request referencing the returned media URL.
package transport
