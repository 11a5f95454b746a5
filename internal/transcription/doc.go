// Package transcription drains transcription jobs with a fixed worker pool
// whose effective parallelism follows the memory budget tracker's ceiling.
// Each job re-acquires its source bytes if needed, prepares an upload
// payload (extracting audio when the source is not directly uploadable) and
// submits it through the upload transport, then persists the transcript
// reference.
package transcription
