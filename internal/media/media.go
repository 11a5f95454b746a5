// Package media defines the engine's view of media files and the external
// codec detector and transform interfaces, plus ffprobe/ffmpeg-backed
// implementations. Files move through the pipelines as in-memory byte blobs;
// the exec adapters stage them to temp files only for the duration of a tool
// invocation.
package media

import (
	"context"
	"path/filepath"
	"strings"
)

// File is a media payload moving through the pipelines.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Size returns the byte length of the payload.
func (f File) Size() int64 { return int64(len(f.Data)) }

// Ext returns the lowercase filename extension, including the dot.
func (f File) Ext() string {
	return strings.ToLower(filepath.Ext(f.Name))
}

// ProgressFunc reports a completion ratio in [0,1].
type ProgressFunc func(ratio float64)

// Probe is the codec detector's verdict for a file.
type Probe struct {
	NeedsConversion bool
	HasVideo        bool
	CodecName       string
	ContainerName   string
	DurationSeconds float64
}

// Detector classifies whether a file needs conversion before playback.
type Detector interface {
	Detect(ctx context.Context, file File) (Probe, error)
}

// Extractor produces an upload-ready audio file from audio/video input.
// Implementations are cancelable and raise a distinguished cancellation
// error distinct from ordinary failure.
type Extractor interface {
	Extract(ctx context.Context, file File, onProgress ProgressFunc) (File, error)
}

// Converter transforms media into a playable codec. Implementations are
// cancelable with the same distinguished-error contract as Extractor.
type Converter interface {
	Convert(ctx context.Context, file File, onProgress ProgressFunc) (File, error)
}
