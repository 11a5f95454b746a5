package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"scribe/internal/services"
)

// FFmpeg implements Extractor and Converter by shelling out to ffmpeg.
type FFmpeg struct {
	Binary      string
	ProbeBinary string
}

// NewFFmpeg constructs the exec-backed transforms.
func NewFFmpeg(ffmpegBinary, ffprobeBinary string) *FFmpeg {
	return &FFmpeg{Binary: ffmpegBinary, ProbeBinary: ffprobeBinary}
}

// Extract produces a mono 16 kHz 96 kbps mp3 suitable for transcription
// upload, mirroring the extraction the transcript app's backend performs.
func (f *FFmpeg) Extract(ctx context.Context, file File, onProgress ProgressFunc) (File, error) {
	out, err := f.run(ctx, file, "audio.mp3", "audio/mpeg",
		[]string{"-vn", "-ac", "1", "-ar", "16000", "-b:a", "96k"}, onProgress)
	if err != nil {
		return File{}, mapTransformErr(ctx, services.ErrExtractionCanceled, services.ErrExtractionTimeout, "extract", err)
	}
	out.Name = replaceExt(file.Name, ".mp3")
	return out, nil
}

// Convert transcodes media into a playable mp4 (h264/aac for video input,
// aac for audio-only input).
func (f *FFmpeg) Convert(ctx context.Context, file File, onProgress ProgressFunc) (File, error) {
	out, err := f.run(ctx, file, "converted.mp4", "video/mp4",
		[]string{"-c:v", "libx264", "-preset", "veryfast", "-c:a", "aac", "-movflags", "+faststart"}, onProgress)
	if err != nil {
		return File{}, mapTransformErr(ctx, services.ErrConversionCanceled, services.ErrConversionFailed, "convert", err)
	}
	out.Name = replaceExt(file.Name, ".mp4")
	return out, nil
}

func (f *FFmpeg) run(ctx context.Context, file File, outName, outContentType string, args []string, onProgress ProgressFunc) (File, error) {
	if len(file.Data) == 0 {
		return File{}, errors.New("ffmpeg: empty input")
	}
	inPath, cleanup, err := stageTemp(file)
	if err != nil {
		return File{}, err
	}
	defer cleanup()
	outPath := filepath.Join(filepath.Dir(inPath), outName)

	duration := f.probeDuration(ctx, inPath)

	binary := strings.TrimSpace(f.Binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	cmdArgs := []string{"-y", "-nostats", "-progress", "pipe:1", "-i", inPath}
	cmdArgs = append(cmdArgs, args...)
	cmdArgs = append(cmdArgs, outPath)

	cmd := exec.CommandContext(ctx, binary, cmdArgs...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return File{}, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return File{}, fmt.Errorf("start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		reportProgress(scanner.Text(), duration, onProgress)
	}

	if err := cmd.Wait(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 400 {
			detail = detail[len(detail)-400:]
		}
		return File{}, fmt.Errorf("ffmpeg: %w: %s", err, detail)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return File{}, fmt.Errorf("read ffmpeg output: %w", err)
	}
	if onProgress != nil {
		onProgress(1)
	}
	return File{Name: outName, ContentType: outContentType, Data: data}, nil
}

func (f *FFmpeg) probeDuration(ctx context.Context, path string) float64 {
	result, err := inspect(ctx, f.ProbeBinary, path)
	if err != nil {
		return 0
	}
	return classify(result).DurationSeconds
}

// reportProgress parses ffmpeg -progress key=value lines and emits a ratio
// against the probed duration.
func reportProgress(line string, durationSeconds float64, onProgress ProgressFunc) {
	if onProgress == nil || durationSeconds <= 0 {
		return
	}
	key, value, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found || key != "out_time_us" {
		return
	}
	micros, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || micros < 0 {
		return
	}
	ratio := (float64(micros) / 1e6) / durationSeconds
	if ratio > 1 {
		ratio = 1
	}
	onProgress(ratio)
}

func mapTransformErr(ctx context.Context, cancelMarker, failMarker error, operation string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return services.Wrap(cancelMarker, "media", operation, "transform aborted", err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return services.Wrap(failMarker, "media", operation, "transform deadline exceeded", err)
	default:
		return err
	}
}

func replaceExt(name, ext string) string {
	base := filepath.Base(name)
	if base == "" || base == "." {
		return "output" + ext
	}
	trimmed := strings.TrimSuffix(base, filepath.Ext(base))
	return trimmed + ext
}
