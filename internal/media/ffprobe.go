package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// probeResult represents the parsed output from an ffprobe inspection.
type probeResult struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	Index       int    `json:"index"`
	CodecName   string `json:"codec_name"`
	CodecType   string `json:"codec_type"`
	Duration    string `json:"duration"`
	Channels    int    `json:"channels"`
	Disposition struct {
		AttachedPic int `json:"attached_pic"`
	} `json:"disposition"`
}

type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

// inspect executes ffprobe against the provided path and decodes the JSON
// response.
func inspect(ctx context.Context, binary, path string) (probeResult, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return probeResult{}, fmt.Errorf("ffprobe inspect: %w: %s", err, strings.TrimSpace(string(output)))
	}

	var result probeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return probeResult{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result, nil
}

// playableAudioCodecs lists codecs the players downstream handle without
// conversion. Mirrors the supported-audio set used by the transcript app's
// backend (mp3/wav/aac/ogg/flac/mp4/aiff families).
var playableAudioCodecs = map[string]struct{}{
	"mp3":       {},
	"aac":       {},
	"alac":      {},
	"flac":      {},
	"vorbis":    {},
	"opus":      {},
	"pcm_s16le": {},
	"pcm_s24le": {},
	"pcm_s32le": {},
	"pcm_f32le": {},
	"pcm_u8":    {},
}

// classify turns an ffprobe result into a Probe verdict: any real video
// stream forces conversion, as does an audio codec outside the playable set.
func classify(result probeResult) Probe {
	probe := Probe{ContainerName: result.Format.FormatName}

	for _, stream := range result.Streams {
		switch strings.ToLower(stream.CodecType) {
		case "video":
			if stream.Disposition.AttachedPic == 1 {
				continue // embedded cover art is not video content
			}
			probe.HasVideo = true
		case "audio":
			if probe.CodecName == "" {
				probe.CodecName = strings.ToLower(stream.CodecName)
			}
		}
	}

	probe.DurationSeconds = parseSeconds(result.Format.Duration)
	if probe.DurationSeconds == 0 {
		for _, stream := range result.Streams {
			if seconds := parseSeconds(stream.Duration); seconds > 0 {
				probe.DurationSeconds = seconds
				break
			}
		}
	}

	if probe.HasVideo {
		probe.NeedsConversion = true
		return probe
	}
	if probe.CodecName == "" {
		probe.NeedsConversion = true
		return probe
	}
	_, playable := playableAudioCodecs[probe.CodecName]
	probe.NeedsConversion = !playable
	return probe
}

func parseSeconds(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds < 0 {
		return 0
	}
	return seconds
}

// FFprobeDetector implements Detector by staging the payload to a temp file
// and inspecting it with ffprobe.
type FFprobeDetector struct {
	Binary string
}

// NewFFprobeDetector constructs a detector using the given ffprobe binary.
func NewFFprobeDetector(binary string) *FFprobeDetector {
	return &FFprobeDetector{Binary: binary}
}

func (d *FFprobeDetector) Detect(ctx context.Context, file File) (Probe, error) {
	if len(file.Data) == 0 {
		return Probe{}, errors.New("detect: empty file")
	}
	path, cleanup, err := stageTemp(file)
	if err != nil {
		return Probe{}, err
	}
	defer cleanup()

	result, err := inspect(ctx, d.Binary, path)
	if err != nil {
		return Probe{}, err
	}
	return classify(result), nil
}

func stageTemp(file File) (string, func(), error) {
	dir, err := os.MkdirTemp("", "scribe-media-*")
	if err != nil {
		return "", nil, fmt.Errorf("stage temp dir: %w", err)
	}
	name := filepath.Base(file.Name)
	if name == "" || name == "." {
		name = "input"
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, file.Data, 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return "", nil, fmt.Errorf("stage temp file: %w", err)
	}
	return path, func() { _ = os.RemoveAll(dir) }, nil
}
