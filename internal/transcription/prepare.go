package transcription

import (
	"mime"
	"path/filepath"
	"strings"
)

// uploadableAudioMimes lists content types the transcription service accepts
// without extraction.
var uploadableAudioMimes = map[string]struct{}{
	"audio/mpeg": {},
	"audio/wav":  {},
	"audio/aac":  {},
	"audio/ogg":  {},
	"audio/flac": {},
	"audio/mp4":  {},
	"audio/aiff": {},
}

// canonicalAudioMime collapses the common aliases browsers report for mp3
// and wav payloads.
func canonicalAudioMime(contentType string) string {
	value := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.IndexByte(value, ';'); idx >= 0 {
		value = strings.TrimSpace(value[:idx])
	}
	switch value {
	case "audio/mp3", "audio/x-mp3", "audio/mpeg3":
		return "audio/mpeg"
	case "audio/x-wav":
		return "audio/wav"
	case "audio/x-m4a", "audio/m4a":
		return "audio/mp4"
	case "audio/x-aiff":
		return "audio/aiff"
	}
	return value
}

// guessMime falls back to the filename extension when no content type was
// reported.
func guessMime(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	return canonicalAudioMime(mime.TypeByExtension(ext))
}

// needsExtraction reports whether the payload must go through the audio
// extraction transform before upload: anything with video, and any audio
// outside the uploadable set.
func needsExtraction(name, contentType string) bool {
	value := canonicalAudioMime(contentType)
	if value == "" {
		value = guessMime(name)
	}
	if strings.HasPrefix(value, "video/") {
		return true
	}
	_, ok := uploadableAudioMimes[value]
	return !ok
}
