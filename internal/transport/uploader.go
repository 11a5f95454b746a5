package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"scribe/internal/config"
	"scribe/internal/jobs"
	"scribe/internal/media"
	"scribe/internal/services"
)

// Request carries the prepared audio and the transcript options for one
// upload.
type Request struct {
	File   media.File
	Params jobs.TranscriptionParams
}

// Result identifies the transcript the service created for an upload.
type Result struct {
	TranscriptID string
	AudioURL     string
}

// Uploader submits prepared audio to the transcription service.
type Uploader interface {
	Upload(ctx context.Context, req Request, onProgress media.ProgressFunc) (Result, error)
}

// HTTPDoer describes the HTTP client used by the transcription transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the HTTP implementation of Uploader.
type Client struct {
	baseURL      string
	apiKey       string
	defaultModel string
	timeout      time.Duration
	client       HTTPDoer
}

// NewClient builds an upload client from configuration.
func NewClient(cfg *config.Config) *Client {
	timeout := time.Duration(cfg.Upload.TimeoutSeconds) * time.Second
	return &Client{
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.Upload.BaseURL), "/"),
		apiKey:       strings.TrimSpace(cfg.Upload.APIKey),
		defaultModel: strings.TrimSpace(cfg.Upload.DefaultModel),
		timeout:      timeout,
		client:       &http.Client{Timeout: timeout},
	}
}

// NewClientWithDoer builds an upload client around a caller-supplied HTTP
// doer, used by tests.
func NewClientWithDoer(baseURL, apiKey, defaultModel string, timeout time.Duration, doer HTTPDoer) *Client {
	return &Client{
		baseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:       strings.TrimSpace(apiKey),
		defaultModel: strings.TrimSpace(defaultModel),
		timeout:      timeout,
		client:       doer,
	}
}

// Upload streams the audio bytes to the service and then submits the
// transcript request. Progress covers the byte transfer; the final request
// is quick by comparison.
func (c *Client) Upload(ctx context.Context, req Request, onProgress media.ProgressFunc) (Result, error) {
	if c == nil || c.client == nil || c.baseURL == "" {
		return Result{}, services.Wrap(services.ErrUploadFailed, "transport", "upload", "upload client is not configured", nil)
	}
	if len(req.File.Data) == 0 {
		return Result{}, services.Wrap(services.ErrUploadFailed, "transport", "upload", "no audio payload to upload", nil)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	audioURL, err := c.uploadBytes(ctx, req.File, onProgress)
	if err != nil {
		return Result{}, c.mapUploadErr(ctx, "upload media", err)
	}

	transcriptID, err := c.createTranscript(ctx, audioURL, req.Params)
	if err != nil {
		return Result{}, c.mapUploadErr(ctx, "create transcript", err)
	}
	return Result{TranscriptID: transcriptID, AudioURL: audioURL}, nil
}

func (c *Client) uploadBytes(ctx context.Context, file media.File, onProgress media.ProgressFunc) (string, error) {
	body := &progressReader{
		reader:     bytes.NewReader(file.Data),
		total:      file.Size(),
		onProgress: onProgress,
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/upload", body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	httpReq.ContentLength = file.Size()
	httpReq.Header.Set("Authorization", c.apiKey)
	contentType := strings.TrimSpace(file.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("post media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("media upload returned %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}

	var payload struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if payload.UploadURL == "" {
		return "", errors.New("upload response missing media URL")
	}
	return payload.UploadURL, nil
}

func (c *Client) createTranscript(ctx context.Context, audioURL string, params jobs.TranscriptionParams) (string, error) {
	model := strings.TrimSpace(params.Model)
	if model == "" {
		model = c.defaultModel
	}
	request := map[string]any{
		"audio_url":    audioURL,
		"speech_model": model,
	}
	if params.Multichannel {
		request["multichannel"] = true
	} else {
		request["speaker_labels"] = true
		if params.SpeakersExpected > 0 {
			request["speakers_expected"] = params.SpeakersExpected
		}
	}

	encoded, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("encode transcript request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/transcript", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("build transcript request: %w", err)
	}
	httpReq.Header.Set("Authorization", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("post transcript request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("transcript request returned %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode transcript response: %w", err)
	}
	if payload.ID == "" {
		return "", errors.New("transcript response missing id")
	}
	return payload.ID, nil
}

func (c *Client) mapUploadErr(ctx context.Context, operation string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return services.Wrap(services.ErrUploadTimeout, "transport", operation,
			"the transcription service did not respond in time", err)
	default:
		return services.Wrap(services.ErrUploadFailed, "transport", operation,
			"the transcription service rejected the upload", err)
	}
}

func readErrorBody(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 512))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// progressReader reports the fraction of the payload consumed by the HTTP
// client as it streams the request body.
type progressReader struct {
	reader     *bytes.Reader
	total      int64
	read       int64
	onProgress media.ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.reader.Read(buf)
	p.read += int64(n)
	if p.onProgress != nil && p.total > 0 {
		ratio := float64(p.read) / float64(p.total)
		if ratio > 1 {
			ratio = 1
		}
		p.onProgress(ratio)
	}
	return n, err
}
