package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
	"github.com/TONresistor/teleton-agent-sub000/internal/metrics"
)

// maxAudioBytes caps how much of a voice note is downloaded.
const maxAudioBytes = 20 << 20

// FileSource resolves a platform file id to a download URL.
type FileSource interface {
	FileURL(fileID string) (string, error)
}

// WhisperConfig configures the Whisper speech-to-text provider.
type WhisperConfig struct {
	APIBase  string // e.g. "https://api.groq.com/openai/v1"
	APIKey   string
	Model    string // "whisper-large-v3" (Groq) or "whisper-1" (OpenAI)
	Language string // optional ISO-639-1 code
	Files    FileSource
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Whisper transcribes voice and audio attachments through an
// OpenAI-compatible /audio/transcriptions endpoint.
type Whisper struct {
	apiBase  string
	apiKey   string
	model    string
	language string
	files    FileSource
	client   *http.Client
	logger   *slog.Logger
}

func NewWhisper(cfg WhisperConfig) (*Whisper, error) {
	if cfg.Files == nil {
		return nil, fmt.Errorf("whisper: file source is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.groq.com/openai/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-large-v3"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Whisper{
		apiBase:  strings.TrimRight(cfg.APIBase, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		language: cfg.Language,
		files:    cfg.Files,
		client:   SharedHTTPClient(cfg.Timeout),
		logger:   cfg.Logger,
	}, nil
}

var _ domain.Transcriber = (*Whisper)(nil)

type transcriptionResult struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Transcribe downloads the attachment and returns its transcript.
func (w *Whisper) Transcribe(ctx context.Context, media domain.Media) (string, error) {
	if !media.Transcribable() {
		return "", fmt.Errorf("media kind %q cannot be transcribed", media.Kind)
	}

	url, err := w.files.FileURL(media.FileID)
	if err != nil {
		return "", fmt.Errorf("resolve file: %w", err)
	}
	audio, err := w.download(ctx, url)
	if err != nil {
		return "", err
	}

	filename := media.FileName
	if filename == "" {
		filename = path.Base(url)
	}
	if filename == "" || filename == "." || filename == "/" {
		filename = "voice.ogg"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("copy audio data: %w", err)
	}
	writer.WriteField("model", w.model)
	writer.WriteField("response_format", "json")
	if w.language != "" {
		writer.WriteField("language", w.language)
	}
	writer.Close()
	payload := body.Bytes()
	contentType := writer.FormDataContentType()

	resp, err := doWithRetry(ctx, w.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.apiBase+"/audio/transcriptions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
		return req, nil
	}, w.logger)
	if err != nil {
		return "", fmt.Errorf("whisper API request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper API: %w", readHTTPError(resp))
	}

	var result transcriptionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode whisper response: %w", err)
	}
	metrics.TranscriptionsTotal.Inc()
	w.logger.Debug("transcription complete",
		"text_len", len(result.Text),
		"language", result.Language,
		"duration", result.Duration,
	)
	return strings.TrimSpace(result.Text), nil
}

func (w *Whisper) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download audio: %w", readHTTPError(resp))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return data, nil
}
