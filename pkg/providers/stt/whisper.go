package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/lokutor-ai/lokutor-duplex/pkg/audio"
	"github.com/lokutor-ai/lokutor-duplex/pkg/orchestrator"
)

const (
	GroqTranscriptionsURL   = "https://api.groq.com/openai/v1/audio/transcriptions"
	OpenAITranscriptionsURL = "https://api.openai.com/v1/audio/transcriptions"
)

// WhisperSTT talks to any OpenAI-compatible /audio/transcriptions endpoint:
// OpenAI, Groq, or a local whisper.cpp server.
type WhisperSTT struct {
	apiKey   string
	url      string
	model    string
	language orchestrator.Language
	name     string
	client   *http.Client
}

type WhisperOption func(*WhisperSTT)

// WithLanguage pins the spoken language instead of letting the server detect it.
func WithLanguage(lang orchestrator.Language) WhisperOption {
	return func(s *WhisperSTT) { s.language = lang }
}

func WithHTTPClient(c *http.Client) WhisperOption {
	return func(s *WhisperSTT) { s.client = c }
}

func WithName(name string) WhisperOption {
	return func(s *WhisperSTT) { s.name = name }
}

func NewWhisperSTT(apiKey, url, model string, opts ...WhisperOption) *WhisperSTT {
	if url == "" {
		url = GroqTranscriptionsURL
	}
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	s := &WhisperSTT{
		apiKey: apiKey,
		url:    url,
		model:  model,
		name:   "whisper-stt",
		client: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewGroqSTT is a WhisperSTT against Groq's hosted endpoint.
func NewGroqSTT(apiKey, model string, opts ...WhisperOption) *WhisperSTT {
	return NewWhisperSTT(apiKey, GroqTranscriptionsURL, model, append([]WhisperOption{WithName("groq-stt")}, opts...)...)
}

// NewOpenAISTT is a WhisperSTT against OpenAI.
func NewOpenAISTT(apiKey, model string, opts ...WhisperOption) *WhisperSTT {
	if model == "" {
		model = "whisper-1"
	}
	return NewWhisperSTT(apiKey, OpenAITranscriptionsURL, model, append([]WhisperOption{WithName("openai-stt")}, opts...)...)
}

func (s *WhisperSTT) Transcribe(ctx context.Context, u orchestrator.Utterance) (orchestrator.Transcription, error) {
	wavData := audio.NewWavBuffer(u.PCM, u.SampleRate)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("model", s.model); err != nil {
		return orchestrator.Transcription{}, err
	}
	if err := writer.WriteField("response_format", "verbose_json"); err != nil {
		return orchestrator.Transcription{}, err
	}
	if s.language != "" {
		if err := writer.WriteField("language", string(s.language)); err != nil {
			return orchestrator.Transcription{}, err
		}
	}

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return orchestrator.Transcription{}, err
	}
	if _, err := io.Copy(part, bytes.NewReader(wavData)); err != nil {
		return orchestrator.Transcription{}, err
	}
	if err := writer.Close(); err != nil {
		return orchestrator.Transcription{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, body)
	if err != nil {
		return orchestrator.Transcription{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return orchestrator.Transcription{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return orchestrator.Transcription{}, fmt.Errorf("%s error (status %d): %s", s.name, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return orchestrator.Transcription{}, err
	}

	lang := result.Language
	if lang == "" {
		lang = string(s.language)
	}
	return orchestrator.Transcription{
		Text:     strings.TrimSpace(result.Text),
		Language: lang,
		Backend:  s.name,
	}, nil
}

func (s *WhisperSTT) Name() string {
	return s.name
}
