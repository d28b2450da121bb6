package tts

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lokutor-ai/lokutor-duplex/pkg/audio"
	"github.com/lokutor-ai/lokutor-duplex/pkg/orchestrator"
)

// SoVITSConfig holds the inference fields of a GPT-SoVITS api_v2 /tts call.
type SoVITSConfig struct {
	Endpoint        string
	Timeout         time.Duration
	InsecureTLS     bool
	TextLang        string
	PromptLang      string
	RefAudioPath    string
	PromptText      string
	TextSplitMethod string
	BatchSize       int
	SpeedFactor     float64
}

func DefaultSoVITSConfig() SoVITSConfig {
	return SoVITSConfig{
		Endpoint:        "http://127.0.0.1:9880/tts",
		Timeout:         120 * time.Second,
		TextLang:        "zh",
		PromptLang:      "zh",
		TextSplitMethod: "cut5",
		BatchSize:       1,
		SpeedFactor:     1.0,
	}
}

// SoVITSTTS calls a remote GPT-SoVITS server and returns WAV audio.
type SoVITSTTS struct {
	cfg    SoVITSConfig
	client *http.Client
}

func NewSoVITSTTS(cfg SoVITSConfig) *SoVITSTTS {
	def := DefaultSoVITSConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.TextSplitMethod == "" {
		cfg.TextSplitMethod = def.TextSplitMethod
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.SpeedFactor <= 0 {
		cfg.SpeedFactor = def.SpeedFactor
	}

	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.InsecureTLS {
		client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return &SoVITSTTS{cfg: cfg, client: client}
}

func (s *SoVITSTTS) Synthesize(ctx context.Context, text string) (orchestrator.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return orchestrator.Audio{}, errors.New("gpt-sovits: text cannot be empty")
	}

	payload := map[string]interface{}{
		"text":              text,
		"text_lang":         s.cfg.TextLang,
		"prompt_lang":       s.cfg.PromptLang,
		"prompt_text":       s.cfg.PromptText,
		"text_split_method": s.cfg.TextSplitMethod,
		"batch_size":        s.cfg.BatchSize,
		"speed_factor":      s.cfg.SpeedFactor,
		"media_type":        "wav",
		"streaming_mode":    false,
	}
	if s.cfg.RefAudioPath != "" {
		payload["ref_audio_path"] = s.cfg.RefAudioPath
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return orchestrator.Audio{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return orchestrator.Audio{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return orchestrator.Audio{}, fmt.Errorf("gpt-sovits request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return orchestrator.Audio{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return orchestrator.Audio{}, fmt.Errorf("gpt-sovits error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	_, info, err := audio.DecodeWAV(data)
	if err != nil {
		return orchestrator.Audio{}, fmt.Errorf("gpt-sovits: %w", err)
	}
	return orchestrator.Audio{Data: data, SampleRate: info.SampleRate, Format: orchestrator.FormatWAV}, nil
}

func (s *SoVITSTTS) Name() string {
	return "gpt-sovits"
}
