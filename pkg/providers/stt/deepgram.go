package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/lokutor-ai/lokutor-duplex/pkg/audio"
	"github.com/lokutor-ai/lokutor-duplex/pkg/orchestrator"
)

type DeepgramSTT struct {
	apiKey   string
	url      string
	model    string
	language orchestrator.Language
	client   *http.Client
}

// NewDeepgramSTT uses the prerecorded /v1/listen API. An empty language
// enables Deepgram's language detection.
func NewDeepgramSTT(apiKey string, lang orchestrator.Language) *DeepgramSTT {
	return &DeepgramSTT{
		apiKey:   apiKey,
		url:      "https://api.deepgram.com/v1/listen",
		model:    "nova-2",
		language: lang,
		client:   http.DefaultClient,
	}
}

func (s *DeepgramSTT) Name() string {
	return "deepgram-stt"
}

func (s *DeepgramSTT) Transcribe(ctx context.Context, u orchestrator.Utterance) (orchestrator.Transcription, error) {
	endpoint, err := url.Parse(s.url)
	if err != nil {
		return orchestrator.Transcription{}, err
	}

	params := endpoint.Query()
	params.Set("model", s.model)
	params.Set("smart_format", "true")
	if s.language != "" {
		params.Set("language", string(s.language))
	} else {
		params.Set("detect_language", "true")
	}
	endpoint.RawQuery = params.Encode()

	// a WAV body carries the sample rate, so no encoding params are needed
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(audio.NewWavBuffer(u.PCM, u.SampleRate)))
	if err != nil {
		return orchestrator.Transcription{}, err
	}
	req.Header.Set("Authorization", "Token "+s.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := s.client.Do(req)
	if err != nil {
		return orchestrator.Transcription{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return orchestrator.Transcription{}, fmt.Errorf("deepgram error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Results struct {
			Channels []struct {
				DetectedLanguage string `json:"detected_language"`
				Alternatives     []struct {
					Transcript string `json:"transcript"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return orchestrator.Transcription{}, err
	}

	tr := orchestrator.Transcription{Backend: s.Name(), Language: string(s.language)}
	if len(result.Results.Channels) == 0 || len(result.Results.Channels[0].Alternatives) == 0 {
		return tr, nil
	}
	ch := result.Results.Channels[0]
	tr.Text = ch.Alternatives[0].Transcript
	if ch.DetectedLanguage != "" {
		tr.Language = ch.DetectedLanguage
	}
	return tr, nil
}
