package tts

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/lokutor-duplex/pkg/orchestrator"
)

// LokutorSampleRate is the rate of the PCM16 mono audio Lokutor streams back.
const LokutorSampleRate = 44100

// LokutorTTS synthesizes over a persistent Lokutor websocket. Binary frames
// carry audio, a text "EOS" ends a request and "ERR:..." reports a failure.
type LokutorTTS struct {
	apiKey string
	host   string
	scheme string
	voice  orchestrator.Voice
	lang   orchestrator.Language
	speed  float64
	steps  int

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewLokutorTTS(apiKey string, voice orchestrator.Voice, lang orchestrator.Language) *LokutorTTS {
	if voice == "" {
		voice = orchestrator.VoiceF1
	}
	if lang == "" {
		lang = orchestrator.LanguageEn
	}
	return &LokutorTTS{
		apiKey: apiKey,
		host:   "api.lokutor.com",
		scheme: "wss",
		voice:  voice,
		lang:   lang,
		speed:  1.0,
		steps:  6,
	}
}

func (t *LokutorTTS) getConn(ctx context.Context) (*websocket.Conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}

	u := url.URL{Scheme: t.scheme, Host: t.host, Path: "/ws", RawQuery: "api_key=" + url.QueryEscape(t.apiKey)}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lokutor: %w", err)
	}
	conn.SetReadLimit(10 * 1024 * 1024)

	t.conn = conn
	return conn, nil
}

// Synthesize collects a full segment of PCM16 audio.
func (t *LokutorTTS) Synthesize(ctx context.Context, text string) (orchestrator.Audio, error) {
	var pcm []byte
	err := t.StreamSynthesize(ctx, text, func(chunk []byte) error {
		pcm = append(pcm, chunk...)
		return nil
	})
	if err != nil {
		return orchestrator.Audio{}, err
	}
	return orchestrator.Audio{Data: pcm, SampleRate: LokutorSampleRate, Format: orchestrator.FormatPCMS16}, nil
}

// StreamSynthesize hands audio chunks to onChunk as they arrive. The
// connection is dropped on any error so the next call redials; cancelling
// ctx closes the socket and unblocks the read.
func (t *LokutorTTS) StreamSynthesize(ctx context.Context, text string, onChunk func([]byte) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, err := t.getConn(ctx)
	if err != nil {
		return err
	}

	req := map[string]interface{}{
		"text":    text,
		"voice":   string(t.voice),
		"lang":    string(t.lang),
		"speed":   t.speed,
		"steps":   t.steps,
		"visemes": false,
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.dropLocked("failed to write json")
		return fmt.Errorf("failed to send synthesis request: %w", err)
	}

	for {
		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			t.dropLocked("failed to read")
			return fmt.Errorf("failed to read from lokutor: %w", err)
		}

		switch messageType {
		case websocket.MessageBinary:
			if err := onChunk(payload); err != nil {
				t.dropLocked("consumer error")
				return err
			}
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return nil
			}
			if strings.HasPrefix(msg, "ERR:") {
				return fmt.Errorf("lokutor error: %s", strings.TrimSpace(msg[4:]))
			}
		}
	}
}

func (t *LokutorTTS) Name() string {
	return "lokutor"
}

func (t *LokutorTTS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close(websocket.StatusNormalClosure, "")
		t.conn = nil
		return err
	}
	return nil
}

func (t *LokutorTTS) dropLocked(reason string) {
	if t.conn != nil {
		t.conn.Close(websocket.StatusAbnormalClosure, reason)
		t.conn = nil
	}
}
