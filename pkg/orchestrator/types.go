package orchestrator

import (
	"context"
	"time"
)

type Logger interface {
	Debug(msg string, args ...interface{})

	Info(msg string, args ...interface{})

	Warn(msg string, args ...interface{})

	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// Listener blocks until one utterance has been captured. A detected speech
// onset is reported on onsets before the utterance is returned.
type Listener interface {
	Listen(ctx context.Context, onsets chan<- SpeechOnset) (Utterance, error)
}

type Recognizer interface {
	Transcribe(ctx context.Context, u Utterance) (Transcription, error)
	Name() string
}

// Generator streams a reply. The returned channel is closed when the reply
// ends or ctx is cancelled. Implementations should check token between
// chunks and stop early once it fires.
type Generator interface {
	Stream(ctx context.Context, history []Message, token *CancelToken) (<-chan Delta, error)
	Name() string
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
	Name() string
}

// RenderFunc fills out (interleaved float32, frames*channels samples). It
// runs on the audio driver's thread and must not block.
type RenderFunc = func(out []float32, frames, channels int)

type OutputDevice interface {
	Start(sampleRate, channels int, render RenderFunc) error
	Stop() error
}

type VADProvider interface {
	Process(chunk []byte) (*VADEvent, error)
	Reset()
	Clone() VADProvider
	Name() string
}

type VADEventType string

const (
	VADSpeechStart VADEventType = "SPEECH_START"
	VADSpeechEnd   VADEventType = "SPEECH_END"
	VADSilence     VADEventType = "SILENCE"
)

type VADEvent struct {
	Type      VADEventType
	Timestamp int64
}

// SpeechOnset is sent on the control channel when the user starts talking.
type SpeechOnset struct {
	At time.Time
}

// Utterance is one captured stretch of mono PCM16 little-endian speech.
type Utterance struct {
	PCM        []byte
	SampleRate int
}

func (u Utterance) Duration() time.Duration {
	if u.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(u.PCM)/2) * time.Second / time.Duration(u.SampleRate)
}

type Transcription struct {
	Text     string
	Language string
	Backend  string
}

// Delta is one streamed piece of generated text. Err is set on the last
// delta when the stream failed.
type Delta struct {
	Text  string
	Final bool
	Err   error
}

type AudioFormat string

const (
	FormatWAV    AudioFormat = "wav"
	FormatPCMS16 AudioFormat = "pcm_s16le"
	FormatPCMF32 AudioFormat = "pcm_f32le"
)

// Audio is synthesized speech. SampleRate applies to the raw PCM formats;
// WAV carries its own.
type Audio struct {
	Data       []byte
	SampleRate int
	Format     AudioFormat
}

type Language string

const (
	LanguageEn Language = "en"
	LanguageEs Language = "es"
	LanguageFr Language = "fr"
	LanguageDe Language = "de"
	LanguageJa Language = "ja"
	LanguageZh Language = "zh"
)

type Voice string

const (
	VoiceF1 Voice = "F1"
	VoiceF2 Voice = "F2"
	VoiceM1 Voice = "M1"
	VoiceM2 Voice = "M2"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TextChunk travels from generation to synthesis.
type TextChunk struct {
	GenerationID GenerationID
	ReplyID      uint64
	Index        int
	Text         string
	QueuedAt     time.Time
}

// AudioSegment travels from synthesis to playback.
type AudioSegment struct {
	GenerationID  GenerationID
	ReplyID       uint64
	Index         int
	Audio         Audio
	TextLen       int
	SynthDuration time.Duration
}

type State string

const (
	StateIdle        State = "IDLE"
	StateCapturing   State = "CAPTURING"
	StateRecognizing State = "RECOGNIZING"
	StateGenerating  State = "GENERATING"
	StateSpeaking    State = "SPEAKING"
)

type EventType string

const (
	StateChanged    EventType = "STATE_CHANGED"
	UserSpeaking    EventType = "USER_SPEAKING"
	TranscriptFinal EventType = "TRANSCRIPT_FINAL"
	BotThinking     EventType = "BOT_THINKING"
	SegmentQueued   EventType = "SEGMENT_QUEUED"
	SegmentReady    EventType = "SEGMENT_READY"
	SegmentPlayed   EventType = "SEGMENT_PLAYED"
	SegmentDropped  EventType = "SEGMENT_DROPPED"
	// BotResponse carries the committed assistant reply in Text
	BotResponse EventType = "BOT_RESPONSE"
	Interrupted EventType = "INTERRUPTED"
	ErrorEvent  EventType = "ERROR"
)

// OrchestratorEvent is read-only telemetry. Fields that do not apply to an
// event type are left zero.
type OrchestratorEvent struct {
	Type       EventType     `json:"type"`
	SessionID  string        `json:"session_id"`
	Generation GenerationID  `json:"generation,omitempty"`
	ReplyID    uint64        `json:"reply_id,omitempty"`
	Segment    int           `json:"segment,omitempty"`
	State      State         `json:"state,omitempty"`
	Text       string        `json:"text,omitempty"`
	Language   string        `json:"language,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Err        error         `json:"-"`
	At         time.Time     `json:"at"`
}

type Config struct {
	SystemPrompt string
	// MaxTurns bounds the history to the system turn plus this many
	// user/assistant pairs.
	MaxTurns       int
	QueueCapacity  int
	PopTimeout     time.Duration
	MinUtterance   time.Duration
	OutputChannels int
	Segmenter      SegmenterConfig
	EventBuffer    int
	STTTimeout     time.Duration
	LLMTimeout     time.Duration
	TTSTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		SystemPrompt:   "You are a helpful and concise voice assistant. Use short sentences suitable for speech. Do not use markdown.",
		MaxTurns:       10,
		QueueCapacity:  12,
		PopTimeout:     200 * time.Millisecond,
		MinUtterance:   time.Second,
		OutputChannels: 1,
		Segmenter:      DefaultSegmenterConfig(),
		EventBuffer:    256,
		STTTimeout:     30 * time.Second,
		LLMTimeout:     60 * time.Second,
		TTSTimeout:     30 * time.Second,
	}
}
