// Package config loads the agent configuration from YAML, .env files and the
// process environment.
package config

import (
	"time"

	"github.com/lokutor-ai/lokutor-duplex/pkg/orchestrator"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

type Config struct {
	LogLevel    LogLevel `yaml:"log_level"`
	MetricsAddr string   `yaml:"metrics_addr"`

	SystemPrompt   string        `yaml:"system_prompt"`
	MaxTurns       int           `yaml:"max_turns"`
	QueueCapacity  int           `yaml:"queue_capacity"`
	MinUtterance   time.Duration `yaml:"min_utterance"`
	OutputChannels int           `yaml:"output_channels"`

	Capture   CaptureConfig   `yaml:"capture"`
	Segmenter SegmenterConfig `yaml:"segmenter"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Providers ProvidersConfig `yaml:"providers"`
}

type CaptureConfig struct {
	SampleRate    int           `yaml:"sample_rate"`
	Padding       time.Duration `yaml:"padding"`
	Silence       time.Duration `yaml:"silence"`
	MaxUtterance  time.Duration `yaml:"max_utterance"`
	Threshold     float64       `yaml:"threshold"`
	MinConfirmed  int           `yaml:"min_confirmed"`
	EchoThreshold float64       `yaml:"echo_threshold"`
	EchoWindow    time.Duration `yaml:"echo_window"`
}

type SegmenterConfig struct {
	Boundaries string        `yaml:"boundaries"`
	MinChars   int           `yaml:"min_chars"`
	MaxChars   int           `yaml:"max_chars"`
	MaxWait    time.Duration `yaml:"max_wait"`
}

type TimeoutConfig struct {
	STT time.Duration `yaml:"stt"`
	LLM time.Duration `yaml:"llm"`
	TTS time.Duration `yaml:"tts"`
}

type ProvidersConfig struct {
	STT STTConfig `yaml:"stt"`
	LLM LLMConfig `yaml:"llm"`
	TTS TTSConfig `yaml:"tts"`
}

type STTConfig struct {
	Name     string `yaml:"name"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

type LLMConfig struct {
	Name        string  `yaml:"name"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

type TTSConfig struct {
	Name     string `yaml:"name"`
	APIKey   string `yaml:"api_key"`
	Voice    string `yaml:"voice"`
	Language string `yaml:"language"`

	// GPT-SoVITS
	Endpoint     string  `yaml:"endpoint"`
	RefAudioPath string  `yaml:"ref_audio_path"`
	PromptText   string  `yaml:"prompt_text"`
	PromptLang   string  `yaml:"prompt_lang"`
	TextLang     string  `yaml:"text_lang"`
	SpeedFactor  float64 `yaml:"speed_factor"`
	InsecureTLS  bool    `yaml:"insecure_tls"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	oc := orchestrator.DefaultConfig()
	rc := orchestrator.DefaultRecorderConfig()
	return &Config{
		LogLevel:       LogInfo,
		SystemPrompt:   oc.SystemPrompt,
		MaxTurns:       oc.MaxTurns,
		QueueCapacity:  oc.QueueCapacity,
		MinUtterance:   oc.MinUtterance,
		OutputChannels: oc.OutputChannels,
		Capture: CaptureConfig{
			SampleRate:    rc.SampleRate,
			Padding:       rc.Padding,
			Silence:       rc.Silence,
			MaxUtterance:  rc.MaxUtterance,
			Threshold:     rc.Threshold,
			MinConfirmed:  rc.MinConfirmed,
			EchoThreshold: rc.EchoThreshold,
			EchoWindow:    rc.EchoWindow,
		},
		Segmenter: SegmenterConfig{
			Boundaries: oc.Segmenter.Boundaries,
			MinChars:   oc.Segmenter.MinChars,
			MaxChars:   oc.Segmenter.MaxChars,
			MaxWait:    oc.Segmenter.MaxWait,
		},
		Timeouts: TimeoutConfig{STT: oc.STTTimeout, LLM: oc.LLMTimeout, TTS: oc.TTSTimeout},
		Providers: ProvidersConfig{
			STT: STTConfig{Name: "groq"},
			LLM: LLMConfig{Name: "groq"},
			TTS: TTSConfig{Name: "lokutor", Voice: string(orchestrator.VoiceF1), Language: string(orchestrator.LanguageEn)},
		},
	}
}

// ToOrchestrator maps the file settings onto the pipeline config.
func (c *Config) ToOrchestrator() orchestrator.Config {
	return orchestrator.Config{
		SystemPrompt:   c.SystemPrompt,
		MaxTurns:       c.MaxTurns,
		QueueCapacity:  c.QueueCapacity,
		PopTimeout:     orchestrator.DefaultConfig().PopTimeout,
		MinUtterance:   c.MinUtterance,
		OutputChannels: c.OutputChannels,
		Segmenter: orchestrator.SegmenterConfig{
			Boundaries: c.Segmenter.Boundaries,
			MinChars:   c.Segmenter.MinChars,
			MaxChars:   c.Segmenter.MaxChars,
			MaxWait:    c.Segmenter.MaxWait,
		},
		STTTimeout: c.Timeouts.STT,
		LLMTimeout: c.Timeouts.LLM,
		TTSTimeout: c.Timeouts.TTS,
	}
}

func (c *Config) ToRecorder() orchestrator.RecorderConfig {
	return orchestrator.RecorderConfig{
		SampleRate:    c.Capture.SampleRate,
		Padding:       c.Capture.Padding,
		Silence:       c.Capture.Silence,
		MaxUtterance:  c.Capture.MaxUtterance,
		Threshold:     c.Capture.Threshold,
		MinConfirmed:  c.Capture.MinConfirmed,
		EchoThreshold: c.Capture.EchoThreshold,
		EchoWindow:    c.Capture.EchoWindow,
	}
}
