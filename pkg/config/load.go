package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads and validates the YAML file at path. Fields missing from the
// file keep their Default values.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader decodes YAML from r over Default. Unknown keys are
// rejected. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads .env files into the process environment without replacing
// variables that are already set. Missing files are skipped.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("config: load env: %w", err)
	}
	return nil
}

var apiKeyEnv = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"whisper":    "",
	"groq":       "GROQ_API_KEY",
	"deepgram":   "DEEPGRAM_API_KEY",
	"qwen":       "DASHSCOPE_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"lokutor":    "LOKUTOR_API_KEY",
	"gpt-sovits": "",
}

// KeyEnv returns the environment variable holding the API key for a
// provider name, or "".
func KeyEnv(provider string) string {
	return apiKeyEnv[strings.ToLower(provider)]
}

// ApplyEnv lets STT_PROVIDER, LLM_PROVIDER and TTS_PROVIDER override the
// provider names and fills empty API keys from the provider's variable.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("STT_PROVIDER"); v != "" {
		c.Providers.STT.Name = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.Providers.LLM.Name = v
	}
	if v := os.Getenv("TTS_PROVIDER"); v != "" {
		c.Providers.TTS.Name = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = LogLevel(strings.ToLower(v))
	}
	fill := func(key *string, provider string) {
		if *key != "" {
			return
		}
		if name := KeyEnv(provider); name != "" {
			*key = os.Getenv(name)
		}
	}
	fill(&c.Providers.STT.APIKey, c.Providers.STT.Name)
	fill(&c.Providers.LLM.APIKey, c.Providers.LLM.Name)
	fill(&c.Providers.TTS.APIKey, c.Providers.TTS.Name)
}

var (
	sttProviders = []string{"groq", "openai", "whisper", "deepgram"}
	llmProviders = []string{"openai", "groq", "qwen", "gemini"}
	ttsProviders = []string{"lokutor", "gpt-sovits"}
)

func oneOf(v string, set []string) bool {
	for _, s := range set {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Validate reports every problem found in cfg, joined into one error.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.MaxTurns < 0 {
		errs = append(errs, errors.New("max_turns must not be negative"))
	}
	if cfg.QueueCapacity < 0 {
		errs = append(errs, errors.New("queue_capacity must not be negative"))
	}
	if cfg.MinUtterance < 0 {
		errs = append(errs, errors.New("min_utterance must not be negative"))
	}
	if cfg.OutputChannels < 0 || cfg.OutputChannels > 2 {
		errs = append(errs, fmt.Errorf("output_channels %d is invalid; must be 1 or 2", cfg.OutputChannels))
	}

	cp := cfg.Capture
	if cp.SampleRate < 0 {
		errs = append(errs, errors.New("capture.sample_rate must not be negative"))
	}
	if cp.Threshold < 0 || cp.Threshold > 1 {
		errs = append(errs, fmt.Errorf("capture.threshold %v is out of range [0,1]", cp.Threshold))
	}
	if cp.EchoThreshold < 0 || cp.EchoThreshold > 1 {
		errs = append(errs, fmt.Errorf("capture.echo_threshold %v is out of range [0,1]", cp.EchoThreshold))
	}

	sg := cfg.Segmenter
	if sg.MinChars < 0 {
		errs = append(errs, errors.New("segmenter.min_chars must not be negative"))
	}
	if sg.MaxChars > 0 && sg.MinChars > sg.MaxChars {
		errs = append(errs, fmt.Errorf("segmenter.min_chars %d exceeds max_chars %d", sg.MinChars, sg.MaxChars))
	}
	if sg.MaxWait < 0 {
		errs = append(errs, errors.New("segmenter.max_wait must not be negative"))
	}

	p := cfg.Providers
	if !oneOf(p.STT.Name, sttProviders) {
		errs = append(errs, fmt.Errorf("providers.stt.name %q is unknown; valid values: %s", p.STT.Name, strings.Join(sttProviders, ", ")))
	}
	if !oneOf(p.LLM.Name, llmProviders) {
		errs = append(errs, fmt.Errorf("providers.llm.name %q is unknown; valid values: %s", p.LLM.Name, strings.Join(llmProviders, ", ")))
	}
	if !oneOf(p.TTS.Name, ttsProviders) {
		errs = append(errs, fmt.Errorf("providers.tts.name %q is unknown; valid values: %s", p.TTS.Name, strings.Join(ttsProviders, ", ")))
	}
	if strings.EqualFold(p.TTS.Name, "gpt-sovits") && p.TTS.RefAudioPath == "" {
		errs = append(errs, errors.New("providers.tts.ref_audio_path is required for gpt-sovits"))
	}

	return errors.Join(errs...)
}

// RequireKeys checks that every selected hosted provider has an API key.
// Call it after ApplyEnv.
func (c *Config) RequireKeys() error {
	var errs []error
	check := func(section, provider, key string) {
		if key != "" || KeyEnv(provider) == "" {
			return
		}
		errs = append(errs, fmt.Errorf("providers.%s: no api key; set api_key or %s", section, KeyEnv(provider)))
	}
	check("stt", c.Providers.STT.Name, c.Providers.STT.APIKey)
	check("llm", c.Providers.LLM.Name, c.Providers.LLM.APIKey)
	check("tts", c.Providers.TTS.Name, c.Providers.TTS.APIKey)
	return errors.Join(errs...)
}
