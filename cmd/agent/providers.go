package main

import (
	"fmt"
	"strings"

	"github.com/lokutor-ai/lokutor-duplex/pkg/config"
	"github.com/lokutor-ai/lokutor-duplex/pkg/orchestrator"
	llmProvider "github.com/lokutor-ai/lokutor-duplex/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/lokutor-duplex/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/lokutor-duplex/pkg/providers/tts"
)

func buildSTT(c config.STTConfig) (orchestrator.Recognizer, error) {
	lang := orchestrator.Language(c.Language)
	var opts []sttProvider.WhisperOption
	if lang != "" {
		opts = append(opts, sttProvider.WithLanguage(lang))
	}

	switch strings.ToLower(c.Name) {
	case "openai":
		return sttProvider.NewOpenAISTT(c.APIKey, c.Model, opts...), nil
	case "whisper":
		// any OpenAI-compatible transcription server, e.g. whisper.cpp
		if c.BaseURL == "" {
			return nil, fmt.Errorf("stt whisper: base_url is required")
		}
		return sttProvider.NewWhisperSTT(c.APIKey, c.BaseURL, c.Model, opts...), nil
	case "deepgram":
		return sttProvider.NewDeepgramSTT(c.APIKey, lang), nil
	case "groq":
		return sttProvider.NewGroqSTT(c.APIKey, c.Model, opts...), nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", c.Name)
	}
}

func buildLLM(c config.LLMConfig) (orchestrator.Generator, error) {
	var (
		baseURL = c.BaseURL
		model   = c.Model
		name    string
	)
	switch strings.ToLower(c.Name) {
	case "openai":
		name = "openai-llm"
		if baseURL == "" {
			baseURL = llmProvider.OpenAIBaseURL
		}
	case "groq":
		name = "groq-llm"
		if baseURL == "" {
			baseURL = llmProvider.GroqBaseURL
		}
		if model == "" {
			model = "llama-3.3-70b-versatile"
		}
	case "qwen":
		name = "qwen-llm"
		if baseURL == "" {
			baseURL = llmProvider.DashScopeBaseURL
		}
		if model == "" {
			model = "qwen-plus"
		}
	case "gemini":
		name = "gemini-llm"
		if baseURL == "" {
			baseURL = llmProvider.GeminiBaseURL
		}
		if model == "" {
			model = "gemini-2.0-flash"
		}
	default:
		return nil, fmt.Errorf("unknown llm provider %q", c.Name)
	}

	opts := []llmProvider.Option{
		llmProvider.WithBaseURL(baseURL),
		llmProvider.WithName(name),
	}
	if c.Temperature > 0 {
		opts = append(opts, llmProvider.WithTemperature(c.Temperature))
	}
	if c.MaxTokens > 0 {
		opts = append(opts, llmProvider.WithMaxTokens(c.MaxTokens))
	}
	return llmProvider.NewOpenAILLM(c.APIKey, model, opts...), nil
}

func buildTTS(c config.TTSConfig) (orchestrator.Synthesizer, error) {
	switch strings.ToLower(c.Name) {
	case "lokutor":
		voice := orchestrator.Voice(c.Voice)
		if voice == "" {
			voice = orchestrator.VoiceF1
		}
		lang := orchestrator.Language(c.Language)
		if lang == "" {
			lang = orchestrator.LanguageEn
		}
		return ttsProvider.NewLokutorTTS(c.APIKey, voice, lang), nil
	case "gpt-sovits":
		sc := ttsProvider.DefaultSoVITSConfig()
		if c.Endpoint != "" {
			sc.Endpoint = c.Endpoint
		}
		if c.TextLang != "" {
			sc.TextLang = c.TextLang
		}
		if c.PromptLang != "" {
			sc.PromptLang = c.PromptLang
		}
		if c.SpeedFactor > 0 {
			sc.SpeedFactor = c.SpeedFactor
		}
		sc.RefAudioPath = c.RefAudioPath
		sc.PromptText = c.PromptText
		sc.InsecureTLS = c.InsecureTLS
		return ttsProvider.NewSoVITSTTS(sc), nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", c.Name)
	}
}
