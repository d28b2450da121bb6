package llm

import (
	"context"
	"fmt"
	"net/http"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/lokutor-ai/lokutor-duplex/pkg/orchestrator"
)

// Base URLs of OpenAI-compatible chat endpoints.
const (
	OpenAIBaseURL    = "https://api.openai.com/v1/"
	GroqBaseURL      = "https://api.groq.com/openai/v1/"
	DashScopeBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1/"
	GeminiBaseURL    = "https://generativelanguage.googleapis.com/v1beta/openai/"
)

// OpenAILLM streams chat completions from any OpenAI-compatible endpoint.
type OpenAILLM struct {
	client      oai.Client
	model       string
	name        string
	temperature float64
	maxTokens   int
}

type config struct {
	baseURL     string
	httpClient  *http.Client
	maxRetries  int
	name        string
	temperature float64
	maxTokens   int
}

type Option func(*config)

func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithMaxRetries overrides the client's retry count. Negative keeps the
// library default.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

func WithTemperature(t float64) Option {
	return func(c *config) { c.temperature = t }
}

func WithMaxTokens(n int) Option {
	return func(c *config) { c.maxTokens = n }
}

func NewOpenAILLM(apiKey string, model string, opts ...Option) *OpenAILLM {
	if model == "" {
		model = "gpt-4o-mini"
	}
	cfg := &config{name: "openai-llm", maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &OpenAILLM{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		name:        cfg.name,
		temperature: cfg.temperature,
		maxTokens:   cfg.maxTokens,
	}
}

// Stream starts a streaming completion. The stream stops at the first chunk
// observed after token is cancelled.
func (l *OpenAILLM) Stream(ctx context.Context, history []orchestrator.Message, token *orchestrator.CancelToken) (<-chan orchestrator.Delta, error) {
	params, err := l.buildParams(history)
	if err != nil {
		return nil, err
	}

	stream := l.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	ch := make(chan orchestrator.Delta, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			if token.Cancelled() {
				return
			}
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			d := orchestrator.Delta{Text: choice.Delta.Content, Final: choice.FinishReason != ""}
			if d.Text == "" && !d.Final {
				continue
			}
			select {
			case ch <- d:
			case <-ctx.Done():
				return
			case <-token.Done():
				return
			}
			if d.Final {
				return
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil && !token.Cancelled() {
			select {
			case ch <- orchestrator.Delta{Final: true, Err: fmt.Errorf("openai: stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func (l *OpenAILLM) Name() string {
	return l.name
}

func (l *OpenAILLM) buildParams(history []orchestrator.Message) (oai.ChatCompletionNewParams, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(history))
	for _, m := range history {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(l.model),
		Messages: messages,
	}
	if l.temperature != 0 {
		params.Temperature = param.NewOpt(l.temperature)
	}
	if l.maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(l.maxTokens))
	}
	return params, nil
}

func convertMessage(m orchestrator.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case orchestrator.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case orchestrator.RoleUser:
		return oai.UserMessage(m.Content), nil
	case orchestrator.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		asst.Content.OfString = oai.String(m.Content)
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}
