// Package ai talks to the model providers that drive the agents. Each
// provider is reached through its official Go SDK; callers only see
// AskPrompt.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/bgdnvk/stackcrew/internal/config"
	"github.com/bgdnvk/stackcrew/internal/metrics"
)

// ErrNoAPIKey is returned when no key is configured for the provider.
var ErrNoAPIKey = errors.New("API key not configured")

// Options configures a Client. Zero values fall back to the provider
// defaults in profiles.go.
type Options struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
	Debug     bool
	Log       *zap.Logger
	Metrics   *metrics.Recorder
}

type Client struct {
	provider  string
	model     string
	maxTokens int
	debug     bool
	log       *zap.Logger
	metrics   *metrics.Recorder

	openai    openai.Client
	anthropic anthropic.Client
	gemini    *genai.Client
}

// FromSettings builds a client for the configured provider.
func FromSettings(ctx context.Context, s *config.Settings, log *zap.Logger, rec *metrics.Recorder) (*Client, error) {
	return NewClient(ctx, Options{
		Provider:  s.LLM.Provider,
		Model:     s.LLM.Model,
		APIKey:    s.LLM.APIKey,
		MaxTokens: s.LLM.MaxTokens,
		Debug:     s.Debug,
		Log:       log,
		Metrics:   rec,
	})
}

func NewClient(ctx context.Context, opts Options) (*Client, error) {
	p, err := lookupProfile(opts.Provider)
	if err != nil {
		return nil, err
	}
	key := ResolveAPIKey(p.Name, opts.APIKey)
	if key == "" {
		return nil, fmt.Errorf("%s: %w (set %s)", p.Name, ErrNoAPIKey, strings.Join(p.KeyEnv, " or "))
	}

	c := &Client{
		provider:  p.Name,
		model:     strings.TrimSpace(opts.Model),
		maxTokens: opts.MaxTokens,
		debug:     opts.Debug,
		log:       opts.Log,
		metrics:   opts.Metrics,
	}
	if c.model == "" {
		c.model = p.DefaultModel
	}
	if c.maxTokens <= 0 {
		c.maxTokens = defaultMaxTokens
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}

	switch p.Name {
	case ProviderOpenAI:
		o := []openaioption.RequestOption{openaioption.WithAPIKey(key)}
		if opts.BaseURL != "" {
			o = append(o, openaioption.WithBaseURL(opts.BaseURL), openaioption.WithMaxRetries(0))
		}
		c.openai = openai.NewClient(o...)
	case ProviderAnthropic:
		o := []anthropicoption.RequestOption{anthropicoption.WithAPIKey(key)}
		if opts.BaseURL != "" {
			o = append(o, anthropicoption.WithBaseURL(opts.BaseURL), anthropicoption.WithMaxRetries(0))
		}
		c.anthropic = anthropic.NewClient(o...)
	case ProviderGemini:
		cfg := &genai.ClientConfig{APIKey: key, Backend: genai.BackendGeminiAPI}
		if opts.BaseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
		}
		gc, err := genai.NewClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
		c.gemini = gc
	}
	return c, nil
}

func (c *Client) Provider() string { return c.provider }
func (c *Client) Model() string    { return c.model }

// AskPrompt sends one system + user exchange and returns the text reply.
func (c *Client) AskPrompt(ctx context.Context, system, prompt string) (string, error) {
	start := time.Now()
	var (
		out string
		err error
	)
	switch c.provider {
	case ProviderOpenAI:
		out, err = c.askOpenAI(ctx, system, prompt)
	case ProviderAnthropic:
		out, err = c.askAnthropic(ctx, system, prompt)
	case ProviderGemini:
		out, err = c.askGemini(ctx, system, prompt)
	default:
		err = fmt.Errorf("unsupported provider %q", c.provider)
	}
	d := time.Since(start)
	c.metrics.ObserveLLM(c.provider, c.model, err == nil, d)
	if c.debug {
		c.log.Debug("llm call",
			zap.String("provider", c.provider),
			zap.String("model", c.model),
			zap.Int("prompt_bytes", len(system)+len(prompt)),
			zap.Int("reply_bytes", len(out)),
			zap.Duration("duration", d),
			zap.Error(err),
		)
	}
	return out, err
}

func (c *Client) askOpenAI(ctx context.Context, system, prompt string) (string, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	msgs = append(msgs, openai.UserMessage(prompt))

	resp, err := c.openai.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(c.model),
		Messages:            msgs,
		MaxCompletionTokens: openai.Int(int64(c.maxTokens)),
	})
	if err != nil {
		return "", fmt.Errorf("openai request failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from openai")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) askAnthropic(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Temperature: anthropic.Float(0.1),
	}
	if strings.TrimSpace(system) != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.anthropic.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("no response content from anthropic")
	}
	var b strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", fmt.Errorf("no response content from anthropic")
	}
	return b.String(), nil
}

func (c *Client) askGemini(ctx context.Context, system, prompt string) (string, error) {
	if c.gemini == nil {
		return "", fmt.Errorf("gemini client not initialized")
	}
	cfg := &genai.GenerateContentConfig{MaxOutputTokens: int32(c.maxTokens)}
	if strings.TrimSpace(system) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	content := genai.NewContentFromText(prompt, genai.RoleUser)

	resp, err := c.gemini.Models.GenerateContent(ctx, c.model, []*genai.Content{content}, cfg)
	if err != nil {
		return "", fmt.Errorf("failed to generate content with gemini: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("no response candidates from gemini")
	}

	var result strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			result.WriteString(part.Text)
		}
	}
	return result.String(), nil
}

// ResolveAPIKey picks the key for provider: an explicit key first (which
// may name an env var holding the key), then the provider's env vars.
func ResolveAPIKey(provider, explicit string) string {
	if k := resolveEnvVarKeyPointer(explicit); k != "" {
		return k
	}
	p, err := lookupProfile(provider)
	if err != nil {
		return ""
	}
	for _, name := range p.KeyEnv {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func looksLikeEnvVarName(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 8 {
		return false
	}
	for i, r := range s {
		if i == 0 {
			if r < 'A' || r > 'Z' {
				return false
			}
			continue
		}
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// resolveEnvVarKeyPointer lets a config file say api_key: OPENAI_API_KEY
// instead of embedding the key.
func resolveEnvVarKeyPointer(apiKey string) string {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return ""
	}
	if !looksLikeEnvVarName(apiKey) {
		return apiKey
	}
	if v := strings.TrimSpace(os.Getenv(apiKey)); v != "" {
		return v
	}
	return ""
}

func stripMarkdownCodeFences(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		if strings.HasPrefix(strings.TrimSpace(ln), "```") {
			continue
		}
		out = append(out, ln)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// CleanJSONResponse extracts the first JSON value from an LLM reply. It
// tolerates code fences, leading prose and braces inside strings. When no
// JSON decodes the trimmed reply is returned unchanged.
func CleanJSONResponse(response string) string {
	s := strings.TrimSpace(response)
	if s == "" {
		return s
	}
	s = stripMarkdownCodeFences(s)

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch != '{' && ch != '[' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		dec.UseNumber()
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil {
			if trimmed := strings.TrimSpace(string(raw)); trimmed != "" {
				return trimmed
			}
		}
	}
	return strings.TrimSpace(response)
}
