package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrEmptyResponse = errors.New("vendor returned no text")

const maxErrorBody = 2048

// VendorError is returned for any non-2xx vendor response.
type VendorError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Endpoints holds the base URL of every vendor.
type Endpoints struct {
	OpenAI    string `yaml:"openai"`
	DeepSeek  string `yaml:"deepseek"`
	Anthropic string `yaml:"anthropic"`
	Gemini    string `yaml:"gemini"`
	Ollama    string `yaml:"ollama"`
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		OpenAI:    "https://api.openai.com/v1",
		DeepSeek:  "https://api.deepseek.com",
		Anthropic: "https://api.anthropic.com",
		Gemini:    "https://generativelanguage.googleapis.com",
		Ollama:    "http://localhost:11434",
	}
}

// GatewayConfig tunes the requests sent to every vendor.
type GatewayConfig struct {
	Endpoints        Endpoints
	Temperature      float64
	MaxTokens        int
	AnthropicVersion string
	PromptMaxChars   int
	Timeout          time.Duration
}

// Gateway issues one generation call against the resolved provider.
type Gateway struct {
	cfg    GatewayConfig
	client *http.Client
}

func NewGateway(cfg GatewayConfig, client *http.Client) *Gateway {
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4000
	}
	if cfg.AnthropicVersion == "" {
		cfg.AnthropicVersion = "2023-06-01"
	}
	if cfg.PromptMaxChars == 0 {
		cfg.PromptMaxChars = 5000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second // LLM can be slow
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Gateway{cfg: cfg, client: client}
}

type requestBuilder func(ctx context.Context, creds Credentials, system, user string) (*http.Request, error)
type responseExtractor func(body []byte) (string, error)

// shape selects the wire protocol for a provider.
func (g *Gateway) shape(p Provider) (requestBuilder, responseExtractor) {
	switch p {
	case OpenAI:
		return g.openAIRequest(g.cfg.Endpoints.OpenAI), extractChatCompletion
	case DeepSeek:
		return g.openAIRequest(g.cfg.Endpoints.DeepSeek), extractChatCompletion
	case Anthropic:
		return g.anthropicRequest, extractAnthropic
	case Gemini:
		return g.geminiRequest, extractGemini
	case Ollama:
		return g.ollamaRequest, extractOllama
	default:
		return g.openAIRequest(g.cfg.Endpoints.OpenAI), extractChatCompletion
	}
}

// Generate renders the prompt for one item and returns the vendor's raw text.
func (g *Gateway) Generate(ctx context.Context, in PromptInput, template string, creds Credentials) (string, error) {
	system, user := BuildPrompts(template, in, g.cfg.PromptMaxChars)
	build, extract := g.shape(creds.Provider)

	req, err := build(ctx, creds, system, user)
	if err != nil {
		return "", fmt.Errorf("build %s request: %w", creds.Provider, err)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s request failed: %w", creds.Provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", creds.Provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &VendorError{
			Provider:   creds.Provider.String(),
			StatusCode: resp.StatusCode,
			Body:       truncateRunes(strings.TrimSpace(string(body)), maxErrorBody),
		}
	}

	text, err := extract(body)
	if err != nil {
		return "", fmt.Errorf("decode %s response: %w", creds.Provider, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}

	log.Debug().
		Str("provider", creds.Provider.String()).
		Str("model", creds.Model).
		Int("response_chars", len(text)).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("generation complete")

	return text, nil
}

func newJSONRequest(ctx context.Context, endpoint string, payload any) (*http.Request, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// OpenAI-compatible chat completions (OpenAI, DeepSeek).

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (g *Gateway) openAIRequest(base string) requestBuilder {
	return func(ctx context.Context, creds Credentials, system, user string) (*http.Request, error) {
		req, err := newJSONRequest(ctx, strings.TrimSuffix(base, "/")+"/chat/completions", chatRequest{
			Model: creds.Model,
			Messages: []chatMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
			Temperature: g.cfg.Temperature,
			MaxTokens:   g.cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+creds.APIKey)
		return req, nil
	}
}

func extractChatCompletion(body []byte) (string, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// Anthropic messages API.

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system"`
	Messages  []chatMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (g *Gateway) anthropicRequest(ctx context.Context, creds Credentials, system, user string) (*http.Request, error) {
	req, err := newJSONRequest(ctx, strings.TrimSuffix(g.cfg.Endpoints.Anthropic, "/")+"/v1/messages", anthropicRequest{
		Model:     creds.Model,
		MaxTokens: g.cfg.MaxTokens,
		System:    system,
		Messages:  []chatMessage{{Role: "user", Content: user}},
	})
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", creds.APIKey)
	req.Header.Set("anthropic-version", g.cfg.AnthropicVersion)
	return req, nil
}

func extractAnthropic(body []byte) (string, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if len(resp.Content) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Content[0].Text, nil
}

// Gemini generateContent. The key travels as a query parameter.

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (g *Gateway) geminiRequest(ctx context.Context, creds Credentials, system, user string) (*http.Request, error) {
	payload := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: system + "\n\n" + user}}}},
	}
	payload.GenerationConfig.Temperature = g.cfg.Temperature
	payload.GenerationConfig.MaxOutputTokens = g.cfg.MaxTokens

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimSuffix(g.cfg.Endpoints.Gemini, "/"),
		url.PathEscape(creds.Model),
		url.QueryEscape(creds.APIKey),
	)
	return newJSONRequest(ctx, endpoint, payload)
}

func extractGemini(body []byte) (string, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

// Ollama /api/generate, non-streaming.

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (g *Gateway) ollamaRequest(ctx context.Context, creds Credentials, system, user string) (*http.Request, error) {
	return newJSONRequest(ctx, strings.TrimSuffix(g.cfg.Endpoints.Ollama, "/")+"/api/generate", ollamaGenerateRequest{
		Model:  creds.Model,
		Prompt: system + "\n\n" + user,
		Stream: false,
	})
}

func extractOllama(body []byte) (string, error) {
	var resp ollamaGenerateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	return resp.Response, nil
}
