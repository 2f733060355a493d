package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/david/opportunity-pipeline/internal/models"
)

// Provider is the closed set of LLM vendor integrations.
type Provider int

const (
	OpenAI Provider = iota
	DeepSeek
	Anthropic
	Gemini
	Ollama
)

var (
	ErrNoProvider         = errors.New("no AI provider configured")
	ErrMissingCredentials = errors.New("AI provider credentials missing")
)

// ParseProvider maps a stored provider name to its variant.
// Unrecognized names fall back to the OpenAI-compatible shape.
func ParseProvider(name string) Provider {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "deepseek":
		return DeepSeek
	case "anthropic", "claude":
		return Anthropic
	case "gemini", "google":
		return Gemini
	case "ollama":
		return Ollama
	default:
		return OpenAI
	}
}

func (p Provider) String() string {
	switch p {
	case DeepSeek:
		return "deepseek"
	case Anthropic:
		return "anthropic"
	case Gemini:
		return "gemini"
	case Ollama:
		return "ollama"
	default:
		return "openai"
	}
}

// DefaultModel is used when neither the feed nor the stored provider names a model.
func (p Provider) DefaultModel() string {
	switch p {
	case DeepSeek:
		return "deepseek-chat"
	case Anthropic:
		return "claude-3-5-haiku-latest"
	case Gemini:
		return "gemini-1.5-flash"
	case Ollama:
		return "llama3.2:latest"
	default:
		return "gpt-4o-mini"
	}
}

func (p Provider) requiresKey() bool {
	return p != Ollama
}

// Credentials is a fully resolved provider/model/key triple.
type Credentials struct {
	Provider Provider
	Name     string // Name as stored, recorded on the opportunity
	Model    string
	APIKey   string
}

// CredentialSource is the slice of the content store the resolver needs.
// GetProviderCredentials and GetActiveProvider return (nil, nil) when absent.
type CredentialSource interface {
	GetProviderCredentials(ctx context.Context, provider string) (*models.ProviderConfig, error)
	GetActiveProvider(ctx context.Context) (*models.ProviderConfig, error)
}

// ResolveProvider picks the provider for a feed. A feed override uses that
// provider's stored key, with the feed model taking precedence over the
// stored model. Without an override the globally active provider is used.
func ResolveProvider(ctx context.Context, src CredentialSource, overrideProvider, overrideModel string) (Credentials, error) {
	var stored *models.ProviderConfig
	var err error

	overrideProvider = strings.TrimSpace(overrideProvider)
	if overrideProvider != "" {
		stored, err = src.GetProviderCredentials(ctx, overrideProvider)
		if err != nil {
			return Credentials{}, fmt.Errorf("load provider %q: %w", overrideProvider, err)
		}
		if stored == nil {
			return Credentials{}, fmt.Errorf("%w: provider %q is not configured", ErrMissingCredentials, overrideProvider)
		}
	} else {
		stored, err = src.GetActiveProvider(ctx)
		if err != nil {
			return Credentials{}, fmt.Errorf("load active provider: %w", err)
		}
		if stored == nil {
			return Credentials{}, ErrNoProvider
		}
		// Model names are vendor specific, so the feed model only rides along with a feed provider.
		overrideModel = ""
	}

	name := stored.Provider
	if name == "" {
		name = overrideProvider
	}
	creds := Credentials{
		Provider: ParseProvider(name),
		Name:     strings.ToLower(name),
		Model:    stored.Model,
		APIKey:   strings.TrimSpace(stored.APIKey),
	}
	if m := strings.TrimSpace(overrideModel); m != "" {
		creds.Model = m
	}
	if creds.Model == "" {
		creds.Model = creds.Provider.DefaultModel()
	}
	if creds.APIKey == "" && creds.Provider.requiresKey() {
		return Credentials{}, fmt.Errorf("%w: empty API key for %s", ErrMissingCredentials, creds.Name)
	}

	return creds, nil
}
