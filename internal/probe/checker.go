package probe

import (
	"context"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"google.golang.org/genai"

	"github.com/mixaill76/keypool/internal/config"
	"github.com/mixaill76/keypool/internal/httputil"
)

// Checker verifies that one API key is accepted by its upstream.
type Checker interface {
	Provider() string
	Check(ctx context.Context, key string) error
}

// NewChecker returns the checker for provider. baseURL overrides the
// upstream endpoint and is empty in production.
func NewChecker(provider, model, baseURL string) (Checker, error) {
	client := httputil.NewHTTPClient(nil)
	switch provider {
	case config.ProviderGemini:
		return &GeminiChecker{Model: model, BaseURL: baseURL, HTTPClient: client}, nil
	case config.ProviderAnthropic:
		return &AnthropicChecker{BaseURL: baseURL, HTTPClient: client}, nil
	default:
		return nil, fmt.Errorf("probe: unsupported provider %q", provider)
	}
}

// GeminiChecker counts the tokens of a one-word prompt: the cheapest
// authenticated call of the Gemini API, billed at zero tokens.
type GeminiChecker struct {
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

func (c *GeminiChecker) Provider() string {
	return config.ProviderGemini
}

func (c *GeminiChecker) Check(ctx context.Context, key string) error {
	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.HTTPClient,
	}
	if c.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.BaseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("gemini client: %w", err)
	}

	if _, err := client.Models.CountTokens(ctx, c.Model, genai.Text("ping"), nil); err != nil {
		return fmt.Errorf("gemini count tokens: %w", err)
	}
	return nil
}

// AnthropicChecker lists models, which needs a valid key but no tokens.
type AnthropicChecker struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (c *AnthropicChecker) Provider() string {
	return config.ProviderAnthropic
}

func (c *AnthropicChecker) Check(ctx context.Context, key string) error {
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	}
	if c.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.BaseURL))
	}
	if c.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(c.HTTPClient))
	}

	client := anthropic.NewClient(opts...)
	if _, err := client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return fmt.Errorf("anthropic list models: %w", err)
	}
	return nil
}
