package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"mindmeld/internal/domain"
)

// Generator is the subset of genai.Models used by Client.
// *genai.Models satisfies this interface.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// Client adapts the Gemini API to plain prompt-in, text-out calls.
type Client struct {
	models     Generator
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithModels replaces the genai backend, mostly for tests.
func WithModels(g Generator) Option {
	return func(c *Client) {
		c.models = g
	}
}

func NewClient(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini: api key must not be empty")
	}
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	if c.models != nil {
		return c, nil
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.httpClient,
	}
	if c.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}
	gc, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	c.models = gc.Models
	return c, nil
}

func (c *Client) Generate(ctx context.Context, gen domain.Generation) (string, error) {
	if strings.TrimSpace(gen.Model) == "" {
		return "", errors.New("gemini: model must not be empty")
	}

	resp, err := c.models.GenerateContent(ctx, gen.Model, genai.Text(gen.Prompt), generationConfig(gen))
	if err != nil {
		return "", fmt.Errorf("gemini: generate content: %w", err)
	}
	if resp == nil {
		return "", nil
	}
	return resp.Text(), nil
}

// GenerateStream yields the text of each streamed response in arrival order.
// Iteration ends at the first upstream error, which is yielded last.
func (c *Client) GenerateStream(ctx context.Context, gen domain.Generation) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if strings.TrimSpace(gen.Model) == "" {
			yield("", errors.New("gemini: model must not be empty"))
			return
		}
		for resp, err := range c.models.GenerateContentStream(ctx, gen.Model, genai.Text(gen.Prompt), generationConfig(gen)) {
			if err != nil {
				yield("", fmt.Errorf("gemini: stream content: %w", err))
				return
			}
			if resp == nil {
				continue
			}
			if !yield(resp.Text(), nil) {
				return
			}
		}
	}
}

func generationConfig(gen domain.Generation) *genai.GenerateContentConfig {
	if gen.Temperature == nil {
		return nil
	}
	return &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(*gen.Temperature)),
	}
}
