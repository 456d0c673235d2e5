// Package gemini is the single outbound call to the generative model.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"
)

const (
	defaultModel       = "gemini-2.0-flash"
	defaultTimeout     = 20 * time.Second
	defaultTemperature = 0.2
)

// TokenGetter resolves the API key from a secret store.
type TokenGetter interface {
	GetToken(ctx context.Context, name string) (string, error)
}

// Request is one prompt sent to the model.
type Request struct {
	Prompt          string
	MaxOutputTokens int
	Temperature     float64
}

// Completion is the model output plus its accounting metadata.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ProcessingTime   time.Duration
}

// GatewayError is returned for every failed call: transport errors, non-2xx
// responses, timeouts and unusable responses.
type GatewayError struct {
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gemini: upstream status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gemini: %v", e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func (e *GatewayError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the Gemini generateContent API.
type Client struct {
	model      string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration

	apiKey   string
	tokens   TokenGetter
	keyParam string

	mu     sync.Mutex
	models *genai.Models
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

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

// WithTimeout bounds each Generate call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAPIKey sets a static key.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

// WithTokenParameter fetches the key from a secret store on first use.
func WithTokenParameter(tokens TokenGetter, name string) Option {
	return func(c *Client) {
		c.tokens = tokens
		c.keyParam = strings.TrimSpace(name)
	}
}

// NewClient creates a Client. Exactly one key source must be configured.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		model:   defaultModel,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	switch {
	case c.apiKey != "" && c.tokens != nil:
		return nil, errors.New("gemini: configure either an API key or a token parameter, not both")
	case c.apiKey == "" && c.tokens == nil:
		return nil, errors.New("gemini: an API key or token parameter is required")
	case c.tokens != nil && c.keyParam == "":
		return nil, errors.New("gemini: token parameter name must not be empty")
	}
	return c, nil
}

// Model returns the configured model id.
func (c *Client) Model() string {
	return c.model
}

// resolveModels builds the SDK client on first use. A failed key lookup is
// not cached, so the next request retries it.
func (c *Client) resolveModels(ctx context.Context) (*genai.Models, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.models != nil {
		return c.models, nil
	}

	key := c.apiKey
	if key == "" {
		var err error
		key, err = c.tokens.GetToken(ctx, c.keyParam)
		if err != nil {
			return nil, fmt.Errorf("gemini: resolve api key: %w", err)
		}
	}

	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.httpClient,
	}
	if c.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	c.models = client.Models
	return c.models, nil
}

// Generate issues exactly one generateContent call. It does not retry.
func (c *Client) Generate(ctx context.Context, req Request) (Completion, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Completion{}, errors.New("gemini: prompt must not be empty")
	}
	if req.MaxOutputTokens <= 0 {
		return Completion{}, errors.New("gemini: max output tokens must be positive")
	}
	temperature := req.Temperature
	if temperature < 0 {
		temperature = defaultTemperature
	}

	models, err := c.resolveModels(ctx)
	if err != nil {
		return Completion{}, &GatewayError{Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := models.GenerateContent(callCtx, c.model, genai.Text(req.Prompt), &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.MaxOutputTokens),
		Temperature:     genai.Ptr(float32(temperature)),
	})
	elapsed := time.Since(start)
	if err != nil {
		return Completion{}, wrapError(callCtx, err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return Completion{}, &GatewayError{Err: errors.New("no candidates in response")}
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return Completion{}, &GatewayError{Err: errors.New("empty candidate text")}
	}

	return completionFrom(req.Prompt, text, resp.UsageMetadata, elapsed), nil
}

// completionFrom fills token counts from usage metadata, estimating any the
// provider left out.
func completionFrom(prompt, text string, usage *genai.GenerateContentResponseUsageMetadata, elapsed time.Duration) Completion {
	out := Completion{Text: text, ProcessingTime: elapsed}
	if usage != nil {
		out.PromptTokens = int(usage.PromptTokenCount)
		out.CompletionTokens = int(usage.CandidatesTokenCount)
		out.TotalTokens = int(usage.TotalTokenCount)
	}
	if out.TotalTokens > 0 {
		return out
	}
	if out.PromptTokens == 0 {
		out.PromptTokens = EstimateTokens(prompt)
	}
	if out.CompletionTokens == 0 {
		out.CompletionTokens = EstimateTokens(text)
	}
	out.TotalTokens = out.PromptTokens + out.CompletionTokens
	return out
}

// EstimateTokens approximates a token count at four bytes per token.
func EstimateTokens(s string) int {
	return max(1, len(s)/4)
}

func wrapError(ctx context.Context, err error) error {
	ge := &GatewayError{Err: err}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		ge.StatusCode = apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		ge.StatusCode = apiErrPtr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		ge.Timeout = true
	}
	return ge
}
