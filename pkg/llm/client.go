// Package llm talks to OpenAI-compatible and Anthropic chat endpoints,
// falling back across the provider chain the router resolves.
package llm

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

	"github.com/rs/zerolog"

	"github.com/ted-keystonepartners/tevor/pkg/config"
	"github.com/ted-keystonepartners/tevor/pkg/models"
	"github.com/ted-keystonepartners/tevor/pkg/router"
)

const (
	anthropicVersion       = "2023-06-01"
	defaultAnthropicTokens = 1024
)

var (
	// ErrNoProviders is returned when the router has nothing to try.
	ErrNoProviders = router.ErrNoProviders
	// ErrUpstream wraps the last failure once every route has been tried.
	ErrUpstream = errors.New("upstream request failed")
)

// CompletionRequest is a provider-neutral chat completion request. System
// messages may appear anywhere in Messages.
type CompletionRequest struct {
	Model       string
	Messages    []models.ChatMessage
	MaxTokens   int
	Temperature *float64
}

// CompletionResult is the first choice of a successful completion.
type CompletionResult struct {
	Content  string
	Model    string
	Provider string
	Usage    *models.Usage
}

// Completer generates a chat completion.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}

// Client implements Completer over HTTP.
type Client struct {
	router *router.Router
	http   *http.Client
	log    zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used for failed attempts.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a Client that resolves providers through r.
func New(r *router.Router, opts ...Option) *Client {
	c := &Client{
		router: r,
		http:   http.DefaultClient,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// upstreamResult holds the response from a single upstream attempt.
type upstreamResult struct {
	statusCode int
	body       []byte
}

// Complete tries each resolved route in order. Transport errors and 5xx
// responses move on to the next route; any other non-200 status stops.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	routes, err := c.router.Resolve(req.Model)
	if err != nil {
		return CompletionResult{}, err
	}

	var lastErr error
	for _, route := range routes {
		path, headers, body, err := buildRequest(route, req, false)
		if err != nil {
			return CompletionResult{}, err
		}

		res, err := c.doUpstreamRequest(ctx, route.Provider.URL, path, headers, body)
		if err != nil {
			if ctx.Err() != nil {
				return CompletionResult{}, fmt.Errorf("%w: %w", ErrUpstream, ctx.Err())
			}
			c.log.Warn().Err(err).Str("provider", route.Provider.Name).Msg("upstream failed, trying next")
			lastErr = fmt.Errorf("%s: %w", route.Provider.Name, err)
			continue
		}
		if res.statusCode >= http.StatusInternalServerError {
			c.log.Warn().Int("status", res.statusCode).Str("provider", route.Provider.Name).Msg("upstream error, trying next")
			lastErr = fmt.Errorf("%s returned %d", route.Provider.Name, res.statusCode)
			continue
		}
		if res.statusCode != http.StatusOK {
			return CompletionResult{}, fmt.Errorf("%w: %s returned %d: %s", ErrUpstream, route.Provider.Name, res.statusCode, snippet(res.body))
		}

		result, err := parseResponse(route, res.body)
		if err != nil {
			return CompletionResult{}, fmt.Errorf("%w: %w", ErrUpstream, err)
		}
		return result, nil
	}

	return CompletionResult{}, fmt.Errorf("%w: %w", ErrUpstream, lastErr)
}

func isAnthropic(p config.ProviderConfig) bool {
	return p.Type == "anthropic"
}

func buildRequest(route router.Route, req CompletionRequest, stream bool) (string, map[string]string, []byte, error) {
	if isAnthropic(route.Provider) {
		areq := models.AnthropicRequest{
			Model:       route.Model,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Stream:      stream,
		}
		if areq.MaxTokens <= 0 {
			areq.MaxTokens = defaultAnthropicTokens
		}
		var system []string
		for _, m := range req.Messages {
			if m.Role == "system" {
				system = append(system, m.Content)
				continue
			}
			areq.Messages = append(areq.Messages, m)
		}
		areq.System = strings.Join(system, "\n\n")

		body, err := json.Marshal(areq)
		if err != nil {
			return "", nil, nil, fmt.Errorf("encode request: %w", err)
		}
		headers := map[string]string{
			"x-api-key":         route.Provider.APIKey,
			"anthropic-version": anthropicVersion,
		}
		return "/v1/messages", headers, body, nil
	}

	oreq := models.ChatCompletionRequest{
		Model:       route.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if req.MaxTokens > 0 {
		oreq.MaxTokens = &req.MaxTokens
	}
	body, err := json.Marshal(oreq)
	if err != nil {
		return "", nil, nil, fmt.Errorf("encode request: %w", err)
	}
	headers := map[string]string{}
	if route.Provider.APIKey != "" {
		headers["Authorization"] = "Bearer " + route.Provider.APIKey
	}
	return "/v1/chat/completions", headers, body, nil
}

func parseResponse(route router.Route, body []byte) (CompletionResult, error) {
	if isAnthropic(route.Provider) {
		var resp models.AnthropicResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return CompletionResult{}, fmt.Errorf("decode response: %w", err)
		}
		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		if text.Len() == 0 {
			return CompletionResult{}, fmt.Errorf("%s returned no text", route.Provider.Name)
		}
		result := CompletionResult{
			Content:  text.String(),
			Model:    resp.Model,
			Provider: route.Provider.Name,
		}
		if resp.Usage != nil {
			result.Usage = resp.Usage.ToUsage()
		}
		return result, nil
	}

	var resp models.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return CompletionResult{}, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return CompletionResult{}, fmt.Errorf("%s returned no choices", route.Provider.Name)
	}
	return CompletionResult{
		Content:  resp.Choices[0].Message.Content,
		Model:    resp.Model,
		Provider: route.Provider.Name,
		Usage:    resp.Usage,
	}, nil
}

// doUpstreamRequest posts body to providerURL+path and reads the whole response.
func (c *Client) doUpstreamRequest(ctx context.Context, providerURL, path string, headers map[string]string, body []byte) (*upstreamResult, error) {
	resp, err := c.doUpstreamStreamRequest(ctx, providerURL, path, headers, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &upstreamResult{statusCode: resp.StatusCode, body: respBody}, nil
}

// doUpstreamStreamRequest posts body to providerURL+path and returns the raw
// response. The caller owns resp.Body and must close it.
func (c *Client) doUpstreamStreamRequest(ctx context.Context, providerURL, path string, headers map[string]string, body []byte) (*http.Response, error) {
	target, err := url.Parse(providerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid provider URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(target.String(), "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.http.Do(req)
}

func snippet(body []byte) string {
	const n = 200
	s := strings.TrimSpace(string(body))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
