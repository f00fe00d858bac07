package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ted-keystonepartners/tevor/pkg/models"
	"github.com/ted-keystonepartners/tevor/pkg/router"
)

const maxEventSize = 1 << 20

// DeltaFunc receives each piece of generated text as it arrives. Returning
// an error stops the stream.
type DeltaFunc func(text string) error

// Streamer generates a chat completion incrementally.
type Streamer interface {
	Stream(ctx context.Context, req CompletionRequest, fn DeltaFunc) (CompletionResult, error)
}

// Stream is Complete with server-sent events. Routes are tried in the same
// order and with the same rules as Complete, but only until the first route
// answers 200; after that, failures end the stream. The returned result holds
// the concatenated text.
func (c *Client) Stream(ctx context.Context, req CompletionRequest, fn DeltaFunc) (CompletionResult, error) {
	routes, err := c.router.Resolve(req.Model)
	if err != nil {
		return CompletionResult{}, err
	}

	var lastErr error
	for _, route := range routes {
		path, headers, body, err := buildRequest(route, req, true)
		if err != nil {
			return CompletionResult{}, err
		}

		resp, err := c.doUpstreamStreamRequest(ctx, route.Provider.URL, path, headers, body)
		if err != nil {
			if ctx.Err() != nil {
				return CompletionResult{}, fmt.Errorf("%w: %w", ErrUpstream, ctx.Err())
			}
			c.log.Warn().Err(err).Str("provider", route.Provider.Name).Msg("upstream stream failed, trying next")
			lastErr = fmt.Errorf("%s: %w", route.Provider.Name, err)
			continue
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			resp.Body.Close()
			c.log.Warn().Int("status", resp.StatusCode).Str("provider", route.Provider.Name).Msg("upstream error, trying next")
			lastErr = fmt.Errorf("%s returned %d", route.Provider.Name, resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			return CompletionResult{}, fmt.Errorf("%w: %s returned %d: %s", ErrUpstream, route.Provider.Name, resp.StatusCode, snippet(b))
		}

		result, err := readStream(route, resp.Body, fn)
		resp.Body.Close()
		if err != nil {
			return result, fmt.Errorf("%w: %w", ErrUpstream, err)
		}
		return result, nil
	}

	return CompletionResult{}, fmt.Errorf("%w: %w", ErrUpstream, lastErr)
}

// readStream parses an SSE body in the provider's format, passing each text
// delta to fn.
func readStream(route router.Route, body io.Reader, fn DeltaFunc) (CompletionResult, error) {
	result := CompletionResult{Provider: route.Provider.Name}
	var text strings.Builder

	emit := func(delta string) error {
		if delta == "" {
			return nil
		}
		text.WriteString(delta)
		if err := fn(delta); err != nil {
			return fmt.Errorf("deliver chunk: %w", err)
		}
		return nil
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		if isAnthropic(route.Provider) {
			done, err := anthropicEvent(data, &result, emit)
			if err != nil {
				return result, err
			}
			if done {
				break
			}
			continue
		}

		var chunk models.ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Model != "" {
			result.Model = chunk.Model
		}
		if chunk.Usage != nil {
			result.Usage = chunk.Usage
		}
		if len(chunk.Choices) > 0 {
			if err := emit(chunk.Choices[0].Delta.Content); err != nil {
				return result, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("reading stream: %w", err)
	}

	result.Content = text.String()
	if result.Content == "" {
		return result, fmt.Errorf("%s streamed no text", route.Provider.Name)
	}
	return result, nil
}

// anthropicEvent applies one Anthropic event to result. It reports true on
// message_stop.
func anthropicEvent(data string, result *CompletionResult, emit func(string) error) (bool, error) {
	var evt models.AnthropicStreamEvent
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return false, nil
	}

	switch evt.Type {
	case "message_start":
		var msg struct {
			Model string                 `json:"model"`
			Usage *models.AnthropicUsage `json:"usage,omitempty"`
		}
		if err := json.Unmarshal(evt.Message, &msg); err == nil {
			result.Model = msg.Model
			if msg.Usage != nil {
				result.Usage = msg.Usage.ToUsage()
			}
		}
	case "content_block_delta":
		var delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(evt.Delta, &delta); err == nil && delta.Type == "text_delta" {
			return false, emit(delta.Text)
		}
	case "message_delta":
		if evt.Usage != nil {
			if result.Usage == nil {
				result.Usage = &models.Usage{}
			}
			result.Usage.CompletionTokens = evt.Usage.OutputTokens
			result.Usage.TotalTokens = result.Usage.PromptTokens + evt.Usage.OutputTokens
		}
	case "error":
		msg := "stream error"
		if evt.Error != nil {
			msg = evt.Error.Type + ": " + evt.Error.Message
		}
		return false, fmt.Errorf("anthropic %s", msg)
	case "message_stop":
		return true, nil
	}
	return false, nil
}
