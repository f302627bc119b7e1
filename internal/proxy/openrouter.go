package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "https://openrouter.ai/api/v1"
	defaultTimeout   = 60 * time.Second
	streamingTimeout = 300 * time.Second
	maxRetries       = 3
	initialBackoff   = 500 * time.Millisecond
	maxEventSize     = 1 << 20
)

// Client communicates with the OpenRouter API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	referer    string
	title      string
}

// NewClient creates an OpenRouter client with the given API key.
func NewClient(apiKey string) *Client {
	// No client-wide timeout; each request carries its own deadline.
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
		referer:    "https://github.com/kalambet/folio",
		title:      "folio",
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	c := NewClient(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// Chat sends a chat completion request and returns the response body as a
// ReadCloser. For streaming requests the body contains SSE events; the caller
// is responsible for closing it. For non-streaming requests the body contains
// the complete JSON response.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	timeout := defaultTimeout
	if req.Stream {
		timeout = streamingTimeout
	}

	var lastErr error
	for attempt := range maxRetries {
		rc, err := c.doChat(ctx, body, timeout)
		if err == nil {
			return rc, nil
		}

		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

func (c *Client) doChat(ctx context.Context, body []byte, timeout time.Duration) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		cancel()
		return nil, &rateLimitError{status: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	// Wrap the body so the timeout context cancel is called when the caller closes it.
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// buildRequest marshals messages and the optional extra request fields
// such as temperature or response_format.
func buildRequest(model string, messages []Message, extra map[string]any) (ChatRequest, error) {
	msgs, err := json.Marshal(messages)
	if err != nil {
		return ChatRequest{}, fmt.Errorf("marshaling messages: %w", err)
	}
	req := ChatRequest{Model: model, Messages: msgs}
	if len(extra) > 0 {
		req.Extra = make(map[string]json.RawMessage, len(extra))
		for k, v := range extra {
			b, err := json.Marshal(v)
			if err != nil {
				return ChatRequest{}, fmt.Errorf("marshaling %s: %w", k, err)
			}
			req.Extra[k] = b
		}
	}
	return req, nil
}

// Complete runs a non-streaming chat completion and decodes the first
// choice with the token usage OpenRouter reports.
func (c *Client) Complete(ctx context.Context, model string, messages []Message, extra map[string]any) (Completion, error) {
	req, err := buildRequest(model, messages, extra)
	if err != nil {
		return Completion{}, err
	}

	rc, err := c.Chat(ctx, req)
	if err != nil {
		return Completion{}, err
	}
	defer rc.Close()

	var resp completionResponse
	if err := json.NewDecoder(rc).Decode(&resp); err != nil {
		return Completion{}, fmt.Errorf("decoding completion: %w", err)
	}
	if resp.Error != nil {
		return Completion{}, fmt.Errorf("completion error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("completion returned no choices")
	}
	return Completion{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// Stream runs a streaming chat completion. Each content delta is passed to
// onDelta as it arrives (onDelta may be nil) and the assembled text is
// returned with the usage from the final chunk. A stream that ends without
// the [DONE] marker is an error.
func (c *Client) Stream(ctx context.Context, model string, messages []Message, extra map[string]any, onDelta func(string)) (Completion, error) {
	req, err := buildRequest(model, messages, extra)
	if err != nil {
		return Completion{}, err
	}
	req.Stream = true
	if req.Extra == nil {
		req.Extra = make(map[string]json.RawMessage, 1)
	}
	req.Extra["stream_options"] = json.RawMessage(`{"include_usage":true}`)

	rc, err := c.Chat(ctx, req)
	if err != nil {
		return Completion{}, err
	}
	defer rc.Close()

	var (
		out  Completion
		text strings.Builder
		done bool
	)
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	for sc.Scan() {
		line := sc.Text()
		// Blank lines separate events; lines starting with ':' are keep-alive comments.
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			done = true
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return Completion{}, fmt.Errorf("decoding stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return Completion{}, fmt.Errorf("completion error: %s", chunk.Error.Message)
		}
		if out.ID == "" {
			out.ID, out.Model = chunk.ID, chunk.Model
		}
		if chunk.Usage != nil {
			out.InputTokens = chunk.Usage.PromptTokens
			out.OutputTokens = chunk.Usage.CompletionTokens
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content == "" {
				continue
			}
			text.WriteString(ch.Delta.Content)
			if onDelta != nil {
				onDelta(ch.Delta.Content)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return Completion{}, fmt.Errorf("reading stream: %w", err)
	}
	if !done {
		return Completion{}, fmt.Errorf("stream ended before completion")
	}
	out.Content = text.String()
	return out, nil
}

// ListModels returns the list of available models from OpenRouter.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}

	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}
