package modelclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a per-process OpenAI/OpenRouter-compatible chat-completion
// client. It holds only immutable configuration and is safe for concurrent
// use by many sessions at once.
type Client struct {
	apiKey      string
	baseURL     string
	refererURL  string
	appTitle    string
	httpClient  *http.Client
	streamClient *http.Client
}

// Config configures a Client.
type Config struct {
	APIKey     string
	BaseURL    string // default "https://openrouter.ai/api/v1"
	RefererURL string // HTTP-Referer attribution header
	AppTitle   string // X-Title attribution header
	Timeout    time.Duration // default 30s; applies to buffered calls only
}

// New creates a Client from cfg.
func New(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		refererURL: cfg.RefererURL,
		appTitle:   cfg.AppTitle,
		httpClient: &http.Client{Timeout: timeout},
		// Streaming responses legitimately run longer than the buffered
		// timeout; context cancellation is still honored.
		streamClient: &http.Client{Timeout: 0},
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Model string `json:"model"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) buildRequest(ctx context.Context, body chatRequest) (*http.Request, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("modelclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("modelclient: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.refererURL != "" {
		req.Header.Set("HTTP-Referer", c.refererURL)
	}
	if c.appTitle != "" {
		req.Header.Set("X-Title", c.appTitle)
	}
	return req, nil
}

// Complete returns the full assistant content after the model finishes.
func (c *Client) Complete(ctx context.Context, opts CompleteOpts) (*CompleteResult, error) {
	return withRetry(ctx, "modelclient.Complete", func() (*CompleteResult, error) {
		return c.completeOnce(ctx, opts)
	})
}

func (c *Client) completeOnce(ctx context.Context, opts CompleteOpts) (*CompleteResult, error) {
	start := time.Now()

	body := chatRequest{
		Model:       opts.Model,
		Messages:    opts.Messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	req, err := c.buildRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &ModelTransportError{Kind: ErrCancelled, Err: ctx.Err()}
		}
		return nil, &ModelTransportError{Kind: ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ModelTransportError{Kind: ErrTransport, Err: fmt.Errorf("read response: %w", err)}
	}

	if err := statusError(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &ModelTransportError{Kind: ErrTransport, StatusCode: resp.StatusCode, BodyExcerpt: excerpt(string(respBody), 200), Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Error != nil {
		return nil, &ModelTransportError{Kind: ErrTransport, StatusCode: resp.StatusCode, BodyExcerpt: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return nil, &ModelTransportError{Kind: ErrTransport, StatusCode: resp.StatusCode, BodyExcerpt: "empty choices"}
	}

	return &CompleteResult{
		Content:   parsed.Choices[0].Message.Content,
		ModelUsed: firstNonEmpty(parsed.Model, opts.Model),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// CompleteStream yields a lazy finite sequence of text deltas over textCh,
// closing both channels when the stream ends. Cancelling ctx terminates the
// stream immediately without waiting for the remote to close. On error, any
// text already sent on textCh remains the caller's partial progress; the
// error value itself also carries that partial text for convenience.
func (c *Client) CompleteStream(ctx context.Context, opts CompleteOpts) (<-chan string, <-chan error) {
	textCh := make(chan string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(textCh)
		defer close(errCh)

		var partial strings.Builder

		body := chatRequest{
			Model:       opts.Model,
			Messages:    opts.Messages,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
			Stream:      true,
		}

		req, err := c.buildRequest(ctx, body)
		if err != nil {
			errCh <- err
			return
		}

		resp, err := c.streamClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				errCh <- &ModelTransportError{Kind: ErrCancelled, Partial: partial.String(), Err: ctx.Err()}
				return
			}
			errCh <- &ModelTransportError{Kind: ErrTransport, Partial: partial.String(), Err: err}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			if mte := statusError(resp.StatusCode, respBody); mte != nil {
				if asMte, ok := mte.(*ModelTransportError); ok {
					asMte.Partial = partial.String()
				}
				errCh <- mte
				return
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				errCh <- &ModelTransportError{Kind: ErrCancelled, Partial: partial.String(), Err: ctx.Err()}
				return
			default:
			}

			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue // skip malformed SSE frames
			}
			if chunk.Error != nil {
				errCh <- &ModelTransportError{Kind: ErrTransport, BodyExcerpt: chunk.Error.Message, Partial: partial.String()}
				return
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				delta := chunk.Choices[0].Delta.Content
				partial.WriteString(delta)
				select {
				case textCh <- delta:
				case <-ctx.Done():
					errCh <- &ModelTransportError{Kind: ErrCancelled, Partial: partial.String(), Err: ctx.Err()}
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			errCh <- &ModelTransportError{Kind: ErrTransport, Partial: partial.String(), Err: fmt.Errorf("read stream: %w", err)}
		}
	}()

	return textCh, errCh
}

func statusError(status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &ModelTransportError{Kind: ErrAuth, StatusCode: status, BodyExcerpt: excerpt(string(body), 200)}
	case status == http.StatusTooManyRequests:
		return &ModelTransportError{Kind: ErrRateLimit, StatusCode: status, BodyExcerpt: excerpt(string(body), 200)}
	default:
		return &ModelTransportError{Kind: ErrTransport, StatusCode: status, BodyExcerpt: excerpt(string(body), 200)}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
