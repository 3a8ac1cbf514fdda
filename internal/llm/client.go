package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nugget/furina/internal/httpkit"
)

// DefaultModel is used when a backend config names none.
const DefaultModel = "deepseek-chat"

// ClientConfig describes one OpenAI-compatible chat-completion endpoint.
type ClientConfig struct {
	URL    string // full chat-completions URL
	APIKey string
	Model  string
}

// Request is one chat-completion exchange.
type Request struct {
	Messages  []Message
	Tools     []openai.Tool
	MaxTokens int
}

// Response is a complete, non-streamed assistant reply.
type Response struct {
	Message      Message
	FinishReason string
	Usage        openai.Usage
}

type wireRequest struct {
	Model     string                         `json:"model"`
	MaxTokens int                            `json:"max_tokens,omitempty"`
	Stream    bool                           `json:"stream"`
	Messages  []openai.ChatCompletionMessage `json:"messages"`
	Tools     []openai.Tool                  `json:"tools,omitempty"`
}

// Client sends requests to a chat-completion backend.
type Client struct {
	url        string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a backend client. The HTTP client has no overall
// timeout because streamed responses stay open; callers bound each
// exchange through the context.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		url:   cfg.URL,
		model: model,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithBearerToken(cfg.APIKey),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("backend", cfg.URL, "model", model),
	}
}

// Model returns the model name sent with every request.
func (c *Client) Model() string { return c.model }

// Stream starts a streamed exchange. The caller must Close the returned
// Decoder.
func (c *Client) Stream(ctx context.Context, req Request) (*Decoder, error) {
	resp, err := c.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return NewDecoder(resp.Body, c.logger), nil
}

// Complete performs a non-streamed exchange.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var wire openai.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(wire.Choices) == 0 {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: errors.New("response has no choices")}
	}

	choice := wire.Choices[0]
	out := &Response{
		Message:      fromWire(choice.Message),
		FinishReason: string(choice.FinishReason),
		Usage:        wire.Usage,
	}
	c.logger.Debug("response received",
		"finish_reason", out.FinishReason,
		"prompt_tokens", wire.Usage.PromptTokens,
		"completion_tokens", wire.Usage.CompletionTokens,
		"tool_calls", len(out.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", out.Message.Content)
	return out, nil
}

func (c *Client) do(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	body := wireRequest{
		Model:     c.model,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
		Messages:  toWire(req.Messages),
		Tools:     req.Tools,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("sending request",
		"messages", len(req.Messages),
		"tools", len(req.Tools),
		"stream", stream,
		"max_tokens", req.MaxTokens,
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("backend error", "status", resp.StatusCode, "body", errBody)
		return nil, &TransportError{StatusCode: resp.StatusCode, Body: errBody}
	}
	return resp, nil
}
