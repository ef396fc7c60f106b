// Package openai adapts any OpenAI-compatible chat completions endpoint to
// the generation.Provider contract.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/phrazzld/synopsis/internal/generation"
)

// Name is the provider name jobs use to select this client.
const Name = "openai"

// maxErrorBody caps how much of an error response is kept for the message.
const maxErrorBody = 4 << 10

// Client implements generation.Provider over HTTP.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

var _ generation.Provider = (*Client)(nil)

// NewClient builds a client. An empty API key is a configuration error.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: openai API key cannot be empty", generation.ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger.With("component", "openai", "model", cfg.Model),
	}, nil
}

// Name implements generation.Provider.
func (c *Client) Name() string {
	return Name
}

type chatRequest struct {
	Model          string          `json:"model"`
	Temperature    float32         `json:"temperature"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Complete sends one chat completion request.
func (c *Client) Complete(ctx context.Context, req generation.Request) generation.Result {
	start := time.Now()

	body := chatRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
	}
	if req.JSONOutput {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := c.post(ctx, endpoint, body)
	if err != nil {
		c.log.Warn("openai.complete.http_error",
			"template_id", req.TemplateID,
			"error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return generation.Classify(err)
	}

	var cc chatResponse
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.log.Warn("openai.complete.decode_error",
			"template_id", req.TemplateID, "error", err, "raw_bytes", len(raw))
		return generation.Rejected{Err: fmt.Errorf("%w: decode response: %v", generation.ErrInvalidResponse, err)}
	}
	if len(cc.Choices) == 0 {
		return generation.Rejected{Err: fmt.Errorf("%w: no choices in response", generation.ErrInvalidResponse)}
	}

	choice := cc.Choices[0]
	if choice.FinishReason == "content_filter" {
		return generation.Rejected{Err: fmt.Errorf("%w: finish reason content_filter", generation.ErrContentBlocked)}
	}
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return generation.Rejected{Err: fmt.Errorf("%w: empty content", generation.ErrInvalidResponse)}
	}

	c.log.Debug("openai.complete.ok",
		"template_id", req.TemplateID,
		"tokens", cc.Usage.TotalTokens,
		"elapsed_ms", time.Since(start).Milliseconds())
	return generation.Success{Content: content, TokensUsed: cc.Usage.TotalTokens}
}

func (c *Client) post(ctx context.Context, url string, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", generation.ErrInvalidConfig, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", generation.ErrInvalidConfig, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: openai http error: %v", generation.ErrTransient, err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.log.Warn("openai response body close error", "error", err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, statusError(resp.StatusCode, msg)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", generation.ErrTransient, err)
	}
	return raw, nil
}

// statusError maps a non-2xx response to a generation sentinel.
func statusError(status int, body []byte) error {
	var er errorResponse
	_ = json.Unmarshal(body, &er)
	detail := er.Error.Message
	if detail == "" {
		detail = strings.TrimSpace(string(body))
	}
	base := fmt.Sprintf("openai status %d: %s", status, detail)

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", generation.ErrQuotaExceeded, base)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", generation.ErrProviderAuth, base)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", generation.ErrInvalidConfig, base)
	case status == http.StatusRequestTimeout || status >= 500:
		return fmt.Errorf("%w: %s", generation.ErrTransient, base)
	case status >= 400:
		return fmt.Errorf("%w: %s", generation.ErrInvalidResponse, base)
	default:
		return errors.New(base)
	}
}
