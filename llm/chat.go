package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the OpenAI-compatible API root used when none is configured.
	DefaultBaseURL = "https://api.openai.com/v1"
	// DefaultModel is the model requested when none is configured.
	DefaultModel = "gpt-4o-mini"
)

// ErrNoChoices is returned when the backend answers 2xx with no completion.
var ErrNoChoices = errors.New("chat completion returned no choices")

// APIError is returned for non-2xx responses from the chat backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat backend returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("chat backend returned HTTP %d: %s", e.StatusCode, e.Message)
}

// ChatConfig configures a ChatClient.
type ChatConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerSecond float64
}

// ChatClient asks questions of an OpenAI-compatible chat completions endpoint.
type ChatClient struct {
	model   string
	resty   *resty.Client
	limiter *rate.Limiter
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewChatClient creates a chat completions client from cfg.
// Zero fields fall back to DefaultBaseURL, DefaultModel and a two minute timeout.
func NewChatClient(cfg ChatConfig) *ChatClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	// Pooled transport from retryablehttp; retries themselves are resty's.
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil

	restyClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(1*time.Second).
		SetRetryMaxWaitTime(30*time.Second).
		SetHeader("User-Agent", "chap-fuse/1.0").
		SetTransport(retryClient.HTTPClient.Transport)
	if cfg.APIKey != "" {
		restyClient.SetAuthToken(cfg.APIKey)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &ChatClient{
		model:   cfg.Model,
		resty:   restyClient,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Model returns the model name sent with every request.
func (c *ChatClient) Model() string {
	return c.model
}

// Ask sends the session's messages plus query and returns the first choice's content.
func (c *ChatClient) Ask(ctx context.Context, session *Session, query string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var result chatResponse
	var apiErr errorResponse
	resp, err := c.resty.R().
		SetContext(ctx).
		SetHeader("X-Request-Id", uuid.NewString()).
		SetBody(chatRequest{Model: c.model, Messages: session.Messages(query)}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if resp.IsError() {
		msg := apiErr.Error.Message
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return "", &APIError{StatusCode: resp.StatusCode(), Message: msg}
	}
	if len(result.Choices) == 0 {
		return "", ErrNoChoices
	}
	return result.Choices[0].Message.Content, nil
}
