// Package openai is the LLM backend for OpenAI and OpenAI-compatible
// endpoints.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/kitmage/jarvipy/internal/announce"
	"github.com/kitmage/jarvipy/internal/conversation"
	"github.com/kitmage/jarvipy/internal/llm"
	"github.com/kitmage/jarvipy/internal/resilience"
)

type Client struct {
	client oai.Client
	model  string
}

type config struct {
	baseURL string
	timeout time.Duration
}

type Option func(*config)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

func New(apiKey, model string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries belong to the guard around this client.
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Client{client: oai.NewClient(reqOpts...), model: model}, nil
}

func (c *Client) CompleteAnnounce(ctx context.Context, req announce.Request) (string, error) {
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(llm.AnnounceInstructions),
			oai.UserMessage(llm.AnnouncePrompt(req)),
		},
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w: %w", resilience.ErrLLMService, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in response: %w", resilience.ErrLLMService)
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) StreamReply(ctx context.Context, userText string, history []conversation.Exchange) (conversation.TokenStream, error) {
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: buildMessages(history, userText),
	}

	s := c.client.Chat.Completions.NewStreaming(ctx, params)
	if err := s.Err(); err != nil {
		s.Close()
		return nil, fmt.Errorf("openai: start stream: %w: %w", resilience.ErrLLMService, err)
	}
	return &stream{s: s}, nil
}

func buildMessages(history []conversation.Exchange, userText string) []oai.ChatCompletionMessageParamUnion {
	messages := []oai.ChatCompletionMessageParamUnion{oai.SystemMessage(llm.ConversationInstructions)}
	for _, m := range llm.History(history) {
		if m.Role == llm.RoleAssistant {
			messages = append(messages, oai.AssistantMessage(m.Content))
			continue
		}
		messages = append(messages, oai.UserMessage(m.Content))
	}
	return append(messages, oai.UserMessage(userText))
}

type stream struct {
	s *ssestream.Stream[oai.ChatCompletionChunk]
}

func (s *stream) Recv() (string, error) {
	for s.s.Next() {
		chunk := s.s.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			return text, nil
		}
	}
	if err := s.s.Err(); err != nil {
		return "", fmt.Errorf("openai: stream: %w: %w", resilience.ErrLLMService, err)
	}
	return "", io.EOF
}

func (s *stream) Close() error {
	return s.s.Close()
}

func (c *Client) Close() error {
	return nil
}
