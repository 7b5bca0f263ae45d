// Package gemini is the Google Gemini LLM backend.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/kitmage/jarvipy/internal/announce"
	"github.com/kitmage/jarvipy/internal/conversation"
	"github.com/kitmage/jarvipy/internal/llm"
	"github.com/kitmage/jarvipy/internal/resilience"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	roleUser  = "user"
	roleModel = "model"
)

type Client struct {
	client *genai.Client
	model  string
}

func New(ctx context.Context, apiKey, model string) (*Client, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Client{
		client: client,
		model:  model,
	}, nil
}

// CompleteAnnounce returns the raw model text; the announce gate parses it.
func (c *Client) CompleteAnnounce(ctx context.Context, req announce.Request) (string, error) {
	genModel := c.client.GenerativeModel(c.model)
	prompt := llm.AnnounceInstructions + "\n\n" + llm.AnnouncePrompt(req)

	resp, err := genModel.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w: %w", resilience.ErrLLMService, err)
	}

	text := responseText(resp)
	if text == "" {
		return "", fmt.Errorf("gemini returned no text: %w", resilience.ErrLLMService)
	}

	log.Debug().
		Str("model", c.model).
		Int("response_length", len(text)).
		Msg("Announce completion received")

	return text, nil
}

// StreamReply opens a streaming chat seeded with the session history.
func (c *Client) StreamReply(ctx context.Context, userText string, history []conversation.Exchange) (conversation.TokenStream, error) {
	genModel := c.client.GenerativeModel(c.model)
	chat := genModel.StartChat()
	chat.History = buildHistory(history)

	iter := chat.SendMessageStream(ctx, genai.Text(userText))
	return &stream{iter: iter}, nil
}

// buildHistory carries the instructions as an opening exchange, followed by
// the session memory.
func buildHistory(history []conversation.Exchange) []*genai.Content {
	contents := []*genai.Content{
		{Role: roleUser, Parts: []genai.Part{genai.Text(llm.ConversationInstructions)}},
		{Role: roleModel, Parts: []genai.Part{genai.Text("Understood.")}},
	}
	for _, m := range llm.History(history) {
		role := roleUser
		if m.Role == llm.RoleAssistant {
			role = roleModel
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	return contents
}

type stream struct {
	iter *genai.GenerateContentResponseIterator
}

func (s *stream) Recv() (string, error) {
	for {
		resp, err := s.iter.Next()
		if errors.Is(err, iterator.Done) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("gemini stream: %w: %w", resilience.ErrLLMService, err)
		}
		if text := responseText(resp); text != "" {
			return text, nil
		}
	}
}

func (s *stream) Close() error {
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}

func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
