package llm

import (
	"context"
	"fmt"

	"github.com/kitmage/jarvipy/internal/announce"
	"github.com/kitmage/jarvipy/internal/conversation"
	"github.com/kitmage/jarvipy/internal/resilience"
)

// Backend is what every LLM client provides.
type Backend interface {
	announce.Completer
	conversation.Streamer
	Close() error
}

// Guard puts a circuit breaker in front of a backend. Announce completions
// are retried on recoverable errors; stream opens are not, the turn timeout
// already bounds them.
type Guard struct {
	backend Backend
	breaker *resilience.CircuitBreaker
	policy  resilience.Policy
}

func NewGuard(backend Backend, breaker *resilience.CircuitBreaker, policy resilience.Policy) *Guard {
	return &Guard{backend: backend, breaker: breaker, policy: policy}
}

func (g *Guard) CompleteAnnounce(ctx context.Context, req announce.Request) (string, error) {
	var out string
	err := resilience.Retry(ctx, "llm_announce", g.policy, func() error {
		return g.breaker.Execute(func() error {
			text, err := g.backend.CompleteAnnounce(ctx, req)
			if err != nil {
				return err
			}
			out = text
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("announce completion: %w", err)
	}
	return out, nil
}

func (g *Guard) StreamReply(ctx context.Context, userText string, history []conversation.Exchange) (conversation.TokenStream, error) {
	var stream conversation.TokenStream
	err := g.breaker.Execute(func() error {
		s, err := g.backend.StreamReply(ctx, userText, history)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open reply stream: %w", err)
	}
	return stream, nil
}

func (g *Guard) Close() error {
	return g.backend.Close()
}
