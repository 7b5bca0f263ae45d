// Package mock provides a test double for the LLM backends.
//
// All response fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/kitmage/jarvipy/internal/announce"
	"github.com/kitmage/jarvipy/internal/conversation"
)

// AnnounceCall records a single CompleteAnnounce invocation.
type AnnounceCall struct {
	Ctx context.Context
	Req announce.Request
}

// StreamCall records a single StreamReply invocation.
type StreamCall struct {
	Ctx      context.Context
	UserText string
	History  []conversation.Exchange
}

// Backend is a mock LLM backend. Zero values return empty results and nil
// errors.
type Backend struct {
	mu sync.Mutex

	// AnnounceResponse is returned by CompleteAnnounce.
	AnnounceResponse string
	// AnnounceErr, if non-nil, is returned by CompleteAnnounce.
	AnnounceErr error
	// AnnounceErrs, if non-empty, are returned by successive calls before
	// AnnounceErr and AnnounceResponse apply.
	AnnounceErrs []error

	// StreamTokens are yielded in order by the returned stream.
	StreamTokens []string
	// StreamErr, if non-nil, is returned by StreamReply.
	StreamErr error
	// RecvErr, if non-nil, ends the stream instead of io.EOF.
	RecvErr error

	AnnounceCalls []AnnounceCall
	StreamCalls   []StreamCall
	Closed        bool
}

func (b *Backend) CompleteAnnounce(ctx context.Context, req announce.Request) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.AnnounceCalls = append(b.AnnounceCalls, AnnounceCall{Ctx: ctx, Req: req})
	if len(b.AnnounceErrs) > 0 {
		err := b.AnnounceErrs[0]
		b.AnnounceErrs = b.AnnounceErrs[1:]
		return "", err
	}
	if b.AnnounceErr != nil {
		return "", b.AnnounceErr
	}
	return b.AnnounceResponse, nil
}

func (b *Backend) StreamReply(ctx context.Context, userText string, history []conversation.Exchange) (conversation.TokenStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.StreamCalls = append(b.StreamCalls, StreamCall{Ctx: ctx, UserText: userText, History: history})
	if b.StreamErr != nil {
		return nil, b.StreamErr
	}
	tokens := make([]string, len(b.StreamTokens))
	copy(tokens, b.StreamTokens)
	return &Stream{ctx: ctx, tokens: tokens, err: b.RecvErr}, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Closed = true
	return nil
}

// Calls returns copies of the recorded calls.
func (b *Backend) Calls() ([]AnnounceCall, []StreamCall) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]AnnounceCall(nil), b.AnnounceCalls...), append([]StreamCall(nil), b.StreamCalls...)
}

// Stream yields fixed tokens, then err or io.EOF.
type Stream struct {
	ctx    context.Context
	tokens []string
	err    error
	closed bool
}

func (s *Stream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if len(s.tokens) > 0 {
		tok := s.tokens[0]
		s.tokens = s.tokens[1:]
		return tok, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *Stream) Close() error {
	s.closed = true
	return nil
}

var (
	_ announce.Completer    = (*Backend)(nil)
	_ conversation.Streamer = (*Backend)(nil)
)
