package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/kitmage/jarvipy/internal/announce"
	"github.com/kitmage/jarvipy/internal/conversation"
	"github.com/kitmage/jarvipy/internal/llm/mock"
	"github.com/kitmage/jarvipy/internal/resilience"
	"github.com/kitmage/jarvipy/internal/vision"
)

func fastPolicy() resilience.Policy {
	return resilience.Policy{Base: time.Millisecond, Factor: 2, Max: 2 * time.Millisecond, MaxAttempts: 3}
}

func TestAnnouncePrompt(t *testing.T) {
	req := announce.Request{
		Detections: []vision.Detection{
			{Label: "cat", Confidence: 0.82},
			{Label: "person", Confidence: 0.41},
		},
		LocalTime:            time.Date(2024, 5, 1, 14, 20, 0, 0, time.UTC),
		PreviousEventSummary: "seen:cat:0.80",
	}
	got := AnnouncePrompt(req)
	for _, want := range []string{"cat:0.82, person:0.41", "2024-05-01T14:20:00Z", "Previous event: seen:cat:0.80"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt %q missing %q", got, want)
		}
	}
}

func TestAnnouncePromptNoDetections(t *testing.T) {
	got := AnnouncePrompt(announce.Request{PreviousEventSummary: "none"})
	if !strings.HasPrefix(got, "Objects: none\n") {
		t.Errorf("prompt = %q", got)
	}
}

func TestHistory(t *testing.T) {
	msgs := History([]conversation.Exchange{
		{UserText: "hi", AssistantText: "Hello."},
		{UserText: "tell me a story"},
		{UserText: "weather?", AssistantText: "Sunny."},
	})
	want := []Message{
		{RoleUser, "hi"},
		{RoleAssistant, "Hello."},
		{RoleUser, "tell me a story"},
		{RoleUser, "weather?"},
		{RoleAssistant, "Sunny."},
	}
	if len(msgs) != len(want) {
		t.Fatalf("len = %d, want %d", len(msgs), len(want))
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("msg %d = %+v, want %+v", i, msgs[i], want[i])
		}
	}
}

func TestGuardRetriesRecoverableAnnounceErrors(t *testing.T) {
	backend := &mock.Backend{
		AnnounceErrs:     []error{resilience.ErrLLMService},
		AnnounceResponse: `{"say":"A cat.","priority":"normal"}`,
	}
	g := NewGuard(backend, resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "llm"}), fastPolicy())

	got, err := g.CompleteAnnounce(context.Background(), announce.Request{})
	if err != nil {
		t.Fatalf("CompleteAnnounce: %v", err)
	}
	if got != backend.AnnounceResponse {
		t.Errorf("response = %q", got)
	}
	if calls, _ := backend.Calls(); len(calls) != 2 {
		t.Errorf("calls = %d, want 2", len(calls))
	}
}

func TestGuardOpensBreaker(t *testing.T) {
	backend := &mock.Backend{AnnounceErr: resilience.ErrLLMService}
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "llm", MaxFailures: 2, ResetTimeout: time.Hour})
	g := NewGuard(backend, breaker, fastPolicy())

	_, err := g.CompleteAnnounce(context.Background(), announce.Request{})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen after the breaker trips", err)
	}
	if calls, _ := backend.Calls(); len(calls) != 2 {
		t.Errorf("backend calls = %d, want 2", len(calls))
	}

	if _, err := g.StreamReply(context.Background(), "hi", nil); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("StreamReply err = %v, want ErrCircuitOpen", err)
	}
}

func TestGuardStreamsTokens(t *testing.T) {
	backend := &mock.Backend{StreamTokens: []string{"Hello", " there."}}
	g := NewGuard(backend, resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "llm"}), fastPolicy())

	history := []conversation.Exchange{{UserText: "a", AssistantText: "b"}}
	s, err := g.StreamReply(context.Background(), "hi", history)
	if err != nil {
		t.Fatalf("StreamReply: %v", err)
	}
	defer s.Close()

	var got strings.Builder
	for {
		tok, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got.WriteString(tok)
	}
	if got.String() != "Hello there." {
		t.Errorf("text = %q", got.String())
	}
	if _, calls := backend.Calls(); len(calls) != 1 || len(calls[0].History) != 1 {
		t.Errorf("stream calls = %+v", calls)
	}
}
