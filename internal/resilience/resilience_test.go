package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kitmage/jarvipy/internal/clock"
)

var errOther = errors.New("bad request")

func fastPolicy(attempts int) Policy {
	return Policy{Base: time.Millisecond, Factor: 2, Max: 4 * time.Millisecond, MaxAttempts: attempts}
}

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrCameraDisconnected, true},
		{fmt.Errorf("open /dev/video0: %w", ErrCameraDisconnected), true},
		{fmt.Errorf("speaker: %w", ErrAudioDeviceUnavailable), true},
		{fmt.Errorf("gemini: %w", ErrLLMService), true},
		{ErrSTTService, true},
		{ErrHealthCheckFailed, false},
		{errOther, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsRecoverable(tt.err); got != tt.want {
			t.Errorf("IsRecoverable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetrySucceedsAfterRecoverableFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "camera_open", fastPolicy(5), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("read frame: %w", ErrCameraDisconnected)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "llm", fastPolicy(3), func() error {
		calls++
		return ErrLLMService
	})
	if !errors.Is(err, ErrLLMService) {
		t.Errorf("err = %v, want ErrLLMService", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "llm", fastPolicy(5), func() error {
		calls++
		return errOther
	})
	if !errors.Is(err, errOther) {
		t.Errorf("err = %v, want errOther", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, "mic", Policy{Base: time.Hour, Factor: 2, Max: time.Hour, MaxAttempts: 5}, func() error {
		calls++
		cancel()
		return ErrAudioDeviceUnavailable
	})
	if err == nil {
		t.Fatal("Retry succeeded after cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cb := NewCircuitBreaker(BreakerConfig{Name: "llm", MaxFailures: 3, ResetTimeout: 10 * time.Second, Clock: clk})

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return ErrLLMService })
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	if err := cb.Execute(func() error { called = true; return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn called while open")
	}

	clk.Advance(10 * time.Second)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != BreakerClosed {
		t.Errorf("state = %v, want closed after successful probe", cb.State())
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cb := NewCircuitBreaker(BreakerConfig{Name: "llm", MaxFailures: 1, ResetTimeout: time.Second, Clock: clk})

	_ = cb.Execute(func() error { return ErrLLMService })
	clk.Advance(time.Second)
	_ = cb.Execute(func() error { return ErrLLMService })

	if cb.State() != BreakerOpen {
		t.Errorf("state = %v, want open", cb.State())
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "llm", MaxFailures: 2})
	_ = cb.Execute(func() error { return ErrLLMService })
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return ErrLLMService })
	if cb.State() != BreakerClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}
