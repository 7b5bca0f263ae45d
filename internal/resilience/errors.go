// Package resilience holds the error taxonomy shared by the device adapters,
// bounded retry with exponential backoff, and a circuit breaker for remote
// services.
package resilience

import "errors"

// Recoverable collaborator failures. Adapters wrap these with %w so callers
// can test with errors.Is.
var (
	ErrCameraDisconnected     = errors.New("camera disconnected")
	ErrAudioDeviceUnavailable = errors.New("audio device unavailable")
	ErrLLMService             = errors.New("llm service error")
	ErrSTTService             = errors.New("stt service error")
)

// ErrHealthCheckFailed marks a failed startup check; it is not recoverable.
var ErrHealthCheckFailed = errors.New("health check failed")

var recoverable = []error{
	ErrCameraDisconnected,
	ErrAudioDeviceUnavailable,
	ErrLLMService,
	ErrSTTService,
}

// IsRecoverable reports whether err is a transient failure worth retrying.
func IsRecoverable(err error) bool {
	for _, target := range recoverable {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
