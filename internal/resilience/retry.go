package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Policy bounds a retry loop: delays grow from Base by Factor up to Max, for
// at most MaxAttempts calls.
type Policy struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{
		Base:        500 * time.Millisecond,
		Factor:      2,
		Max:         5 * time.Second,
		MaxAttempts: 5,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Factor
	b.MaxInterval = p.Max
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Retry calls op until it succeeds, returns a non-recoverable error, the
// attempts run out or ctx is done. The last error is returned.
func Retry(ctx context.Context, name string, p Policy, op func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err != nil && !IsRecoverable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Str("operation", name).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Recoverable failure, retrying")
	})
}
