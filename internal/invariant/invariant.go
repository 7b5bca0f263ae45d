// Package invariant reports programming errors: fatal in debug builds,
// logged and survived in production.
package invariant

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

var strict atomic.Bool

// SetStrict makes violations panic. Enabled by DEBUG_INVARIANTS and in tests.
func SetStrict(on bool) {
	strict.Store(on)
}

// Check reports a violation when ok is false and returns ok.
func Check(ok bool, format string, args ...any) bool {
	if ok {
		return true
	}
	msg := fmt.Sprintf(format, args...)
	if strict.Load() {
		panic("invariant violated: " + msg)
	}
	log.Error().Str("event_type", "invariant_violation").Msg(msg)
	return false
}
