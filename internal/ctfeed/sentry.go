package ctfeed

import (
	"log"
	"math/rand"
	"time"

	"github.com/getsentry/sentry-go"
)

// ConfigureSentry initializes the default Sentry hub if SENTRY_DSN is
// configured in the environment. Returns a flush func that main defers; a
// no-op when Sentry isn't configured.
func ConfigureSentry(dsn string) func() {
	if dsn == "" {
		return func() {}
	}

	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
		log.Printf("sentry: failed to initialize, error reporting disabled: %v", err)
		return func() {}
	}

	return func() { sentry.Flush(2 * time.Second) }
}

// reportFatal sends a fatal-severity event for conditions the supervisor
// cannot recover from (losing the Consul singleton lock, failing to
// connect to the store or initialize its schema on startup).
func reportFatal(err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		sentry.CaptureException(err)
	})
}

// reportBatchError sends a sampled error event when the batcher drops a
// batch. Every failure is logged by the caller already; only a fraction
// are sent to Sentry to avoid flooding it during a sustained database
// outage.
func reportBatchError(err error, sampleRate float64) {
	if rand.Float64() > sampleRate {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		sentry.CaptureException(err)
	})
}
