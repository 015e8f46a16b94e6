package fieldlink

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimitedLogger drops repeats within the interval. Used for degradation
// messages that would otherwise fire on every request while storage is bad.
type rateLimitedLogger struct {
	log      zerolog.Logger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
}

func newRateLimitedLogger(log zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warnf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		return
	}
	l.lastAt = now
	l.log.Warn().Msgf(format, args...)
}
