package proxy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/berrythewa/cadence-proxy/internal/messages"
)

const DefaultPingFailures = 3

// Watchdog pings the library and ends the session after MaxFailures
// consecutive pings go unanswered.
type Watchdog struct {
	d           *Dispatcher
	interval    time.Duration
	maxFailures int
	logger      *zap.Logger
}

// NewWatchdog creates a watchdog. A non-positive interval disables it.
func NewWatchdog(d *Dispatcher, interval time.Duration, maxFailures int, logger *zap.Logger) *Watchdog {
	if maxFailures <= 0 {
		maxFailures = DefaultPingFailures
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watchdog{d: d, interval: interval, maxFailures: maxFailures, logger: logger}
}

// Run pings until ctx is done or the session terminates.
func (w *Watchdog) Run(ctx context.Context) {
	if w.interval <= 0 {
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.d.Terminated():
			return
		case <-ticker.C:
		}

		// nothing to ping before the handshake
		if w.d.Session().ReplyAddress() == "" {
			continue
		}

		if err := w.ping(ctx); err != nil {
			failures++
			w.logger.Warn("Library ping failed",
				zap.Int("consecutive_failures", failures),
				zap.Error(err))
			if failures >= w.maxFailures {
				w.logger.Error("Library is not responding, terminating session",
					zap.Int("failures", failures))
				w.d.Terminate()
				return
			}
			continue
		}
		failures = 0
	}
}

func (w *Watchdog) ping(ctx context.Context) error {
	req, err := w.d.registry.New(messages.TypePingRequest)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, w.interval)
	defer cancel()
	_, err = w.d.Call(ctx, req)
	return err
}
