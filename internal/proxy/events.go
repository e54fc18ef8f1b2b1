package proxy

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/berrythewa/cadence-proxy/internal/messages"
)

// LibraryLoggerName names the logger that records events sent by the library.
// Entries from it, or from any logger beneath it, are never forwarded back.
const LibraryLoggerName = "library"

const defaultEventQueue = 256

type event struct {
	entry  zapcore.Entry
	fields map[string]interface{}
}

// EventForwarder backs a zapcore.Core that forwards proxy log entries at or above
// the level requested in the handshake to the library as LogNotifications.
// Entries are queued and dropped when the queue is full; logging never blocks
// on delivery.
type EventForwarder struct {
	d      atomic.Pointer[Dispatcher]
	logger *zap.Logger
	queue  chan event

	dropped atomic.Int64
}

// NewEventForwarder creates a forwarder. logger receives the forwarder's own
// diagnostics and must not be wrapped with the forwarder itself. Nothing is
// forwarded until a dispatcher is attached.
func NewEventForwarder(logger *zap.Logger, size int) *EventForwarder {
	if size <= 0 {
		size = defaultEventQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventForwarder{logger: logger, queue: make(chan event, size)}
}

// Attach sets the dispatcher events are sent through.
func (f *EventForwarder) Attach(d *Dispatcher) {
	f.d.Store(d)
}

// Core returns the zapcore.Core to tee into the application logger.
func (f *EventForwarder) Core() zapcore.Core {
	return &forwardingCore{f: f}
}

// Dropped returns how many events were discarded because the queue was full.
func (f *EventForwarder) Dropped() int64 { return f.dropped.Load() }

// Run delivers queued events until ctx is done or the session terminates.
// Attach must be called first.
func (f *EventForwarder) Run(ctx context.Context) {
	d := f.d.Load()
	if d == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.Terminated():
			return
		case ev := <-f.queue:
			f.deliver(ctx, d, ev)
		}
	}
}

func (f *EventForwarder) deliver(ctx context.Context, d *Dispatcher, ev event) {
	if d.Session().ReplyAddress() == "" {
		return
	}
	msg, err := d.registry.New(messages.TypeLogNotification)
	if err != nil {
		return
	}
	n := msg.(*messages.LogNotification)
	n.SetLevel(ev.entry.Level.String())
	n.SetMessage(ev.entry.Message)
	n.SetSource(ev.entry.LoggerName)
	n.SetTime(ev.entry.Time)
	if err := n.SetFields(ev.fields); err != nil {
		f.logger.Debug("Dropping event fields", zap.Error(err))
	}

	if err := d.Notify(ctx, n); err != nil {
		f.logger.Debug("Failed to forward event", zap.Error(err))
	}
}

func (f *EventForwarder) enqueue(ev event) {
	select {
	case f.queue <- ev:
	default:
		f.dropped.Add(1)
	}
}

type forwardingCore struct {
	f      *EventForwarder
	fields []zapcore.Field
}

func (c *forwardingCore) Enabled(level zapcore.Level) bool {
	d := c.f.d.Load()
	if d == nil {
		return false
	}
	s := d.Session()
	return s.ReplyAddress() != "" && level >= s.LogLevel()
}

func (c *forwardingCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &forwardingCore{f: c.f, fields: merged}
}

func (c *forwardingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if isLibraryLogger(ent.LoggerName) || !c.Enabled(ent.Level) {
		return ce
	}
	return ce.AddCore(ent, c)
}

func (c *forwardingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, field := range c.fields {
		field.AddTo(enc)
	}
	for _, field := range fields {
		field.AddTo(enc)
	}
	if ent.Time.IsZero() {
		ent.Time = time.Now()
	}
	c.f.enqueue(event{entry: ent, fields: enc.Fields})
	return nil
}

func (c *forwardingCore) Sync() error { return nil }

// isLibraryLogger reports whether name has a LibraryLoggerName segment, so
// "library", "dispatcher.library" and "dispatcher.library.worker" all match.
func isLibraryLogger(name string) bool {
	for _, segment := range strings.Split(name, ".") {
		if segment == LibraryLoggerName {
			return true
		}
	}
	return false
}
