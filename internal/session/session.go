// Package session holds the proxy's single logical connection to the engine.
package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/berrythewa/cadence-proxy/internal/engine"
	"github.com/berrythewa/cadence-proxy/internal/messages"
)

// State is the lifecycle position of the session.
type State int32

const (
	Uninitialized State = iota
	Initialized
	Connected
	Terminating
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Connected:
		return "connected"
	case Terminating:
		return "terminating"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ConnectFailedDetail is the detail reported when the engine connection cannot be set up.
const ConnectFailedDetail = "could not complete service configuration"

// Session is created Uninitialized. All mutations go through mu; the reply
// address and forwarding level are atomics so readers never block.
type Session struct {
	dialer engine.Dialer
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	connected bool // engine client established; survives into Terminating
	client    engine.Client
	opts      engine.ConnectOptions

	replyAddress  atomic.Pointer[string]
	logLevel      atomic.Int32
	lastHeartbeat atomic.Int64
}

// New creates a session that establishes engine clients with dialer.
func New(dialer engine.Dialer, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{dialer: dialer, logger: logger}
	s.logLevel.Store(int32(zapcore.InfoLevel))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReplyAddress returns the library's host:port, or "" before the handshake.
func (s *Session) ReplyAddress() string {
	if p := s.replyAddress.Load(); p != nil {
		return *p
	}
	return ""
}

// LogLevel is the minimum severity of events forwarded to the library.
func (s *Session) LogLevel() zapcore.Level {
	return zapcore.Level(s.logLevel.Load())
}

// LastHeartbeat returns the time of the most recent library heartbeat.
func (s *Session) LastHeartbeat() time.Time {
	ns := s.lastHeartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// RecordHeartbeat notes that the library is alive.
func (s *Session) RecordHeartbeat(at time.Time) {
	s.lastHeartbeat.Store(at.UnixNano())
}

// ParseLogLevel accepts zap level names; empty selects info.
func ParseLogLevel(v string) (zapcore.Level, error) {
	if v == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return zapcore.InfoLevel, err
	}
	return level, nil
}

// Initialize performs the handshake transition. Repeating the handshake with
// the same address is accepted; a different address is rejected.
func (s *Session) Initialize(host string, port int, level zapcore.Level) error {
	addr, err := replyAddress(host, port)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Terminating, Terminated:
		return messages.NewError(messages.KindTerminated, "session is %s", s.state)
	case Uninitialized:
		s.replyAddress.Store(&addr)
		s.state = Initialized
	default:
		if current := s.ReplyAddress(); current != addr {
			return messages.NewError(messages.KindBadRequest, "already initialized with reply address %s", current)
		}
	}
	s.logLevel.Store(int32(level))

	s.logger.Info("Session initialized",
		zap.String("reply_address", addr),
		zap.Stringer("forward_level", level))
	return nil
}

func replyAddress(host string, port int) (string, error) {
	if host == "" {
		return "", messages.NewError(messages.KindBadRequest, "missing reply address")
	}
	if ip := net.ParseIP(host); ip == nil && !validHostname(host) {
		return "", messages.NewError(messages.KindBadRequest, "invalid reply address %q", host)
	}
	if port <= 0 || port > 65535 {
		return "", messages.NewError(messages.KindBadRequest, "invalid reply port %d", port)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func validHostname(host string) bool {
	if len(host) > 253 {
		return false
	}
	label := 0
	for i := 0; i < len(host); i++ {
		c := host[i]
		switch {
		case c == '.':
			if label == 0 {
				return false
			}
			label = 0
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			label++
			if label > 63 {
				return false
			}
		default:
			return false
		}
	}
	return label > 0
}

// Connect establishes the engine client. On failure the session is left
// Initialized with no client, so a retry starts clean.
func (s *Session) Connect(ctx context.Context, opts engine.ConnectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Uninitialized:
		return messages.NewError(messages.KindNotInitialized, "session is not initialized")
	case Terminating, Terminated:
		return messages.NewError(messages.KindTerminated, "session is %s", s.state)
	}

	s.closeClientLocked()
	s.state = Initialized

	client, err := s.dial(ctx, opts)
	if err != nil {
		s.logger.Warn("Engine connection failed",
			zap.Strings("endpoints", opts.Endpoints),
			zap.String("identity", opts.Identity),
			zap.Error(err))
		return &messages.ProxyError{
			Kind:     messages.KindAdapterFailure,
			Category: engine.Category(err),
			Detail:   ConnectFailedDetail,
		}
	}

	s.client = client
	s.opts = opts
	s.connected = true
	s.state = Connected
	s.logger.Info("Engine connection established",
		zap.Strings("endpoints", opts.Endpoints),
		zap.String("identity", opts.Identity))
	return nil
}

func (s *Session) dial(ctx context.Context, opts engine.ConnectOptions) (client engine.Client, err error) {
	if s.dialer == nil {
		return nil, fmt.Errorf("no engine dialer configured")
	}
	defer func() {
		if r := recover(); r != nil {
			client, err = nil, fmt.Errorf("engine dialer panicked: %v", r)
		}
	}()
	client, err = s.dialer(ctx, opts)
	if err == nil && client == nil {
		err = fmt.Errorf("engine dialer returned no client")
	}
	return client, err
}

// Client returns the engine client, or a NotConnected error.
func (s *Session) Client() (engine.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.client == nil || s.state == Terminated {
		return nil, messages.NewError(messages.KindNotConnected, "no connection")
	}
	return s.client, nil
}

// ConnectOptions returns the options of the current connection.
func (s *Session) ConnectOptions() engine.ConnectOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Disconnect drops the engine client and returns to Initialized.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Uninitialized:
		return messages.NewError(messages.KindNotInitialized, "session is not initialized")
	case Terminating, Terminated:
		return messages.NewError(messages.KindTerminated, "session is terminated")
	case Connected:
		s.state = Initialized
	}
	s.closeClientLocked()
	return nil
}

// BeginTerminate moves the session to Terminating. Requests are still served
// until MarkTerminated.
func (s *Session) BeginTerminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminated {
		return
	}
	s.state = Terminating
}

// MarkTerminated closes the engine client. No further mutation succeeds.
func (s *Session) MarkTerminated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminated {
		return
	}
	s.closeClientLocked()
	s.state = Terminated
}

func (s *Session) closeClientLocked() {
	if s.client == nil {
		s.connected = false
		return
	}
	if err := s.client.Close(); err != nil {
		s.logger.Warn("Failed to close engine client", zap.Error(err))
	}
	s.client = nil
	s.connected = false
	s.opts = engine.ConnectOptions{}
}
