// Package proxy routes decoded envelopes to their handlers and guarantees that
// every request is answered by exactly one reply.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/berrythewa/cadence-proxy/internal/codec"
	"github.com/berrythewa/cadence-proxy/internal/messages"
	"github.com/berrythewa/cadence-proxy/internal/session"
	"github.com/berrythewa/cadence-proxy/internal/transport"
)

// DetailUnhandledType is reported for request types without a handler.
const DetailUnhandledType = "unhandled message type"

// RequestHandler answers a request. A nil reply means "use the empty reply";
// a non-nil error is written into the reply's error fields.
type RequestHandler func(ctx context.Context, s *session.Session, req messages.Message) (messages.Message, error)

// ReplyHandler consumes a reply from the library to a proxy-originated request.
type ReplyHandler func(ctx context.Context, s *session.Session, reply messages.Message) error

// NotificationHandler consumes a one-way message from the library.
type NotificationHandler func(ctx context.Context, s *session.Session, n messages.Message) error

// Config holds the collaborators of a Dispatcher.
type Config struct {
	Registry        *messages.Registry
	Session         *session.Session
	Sender          transport.Sender
	Logger          *zap.Logger
	DeliveryTimeout time.Duration
}

// Dispatcher implements transport.Handler.
type Dispatcher struct {
	registry *messages.Registry
	codec    *codec.Codec
	session  *session.Session
	sender   transport.Sender
	logger   *zap.Logger
	timeout  time.Duration

	requests      map[messages.TypeCode]RequestHandler
	replies       map[messages.TypeCode]ReplyHandler
	notifications map[messages.TypeCode]NotificationHandler

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan messages.Message

	// set once the session ends; no new calls are registered after that
	pendingClosed bool

	terminateOnce sync.Once
	terminated    chan struct{}
}

var _ transport.Handler = (*Dispatcher)(nil)

// New creates a dispatcher with the standard handler tables.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("dispatcher requires a session")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("dispatcher requires a sender")
	}
	if cfg.Registry == nil {
		cfg.Registry = messages.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = transport.DefaultDeliveryTimeout
	}

	d := &Dispatcher{
		registry:   cfg.Registry,
		codec:      codec.New(cfg.Registry),
		session:    cfg.Session,
		sender:     cfg.Sender,
		logger:     cfg.Logger,
		timeout:    cfg.DeliveryTimeout,
		pending:    make(map[int64]chan messages.Message),
		terminated: make(chan struct{}),
	}
	d.requests = d.requestHandlers()
	d.replies = d.replyHandlers()
	d.notifications = d.notificationHandlers()
	return d, nil
}

// Session returns the session handlers operate on.
func (d *Dispatcher) Session() *session.Session { return d.session }

// Terminated is closed once the session has ended and the process may exit.
func (d *Dispatcher) Terminated() <-chan struct{} { return d.terminated }

// Process decodes one inbound payload, handles it and delivers the reply, if any.
func (d *Dispatcher) Process(ctx context.Context, payload []byte) {
	msg, err := d.codec.Decode(payload)
	if err != nil {
		d.handleDecodeError(ctx, err)
		return
	}

	env := msg.Env()
	logger := d.logger.With(
		zap.Stringer("type", env.Type),
		zap.Int64("request_id", env.RequestID))
	logger.Debug("Envelope received")

	reply := d.Handle(ctx, msg)
	if reply == nil {
		return
	}
	d.deliver(ctx, reply)

	if env.Type == messages.TypeTerminateRequest {
		logger.Info("Terminate reply delivered, ending session")
		d.finishTerminate()
	}
}

// Handle runs the handler for msg. For requests it always returns exactly one
// reply carrying the request's ID; for replies and notifications it returns nil.
func (d *Dispatcher) Handle(ctx context.Context, msg messages.Message) messages.Message {
	env := msg.Env()
	kind, ok := d.registry.KindOf(env.Type)
	if !ok {
		if env.RequestID == 0 {
			d.logger.Warn("Dropping message of unknown type", zap.Int32("type_code", int32(env.Type)))
			return nil
		}
		return d.errorReply(env.RequestID, messages.NewError(messages.KindUnknownMessageType, DetailUnhandledType))
	}

	switch kind {
	case messages.KindRequest:
		return d.handleRequest(ctx, msg)
	case messages.KindReply:
		d.handleReply(ctx, msg)
	case messages.KindNotification:
		d.handleNotification(ctx, msg)
	}
	return nil
}

func (d *Dispatcher) handleRequest(ctx context.Context, req messages.Message) messages.Message {
	env := req.Env()

	reply, err := d.registry.NewReply(req)
	if err != nil {
		d.logger.Error("Failed to build reply",
			zap.Stringer("type", env.Type),
			zap.Int64("request_id", env.RequestID),
			zap.Error(err))
		return d.errorReply(env.RequestID, messages.NewError(messages.KindInternal, "no reply type for %s", env.Type))
	}

	h, ok := d.requests[env.Type]
	if !ok {
		reply.Env().SetProxyError(messages.NewError(messages.KindUnknownMessageType, DetailUnhandledType))
		return reply
	}

	result, err := d.invokeRequest(ctx, h, req)
	if result != nil && result.Env().Type == reply.Env().Type {
		reply = result
	}
	reply.Env().RequestID = env.RequestID
	if err != nil {
		pe := messages.AsProxyError(err)
		d.logger.Debug("Request failed",
			zap.Stringer("type", env.Type),
			zap.Int64("request_id", env.RequestID),
			zap.String("kind", string(pe.Kind)),
			zap.String("detail", pe.Detail))
		reply.Env().SetProxyError(pe)
	}
	return reply
}

func (d *Dispatcher) invokeRequest(ctx context.Context, h RequestHandler, req messages.Message) (reply messages.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Request handler panicked",
				zap.Stringer("type", req.Env().Type),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			reply, err = nil, messages.NewError(messages.KindInternal, "handler panic: %v", r)
		}
	}()
	return h(ctx, d.session, req)
}

func (d *Dispatcher) handleReply(ctx context.Context, reply messages.Message) {
	env := reply.Env()
	h, ok := d.replies[env.Type]
	if !ok {
		d.logger.Warn("Unexpected reply", zap.Stringer("type", env.Type), zap.Int64("request_id", env.RequestID))
		return
	}
	if err := d.invokeOneWay(ctx, env.Type, func() error { return h(ctx, d.session, reply) }); err != nil {
		d.logger.Warn("Reply handler failed", zap.Stringer("type", env.Type), zap.Error(err))
	}
}

func (d *Dispatcher) handleNotification(ctx context.Context, n messages.Message) {
	env := n.Env()
	h, ok := d.notifications[env.Type]
	if !ok {
		d.logger.Warn("Unhandled notification", zap.Stringer("type", env.Type))
		return
	}
	if err := d.invokeOneWay(ctx, env.Type, func() error { return h(ctx, d.session, n) }); err != nil {
		d.logger.Warn("Notification handler failed", zap.Stringer("type", env.Type), zap.Error(err))
	}
}

func (d *Dispatcher) invokeOneWay(ctx context.Context, code messages.TypeCode, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Handler panicked", zap.Stringer("type", code), zap.Any("panic", r))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn()
}

func (d *Dispatcher) errorReply(requestID int64, pe *messages.ProxyError) messages.Message {
	reply, err := d.registry.New(messages.TypeErrorReply)
	if err != nil {
		reply = &messages.ErrorReply{Envelope: messages.Envelope{Type: messages.TypeErrorReply}}
	}
	reply.Env().RequestID = requestID
	reply.Env().SetProxyError(pe)
	return reply
}

// handleDecodeError answers an undecodable request when its header was
// readable and carried a request ID; otherwise the payload is dropped.
func (d *Dispatcher) handleDecodeError(ctx context.Context, err error) {
	var de *codec.DecodeError
	if !errors.As(err, &de) || !de.Salvaged || de.RequestID == 0 {
		d.logger.Warn("Dropping undecodable payload", zap.Error(err))
		return
	}

	kind := messages.KindMalformedEnvelope
	detail := err.Error()
	if errors.Is(err, codec.ErrUnknownMessageType) {
		kind = messages.KindUnknownMessageType
		detail = DetailUnhandledType
	} else if k, ok := d.registry.KindOf(de.Type); ok && k != messages.KindRequest {
		d.logger.Warn("Dropping malformed non-request envelope",
			zap.Stringer("type", de.Type),
			zap.Int64("request_id", de.RequestID),
			zap.Error(err))
		return
	}

	d.logger.Warn("Answering undecodable request",
		zap.Int32("type_code", int32(de.Type)),
		zap.Int64("request_id", de.RequestID),
		zap.Error(err))

	var reply messages.Message
	if code, rerr := d.registry.ReplyFor(de.Type); rerr == nil {
		reply, _ = d.registry.New(code)
	}
	if reply == nil {
		reply = d.errorReply(de.RequestID, nil)
	}
	reply.Env().RequestID = de.RequestID
	reply.Env().SetProxyError(&messages.ProxyError{Kind: kind, Detail: detail})
	d.deliver(ctx, reply)
}

// deliver makes a single delivery attempt to the library.
func (d *Dispatcher) deliver(ctx context.Context, m messages.Message) {
	env := m.Env()
	if err := d.send(ctx, m); err != nil {
		d.logger.Error("Reply delivery failed",
			zap.String("kind", string(messages.KindTransportFailure)),
			zap.Stringer("type", env.Type),
			zap.Int64("request_id", env.RequestID),
			zap.Error(err))
	}
}

func (d *Dispatcher) send(ctx context.Context, m messages.Message) error {
	dest := d.session.ReplyAddress()
	if dest == "" {
		return messages.NewError(messages.KindTransportFailure, "no reply destination")
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.sender.Send(ctx, dest, d.codec.Encode(m))
}

// Terminate ends the session without a terminate request, for example when
// the library stopped answering.
func (d *Dispatcher) Terminate() {
	d.session.BeginTerminate()
	d.finishTerminate()
}

func (d *Dispatcher) finishTerminate() {
	d.terminateOnce.Do(func() {
		d.session.MarkTerminated()
		d.failPending()
		close(d.terminated)
	})
}
