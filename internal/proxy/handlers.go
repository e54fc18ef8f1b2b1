package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/berrythewa/cadence-proxy/internal/engine"
	"github.com/berrythewa/cadence-proxy/internal/messages"
	"github.com/berrythewa/cadence-proxy/internal/session"
)

func (d *Dispatcher) requestHandlers() map[messages.TypeCode]RequestHandler {
	return map[messages.TypeCode]RequestHandler{
		messages.TypeInitializeRequest:     d.onInitialize,
		messages.TypeConnectRequest:        d.onConnect,
		messages.TypeDisconnectRequest:     d.onDisconnect,
		messages.TypeTerminateRequest:      d.onTerminate,
		messages.TypeHeartbeatRequest:      d.onHeartbeat,
		messages.TypePingRequest:           d.onPing,
		messages.TypeCancelRequest:         d.onCancel,
		messages.TypeDomainRegisterRequest: d.onDomainRegister,
		messages.TypeDomainDescribeRequest: d.onDomainDescribe,
		messages.TypeDomainUpdateRequest:   d.onDomainUpdate,
	}
}

func (d *Dispatcher) replyHandlers() map[messages.TypeCode]ReplyHandler {
	return map[messages.TypeCode]ReplyHandler{
		messages.TypePingReply:  d.resolvePending,
		messages.TypeErrorReply: d.resolvePending,
	}
}

func (d *Dispatcher) notificationHandlers() map[messages.TypeCode]NotificationHandler {
	return map[messages.TypeCode]NotificationHandler{
		messages.TypeLogNotification: d.onLibraryLog,
	}
}

func (d *Dispatcher) onInitialize(_ context.Context, s *session.Session, msg messages.Message) (messages.Message, error) {
	req := msg.(*messages.InitializeRequest)
	level, err := session.ParseLogLevel(req.LogLevel())
	if err != nil {
		return nil, messages.NewError(messages.KindBadRequest, "invalid log level %q", req.LogLevel())
	}
	return nil, s.Initialize(req.LibraryAddress(), req.LibraryPort(), level)
}

func (d *Dispatcher) onConnect(ctx context.Context, s *session.Session, msg messages.Message) (messages.Message, error) {
	req := msg.(*messages.ConnectRequest)
	return nil, s.Connect(ctx, engine.ConnectOptions{
		Endpoints:     req.Endpoints(),
		Identity:      req.Identity(),
		Domain:        req.Domain(),
		ClientTimeout: req.ClientTimeout(),
	})
}

func (d *Dispatcher) onDisconnect(_ context.Context, s *session.Session, _ messages.Message) (messages.Message, error) {
	return nil, s.Disconnect()
}

// onTerminate only moves the session to Terminating. The session is ended
// once the reply has been delivered.
func (d *Dispatcher) onTerminate(_ context.Context, s *session.Session, _ messages.Message) (messages.Message, error) {
	s.BeginTerminate()
	return nil, nil
}

func (d *Dispatcher) onHeartbeat(_ context.Context, s *session.Session, _ messages.Message) (messages.Message, error) {
	s.RecordHeartbeat(time.Now())
	return nil, nil
}

func (d *Dispatcher) onPing(_ context.Context, _ *session.Session, _ messages.Message) (messages.Message, error) {
	return nil, nil
}

func (d *Dispatcher) onCancel(ctx context.Context, s *session.Session, msg messages.Message) (messages.Message, error) {
	req := msg.(*messages.CancelRequest)
	client, err := s.Client()
	if err != nil {
		return nil, err
	}
	return nil, adapterError(client.CancelOperation(ctx, req.OperationID()))
}

func (d *Dispatcher) onDomainRegister(ctx context.Context, s *session.Session, msg messages.Message) (messages.Message, error) {
	req := msg.(*messages.DomainRegisterRequest)
	client, err := s.Client()
	if err != nil {
		return nil, err
	}

	err = client.RegisterDomain(ctx, engine.RegisterDomainRequest{
		Name:          req.Name(),
		Description:   req.Description(),
		OwnerEmail:    req.OwnerEmail(),
		RetentionDays: req.RetentionDays(),
		EmitMetrics:   req.EmitMetrics(),
		SecurityToken: req.SecurityToken(),
	})
	if errors.Is(err, engine.ErrDomainAlreadyExists) {
		d.logger.Debug("Domain already registered", zap.String("domain", req.Name()))
		return nil, nil
	}
	return nil, adapterError(err)
}

func (d *Dispatcher) onDomainDescribe(ctx context.Context, s *session.Session, msg messages.Message) (messages.Message, error) {
	req := msg.(*messages.DomainDescribeRequest)
	client, err := s.Client()
	if err != nil {
		return nil, err
	}

	desc, err := client.DescribeDomain(ctx, req.Name())
	if err != nil {
		return nil, adapterError(err)
	}

	reply, err := d.registry.NewReply(req)
	if err != nil {
		return nil, fmt.Errorf("failed to build describe reply: %w", err)
	}
	r := reply.(*messages.DomainDescribeReply)
	r.SetDomainInfoName(desc.Name)
	r.SetDomainInfoDescription(desc.Description)
	r.SetDomainInfoStatus(string(desc.Status))
	r.SetDomainInfoOwnerEmail(desc.OwnerEmail)
	r.SetDomainID(desc.ID)
	r.SetConfigurationRetentionDays(desc.RetentionDays)
	r.SetConfigurationEmitMetrics(desc.EmitMetrics)
	return r, nil
}

func (d *Dispatcher) onDomainUpdate(ctx context.Context, s *session.Session, msg messages.Message) (messages.Message, error) {
	req := msg.(*messages.DomainUpdateRequest)
	client, err := s.Client()
	if err != nil {
		return nil, err
	}

	// Absent properties leave the corresponding domain field unchanged.
	update := engine.UpdateDomainRequest{Name: req.Name(), SecurityToken: req.SecurityToken()}
	if req.Has(messages.PropUpdatedInfoDescription) {
		v := req.UpdatedInfoDescription()
		update.Description = &v
	}
	if req.Has(messages.PropUpdatedInfoOwnerEmail) {
		v := req.UpdatedInfoOwnerEmail()
		update.OwnerEmail = &v
	}
	if req.Has(messages.PropConfigurationRetentionDays) {
		v := req.ConfigurationRetentionDays()
		update.RetentionDays = &v
	}
	if req.Has(messages.PropConfigurationEmitMetrics) {
		v := req.ConfigurationEmitMetrics()
		update.EmitMetrics = &v
	}
	return nil, adapterError(client.UpdateDomain(ctx, update))
}

// adapterError converts an engine failure into the error reported in the reply.
func adapterError(err error) error {
	if err == nil {
		return nil
	}
	return &messages.ProxyError{
		Kind:     messages.KindAdapterFailure,
		Category: engine.Category(err),
		Detail:   err.Error(),
	}
}

func (d *Dispatcher) resolvePending(_ context.Context, _ *session.Session, msg messages.Message) error {
	env := msg.Env()
	d.pendingMu.Lock()
	ch, ok := d.pending[env.RequestID]
	if ok {
		delete(d.pending, env.RequestID)
	}
	d.pendingMu.Unlock()

	if !ok {
		return fmt.Errorf("no pending request %d", env.RequestID)
	}
	ch <- msg
	return nil
}

func (d *Dispatcher) onLibraryLog(_ context.Context, _ *session.Session, msg messages.Message) error {
	n := msg.(*messages.LogNotification)

	level := zapcore.InfoLevel
	if n.Level() != "" {
		if err := level.UnmarshalText([]byte(n.Level())); err != nil {
			level = zapcore.InfoLevel
		}
	}
	// never let a library event panic or exit the proxy
	if level > zapcore.ErrorLevel {
		level = zapcore.ErrorLevel
	}

	logger := d.logger.Named(LibraryLoggerName)
	ce := logger.Check(level, n.Message())
	if ce == nil {
		return nil
	}
	fields := []zap.Field{zap.String("source", n.Source())}
	if t := n.Time(); !t.IsZero() {
		fields = append(fields, zap.Time("library_time", t))
	}
	if f := n.Fields(); len(f) > 0 {
		fields = append(fields, zap.Any("fields", f))
	}
	ce.Write(fields...)
	return nil
}
