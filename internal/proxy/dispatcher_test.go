package proxy

import (
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/berrythewa/cadence-proxy/internal/codec"
	"github.com/berrythewa/cadence-proxy/internal/engine"
	"github.com/berrythewa/cadence-proxy/internal/engine/boltengine"
	"github.com/berrythewa/cadence-proxy/internal/messages"
	"github.com/berrythewa/cadence-proxy/internal/session"
)

const libraryAddress = "127.0.0.1:9000"

type delivery struct {
	dest string
	msg  messages.Message
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []delivery
	err    error
	onSend func(dest string, m messages.Message)
}

func (f *fakeSender) Send(_ context.Context, dest string, payload []byte) error {
	m, err := codec.New(nil).Decode(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, delivery{dest: dest, msg: m})
	hook, sendErr := f.onSend, f.err
	f.mu.Unlock()
	if hook != nil {
		hook(dest, m)
	}
	return sendErr
}

func (f *fakeSender) deliveries() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.sent...)
}

// countingClient fails every call and records that it was reached.
type countingClient struct {
	calls atomic.Int32
}

func (c *countingClient) RegisterDomain(context.Context, engine.RegisterDomainRequest) error {
	c.calls.Add(1)
	return engine.ErrServiceBusy
}
func (c *countingClient) DescribeDomain(context.Context, string) (*engine.DomainDescription, error) {
	c.calls.Add(1)
	return nil, engine.ErrEntityNotExists
}
func (c *countingClient) UpdateDomain(context.Context, engine.UpdateDomainRequest) error {
	c.calls.Add(1)
	return engine.ErrBadRequest
}
func (c *countingClient) CancelOperation(context.Context, string) error {
	c.calls.Add(1)
	return context.DeadlineExceeded
}
func (c *countingClient) Close() error { return nil }

func clientDialer(c engine.Client) engine.Dialer {
	return func(context.Context, engine.ConnectOptions) (engine.Client, error) { return c, nil }
}

func failingDialer(context.Context, engine.ConnectOptions) (engine.Client, error) {
	return nil, errors.New("dial tcp 127.0.0.1:7933: connection refused")
}

func newTestDispatcher(t *testing.T, dialer engine.Dialer, logger *zap.Logger) (*Dispatcher, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	d, err := New(Config{
		Session: session.New(dialer, logger),
		Sender:  sender,
		Logger:  logger,
	})
	require.NoError(t, err)
	return d, sender
}

func newMessage[T messages.Message](t *testing.T, code messages.TypeCode, requestID int64) T {
	t.Helper()
	m, err := messages.Default().New(code)
	require.NoError(t, err)
	m.Env().RequestID = requestID
	return m.(T)
}

func process(d *Dispatcher, m messages.Message) {
	d.Process(context.Background(), codec.New(nil).Encode(m))
}

func initialize(t *testing.T, d *Dispatcher) {
	t.Helper()
	req := newMessage[*messages.InitializeRequest](t, messages.TypeInitializeRequest, 1)
	req.SetLibraryAddress("127.0.0.1")
	req.SetLibraryPort(9000)
	require.Nil(t, d.Handle(context.Background(), req).Env().ProxyError())
}

func connect(t *testing.T, d *Dispatcher) *messages.ProxyError {
	t.Helper()
	req := newMessage[*messages.ConnectRequest](t, messages.TypeConnectRequest, 2)
	req.SetEndpoints([]string{"127.0.0.1:7933"})
	req.SetIdentity("test-worker")
	return d.Handle(context.Background(), req).Env().ProxyError()
}

func rawHeader(code int32, requestID int64, rest ...byte) []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(code))
	b = binary.LittleEndian.AppendUint64(b, uint64(requestID))
	return append(b, rest...)
}

func TestHandshake(t *testing.T) {
	d, sender := newTestDispatcher(t, failingDialer, nil)

	req := newMessage[*messages.InitializeRequest](t, messages.TypeInitializeRequest, 41)
	req.SetLibraryAddress("127.0.0.1")
	req.SetLibraryPort(9000)
	req.SetLogLevel("warn")
	process(d, req)

	sent := sender.deliveries()
	require.Len(t, sent, 1)
	assert.Equal(t, libraryAddress, sent[0].dest)
	assert.Equal(t, messages.TypeInitializeReply, sent[0].msg.Env().Type)
	assert.Equal(t, int64(41), sent[0].msg.Env().RequestID)
	assert.Nil(t, sent[0].msg.Env().ProxyError())

	assert.Equal(t, session.Initialized, d.Session().State())
	assert.Equal(t, zapcore.WarnLevel, d.Session().LogLevel())
}

func TestHandshakeWithMalformedAddress(t *testing.T) {
	d, sender := newTestDispatcher(t, failingDialer, nil)

	req := newMessage[*messages.InitializeRequest](t, messages.TypeInitializeRequest, 5)
	req.SetLibraryAddress("not a host")
	req.SetLibraryPort(9000)

	reply := d.Handle(context.Background(), req)
	pe := reply.Env().ProxyError()
	require.NotNil(t, pe)
	assert.Equal(t, messages.KindBadRequest, pe.Kind)
	assert.Equal(t, session.Uninitialized, d.Session().State())

	// no destination is known yet, so the reply cannot be delivered
	process(d, req)
	assert.Empty(t, sender.deliveries())
}

func TestConnectFailure(t *testing.T) {
	d, sender := newTestDispatcher(t, failingDialer, nil)
	initialize(t, d)

	req := newMessage[*messages.ConnectRequest](t, messages.TypeConnectRequest, 7)
	req.SetEndpoints([]string{"127.0.0.1:7933"})
	req.SetIdentity("test-worker")
	process(d, req)

	sent := sender.deliveries()
	require.Len(t, sent, 1)
	reply := sent[0].msg
	assert.Equal(t, messages.TypeConnectReply, reply.Env().Type)
	assert.Equal(t, int64(7), reply.Env().RequestID)
	pe := reply.Env().ProxyError()
	require.NotNil(t, pe)
	assert.Equal(t, messages.KindAdapterFailure, pe.Kind)
	assert.Equal(t, "could not complete service configuration", pe.Detail)
	assert.Equal(t, session.Initialized, d.Session().State())
}

func TestAdministrativeRequestsRequireConnection(t *testing.T) {
	client := &countingClient{}
	d, sender := newTestDispatcher(t, clientDialer(client), nil)
	initialize(t, d)

	describe := newMessage[*messages.DomainDescribeRequest](t, messages.TypeDomainDescribeRequest, 10)
	describe.SetName("orders")
	process(d, describe)

	sent := sender.deliveries()
	require.Len(t, sent, 1)
	assert.Equal(t, messages.TypeDomainDescribeReply, sent[0].msg.Env().Type)
	pe := sent[0].msg.Env().ProxyError()
	require.NotNil(t, pe)
	assert.Equal(t, messages.KindNotConnected, pe.Kind)
	assert.Equal(t, "no connection", pe.Detail)

	for _, code := range []messages.TypeCode{
		messages.TypeDomainRegisterRequest,
		messages.TypeDomainUpdateRequest,
		messages.TypeCancelRequest,
	} {
		req, err := messages.Default().New(code)
		require.NoError(t, err)
		req.Env().RequestID = 11
		reply := d.Handle(context.Background(), req)
		require.NotNil(t, reply.Env().ProxyError(), "%s", code)
		assert.Equal(t, messages.KindNotConnected, reply.Env().ProxyError().Kind, "%s", code)
	}

	assert.Zero(t, client.calls.Load(), "the engine must not be reached while disconnected")
}

func TestUnknownMessageType(t *testing.T) {
	d, sender := newTestDispatcher(t, failingDialer, nil)
	initialize(t, d)

	d.Process(context.Background(), rawHeader(999999, 77, 0, 0, 0, 0, 0, 0, 0, 0))

	sent := sender.deliveries()
	require.Len(t, sent, 1)
	reply := sent[0].msg
	assert.Equal(t, messages.TypeErrorReply, reply.Env().Type)
	assert.Equal(t, int64(77), reply.Env().RequestID)
	require.NotNil(t, reply.Env().ProxyError())
	assert.Equal(t, messages.KindUnknownMessageType, reply.Env().ProxyError().Kind)
	assert.Equal(t, DetailUnhandledType, reply.Env().ProxyError().Detail)

	// without a request ID there is nobody to answer
	d.Process(context.Background(), rawHeader(999999, 0))
	assert.Len(t, sender.deliveries(), 1)
}

func TestMalformedEnvelope(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	d, sender := newTestDispatcher(t, failingDialer, zap.New(core))
	initialize(t, d)

	// property count overruns the buffer
	d.Process(context.Background(), rawHeader(int32(messages.TypeHeartbeatRequest), 12, 5, 0, 0, 0))

	sent := sender.deliveries()
	require.Len(t, sent, 1)
	reply := sent[0].msg
	assert.Equal(t, messages.TypeHeartbeatReply, reply.Env().Type)
	assert.Equal(t, int64(12), reply.Env().RequestID)
	require.NotNil(t, reply.Env().ProxyError())
	assert.Equal(t, messages.KindMalformedEnvelope, reply.Env().ProxyError().Kind)

	// truncated header: nothing salvaged, dropped and logged
	d.Process(context.Background(), []byte{1, 0, 0})
	assert.Len(t, sender.deliveries(), 1)
	assert.Equal(t, 1, logs.FilterMessage("Dropping undecodable payload").Len())
}

func TestExactlyOneReplyForEveryRequestType(t *testing.T) {
	reg := messages.Default()
	for _, code := range reg.Codes() {
		if kind, _ := reg.KindOf(code); kind != messages.KindRequest {
			continue
		}
		t.Run(code.String(), func(t *testing.T) {
			d, sender := newTestDispatcher(t, failingDialer, nil)
			initialize(t, d)

			req, err := reg.New(code)
			require.NoError(t, err)
			req.Env().RequestID = 1000 + int64(code)
			process(d, req)

			sent := sender.deliveries()
			require.Len(t, sent, 1)
			want, err := reg.ReplyFor(code)
			require.NoError(t, err)
			assert.Equal(t, want, sent[0].msg.Env().Type)
			assert.Equal(t, req.Env().RequestID, sent[0].msg.Env().RequestID)
		})
	}
}

func TestHandlerPanicStillReplies(t *testing.T) {
	d, _ := newTestDispatcher(t, failingDialer, nil)
	d.requests[messages.TypePingRequest] = func(context.Context, *session.Session, messages.Message) (messages.Message, error) {
		panic("boom")
	}

	reply := d.Handle(context.Background(), newMessage[*messages.PingRequest](t, messages.TypePingRequest, 3))
	require.NotNil(t, reply)
	assert.Equal(t, messages.TypePingReply, reply.Env().Type)
	assert.Equal(t, int64(3), reply.Env().RequestID)
	require.NotNil(t, reply.Env().ProxyError())
	assert.Equal(t, messages.KindInternal, reply.Env().ProxyError().Kind)
}

func TestUnhandledRequestType(t *testing.T) {
	d, _ := newTestDispatcher(t, failingDialer, nil)
	delete(d.requests, messages.TypeHeartbeatRequest)

	reply := d.Handle(context.Background(), newMessage[*messages.HeartbeatRequest](t, messages.TypeHeartbeatRequest, 4))
	assert.Equal(t, messages.TypeHeartbeatReply, reply.Env().Type)
	require.NotNil(t, reply.Env().ProxyError())
	assert.Equal(t, messages.KindUnknownMessageType, reply.Env().ProxyError().Kind)
	assert.Equal(t, DetailUnhandledType, reply.Env().ProxyError().Detail)
}

func TestTerminateRepliesBeforeEnding(t *testing.T) {
	for _, sendErr := range []error{nil, errors.New("connection refused")} {
		client := &countingClient{}
		d, sender := newTestDispatcher(t, clientDialer(client), nil)
		initialize(t, d)
		require.Nil(t, connect(t, d))

		var stateAtSend session.State
		var terminatedAtSend bool
		sender.onSend = func(_ string, m messages.Message) {
			if m.Env().Type != messages.TypeTerminateReply {
				return
			}
			stateAtSend = d.Session().State()
			select {
			case <-d.Terminated():
				terminatedAtSend = true
			default:
			}
		}
		sender.err = sendErr

		process(d, newMessage[*messages.TerminateRequest](t, messages.TypeTerminateRequest, 99))

		sent := sender.deliveries()
		require.Len(t, sent, 1)
		assert.Equal(t, messages.TypeTerminateReply, sent[0].msg.Env().Type)
		assert.Equal(t, int64(99), sent[0].msg.Env().RequestID)
		assert.Equal(t, session.Terminating, stateAtSend)
		assert.False(t, terminatedAtSend)

		select {
		case <-d.Terminated():
		default:
			t.Fatal("session did not end after the terminate reply")
		}
		assert.Equal(t, session.Terminated, d.Session().State())

		// no mutation after termination
		assert.NotNil(t, connect(t, d))
		assert.Equal(t, session.Terminated, d.Session().State())
	}
}

func TestAdministrativeForwarding(t *testing.T) {
	dialer := boltengine.NewDialer(boltengine.StoreConfig{DBPath: filepath.Join(t.TempDir(), "engine.db")})
	t.Cleanup(func() { dialer.Close() })

	d, _ := newTestDispatcher(t, dialer.Dial, nil)
	initialize(t, d)
	require.Nil(t, connect(t, d))
	ctx := context.Background()

	register := newMessage[*messages.DomainRegisterRequest](t, messages.TypeDomainRegisterRequest, 20)
	register.SetName("orders")
	register.SetDescription("order workflows")
	register.SetOwnerEmail("ops@example.com")
	register.SetRetentionDays(7)
	register.SetEmitMetrics(true)
	assert.Nil(t, d.Handle(ctx, register).Env().ProxyError())

	// registering again is not an error
	register.Env().RequestID = 21
	assert.Nil(t, d.Handle(ctx, register).Env().ProxyError())

	describe := newMessage[*messages.DomainDescribeRequest](t, messages.TypeDomainDescribeRequest, 22)
	describe.SetName("orders")
	reply := d.Handle(ctx, describe).(*messages.DomainDescribeReply)
	require.Nil(t, reply.ProxyError())
	assert.Equal(t, int64(22), reply.RequestID)
	assert.Equal(t, "orders", reply.DomainInfoName())
	assert.Equal(t, "order workflows", reply.DomainInfoDescription())
	assert.Equal(t, "ops@example.com", reply.DomainInfoOwnerEmail())
	assert.Equal(t, "REGISTERED", reply.DomainInfoStatus())
	assert.Equal(t, int32(7), reply.ConfigurationRetentionDays())
	assert.True(t, reply.ConfigurationEmitMetrics())
	assert.NotEmpty(t, reply.DomainID())

	update := newMessage[*messages.DomainUpdateRequest](t, messages.TypeDomainUpdateRequest, 23)
	update.SetName("orders")
	update.SetUpdatedInfoDescription("renamed")
	update.SetConfigurationRetentionDays(14)
	require.Nil(t, d.Handle(ctx, update).Env().ProxyError())

	describe.Env().RequestID = 24
	reply = d.Handle(ctx, describe).(*messages.DomainDescribeReply)
	assert.Equal(t, "renamed", reply.DomainInfoDescription())
	assert.Equal(t, "ops@example.com", reply.DomainInfoOwnerEmail())
	assert.Equal(t, int32(14), reply.ConfigurationRetentionDays())

	describe.SetName("missing")
	pe := d.Handle(ctx, describe).Env().ProxyError()
	require.NotNil(t, pe)
	assert.Equal(t, messages.KindAdapterFailure, pe.Kind)
	assert.Equal(t, engine.CategoryEntityNotExists, pe.Category)

	cancel := newMessage[*messages.CancelRequest](t, messages.TypeCancelRequest, 25)
	cancel.SetOperationID("op-1")
	assert.Nil(t, d.Handle(ctx, cancel).Env().ProxyError())
}

func TestAdapterFailureCategories(t *testing.T) {
	client := &countingClient{}
	d, _ := newTestDispatcher(t, clientDialer(client), nil)
	initialize(t, d)
	require.Nil(t, connect(t, d))

	tests := []struct {
		code     messages.TypeCode
		category string
	}{
		{messages.TypeDomainRegisterRequest, engine.CategoryServiceBusy},
		{messages.TypeDomainDescribeRequest, engine.CategoryEntityNotExists},
		{messages.TypeDomainUpdateRequest, engine.CategoryBadRequest},
		{messages.TypeCancelRequest, engine.CategoryTimeout},
	}
	for _, tt := range tests {
		req, err := messages.Default().New(tt.code)
		require.NoError(t, err)
		req.Env().RequestID = 50
		pe := d.Handle(context.Background(), req).Env().ProxyError()
		require.NotNil(t, pe, "%s", tt.code)
		assert.Equal(t, messages.KindAdapterFailure, pe.Kind)
		assert.Equal(t, tt.category, pe.Category, "%s", tt.code)
	}
	assert.Equal(t, int32(4), client.calls.Load())
}

func TestHeartbeatRecordsLiveness(t *testing.T) {
	d, _ := newTestDispatcher(t, failingDialer, nil)
	initialize(t, d)
	require.True(t, d.Session().LastHeartbeat().IsZero())

	reply := d.Handle(context.Background(), newMessage[*messages.HeartbeatRequest](t, messages.TypeHeartbeatRequest, 8))
	assert.Nil(t, reply.Env().ProxyError())
	assert.False(t, d.Session().LastHeartbeat().IsZero())
}

func TestDisconnect(t *testing.T) {
	d, _ := newTestDispatcher(t, clientDialer(&countingClient{}), nil)
	initialize(t, d)
	require.Nil(t, connect(t, d))

	reply := d.Handle(context.Background(), newMessage[*messages.DisconnectRequest](t, messages.TypeDisconnectRequest, 9))
	assert.Nil(t, reply.Env().ProxyError())
	assert.Equal(t, session.Initialized, d.Session().State())
}

func TestLibraryLogNotification(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	d, sender := newTestDispatcher(t, failingDialer, zap.New(core))

	n := newMessage[*messages.LogNotification](t, messages.TypeLogNotification, 0)
	n.SetLevel("fatal")
	n.SetMessage("worker stopped")
	n.SetSource("worker")
	require.NoError(t, n.SetFields(map[string]interface{}{"task_list": "default"}))
	process(d, n)

	assert.Empty(t, sender.deliveries(), "notifications are not answered")
	entries := logs.Filter(func(e observer.LoggedEntry) bool {
		return e.LoggerName == LibraryLoggerName
	}).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "worker stopped", entries[0].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "worker", entries[0].ContextMap()["source"])
}
