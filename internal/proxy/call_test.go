package proxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/berrythewa/cadence-proxy/internal/codec"
	"github.com/berrythewa/cadence-proxy/internal/messages"
)

// answerPings makes the fake library reply to every proxy ping.
func answerPings(t *testing.T, d *Dispatcher, sender *fakeSender, fail bool) {
	sender.onSend = func(_ string, m messages.Message) {
		if m.Env().Type != messages.TypePingRequest {
			return
		}
		reply, err := messages.Default().NewReply(m)
		if err != nil {
			t.Error(err)
			return
		}
		if fail {
			reply.Env().SetProxyError(messages.NewError(messages.KindInternal, "library busy"))
		}
		payload := codec.New(nil).Encode(reply)
		go d.Process(context.Background(), payload)
	}
}

func waitTerminated(t *testing.T, d *Dispatcher) {
	t.Helper()
	select {
	case <-d.Terminated():
	case <-time.After(2 * time.Second):
		t.Fatal("session was not terminated")
	}
}

func TestCallCorrelatesReplies(t *testing.T) {
	d, sender := newTestDispatcher(t, failingDialer, nil)
	initialize(t, d)
	answerPings(t, d, sender, false)

	first, err := d.Call(context.Background(), newMessage[*messages.PingRequest](t, messages.TypePingRequest, 0))
	require.NoError(t, err)
	second, err := d.Call(context.Background(), newMessage[*messages.PingRequest](t, messages.TypePingRequest, 0))
	require.NoError(t, err)

	assert.Equal(t, messages.TypePingReply, first.Env().Type)
	assert.NotZero(t, first.Env().RequestID)
	assert.NotEqual(t, first.Env().RequestID, second.Env().RequestID)

	d.pendingMu.Lock()
	assert.Empty(t, d.pending)
	d.pendingMu.Unlock()
}

func TestCallReturnsReplyError(t *testing.T) {
	d, sender := newTestDispatcher(t, failingDialer, nil)
	initialize(t, d)
	answerPings(t, d, sender, true)

	reply, err := d.Call(context.Background(), newMessage[*messages.PingRequest](t, messages.TypePingRequest, 0))
	require.Error(t, err)
	assert.NotNil(t, reply)
	assert.True(t, errors.Is(err, &messages.ProxyError{Kind: messages.KindInternal}))
}

func TestCallFailures(t *testing.T) {
	d, sender := newTestDispatcher(t, failingDialer, nil)

	_, err := d.Call(context.Background(), newMessage[*messages.PingReply](t, messages.TypePingReply, 0))
	assert.Error(t, err, "replies cannot be sent as calls")

	_, err = d.Call(context.Background(), newMessage[*messages.PingRequest](t, messages.TypePingRequest, 0))
	assert.True(t, errors.Is(err, &messages.ProxyError{Kind: messages.KindTransportFailure}), "no destination before the handshake")

	initialize(t, d)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.Call(ctx, newMessage[*messages.PingRequest](t, messages.TypePingRequest, 0))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Len(t, sender.deliveries(), 1)

	// an unmatched reply is ignored
	d.Handle(context.Background(), newMessage[*messages.PingReply](t, messages.TypePingReply, 12345))
}

func TestTerminateReleasesPendingCalls(t *testing.T) {
	d, _ := newTestDispatcher(t, failingDialer, nil)
	initialize(t, d)

	errs := make(chan error, 1)
	go func() {
		_, err := d.Call(context.Background(), newMessage[*messages.PingRequest](t, messages.TypePingRequest, 0))
		errs <- err
	}()

	require.Eventually(t, func() bool {
		d.pendingMu.Lock()
		defer d.pendingMu.Unlock()
		return len(d.pending) == 1
	}, time.Second, 5*time.Millisecond)

	d.Terminate()
	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, &messages.ProxyError{Kind: messages.KindTerminated}))
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not released")
	}

	// calls made after termination fail without waiting for a reply
	_, err := d.Call(context.Background(), newMessage[*messages.PingRequest](t, messages.TypePingRequest, 0))
	assert.True(t, errors.Is(err, &messages.ProxyError{Kind: messages.KindTerminated}))
	d.pendingMu.Lock()
	assert.Empty(t, d.pending)
	d.pendingMu.Unlock()
}

func TestNotify(t *testing.T) {
	d, sender := newTestDispatcher(t, failingDialer, nil)
	initialize(t, d)

	n := newMessage[*messages.LogNotification](t, messages.TypeLogNotification, 5)
	n.SetMessage("hello")
	require.NoError(t, d.Notify(context.Background(), n))
	assert.Error(t, d.Notify(context.Background(), newMessage[*messages.PingRequest](t, messages.TypePingRequest, 0)))

	sent := sender.deliveries()
	require.Len(t, sent, 1)
	assert.Zero(t, sent[0].msg.Env().RequestID)
}

func TestWatchdogTerminatesUnresponsiveLibrary(t *testing.T) {
	d, sender := newTestDispatcher(t, failingDialer, nil)
	initialize(t, d)
	sender.err = errors.New("connection refused")

	go NewWatchdog(d, 10*time.Millisecond, 2, nil).Run(context.Background())

	waitTerminated(t, d)
	assert.GreaterOrEqual(t, len(sender.deliveries()), 2)
}

func TestWatchdogKeepsResponsiveLibrary(t *testing.T) {
	d, sender := newTestDispatcher(t, failingDialer, nil)
	initialize(t, d)
	answerPings(t, d, sender, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewWatchdog(d, 10*time.Millisecond, 1, zap.NewNop()).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(sender.deliveries()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	select {
	case <-d.Terminated():
		t.Fatal("responsive library was terminated")
	default:
	}
}

func TestWatchdogDisabled(t *testing.T) {
	d, _ := newTestDispatcher(t, failingDialer, nil)
	done := make(chan struct{})
	go func() {
		NewWatchdog(d, 0, 0, nil).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled watchdog did not return")
	}
}
