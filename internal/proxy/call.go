package proxy

import (
	"context"
	"fmt"

	"github.com/berrythewa/cadence-proxy/internal/messages"
)

// Call sends a proxy-originated request to the library and waits for the
// correlated reply. The request ID is assigned here. A reply carrying error
// fields is returned together with its ProxyError.
func (d *Dispatcher) Call(ctx context.Context, req messages.Message) (messages.Message, error) {
	env := req.Env()
	if kind, ok := d.registry.KindOf(env.Type); !ok || kind != messages.KindRequest {
		return nil, fmt.Errorf("%s is not a request type", env.Type)
	}

	id := d.nextID.Add(1)
	env.RequestID = id
	ch := make(chan messages.Message, 1)

	d.pendingMu.Lock()
	if d.pendingClosed {
		d.pendingMu.Unlock()
		return nil, messages.NewError(messages.KindTerminated, "session is terminated")
	}
	d.pending[id] = ch
	d.pendingMu.Unlock()
	defer d.forget(id)

	if err := d.send(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", env.Type, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok || reply == nil {
			return nil, messages.NewError(messages.KindTerminated, "session is terminated")
		}
		if pe := reply.Env().ProxyError(); pe != nil {
			return reply, pe
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify pushes a one-way notification to the library.
func (d *Dispatcher) Notify(ctx context.Context, n messages.Message) error {
	if kind, ok := d.registry.KindOf(n.Env().Type); !ok || kind != messages.KindNotification {
		return fmt.Errorf("%s is not a notification type", n.Env().Type)
	}
	n.Env().RequestID = 0
	return d.send(ctx, n)
}

func (d *Dispatcher) forget(id int64) {
	d.pendingMu.Lock()
	delete(d.pending, id)
	d.pendingMu.Unlock()
}

// failPending releases every caller still waiting for a reply.
func (d *Dispatcher) failPending() {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	d.pendingClosed = true
	for id, ch := range d.pending {
		close(ch)
		delete(d.pending, id)
	}
}
