package messages

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownType is returned when a type code has no registry entry.
	ErrUnknownType = errors.New("unknown message type")
	// ErrNoReplyType is returned when a request type has no paired reply.
	ErrNoReplyType = errors.New("no reply type registered")
)

// Entry describes one registered message type.
type Entry struct {
	Code      TypeCode
	Name      string
	Kind      Kind
	ReplyCode TypeCode // set for requests only
	Factory   func() Message
}

// Registry maps type codes to message factories and requests to their replies.
// It is immutable after construction, so lookups need no locking.
type Registry struct {
	entries map[TypeCode]Entry
}

// NewRegistry builds a registry and checks that every request maps to exactly
// one registered reply type.
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[TypeCode]Entry, len(entries))}
	for _, e := range entries {
		if e.Factory == nil {
			return nil, fmt.Errorf("type %d (%s): missing factory", e.Code, e.Name)
		}
		if _, dup := r.entries[e.Code]; dup {
			return nil, fmt.Errorf("type %d (%s): registered twice", e.Code, e.Name)
		}
		if got := e.Factory().Env().Type; got != e.Code {
			return nil, fmt.Errorf("type %d (%s): factory produced type %d", e.Code, e.Name, got)
		}
		r.entries[e.Code] = e
	}
	for _, e := range r.entries {
		if e.Kind != KindRequest {
			continue
		}
		reply, ok := r.entries[e.ReplyCode]
		if !ok || reply.Kind != KindReply {
			return nil, fmt.Errorf("request %s: reply type %d is not a registered reply", e.Name, e.ReplyCode)
		}
	}
	return r, nil
}

// MustRegistry is like NewRegistry but panics on an inconsistent table.
func MustRegistry(entries ...Entry) *Registry {
	r, err := NewRegistry(entries...)
	if err != nil {
		panic(err)
	}
	return r
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Default returns the registry of every message type the proxy understands.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = MustRegistry(defaultEntries()...)
	})
	return defaultRegistry
}

func requestEntry(code TypeCode, name string, reply TypeCode, f func() Message) Entry {
	return Entry{Code: code, Name: name, Kind: KindRequest, ReplyCode: reply, Factory: f}
}

func replyEntry(code TypeCode, name string, f func() Message) Entry {
	return Entry{Code: code, Name: name, Kind: KindReply, Factory: f}
}

func notificationEntry(code TypeCode, name string, f func() Message) Entry {
	return Entry{Code: code, Name: name, Kind: KindNotification, Factory: f}
}

func defaultEntries() []Entry {
	return []Entry{
		requestEntry(TypeInitializeRequest, "InitializeRequest", TypeInitializeReply,
			func() Message { return &InitializeRequest{newEnvelope(TypeInitializeRequest)} }),
		replyEntry(TypeInitializeReply, "InitializeReply",
			func() Message { return &InitializeReply{newEnvelope(TypeInitializeReply)} }),
		requestEntry(TypeConnectRequest, "ConnectRequest", TypeConnectReply,
			func() Message { return &ConnectRequest{newEnvelope(TypeConnectRequest)} }),
		replyEntry(TypeConnectReply, "ConnectReply",
			func() Message { return &ConnectReply{newEnvelope(TypeConnectReply)} }),
		requestEntry(TypeTerminateRequest, "TerminateRequest", TypeTerminateReply,
			func() Message { return &TerminateRequest{newEnvelope(TypeTerminateRequest)} }),
		replyEntry(TypeTerminateReply, "TerminateReply",
			func() Message { return &TerminateReply{newEnvelope(TypeTerminateReply)} }),
		requestEntry(TypeHeartbeatRequest, "HeartbeatRequest", TypeHeartbeatReply,
			func() Message { return &HeartbeatRequest{newEnvelope(TypeHeartbeatRequest)} }),
		replyEntry(TypeHeartbeatReply, "HeartbeatReply",
			func() Message { return &HeartbeatReply{newEnvelope(TypeHeartbeatReply)} }),
		requestEntry(TypeCancelRequest, "CancelRequest", TypeCancelReply,
			func() Message { return &CancelRequest{newEnvelope(TypeCancelRequest)} }),
		replyEntry(TypeCancelReply, "CancelReply",
			func() Message { return &CancelReply{newEnvelope(TypeCancelReply)} }),
		requestEntry(TypeDisconnectRequest, "DisconnectRequest", TypeDisconnectReply,
			func() Message { return &DisconnectRequest{newEnvelope(TypeDisconnectRequest)} }),
		replyEntry(TypeDisconnectReply, "DisconnectReply",
			func() Message { return &DisconnectReply{newEnvelope(TypeDisconnectReply)} }),
		requestEntry(TypePingRequest, "PingRequest", TypePingReply,
			func() Message { return &PingRequest{newEnvelope(TypePingRequest)} }),
		replyEntry(TypePingReply, "PingReply",
			func() Message { return &PingReply{newEnvelope(TypePingReply)} }),
		requestEntry(TypeDomainRegisterRequest, "DomainRegisterRequest", TypeDomainRegisterReply,
			func() Message { return &DomainRegisterRequest{newEnvelope(TypeDomainRegisterRequest)} }),
		replyEntry(TypeDomainRegisterReply, "DomainRegisterReply",
			func() Message { return &DomainRegisterReply{newEnvelope(TypeDomainRegisterReply)} }),
		requestEntry(TypeDomainDescribeRequest, "DomainDescribeRequest", TypeDomainDescribeReply,
			func() Message { return &DomainDescribeRequest{newEnvelope(TypeDomainDescribeRequest)} }),
		replyEntry(TypeDomainDescribeReply, "DomainDescribeReply",
			func() Message { return &DomainDescribeReply{newEnvelope(TypeDomainDescribeReply)} }),
		requestEntry(TypeDomainUpdateRequest, "DomainUpdateRequest", TypeDomainUpdateReply,
			func() Message { return &DomainUpdateRequest{newEnvelope(TypeDomainUpdateRequest)} }),
		replyEntry(TypeDomainUpdateReply, "DomainUpdateReply",
			func() Message { return &DomainUpdateReply{newEnvelope(TypeDomainUpdateReply)} }),
		notificationEntry(TypeLogNotification, "LogNotification",
			func() Message { return &LogNotification{newEnvelope(TypeLogNotification)} }),
		replyEntry(TypeErrorReply, "ErrorReply",
			func() Message { return &ErrorReply{newEnvelope(TypeErrorReply)} }),
	}
}

// Lookup returns the registry entry for code.
func (r *Registry) Lookup(code TypeCode) (Entry, bool) {
	e, ok := r.entries[code]
	return e, ok
}

// Prototype returns a fresh zero-value instance of the type registered for code.
func (r *Registry) Prototype(code TypeCode) (Message, error) {
	e, ok := r.entries[code]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, code)
	}
	return e.Factory(), nil
}

// New is an alias of Prototype that reads better at construction sites.
func (r *Registry) New(code TypeCode) (Message, error) {
	return r.Prototype(code)
}

// ReplyFor returns the reply type code paired with a request type code.
func (r *Registry) ReplyFor(code TypeCode) (TypeCode, error) {
	e, ok := r.entries[code]
	if !ok {
		return TypeUnspecified, fmt.Errorf("%w: %d", ErrUnknownType, code)
	}
	if e.Kind != KindRequest {
		return TypeUnspecified, fmt.Errorf("%w: %s is a %s", ErrNoReplyType, e.Name, e.Kind)
	}
	return e.ReplyCode, nil
}

// KindOf returns the capability tag of code.
func (r *Registry) KindOf(code TypeCode) (Kind, bool) {
	e, ok := r.entries[code]
	return e.Kind, ok
}

// Clone returns an independent copy of m with the same concrete type.
func (r *Registry) Clone(m Message) (Message, error) {
	clone, err := r.Prototype(m.Env().Type)
	if err != nil {
		return nil, err
	}
	clone.Env().copyFrom(m.Env())
	return clone, nil
}

// NewReply builds the reply for req, copying only the request ID.
func (r *Registry) NewReply(req Message) (Message, error) {
	code, err := r.ReplyFor(req.Env().Type)
	if err != nil {
		return nil, err
	}
	reply, err := r.Prototype(code)
	if err != nil {
		return nil, err
	}
	reply.Env().RequestID = req.Env().RequestID
	return reply, nil
}

// Codes returns every registered type code in ascending order.
func (r *Registry) Codes() []TypeCode {
	codes := make([]TypeCode, 0, len(r.entries))
	for c := range r.entries {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}
