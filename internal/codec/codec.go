// Package codec converts envelopes to and from their binary wire form.
//
// Layout, all integers little-endian:
//
//	[type:int32][requestId:int64][propCount:int32]
//	  {[keyLen:int32][key][valLen:int32][val]}*
//	[attachmentCount:int32]
//	  {[len:int32][bytes]}*
//
// A value length of -1 marks an absent property; an attachment length of -1 marks
// a nil attachment.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/berrythewa/cadence-proxy/internal/messages"
)

const (
	// HeaderSize is the type code plus the request ID.
	HeaderSize = 4 + 8

	nullLength = -1
)

var (
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// DecodeError reports why a payload could not be decoded and what could be
// salvaged from its header.
type DecodeError struct {
	Err       error // ErrMalformedEnvelope or ErrUnknownMessageType
	Type      messages.TypeCode
	RequestID int64
	Salvaged  bool // true when the full header was readable
	Reason    string
}

func (e *DecodeError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Codec encodes and decodes envelopes using a type registry.
type Codec struct {
	registry *messages.Registry
}

// New creates a codec backed by registry. A nil registry selects messages.Default().
func New(registry *messages.Registry) *Codec {
	if registry == nil {
		registry = messages.Default()
	}
	return &Codec{registry: registry}
}

// Registry returns the registry the codec decodes against.
func (c *Codec) Registry() *messages.Registry { return c.registry }

// Encode serializes m. Properties are written in ascending key order so the
// output is deterministic.
func (c *Codec) Encode(m messages.Message) []byte {
	env := m.Env()

	keys := make([]string, 0, len(env.Properties))
	size := HeaderSize + 4 + 4
	for k, v := range env.Properties {
		keys = append(keys, k)
		size += 8 + len(k) + len(v)
	}
	sort.Strings(keys)
	for _, a := range env.Attachments {
		size += 4 + len(a)
	}

	var buf bytes.Buffer
	buf.Grow(size)

	writeInt32(&buf, int32(env.Type))
	writeInt64(&buf, env.RequestID)

	writeInt32(&buf, int32(len(keys)))
	for _, k := range keys {
		writeBytes(&buf, []byte(k))
		writeBytes(&buf, []byte(env.Properties[k]))
	}

	writeInt32(&buf, int32(len(env.Attachments)))
	for _, a := range env.Attachments {
		if a == nil {
			writeInt32(&buf, nullLength)
			continue
		}
		writeBytes(&buf, a)
	}
	return buf.Bytes()
}

// Decode parses data into a new instance of the concrete type its header names.
// Errors are always *DecodeError.
func (c *Codec) Decode(data []byte) (messages.Message, error) {
	if len(data) < HeaderSize {
		return nil, &DecodeError{Err: ErrMalformedEnvelope, Reason: fmt.Sprintf("header truncated at %d bytes", len(data))}
	}

	r := &reader{data: data}
	code := messages.TypeCode(r.int32())
	requestID := r.int64()

	fail := func(err error, format string, args ...interface{}) (messages.Message, error) {
		return nil, &DecodeError{
			Err:       err,
			Type:      code,
			RequestID: requestID,
			Salvaged:  true,
			Reason:    fmt.Sprintf(format, args...),
		}
	}

	m, err := c.registry.Prototype(code)
	if err != nil {
		return fail(ErrUnknownMessageType, "type code %d", int32(code))
	}
	env := m.Env()
	env.RequestID = requestID

	propCount, ok := r.count(8)
	if !ok {
		return fail(ErrMalformedEnvelope, "property count overruns buffer")
	}
	seen := make(map[string]struct{}, propCount)
	for i := 0; i < propCount; i++ {
		key, ok := r.bytes()
		if !ok || key == nil {
			return fail(ErrMalformedEnvelope, "property %d: bad key", i)
		}
		if _, dup := seen[string(key)]; dup {
			return fail(ErrMalformedEnvelope, "property %q: duplicate key", key)
		}
		seen[string(key)] = struct{}{}
		val, ok := r.bytes()
		if !ok {
			return fail(ErrMalformedEnvelope, "property %q: bad value", key)
		}
		if val == nil {
			continue
		}
		env.Properties[string(key)] = string(val)
	}

	attCount, ok := r.count(4)
	if !ok {
		return fail(ErrMalformedEnvelope, "attachment count overruns buffer")
	}
	if attCount > 0 {
		env.Attachments = make([][]byte, attCount)
	}
	for i := 0; i < attCount; i++ {
		a, ok := r.bytes()
		if !ok {
			return fail(ErrMalformedEnvelope, "attachment %d overruns buffer", i)
		}
		if a != nil {
			env.Attachments[i] = append([]byte{}, a...)
		}
	}

	if r.remaining() != 0 {
		return fail(ErrMalformedEnvelope, "%d trailing bytes", r.remaining())
	}
	return m, nil
}

func writeInt32(buf *bytes.Buffer, v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeInt32(buf, int32(len(b)))
	buf.Write(b)
}

// reader walks a payload without copying. Every read checks the remaining length.
type reader struct {
	data []byte
	off  int
}

func (r *reader) remaining() int { return len(r.data) - r.off }

func (r *reader) int32() int32 {
	v := int32(binary.LittleEndian.Uint32(r.data[r.off:]))
	r.off += 4
	return v
}

func (r *reader) int64() int64 {
	v := int64(binary.LittleEndian.Uint64(r.data[r.off:]))
	r.off += 8
	return v
}

// count reads a section count and rejects counts that cannot fit in the rest of
// the buffer given the minimum encoded size of one item.
func (r *reader) count(minItem int) (int, bool) {
	if r.remaining() < 4 {
		return 0, false
	}
	n := r.int32()
	if n < 0 || int64(n) > int64(r.remaining())/int64(minItem) {
		return 0, false
	}
	return int(n), true
}

// bytes reads a length-prefixed slice. A -1 length yields (nil, true).
func (r *reader) bytes() ([]byte, bool) {
	if r.remaining() < 4 {
		return nil, false
	}
	n := r.int32()
	if n == nullLength {
		return nil, true
	}
	if n < 0 || int(n) > r.remaining() {
		return nil, false
	}
	b := r.data[r.off : r.off+int(n)]
	r.off += int(n)
	return b, true
}
