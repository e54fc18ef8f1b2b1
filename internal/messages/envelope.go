package messages

import (
	"encoding/json"
	"strconv"
	"time"
)

// Envelope is the unit of communication between the proxy and the client library.
// Typed message fields are projected onto Properties by accessor methods.
type Envelope struct {
	Type        TypeCode
	RequestID   int64
	Properties  map[string]string
	Attachments [][]byte
}

func newEnvelope(code TypeCode) Envelope {
	return Envelope{Type: code, Properties: make(map[string]string)}
}

// Env returns the envelope itself so concrete messages satisfy Message by embedding.
func (e *Envelope) Env() *Envelope { return e }

// copyFrom replaces the receiver's contents with a deep copy of src, keeping the receiver's type code.
func (e *Envelope) copyFrom(src *Envelope) {
	e.RequestID = src.RequestID
	e.Properties = make(map[string]string, len(src.Properties))
	for k, v := range src.Properties {
		e.Properties[k] = v
	}
	e.Attachments = nil
	if src.Attachments != nil {
		e.Attachments = make([][]byte, len(src.Attachments))
		for i, a := range src.Attachments {
			if a != nil {
				e.Attachments[i] = append([]byte{}, a...)
			}
		}
	}
}

// GetString returns the property value or "" when absent.
func (e *Envelope) GetString(key string) string {
	return e.Properties[key]
}

// Has reports whether the property is present.
func (e *Envelope) Has(key string) bool {
	_, ok := e.Properties[key]
	return ok
}

// SetString sets a property. An empty value removes it.
func (e *Envelope) SetString(key, value string) {
	if e.Properties == nil {
		e.Properties = make(map[string]string)
	}
	if value == "" {
		delete(e.Properties, key)
		return
	}
	e.Properties[key] = value
}

// GetInt parses an integer property, returning 0 when absent or malformed.
func (e *Envelope) GetInt(key string) int64 {
	v, err := strconv.ParseInt(e.Properties[key], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func (e *Envelope) SetInt(key string, value int64) {
	e.SetString(key, strconv.FormatInt(value, 10))
}

// GetBool parses a boolean property, returning false when absent or malformed.
func (e *Envelope) GetBool(key string) bool {
	v, err := strconv.ParseBool(e.Properties[key])
	if err != nil {
		return false
	}
	return v
}

func (e *Envelope) SetBool(key string, value bool) {
	e.SetString(key, strconv.FormatBool(value))
}

// GetDuration parses a Go duration string; absent or malformed values yield 0.
func (e *Envelope) GetDuration(key string) time.Duration {
	d, err := time.ParseDuration(e.Properties[key])
	if err != nil {
		return 0
	}
	return d
}

func (e *Envelope) SetDuration(key string, value time.Duration) {
	if value == 0 {
		e.SetString(key, "")
		return
	}
	e.SetString(key, value.String())
}

// GetTime parses an RFC3339Nano timestamp property.
func (e *Envelope) GetTime(key string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Properties[key])
	if err != nil {
		return time.Time{}
	}
	return t
}

func (e *Envelope) SetTime(key string, value time.Time) {
	if value.IsZero() {
		e.SetString(key, "")
		return
	}
	e.SetString(key, value.UTC().Format(time.RFC3339Nano))
}

// GetJSON unmarshals a JSON-encoded property into v. Absent properties leave v untouched.
func (e *Envelope) GetJSON(key string, v interface{}) error {
	raw, ok := e.Properties[key]
	if !ok {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

func (e *Envelope) SetJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.SetString(key, string(data))
	return nil
}

// ProxyError returns the error carried by a reply, or nil.
func (e *Envelope) ProxyError() *ProxyError {
	var pe ProxyError
	if err := e.GetJSON(PropError, &pe); err != nil || pe.Kind == "" {
		return nil
	}
	return &pe
}

// SetProxyError stores err in the reply's error fields. A nil error clears them.
func (e *Envelope) SetProxyError(err *ProxyError) {
	if err == nil {
		e.SetString(PropError, "")
		return
	}
	_ = e.SetJSON(PropError, err)
}
