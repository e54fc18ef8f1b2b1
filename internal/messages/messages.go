// Package messages defines the envelope exchanged with the client library, the
// concrete message types projected onto it, and the static type registry.
package messages

import (
	"encoding/json"
	"time"
)

// Message is implemented by every concrete message type through its embedded Envelope.
type Message interface {
	Env() *Envelope
}

// InitializeRequest is the handshake. It carries the address the library listens on.
type InitializeRequest struct{ Envelope }

func (m *InitializeRequest) LibraryAddress() string     { return m.GetString(PropLibraryAddress) }
func (m *InitializeRequest) SetLibraryAddress(v string) { m.SetString(PropLibraryAddress, v) }
func (m *InitializeRequest) LibraryPort() int           { return int(m.GetInt(PropLibraryPort)) }
func (m *InitializeRequest) SetLibraryPort(v int)       { m.SetInt(PropLibraryPort, int64(v)) }

// LogLevel is the minimum severity of diagnostic events the library wants forwarded.
func (m *InitializeRequest) LogLevel() string     { return m.GetString(PropLogLevel) }
func (m *InitializeRequest) SetLogLevel(v string) { m.SetString(PropLogLevel, v) }

type InitializeReply struct{ Envelope }

// ConnectRequest asks the proxy to establish the engine connection.
type ConnectRequest struct{ Envelope }

// Endpoints returns the engine endpoints, encoded as a JSON array on the wire.
func (m *ConnectRequest) Endpoints() []string {
	var endpoints []string
	if err := m.GetJSON(PropEndpoints, &endpoints); err != nil {
		return nil
	}
	return endpoints
}

func (m *ConnectRequest) SetEndpoints(v []string) {
	if len(v) == 0 {
		m.SetString(PropEndpoints, "")
		return
	}
	_ = m.SetJSON(PropEndpoints, v)
}

func (m *ConnectRequest) Identity() string                { return m.GetString(PropIdentity) }
func (m *ConnectRequest) SetIdentity(v string)            { m.SetString(PropIdentity, v) }
func (m *ConnectRequest) ClientTimeout() time.Duration     { return m.GetDuration(PropClientTimeout) }
func (m *ConnectRequest) SetClientTimeout(v time.Duration) { m.SetDuration(PropClientTimeout, v) }
func (m *ConnectRequest) Domain() string                  { return m.GetString(PropDomain) }
func (m *ConnectRequest) SetDomain(v string)              { m.SetString(PropDomain, v) }

type ConnectReply struct{ Envelope }

type TerminateRequest struct{ Envelope }
type TerminateReply struct{ Envelope }

type HeartbeatRequest struct{ Envelope }
type HeartbeatReply struct{ Envelope }

// CancelRequest asks the engine to cancel a named operation.
type CancelRequest struct{ Envelope }

func (m *CancelRequest) OperationID() string     { return m.GetString(PropOperationID) }
func (m *CancelRequest) SetOperationID(v string) { m.SetString(PropOperationID, v) }

type CancelReply struct{ Envelope }

type DisconnectRequest struct{ Envelope }
type DisconnectReply struct{ Envelope }

type PingRequest struct{ Envelope }
type PingReply struct{ Envelope }

// DomainRegisterRequest registers a new domain with the engine.
type DomainRegisterRequest struct{ Envelope }

func (m *DomainRegisterRequest) Name() string              { return m.GetString(PropName) }
func (m *DomainRegisterRequest) SetName(v string)          { m.SetString(PropName, v) }
func (m *DomainRegisterRequest) Description() string       { return m.GetString(PropDescription) }
func (m *DomainRegisterRequest) SetDescription(v string)   { m.SetString(PropDescription, v) }
func (m *DomainRegisterRequest) OwnerEmail() string        { return m.GetString(PropOwnerEmail) }
func (m *DomainRegisterRequest) SetOwnerEmail(v string)    { m.SetString(PropOwnerEmail, v) }
func (m *DomainRegisterRequest) RetentionDays() int32      { return int32(m.GetInt(PropRetentionDays)) }
func (m *DomainRegisterRequest) SetRetentionDays(v int32)  { m.SetInt(PropRetentionDays, int64(v)) }
func (m *DomainRegisterRequest) EmitMetrics() bool         { return m.GetBool(PropEmitMetrics) }
func (m *DomainRegisterRequest) SetEmitMetrics(v bool)     { m.SetBool(PropEmitMetrics, v) }
func (m *DomainRegisterRequest) SecurityToken() string     { return m.GetString(PropSecurityToken) }
func (m *DomainRegisterRequest) SetSecurityToken(v string) { m.SetString(PropSecurityToken, v) }

type DomainRegisterReply struct{ Envelope }

type DomainDescribeRequest struct{ Envelope }

func (m *DomainDescribeRequest) Name() string     { return m.GetString(PropName) }
func (m *DomainDescribeRequest) SetName(v string) { m.SetString(PropName, v) }

// DomainDescribeReply carries the engine's description of a domain.
type DomainDescribeReply struct{ Envelope }

func (m *DomainDescribeReply) DomainInfoName() string     { return m.GetString(PropDomainInfoName) }
func (m *DomainDescribeReply) SetDomainInfoName(v string) { m.SetString(PropDomainInfoName, v) }
func (m *DomainDescribeReply) DomainInfoDescription() string {
	return m.GetString(PropDomainInfoDescription)
}
func (m *DomainDescribeReply) SetDomainInfoDescription(v string) {
	m.SetString(PropDomainInfoDescription, v)
}
func (m *DomainDescribeReply) DomainInfoStatus() string     { return m.GetString(PropDomainInfoStatus) }
func (m *DomainDescribeReply) SetDomainInfoStatus(v string) { m.SetString(PropDomainInfoStatus, v) }
func (m *DomainDescribeReply) DomainInfoOwnerEmail() string {
	return m.GetString(PropDomainInfoOwnerEmail)
}
func (m *DomainDescribeReply) SetDomainInfoOwnerEmail(v string) {
	m.SetString(PropDomainInfoOwnerEmail, v)
}
func (m *DomainDescribeReply) DomainID() string     { return m.GetString(PropDomainID) }
func (m *DomainDescribeReply) SetDomainID(v string) { m.SetString(PropDomainID, v) }
func (m *DomainDescribeReply) ConfigurationRetentionDays() int32 {
	return int32(m.GetInt(PropConfigurationRetentionDays))
}
func (m *DomainDescribeReply) SetConfigurationRetentionDays(v int32) {
	m.SetInt(PropConfigurationRetentionDays, int64(v))
}
func (m *DomainDescribeReply) ConfigurationEmitMetrics() bool {
	return m.GetBool(PropConfigurationEmitMetrics)
}
func (m *DomainDescribeReply) SetConfigurationEmitMetrics(v bool) {
	m.SetBool(PropConfigurationEmitMetrics, v)
}

// DomainUpdateRequest changes mutable domain settings.
type DomainUpdateRequest struct{ Envelope }

func (m *DomainUpdateRequest) Name() string     { return m.GetString(PropName) }
func (m *DomainUpdateRequest) SetName(v string) { m.SetString(PropName, v) }
func (m *DomainUpdateRequest) UpdatedInfoDescription() string {
	return m.GetString(PropUpdatedInfoDescription)
}
func (m *DomainUpdateRequest) SetUpdatedInfoDescription(v string) {
	m.SetString(PropUpdatedInfoDescription, v)
}
func (m *DomainUpdateRequest) UpdatedInfoOwnerEmail() string {
	return m.GetString(PropUpdatedInfoOwnerEmail)
}
func (m *DomainUpdateRequest) SetUpdatedInfoOwnerEmail(v string) {
	m.SetString(PropUpdatedInfoOwnerEmail, v)
}
func (m *DomainUpdateRequest) ConfigurationRetentionDays() int32 {
	return int32(m.GetInt(PropConfigurationRetentionDays))
}
func (m *DomainUpdateRequest) SetConfigurationRetentionDays(v int32) {
	m.SetInt(PropConfigurationRetentionDays, int64(v))
}
func (m *DomainUpdateRequest) ConfigurationEmitMetrics() bool {
	return m.GetBool(PropConfigurationEmitMetrics)
}
func (m *DomainUpdateRequest) SetConfigurationEmitMetrics(v bool) {
	m.SetBool(PropConfigurationEmitMetrics, v)
}
func (m *DomainUpdateRequest) SecurityToken() string     { return m.GetString(PropSecurityToken) }
func (m *DomainUpdateRequest) SetSecurityToken(v string) { m.SetString(PropSecurityToken, v) }

type DomainUpdateReply struct{ Envelope }

// LogNotification is a one-way diagnostic event. The proxy sends them to the
// library and accepts them from it.
type LogNotification struct{ Envelope }

func (m *LogNotification) Level() string       { return m.GetString(PropLevel) }
func (m *LogNotification) SetLevel(v string)   { m.SetString(PropLevel, v) }
func (m *LogNotification) Message() string     { return m.GetString(PropMessage) }
func (m *LogNotification) SetMessage(v string) { m.SetString(PropMessage, v) }
func (m *LogNotification) Source() string      { return m.GetString(PropSource) }
func (m *LogNotification) SetSource(v string)  { m.SetString(PropSource, v) }
func (m *LogNotification) Time() time.Time     { return m.GetTime(PropTime) }
func (m *LogNotification) SetTime(v time.Time) { m.Envelope.SetTime(PropTime, v) }

// Fields decodes the structured context carried in the first attachment.
func (m *LogNotification) Fields() map[string]interface{} {
	if len(m.Attachments) == 0 || len(m.Attachments[0]) == 0 {
		return nil
	}
	fields := make(map[string]interface{})
	if err := json.Unmarshal(m.Attachments[0], &fields); err != nil {
		return nil
	}
	return fields
}

func (m *LogNotification) SetFields(fields map[string]interface{}) error {
	if len(fields) == 0 {
		m.Attachments = nil
		return nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	m.Attachments = [][]byte{data}
	return nil
}

// ErrorReply is the generic reply used when the request's own reply type is unknown.
type ErrorReply struct{ Envelope }
