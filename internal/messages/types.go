package messages

import "fmt"

// TypeCode identifies the semantic type of an envelope on the wire.
type TypeCode int32

// Message type codes. Requests and their replies are adjacent; the pairing itself
// lives in the registry table, not in the numbering.
const (
	TypeUnspecified TypeCode = 0

	TypeInitializeRequest TypeCode = 1
	TypeInitializeReply   TypeCode = 2
	TypeConnectRequest    TypeCode = 3
	TypeConnectReply      TypeCode = 4
	TypeTerminateRequest  TypeCode = 5
	TypeTerminateReply    TypeCode = 6
	TypeHeartbeatRequest  TypeCode = 7
	TypeHeartbeatReply    TypeCode = 8
	TypeCancelRequest     TypeCode = 9
	TypeCancelReply       TypeCode = 10
	TypeDisconnectRequest TypeCode = 11
	TypeDisconnectReply   TypeCode = 12
	TypePingRequest       TypeCode = 13
	TypePingReply         TypeCode = 14

	TypeDomainRegisterRequest TypeCode = 20
	TypeDomainRegisterReply   TypeCode = 21
	TypeDomainDescribeRequest TypeCode = 22
	TypeDomainDescribeReply   TypeCode = 23
	TypeDomainUpdateRequest   TypeCode = 24
	TypeDomainUpdateReply     TypeCode = 25

	TypeLogNotification TypeCode = 30

	// TypeErrorReply answers requests whose own reply type cannot be determined.
	TypeErrorReply TypeCode = 99
)

// String returns the registered name of the type code.
func (c TypeCode) String() string {
	if e, ok := Default().entries[c]; ok {
		return e.Name
	}
	return fmt.Sprintf("TypeCode(%d)", int32(c))
}

// Kind is the capability tag of a concrete message type.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindReply
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Property keys. Keys are part of the wire contract with the client library
// and must not change.
const (
	PropError = "Error"

	PropLibraryAddress = "LibraryAddress"
	PropLibraryPort    = "LibraryPort"
	PropLogLevel       = "LogLevel"

	PropEndpoints     = "Endpoints"
	PropIdentity      = "Identity"
	PropClientTimeout = "ClientTimeout"
	PropDomain        = "Domain"

	PropOperationID = "OperationId"

	PropName          = "Name"
	PropDescription   = "Description"
	PropOwnerEmail    = "OwnerEmail"
	PropRetentionDays = "RetentionDays"
	PropEmitMetrics   = "EmitMetrics"
	PropSecurityToken = "SecurityToken"

	PropDomainInfoName             = "DomainInfoName"
	PropDomainInfoDescription      = "DomainInfoDescription"
	PropDomainInfoStatus           = "DomainInfoStatus"
	PropDomainInfoOwnerEmail       = "DomainInfoOwnerEmail"
	PropDomainID                   = "DomainId"
	PropConfigurationRetentionDays = "ConfigurationRetentionDays"
	PropConfigurationEmitMetrics   = "ConfigurationEmitMetrics"

	PropUpdatedInfoDescription = "UpdatedInfoDescription"
	PropUpdatedInfoOwnerEmail  = "UpdatedInfoOwnerEmail"

	PropLevel   = "Level"
	PropMessage = "Message"
	PropSource  = "Source"
	PropTime    = "Time"
)
