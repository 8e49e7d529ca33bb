package frame

import (
	"fmt"

	"github.com/ValentinKolb/rntbd/rntbd/token"
)

// headerDef describes one header of a frame kind
type headerDef struct {
	name     string
	typ      token.TokenType
	required bool
}

func lookupDef(defs map[uint16]headerDef, id uint16) headerDef {
	if d, ok := defs[id]; ok {
		return d
	}
	return headerDef{name: fmt.Sprintf("Header(0x%04X)", id), typ: token.TypeInvalid}
}

// --------------------------------------------------------------------------
// Context request headers
// --------------------------------------------------------------------------

// ContextRequestHeader enumerates the headers of a context request frame.
// The value of each constant is its wire id.
type ContextRequestHeader uint16

const (
	ContextRequestProtocolVersion ContextRequestHeader = 0x0000
	ContextRequestClientVersion   ContextRequestHeader = 0x0001
	ContextRequestUserAgent       ContextRequestHeader = 0x0002
)

var contextRequestDefs = map[uint16]headerDef{
	0x0000: {"ProtocolVersion", token.TypeULong, true},
	0x0001: {"ClientVersion", token.TypeSmallString, true},
	0x0002: {"UserAgent", token.TypeSmallString, true},
}

func (h ContextRequestHeader) ID() uint16            { return uint16(h) }
func (h ContextRequestHeader) Type() token.TokenType { return lookupDef(contextRequestDefs, uint16(h)).typ }
func (h ContextRequestHeader) IsRequired() bool      { return lookupDef(contextRequestDefs, uint16(h)).required }
func (h ContextRequestHeader) String() string        { return lookupDef(contextRequestDefs, uint16(h)).name }

// ContextRequestSchema is the schema of context request frames
var ContextRequestSchema = token.NewSchema(
	ContextRequestProtocolVersion,
	ContextRequestClientVersion,
	ContextRequestUserAgent,
)

// --------------------------------------------------------------------------
// Context response headers
// --------------------------------------------------------------------------

// ContextHeader enumerates the headers of a context response frame
type ContextHeader uint16

const (
	ContextProtocolVersion                 ContextHeader = 0x0000
	ContextClientVersion                   ContextHeader = 0x0001
	ContextServerAgent                     ContextHeader = 0x0002
	ContextServerVersion                   ContextHeader = 0x0003
	ContextIdleTimeoutInSeconds            ContextHeader = 0x0004
	ContextUnauthenticatedTimeoutInSeconds ContextHeader = 0x0005
	ContextRequiredClientVersion           ContextHeader = 0x0006
	ContextRequiredProtocolVersion         ContextHeader = 0x0007
)

var contextDefs = map[uint16]headerDef{
	0x0000: {"ProtocolVersion", token.TypeULong, false},
	0x0001: {"ClientVersion", token.TypeSmallString, false},
	0x0002: {"ServerAgent", token.TypeSmallString, true},
	0x0003: {"ServerVersion", token.TypeSmallString, true},
	0x0004: {"IdleTimeoutInSeconds", token.TypeULong, false},
	0x0005: {"UnauthenticatedTimeoutInSeconds", token.TypeULong, false},
	0x0006: {"RequiredClientVersion", token.TypeSmallString, false},
	0x0007: {"RequiredProtocolVersion", token.TypeULong, false},
}

func (h ContextHeader) ID() uint16            { return uint16(h) }
func (h ContextHeader) Type() token.TokenType { return lookupDef(contextDefs, uint16(h)).typ }
func (h ContextHeader) IsRequired() bool      { return lookupDef(contextDefs, uint16(h)).required }
func (h ContextHeader) String() string        { return lookupDef(contextDefs, uint16(h)).name }

// ContextSchema is the schema of context response frames
var ContextSchema = token.NewSchema(
	ContextProtocolVersion,
	ContextClientVersion,
	ContextServerAgent,
	ContextServerVersion,
	ContextIdleTimeoutInSeconds,
	ContextUnauthenticatedTimeoutInSeconds,
	ContextRequiredClientVersion,
	ContextRequiredProtocolVersion,
)

// --------------------------------------------------------------------------
// Request headers
// --------------------------------------------------------------------------

// RequestHeader enumerates the headers of a request frame. Only the headers
// the transport itself interprets plus the common addressing and
// authorization headers are defined, the replica ignores what it does not know.
type RequestHeader uint16

const (
	RequestResourceID          RequestHeader = 0x0000
	RequestAuthorizationToken  RequestHeader = 0x0001
	RequestPayloadPresent      RequestHeader = 0x0002
	RequestDate                RequestHeader = 0x0003
	RequestPageSize            RequestHeader = 0x0004
	RequestSessionToken        RequestHeader = 0x0005
	RequestContinuationToken   RequestHeader = 0x0006
	RequestMatch               RequestHeader = 0x0008
	RequestConsistencyLevel    RequestHeader = 0x0010
	RequestEntityID            RequestHeader = 0x0011
	RequestReplicaPath         RequestHeader = 0x0013
	RequestPartitionKey        RequestHeader = 0x0021
	RequestPartitionKeyRangeID RequestHeader = 0x0022
	RequestTransportRequestID  RequestHeader = 0x004D
	RequestEffectivePartition  RequestHeader = 0x005A
)

var requestDefs = map[uint16]headerDef{
	0x0000: {"ResourceId", token.TypeBytes, false},
	0x0001: {"AuthorizationToken", token.TypeString, false},
	0x0002: {"PayloadPresent", token.TypeByte, true},
	0x0003: {"Date", token.TypeSmallString, false},
	0x0004: {"PageSize", token.TypeULong, false},
	0x0005: {"SessionToken", token.TypeString, false},
	0x0006: {"ContinuationToken", token.TypeString, false},
	0x0008: {"Match", token.TypeString, false},
	0x0010: {"ConsistencyLevel", token.TypeByte, false},
	0x0011: {"EntityId", token.TypeString, false},
	0x0013: {"ReplicaPath", token.TypeString, false},
	0x0021: {"PartitionKey", token.TypeString, false},
	0x0022: {"PartitionKeyRangeId", token.TypeString, false},
	0x004D: {"TransportRequestID", token.TypeULong, true},
	0x005A: {"EffectivePartitionKey", token.TypeBytes, false},
}

func (h RequestHeader) ID() uint16            { return uint16(h) }
func (h RequestHeader) Type() token.TokenType { return lookupDef(requestDefs, uint16(h)).typ }
func (h RequestHeader) IsRequired() bool      { return lookupDef(requestDefs, uint16(h)).required }
func (h RequestHeader) String() string        { return lookupDef(requestDefs, uint16(h)).name }

// RequestSchema is the schema of request frames
var RequestSchema = token.NewSchema(
	RequestResourceID,
	RequestAuthorizationToken,
	RequestPayloadPresent,
	RequestDate,
	RequestPageSize,
	RequestSessionToken,
	RequestContinuationToken,
	RequestMatch,
	RequestConsistencyLevel,
	RequestEntityID,
	RequestReplicaPath,
	RequestPartitionKey,
	RequestPartitionKeyRangeID,
	RequestTransportRequestID,
	RequestEffectivePartition,
)

// --------------------------------------------------------------------------
// Response headers
// --------------------------------------------------------------------------

// ResponseHeader enumerates the headers of a response frame
type ResponseHeader uint16

const (
	ResponsePayloadPresent          ResponseHeader = 0x0000
	ResponseLastStateChangeDateTime ResponseHeader = 0x0002
	ResponseContinuationToken       ResponseHeader = 0x0003
	ResponseETag                    ResponseHeader = 0x0004
	ResponseRetryAfterMilliseconds  ResponseHeader = 0x000C
	ResponseLSN                     ResponseHeader = 0x0013
	ResponseRequestCharge           ResponseHeader = 0x0015
	ResponseSubStatus               ResponseHeader = 0x001C
	ResponseTransportRequestID      ResponseHeader = 0x0035
	ResponseSessionToken            ResponseHeader = 0x003E
	ResponseServerDateTimeUtc       ResponseHeader = 0x0040
)

var responseDefs = map[uint16]headerDef{
	0x0000: {"PayloadPresent", token.TypeByte, true},
	0x0002: {"LastStateChangeDateTime", token.TypeSmallString, false},
	0x0003: {"ContinuationToken", token.TypeString, false},
	0x0004: {"ETag", token.TypeString, false},
	0x000C: {"RetryAfterMilliseconds", token.TypeULong, false},
	0x0013: {"LSN", token.TypeLongLong, false},
	0x0015: {"RequestCharge", token.TypeDouble, false},
	0x001C: {"SubStatus", token.TypeULong, false},
	0x0035: {"TransportRequestID", token.TypeULong, true},
	0x003E: {"SessionToken", token.TypeString, false},
	0x0040: {"ServerDateTimeUtc", token.TypeSmallString, false},
}

func (h ResponseHeader) ID() uint16            { return uint16(h) }
func (h ResponseHeader) Type() token.TokenType { return lookupDef(responseDefs, uint16(h)).typ }
func (h ResponseHeader) IsRequired() bool      { return lookupDef(responseDefs, uint16(h)).required }
func (h ResponseHeader) String() string        { return lookupDef(responseDefs, uint16(h)).name }

// ResponseSchema is the schema of response frames
var ResponseSchema = token.NewSchema(
	ResponsePayloadPresent,
	ResponseLastStateChangeDateTime,
	ResponseContinuationToken,
	ResponseETag,
	ResponseRetryAfterMilliseconds,
	ResponseLSN,
	ResponseRequestCharge,
	ResponseSubStatus,
	ResponseTransportRequestID,
	ResponseSessionToken,
	ResponseServerDateTimeUtc,
)
