package cadence

import (
	"fmt"
	"strconv"
)

// ContentType is the only content type accepted on either side of the
// loopback channel.
const ContentType = "application/x-cadence-proxy"

// MessageType identifies an envelope. Every request type has exactly one
// reply type; see ReplyTypeOf.
type MessageType int32

const (
	Unspecified MessageType = 0

	InitializeRequest MessageType = 1
	InitializeReply   MessageType = 2
	ConnectRequest    MessageType = 3
	ConnectReply      MessageType = 4
	TerminateRequest  MessageType = 5
	TerminateReply    MessageType = 6
	HeartbeatRequest  MessageType = 13
	HeartbeatReply    MessageType = 14
	CancelRequest     MessageType = 15
	CancelReply       MessageType = 16

	NewWorkerRequest            MessageType = 17
	NewWorkerReply              MessageType = 18
	StopWorkerRequest           MessageType = 19
	StopWorkerReply             MessageType = 20
	WorkflowSetCacheSizeRequest MessageType = 21
	WorkflowSetCacheSizeReply   MessageType = 22

	// Inbound invocations, sent by the proxy to the library.
	WorkflowInvokeRequest       MessageType = 132
	WorkflowInvokeReply         MessageType = 133
	WorkflowSignalInvokeRequest MessageType = 150
	WorkflowSignalInvokeReply   MessageType = 151
	WorkflowQueryInvokeRequest  MessageType = 152
	WorkflowQueryInvokeReply    MessageType = 153
	ActivityInvokeRequest       MessageType = 200
	ActivityInvokeReply         MessageType = 201
	ActivityStoppingRequest     MessageType = 210
	ActivityStoppingReply       MessageType = 211
	ActivityInvokeLocalRequest  MessageType = 212
	ActivityInvokeLocalReply    MessageType = 213
)

var replyTypes = map[MessageType]MessageType{
	InitializeRequest:           InitializeReply,
	ConnectRequest:              ConnectReply,
	TerminateRequest:            TerminateReply,
	HeartbeatRequest:            HeartbeatReply,
	CancelRequest:               CancelReply,
	NewWorkerRequest:            NewWorkerReply,
	StopWorkerRequest:           StopWorkerReply,
	WorkflowSetCacheSizeRequest: WorkflowSetCacheSizeReply,
	WorkflowInvokeRequest:       WorkflowInvokeReply,
	WorkflowSignalInvokeRequest: WorkflowSignalInvokeReply,
	WorkflowQueryInvokeRequest:  WorkflowQueryInvokeReply,
	ActivityInvokeRequest:       ActivityInvokeReply,
	ActivityStoppingRequest:     ActivityStoppingReply,
	ActivityInvokeLocalRequest:  ActivityInvokeLocalReply,
}

var typeNames = map[MessageType]string{
	Unspecified:                 "Unspecified",
	InitializeRequest:           "InitializeRequest",
	InitializeReply:             "InitializeReply",
	ConnectRequest:              "ConnectRequest",
	ConnectReply:                "ConnectReply",
	TerminateRequest:            "TerminateRequest",
	TerminateReply:              "TerminateReply",
	HeartbeatRequest:            "HeartbeatRequest",
	HeartbeatReply:              "HeartbeatReply",
	CancelRequest:               "CancelRequest",
	CancelReply:                 "CancelReply",
	NewWorkerRequest:            "NewWorkerRequest",
	NewWorkerReply:              "NewWorkerReply",
	StopWorkerRequest:           "StopWorkerRequest",
	StopWorkerReply:             "StopWorkerReply",
	WorkflowSetCacheSizeRequest: "WorkflowSetCacheSizeRequest",
	WorkflowSetCacheSizeReply:   "WorkflowSetCacheSizeReply",
	WorkflowInvokeRequest:       "WorkflowInvokeRequest",
	WorkflowInvokeReply:         "WorkflowInvokeReply",
	WorkflowSignalInvokeRequest: "WorkflowSignalInvokeRequest",
	WorkflowSignalInvokeReply:   "WorkflowSignalInvokeReply",
	WorkflowQueryInvokeRequest:  "WorkflowQueryInvokeRequest",
	WorkflowQueryInvokeReply:    "WorkflowQueryInvokeReply",
	ActivityInvokeRequest:       "ActivityInvokeRequest",
	ActivityInvokeReply:         "ActivityInvokeReply",
	ActivityStoppingRequest:     "ActivityStoppingRequest",
	ActivityStoppingReply:       "ActivityStoppingReply",
	ActivityInvokeLocalRequest:  "ActivityInvokeLocalRequest",
	ActivityInvokeLocalReply:    "ActivityInvokeLocalReply",
}

func (t MessageType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "MessageType(" + strconv.Itoa(int(t)) + ")"
}

// ReplyTypeOf returns the reply type expected for request type t, or
// Unspecified when t is not a request.
func ReplyTypeOf(t MessageType) MessageType {
	return replyTypes[t]
}

// IsRequest reports whether t is a known request type.
func (t MessageType) IsRequest() bool {
	_, ok := replyTypes[t]
	return ok
}

// IsReply reports whether t is the reply type of some known request.
func (t MessageType) IsReply() bool {
	return t != Unspecified && t.IsKnown() && !t.IsRequest()
}

func (t MessageType) IsKnown() bool {
	_, ok := typeNames[t]
	return ok
}

// IsInbound reports whether t is an invocation the proxy sends to the
// library rather than a request the library sends to the proxy.
func (t MessageType) IsInbound() bool {
	switch t {
	case WorkflowInvokeRequest, WorkflowSignalInvokeRequest, WorkflowQueryInvokeRequest,
		ActivityInvokeRequest, ActivityStoppingRequest, ActivityInvokeLocalRequest:
		return true
	}
	return false
}

// Property names carried in Envelope.Properties.
const (
	PropLibraryAddress = "LibraryAddress"
	PropLibraryPort    = "LibraryPort"
	PropEndpoints      = "Endpoints"
	PropIdentity       = "Identity"
	PropDomain         = "Domain"
	PropCreateDomain   = "CreateDomain"
	PropClientTimeout  = "ClientTimeout"
	PropCacheSize      = "Size"
	PropTaskList       = "TaskList"
	PropWorkerKind     = "Kind"
	PropWorkerID       = "WorkerID"
	PropWasCancelled   = "WasCancelled"
	PropTypeName       = "TypeName"
	PropContextID      = "ContextID"
	PropSignalName     = "SignalName"
	PropQueryName      = "QueryName"
)

// Envelope is the unit exchanged with the proxy. Payload is opaque.
type Envelope struct {
	Type            MessageType
	ReplyType       MessageType
	RequestID       int64
	TargetRequestID int64
	IsCancellable   bool
	ErrorType       string
	ErrorMessage    string
	Properties      map[string]string
	Payload         []byte
}

// NewRequest returns a request envelope of type t with its reply type set.
func NewRequest(t MessageType) *Envelope {
	return &Envelope{
		Type:       t,
		ReplyType:  ReplyTypeOf(t),
		Properties: make(map[string]string),
	}
}

// Get returns a property value, or "" when absent.
func (e *Envelope) Get(key string) string {
	if e.Properties == nil {
		return ""
	}
	return e.Properties[key]
}

func (e *Envelope) Set(key, value string) {
	if e.Properties == nil {
		e.Properties = make(map[string]string)
	}
	e.Properties[key] = value
}

// Int64 parses a property as an int64. Missing or malformed values yield 0.
func (e *Envelope) Int64(key string) int64 {
	v, err := strconv.ParseInt(e.Get(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func (e *Envelope) Bool(key string) bool {
	v, _ := strconv.ParseBool(e.Get(key))
	return v
}

// Err returns a *RemoteError when the envelope is an error-tagged reply.
func (e *Envelope) Err() error {
	if e == nil || e.ErrorType == "" {
		return nil
	}
	return &RemoteError{Type: e.ErrorType, Message: e.ErrorMessage}
}

// SetError tags e with err. A *RemoteError keeps its type, anything else
// becomes a generic error.
func (e *Envelope) SetError(err error) {
	if err == nil {
		e.ErrorType, e.ErrorMessage = "", ""
		return
	}
	if re, ok := err.(*RemoteError); ok {
		e.ErrorType, e.ErrorMessage = re.Type, re.Message
		return
	}
	e.ErrorType, e.ErrorMessage = ErrorTypeGeneric, err.Error()
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s[id=%d]", e.Type, e.RequestID)
}
