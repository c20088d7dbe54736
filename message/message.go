// Package message defines the envelopes exchanged between a client proxy and a dispatcher.
//
// Every Message belongs to one invocation and is correlated by its InvocationID:
//
//	client ──Invoke──────────────►  server
//	client ◄─Progress*─────────────  server
//	client ◄─InterimRequest──────── server   (question or stream operation)
//	client ──InterimResponse──────► server
//	client ──Cancel───────────────► server   (optional, any time)
//	client ◄─Result | Exception──── server   (exactly one terminal message)
//
// Messages are serialized by the codec layer and wrapped in a protocol frame.
package message

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"

	"tunnel-rpc/protocol"
)

// InvocationID correlates every message of one remote call. It is chosen by the client and
// unique among the client's outstanding calls.
type InvocationID string

// NewInvocationID returns a fresh random id.
func NewInvocationID() InvocationID {
	return InvocationID(uuid.NewString())
}

// Route returns the frame route key for this invocation.
func (id InvocationID) Route() uint32 {
	return protocol.RouteKey(string(id))
}

// Parameter type descriptors for arguments that are not plain values.
const (
	DescExecution   = "execution"
	DescResult      = "result"
	DescStream      = "stream"
	DescStreamArray = "[]stream"
	DescStreamList  = "list<stream>"
)

// TypeDesc is the descriptor of a plain value parameter of type T, e.g. "string" or
// "demo.Point". Client and server derive descriptors the same way, so a value's
// descriptor matches the declared parameter's.
func TypeDesc[T any]() string {
	return reflect.TypeFor[T]().String()
}

// DescOf returns the descriptor of v's dynamic type.
func DescOf(v any) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}

// ArgKind tells the dispatcher how to rebuild a live argument.
type ArgKind uint8

const (
	ArgValue       ArgKind = iota // JSON value in Argument.Value
	ArgNull                       // callback parameter, replaced by a live object server side
	ArgStream                     // one tunneled stream, Slots[0]
	ArgStreamArray                // stream array, one slot per element
	ArgStreamList                 // stream collection, one slot per element
)

// NullSlot marks a nil stream inside a tunneled array or collection.
const NullSlot = -1

// Argument is one marshaled call argument. Live streams are replaced by their slot numbers.
type Argument struct {
	Kind  ArgKind `json:"k"`
	Value []byte  `json:"v,omitempty"`
	Slots []int   `json:"s,omitempty"`
}

// InvocationRequest names the method to execute and carries its arguments.
// It is immutable once built; one instance is created per call attempt.
type InvocationRequest struct {
	ServiceID  string     `json:"service"`
	Method     string     `json:"method"`
	ParamTypes []string   `json:"params"`
	Args       []Argument `json:"args"`
}

// Signature returns "method(desc1,desc2,...)", the key methods are resolved by.
func (r *InvocationRequest) Signature() string {
	return Signature(r.Method, r.ParamTypes)
}

// Signature formats a method resolution key.
func Signature(method string, paramTypes []string) string {
	return method + "(" + strings.Join(paramTypes, ",") + ")"
}

// ProgressNode is one node of a progress snapshot. The root has ID 0 and no step proportion;
// every other node carries the share of its parent's steps it represents.
type ProgressNode struct {
	ID             int            `json:"id,omitempty"`
	StepProportion int64          `json:"proportion,omitempty"`
	TotalSteps     *int64         `json:"total,omitempty"`
	Worked         int64          `json:"worked"`
	Description    *string        `json:"description,omitempty"`
	Finished       bool           `json:"finished,omitempty"`
	Children       []ProgressNode `json:"children,omitempty"`
}

// Question is a user question raised by the server while a call is running.
type Question struct {
	Text    string   `json:"text"`
	Choices []string `json:"choices,omitempty"`
	Default string   `json:"default,omitempty"`
}

// StreamOpCode is an operation on a client-held stream.
type StreamOpCode uint8

const (
	OpRead StreamOpCode = iota + 1
	OpSkip
	OpAvailable
	OpClose
	OpMark
	OpReset
	OpMarkSupported
)

func (op StreamOpCode) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpSkip:
		return "skip"
	case OpAvailable:
		return "available"
	case OpClose:
		return "close"
	case OpMark:
		return "mark"
	case OpReset:
		return "reset"
	case OpMarkSupported:
		return "markSupported"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// StreamOp targets the stream in Slot. N is the length for read, the count for skip and the
// read limit for mark.
type StreamOp struct {
	Slot int          `json:"slot"`
	Op   StreamOpCode `json:"op"`
	N    int64        `json:"n,omitempty"`
}

// StreamResult is the outcome of a StreamOp. Err carries close and reset failures so they
// are distinguishable from a failed exchange.
type StreamResult struct {
	Data      []byte `json:"data,omitempty"`
	N         int64  `json:"n,omitempty"`
	EOF       bool   `json:"eof,omitempty"`
	Supported bool   `json:"supported,omitempty"`
	Err       string `json:"err,omitempty"`
}

// InterimKind distinguishes the two uses of interim exchanges.
type InterimKind uint8

const (
	InterimQuestion InterimKind = iota + 1
	InterimStream
)

// Interim is either half of an interim exchange. Exactly one response is expected per
// RequestID. Err reports a failure of the exchange itself.
type Interim struct {
	RequestID    uint64        `json:"rid"`
	Kind         InterimKind   `json:"kind"`
	Question     *Question     `json:"question,omitempty"`
	Stream       *StreamOp     `json:"stream,omitempty"`
	Answer       string        `json:"answer,omitempty"`
	StreamResult *StreamResult `json:"result,omitempty"`
	Err          string        `json:"err,omitempty"`
}

// RemoteError types raised by the dispatcher itself. Errors returned by methods carry
// their Go type name instead.
const (
	ErrTypeNoSuchService = "NoSuchService"
	ErrTypeNoSuchMethod  = "NoSuchMethod"
	ErrTypeBadArguments  = "BadArguments"
	ErrTypeRateLimited   = "RateLimited"
	ErrTypePanic         = "Panic"
	ErrTypeCanceled      = "Canceled"
	ErrTypeBadResult     = "BadResult"
	ErrTypeUnavailable   = "Unavailable"
)

// RemoteError is a failure reported on an invocation's exception channel.
type RemoteError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Message is the envelope for every tunnel-rpc message.
//
//   - Invoke:          Request is set.
//   - Cancel:          only InvocationID.
//   - Interim*:        Interim is set.
//   - Progress:        Progress holds the root of the snapshot.
//   - Result:          Result holds the JSON-encoded return value (may be empty).
//   - Exception:       Error is set.
type Message struct {
	Kind         protocol.MsgType   `json:"kind"`
	InvocationID InvocationID       `json:"id"`
	Request      *InvocationRequest `json:"request,omitempty"`
	Progress     *ProgressNode      `json:"progress,omitempty"`
	Interim      *Interim           `json:"interim,omitempty"`
	Result       []byte             `json:"result,omitempty"`
	Error        *RemoteError       `json:"error,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
}

var errMissingID = errors.New("message: missing invocation id")

// Validate checks that the fields required by Kind are present.
func (m *Message) Validate() error {
	if m.InvocationID == "" {
		return errMissingID
	}
	switch m.Kind {
	case protocol.MsgTypeInvoke:
		if m.Request == nil {
			return fmt.Errorf("message: %s without request", m.Kind)
		}
		if len(m.Request.ParamTypes) != len(m.Request.Args) {
			return fmt.Errorf("message: %d parameter types for %d arguments",
				len(m.Request.ParamTypes), len(m.Request.Args))
		}
	case protocol.MsgTypeInterimRequest, protocol.MsgTypeInterimResponse:
		if m.Interim == nil {
			return fmt.Errorf("message: %s without interim payload", m.Kind)
		}
	case protocol.MsgTypeProgress:
		if m.Progress == nil {
			return fmt.Errorf("message: %s without snapshot", m.Kind)
		}
	case protocol.MsgTypeException:
		if m.Error == nil {
			return fmt.Errorf("message: %s without error", m.Kind)
		}
	case protocol.MsgTypeCancel, protocol.MsgTypeResult:
	default:
		return fmt.Errorf("message: unknown kind %d", m.Kind)
	}
	return nil
}
