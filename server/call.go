package server

import (
	"encoding/json"
	"fmt"

	"tunnel-rpc/execution"
	"tunnel-rpc/message"
	"tunnel-rpc/stream"
)

// BadArgumentsError reports an argument that does not fit its parameter.
type BadArgumentsError struct {
	Index  int
	Reason string
}

func (e *BadArgumentsError) Error() string {
	return fmt.Sprintf("argument %d: %s", e.Index, e.Reason)
}

// Call gives a handler access to the live arguments of one invocation.
type Call struct {
	ID      message.InvocationID
	Request *message.InvocationRequest

	inv    *invocation
	method *Method
}

func (c *Call) arg(i int, kinds ...message.ArgKind) (*message.Argument, error) {
	if i < 0 || i >= len(c.Request.Args) {
		return nil, &BadArgumentsError{Index: i, Reason: "out of range"}
	}
	a := &c.Request.Args[i]
	for _, k := range kinds {
		if a.Kind == k {
			return a, nil
		}
	}
	return nil, &BadArgumentsError{Index: i, Reason: fmt.Sprintf("unexpected kind %d", a.Kind)}
}

// Decode unmarshals the plain value argument i into v.
func (c *Call) Decode(i int, v any) error {
	a, err := c.arg(i, message.ArgValue)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(a.Value, v); err != nil {
		return &BadArgumentsError{Index: i, Reason: err.Error()}
	}
	return nil
}

// Execution returns the root of the invocation's execution tree.
func (c *Call) Execution() execution.Callback {
	return c.inv.tree
}

// Stream returns the tunneled stream in argument i, or nil when the caller passed none.
func (c *Call) Stream(i int) (*stream.RemoteStream, error) {
	a, err := c.arg(i, message.ArgStream)
	if err != nil {
		return nil, err
	}
	if len(a.Slots) != 1 {
		return nil, &BadArgumentsError{Index: i, Reason: "stream argument without slot"}
	}
	return c.remote(a.Slots[0]), nil
}

// Streams returns the tunneled streams of an array or collection argument. Nil elements
// stay nil.
func (c *Call) Streams(i int) ([]*stream.RemoteStream, error) {
	a, err := c.arg(i, message.ArgStreamArray, message.ArgStreamList)
	if err != nil {
		return nil, err
	}
	out := make([]*stream.RemoteStream, len(a.Slots))
	for j, slot := range a.Slots {
		out[j] = c.remote(slot)
	}
	return out, nil
}

func (c *Call) remote(slot int) *stream.RemoteStream {
	if slot == message.NullSlot {
		return nil
	}
	return c.inv.remote(slot)
}

// Result returns the callback an asynchronous method reports its outcome to, or nil for
// methods without a result parameter.
func (c *Call) Result() execution.ResultCallback {
	if !c.method.Async() {
		return nil
	}
	return execution.ResultFuncs{
		OnFinished: func(v any) { c.inv.complete(v, nil) },
		OnFailed:   func(err error) { c.inv.complete(nil, err) },
	}
}
