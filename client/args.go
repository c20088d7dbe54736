package client

import (
	"encoding/json"
	"fmt"
	"io"

	"tunnel-rpc/execution"
	"tunnel-rpc/message"
	"tunnel-rpc/stream"
)

type argKind int

const (
	argValue argKind = iota
	argStream
	argStreamArray
	argStreamList
	argExec
	argResult
)

// Arg is one argument of a remote call together with its parameter descriptor.
type Arg struct {
	kind    argKind
	desc    string
	value   any
	streams []io.Reader
	exec    execution.Callback
	result  execution.ResultCallback
	reply   any
}

// Value passes v as a plain value; its descriptor is v's dynamic type.
func Value(v any) Arg {
	return Arg{kind: argValue, desc: message.DescOf(v), value: v}
}

// TypedValue passes v for a parameter declared as T, e.g. an interface type or a nil
// pointer.
func TypedValue[T any](v T) Arg {
	return Arg{kind: argValue, desc: message.TypeDesc[T](), value: v}
}

// Stream tunnels r. The server reads it on demand; nil is passed as a nil stream.
func Stream(r io.Reader) Arg {
	return Arg{kind: argStream, desc: message.DescStream, streams: []io.Reader{r}}
}

// StreamArray tunnels a fixed-size array of streams.
func StreamArray(rs ...io.Reader) Arg {
	return Arg{kind: argStreamArray, desc: message.DescStreamArray, streams: rs}
}

// StreamList tunnels a collection of streams.
func StreamList(rs []io.Reader) Arg {
	return Arg{kind: argStreamList, desc: message.DescStreamList, streams: rs}
}

// Exec receives the call's progress and questions. Canceling cb cancels the call.
func Exec(cb execution.Callback) Arg {
	return Arg{kind: argExec, desc: message.DescExecution, exec: cb}
}

// Result makes the call asynchronous: the outcome goes to cb instead of the caller.
// When reply is non-nil the result is decoded into it and passed to cb.Finished;
// otherwise cb.Finished receives the raw json.RawMessage.
func Result(cb execution.ResultCallback, reply any) Arg {
	return Arg{kind: argResult, desc: message.DescResult, result: cb, reply: reply}
}

// build turns args into a request and records the live parts in cl.
func build(serviceID, method string, args []Arg, cl *Call) (*message.InvocationRequest, error) {
	req := &message.InvocationRequest{
		ServiceID:  serviceID,
		Method:     method,
		ParamTypes: make([]string, len(args)),
		Args:       make([]message.Argument, len(args)),
	}
	for i, a := range args {
		req.ParamTypes[i] = a.desc
		switch a.kind {
		case argValue:
			body, err := json.Marshal(a.value)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			req.Args[i] = message.Argument{Kind: message.ArgValue, Value: body}

		case argStream, argStreamArray, argStreamList:
			if cl.slots == nil {
				cl.slots = stream.NewSlots()
			}
			slots := make([]int, len(a.streams))
			for j, r := range a.streams {
				slots[j] = cl.slots.Add(r)
			}
			kind := message.ArgStream
			if a.kind == argStreamArray {
				kind = message.ArgStreamArray
			} else if a.kind == argStreamList {
				kind = message.ArgStreamList
			}
			req.Args[i] = message.Argument{Kind: kind, Slots: slots}

		case argExec:
			if cl.exec != nil {
				return nil, fmt.Errorf("argument %d: more than one execution callback", i)
			}
			cl.exec = a.exec
			req.Args[i] = message.Argument{Kind: message.ArgNull}

		case argResult:
			if cl.async {
				return nil, fmt.Errorf("argument %d: more than one result callback", i)
			}
			cl.async = true
			cl.result = a.result
			cl.reply = a.reply
			req.Args[i] = message.Argument{Kind: message.ArgNull}
		}
	}
	return req, nil
}
