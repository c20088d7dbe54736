// Package client is the calling side of tunnel-rpc. A Client turns calls into invocation
// requests, sends them through a transport.Sender and routes everything the server sends
// back (progress, questions, stream operations, the outcome) to the call it belongs to.
//
//	Invoke ──► build request (streams → slots, callbacks → null) ──► Sender
//	Receive ◄── Progress        → fold into the caller's execution callback
//	        ◄── InterimRequest  → answer a question / run a stream operation
//	        ◄── Result|Exception → first outcome wins, later ones are logged
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"tunnel-rpc/codec"
	"tunnel-rpc/logging"
	"tunnel-rpc/message"
	"tunnel-rpc/metrics"
	"tunnel-rpc/protocol"
	"tunnel-rpc/transport"
)

// DefaultTimeout bounds synchronous calls. Progress is expected long before it expires.
const DefaultTimeout = 24 * time.Hour

const tracerName = "tunnel-rpc/client"

var (
	ErrCanceled = errors.New("invocation canceled")
	ErrTimeout  = errors.New("invocation timed out")
	ErrClosed   = errors.New("client closed")
)

// RemoteError is a failure reported by the server for one call.
type RemoteError struct {
	Service string
	Method  string
	Remote  *message.RemoteError
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Service, e.Method, e.Remote)
}

func (e *RemoteError) Unwrap() error { return e.Remote }

// RetryPolicy resends an invocation whose send failed because the server was unreachable,
// waiting BaseDelay, 2*BaseDelay, 4*BaseDelay... between attempts.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

type Options struct {
	Codec codec.CodecType
	// Timeout bounds synchronous calls; zero means DefaultTimeout.
	Timeout time.Duration
	Retry   RetryPolicy
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Client struct {
	sender  transport.Sender
	codec   codec.Codec
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics
	seq     atomic.Uint32

	mu     sync.Mutex
	calls  map[message.InvocationID]*Call
	closed bool
}

// New returns a client sending through sender. Frames from the server must be passed to
// Receive.
func New(sender transport.Sender, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Client{
		sender:  sender,
		codec:   codec.GetCodec(opts.Codec),
		opts:    opts,
		log:     logging.OrDefault(opts.Logger).With("component", "client"),
		metrics: opts.Metrics,
		calls:   make(map[message.InvocationID]*Call),
	}
}

// Invoke calls method on the service. Without a Result argument it blocks until the
// outcome arrives and decodes the result into reply (which may be nil). With a Result
// argument it returns once the request is queued and the outcome goes to the callback.
func (c *Client) Invoke(ctx context.Context, serviceID, method string, reply any, args ...Arg) error {
	cl, err := c.Start(ctx, serviceID, method, args...)
	if err != nil {
		return err
	}
	if cl.async {
		return nil
	}
	return c.wait(ctx, cl, reply)
}

// Start sends the invocation and returns its handle without waiting.
func (c *Client) Start(ctx context.Context, serviceID, method string, args ...Arg) (*Call, error) {
	cl := newCall(c, serviceID, method)
	req, err := build(serviceID, method, args, cl)
	if err != nil {
		return nil, err
	}

	md := map[string]string{}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, serviceID+"/"+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "tunnel-rpc"),
			attribute.String("rpc.service", serviceID),
			attribute.String("rpc.method", method),
			attribute.String("tunnel.invocation_id", string(cl.ID)),
		),
	)
	otel.GetTextMapPropagator().Inject(spanCtx, propagation.MapCarrier(md))
	cl.span = span

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		span.End()
		return nil, ErrClosed
	}
	c.calls[cl.ID] = cl
	c.mu.Unlock()
	c.metrics.InvocationStarted()

	msg := &message.Message{
		Kind:         protocol.MsgTypeInvoke,
		InvocationID: cl.ID,
		Request:      req,
		Metadata:     md,
	}
	frame, err := codec.EncodeMessage(c.codec, c.seq.Add(1), msg)
	if err != nil {
		cl.finish(nil, err)
		return nil, err
	}
	c.sendInvoke(cl, frame, 0)

	if cl.exec != nil {
		// the caller may reuse its tree; a finished call must not send a stale Cancel
		cl.exec.OnCancel(func() {
			if !cl.isDone() {
				c.Cancel(cl.ID)
			}
		})
	}
	return cl, nil
}

func (c *Client) sendInvoke(cl *Call, frame *protocol.Frame, attempt int) {
	c.sender.Send(frame, func(err error) {
		if transport.IsUnreachable(err) && attempt < c.opts.Retry.MaxRetries {
			delay := c.opts.Retry.BaseDelay * time.Duration(1<<attempt)
			c.log.Warn("server unreachable, retrying", "invocation", cl.ID, "attempt", attempt+1, "delay", delay)
			time.AfterFunc(delay, func() {
				if !cl.isDone() {
					c.sendInvoke(cl, frame, attempt+1)
				}
			})
			return
		}
		cl.finish(nil, err)
	})
}

// wait is the synchronous bridge: it blocks until the outcome, the timeout or ctx.
func (c *Client) wait(ctx context.Context, cl *Call, reply any) error {
	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	select {
	case <-cl.done:
	case <-timer.C:
		c.abandon(cl, ErrTimeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.abandon(cl, ErrTimeout)
		} else {
			c.abandon(cl, ErrCanceled)
		}
	}
	<-cl.done
	return cl.Decode(reply)
}

// abandon ends cl locally with err and tells the server, unless the outcome already won.
func (c *Client) abandon(cl *Call, err error) {
	if cl.finish(nil, err) {
		c.sendCancel(cl.ID)
	}
}

// Cancel cancels the invocation. The call ends with ErrCanceled unless its outcome has
// already arrived; the server is asked to stop cooperatively.
func (c *Client) Cancel(id message.InvocationID) {
	if cl := c.lookup(id); cl != nil {
		c.abandon(cl, ErrCanceled)
		return
	}
	c.sendCancel(id)
}

func (c *Client) sendCancel(id message.InvocationID) {
	c.metrics.Cancel()
	c.send(c.sender, &message.Message{Kind: protocol.MsgTypeCancel, InvocationID: id})
}

// Pending returns the number of calls without an outcome.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Close ends every pending call with ErrClosed and rejects new ones.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	pending := make([]*Call, 0, len(c.calls))
	for _, cl := range c.calls {
		pending = append(pending, cl)
	}
	c.mu.Unlock()
	for _, cl := range pending {
		cl.finish(nil, ErrClosed)
	}
}

func (c *Client) lookup(id message.InvocationID) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func (c *Client) forget(id message.InvocationID) {
	c.mu.Lock()
	delete(c.calls, id)
	c.mu.Unlock()
}

func (c *Client) send(to transport.Sender, msg *message.Message) {
	frame, err := codec.EncodeMessage(c.codec, c.seq.Add(1), msg)
	if err != nil {
		c.log.Error("encoding message", "kind", msg.Kind, "invocation", msg.InvocationID, "error", err)
		return
	}
	to.Send(frame, func(err error) {
		c.log.Warn("message not delivered", "kind", msg.Kind, "invocation", msg.InvocationID, "error", err)
	})
}

// Receive handles one frame from the server. It is a transport.Receiver.
func (c *Client) Receive(frame *protocol.Frame, reply transport.Sender) {
	msg, err := codec.DecodeMessage(frame)
	if err != nil {
		c.log.Warn("dropping undecodable frame", "type", frame.Header.MsgType, "error", err)
		return
	}
	cl := c.lookup(msg.InvocationID)

	switch msg.Kind {
	case protocol.MsgTypeProgress:
		if cl != nil {
			cl.fold(msg.Progress)
		}
	case protocol.MsgTypeInterimRequest:
		c.answer(cl, msg, reply)
	case protocol.MsgTypeResult, protocol.MsgTypeException:
		var raw []byte
		var err error
		if msg.Kind == protocol.MsgTypeResult {
			raw = msg.Result
			if raw == nil {
				raw = []byte{}
			}
		} else {
			err = &RemoteError{Remote: msg.Error}
			if cl != nil {
				err = &RemoteError{Service: cl.Service, Method: cl.Method, Remote: msg.Error}
			}
		}
		if cl == nil || !cl.finish(raw, err) {
			c.log.Warn("dropping late outcome", "invocation", msg.InvocationID, "kind", msg.Kind)
		}
	default:
		c.log.Warn("unexpected message from server", "kind", msg.Kind, "invocation", msg.InvocationID)
	}
}

// answer responds to an interim request. Requests for unknown calls get an error
// response so the server does not wait forever.
func (c *Client) answer(cl *Call, msg *message.Message, reply transport.Sender) {
	req := msg.Interim
	respond := func(resp *message.Interim) {
		resp.RequestID, resp.Kind = req.RequestID, req.Kind
		c.send(reply, &message.Message{Kind: protocol.MsgTypeInterimResponse, InvocationID: msg.InvocationID, Interim: resp})
	}
	if cl == nil {
		respond(&message.Interim{Err: "unknown invocation"})
		return
	}

	switch req.Kind {
	case message.InterimStream:
		if req.Stream == nil || cl.slots == nil {
			respond(&message.Interim{Err: "no stream arguments"})
			return
		}
		res, err := cl.slots.Handle(*req.Stream)
		resp := &message.Interim{StreamResult: res}
		if err != nil {
			resp.Err = err.Error()
		}
		respond(resp)

	case message.InterimQuestion:
		if req.Question == nil || cl.exec == nil {
			respond(&message.Interim{Err: "no execution callback to ask"})
			return
		}
		answered := func(answer string, err error) {
			if err != nil {
				respond(&message.Interim{Err: err.Error()})
				return
			}
			respond(&message.Interim{Answer: answer})
		}
		if cl.async {
			cl.exec.AskAsync(*req.Question, answered)
			return
		}
		go func() {
			answered(cl.exec.Ask(cl.ctx, *req.Question))
		}()

	default:
		respond(&message.Interim{Err: fmt.Sprintf("unknown interim kind %d", req.Kind)})
	}
}

// decode unmarshals a result body; an empty body leaves reply untouched.
func decode(raw []byte, reply any) error {
	if reply == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, reply); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
