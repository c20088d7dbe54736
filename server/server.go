// Package server implements the dispatcher: it executes the methods named by incoming
// invocation requests against registered services and reports their outcome.
//
// Request processing pipeline:
//
//	Receive(frame) → DecodeMessage
//	  Invoke          → new invocation (execution tree, interim table) → Executor
//	                      → Middleware Chain → businessHandler (method table) → complete
//	  Cancel          → CancelHook, execution tree Cancel (or remembered until dispatch)
//	  InterimResponse → resolve the waiting question or stream operation
//
// Every invocation ends with exactly one Result or Exception message.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tunnel-rpc/codec"
	"tunnel-rpc/logging"
	"tunnel-rpc/message"
	"tunnel-rpc/metrics"
	"tunnel-rpc/middleware"
	"tunnel-rpc/protocol"
	"tunnel-rpc/transport"
)

// Cancels for invocations that have not arrived yet are remembered this long.
const earlyCancelTTL = 5 * time.Minute

// ErrExchangeFailed wraps the reason an interim exchange could not be completed.
var ErrExchangeFailed = errors.New("interim exchange failed")

// Executor runs a method body.
type Executor func(task func())

// Inline runs the task on the receiving goroutine. Methods that wait on the caller (Ask,
// stream reads) must not run inline on a MockLink, since nothing would drain the link.
func Inline(task func()) { task() }

func spawn(task func()) { go task() }

type Options struct {
	Executor Executor
	// ProgressDelay batches progress snapshots; zero publishes every change.
	ProgressDelay time.Duration
	// CancelHook observes every cancel message.
	CancelHook func(id message.InvocationID)
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Dispatcher receives client messages and runs invocations. Its Receive method is a
// transport.Receiver.
type Dispatcher struct {
	resolver Resolver
	opts     Options
	log      *slog.Logger
	metrics  *metrics.Metrics

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	mu          sync.Mutex
	invocations map[message.InvocationID]*invocation
	early       map[message.InvocationID]time.Time

	seq      atomic.Uint32
	wg       sync.WaitGroup // in-flight invocations
	shutdown atomic.Bool
}

func NewDispatcher(resolver Resolver, opts Options) *Dispatcher {
	if opts.Executor == nil {
		opts.Executor = spawn
	}
	d := &Dispatcher{
		resolver:    resolver,
		opts:        opts,
		log:         logging.OrDefault(opts.Logger).With("component", "dispatcher"),
		metrics:     opts.Metrics,
		invocations: make(map[message.InvocationID]*invocation),
		early:       make(map[message.InvocationID]time.Time),
	}
	d.handler = d.businessHandler
	return d
}

// Use registers a middleware. Middlewares are applied in the order they are added and
// must be registered before the first message is received.
func (d *Dispatcher) Use(mw middleware.Middleware) {
	d.middlewares = append(d.middlewares, mw)
	d.handler = middleware.Chain(d.middlewares...)(d.businessHandler)
}

// Receive handles one frame from a client; reply sends frames back to it.
func (d *Dispatcher) Receive(frame *protocol.Frame, reply transport.Sender) {
	msg, err := codec.DecodeMessage(frame)
	if err != nil {
		d.log.Warn("dropping undecodable frame", "type", frame.Header.MsgType, "error", err)
		return
	}
	c := codec.GetCodec(codec.CodecType(frame.Header.CodecType))

	switch msg.Kind {
	case protocol.MsgTypeInvoke:
		d.invoke(msg, reply, c)
	case protocol.MsgTypeCancel:
		d.cancel(msg.InvocationID)
	case protocol.MsgTypeInterimResponse:
		if inv := d.lookup(msg.InvocationID); inv != nil {
			inv.resolve(msg.Interim)
		} else {
			d.log.Debug("interim response for unknown invocation", "invocation", msg.InvocationID)
		}
	default:
		d.log.Warn("unexpected message from client", "kind", msg.Kind, "invocation", msg.InvocationID)
	}
}

// Active returns the number of in-flight invocations.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.invocations)
}

// Shutdown stops accepting invocations and waits for in-flight ones. On timeout the
// remaining invocations are canceled and an error is returned.
func (d *Dispatcher) Shutdown(timeout time.Duration) error {
	d.shutdown.Store(true)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
	}

	d.mu.Lock()
	pending := make([]*invocation, 0, len(d.invocations))
	for _, inv := range d.invocations {
		pending = append(pending, inv)
	}
	d.mu.Unlock()
	for _, inv := range pending {
		inv.tree.Cancel()
	}
	return fmt.Errorf("timeout waiting for %d invocations to finish", len(pending))
}

func (d *Dispatcher) lookup(id message.InvocationID) *invocation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.invocations[id]
}

func (d *Dispatcher) forget(id message.InvocationID) {
	d.mu.Lock()
	delete(d.invocations, id)
	d.mu.Unlock()
}

func (d *Dispatcher) invoke(msg *message.Message, reply transport.Sender, c codec.Codec) {
	inv := newInvocation(d, msg, reply, c)
	if d.shutdown.Load() {
		inv.cancel()
		inv.sendException(&message.RemoteError{Type: message.ErrTypeUnavailable, Message: "dispatcher is shutting down"})
		return
	}

	d.mu.Lock()
	// a resent Invoke shares its id with the running invocation, whose outcome still
	// answers the caller
	if _, dup := d.invocations[inv.id]; dup {
		d.mu.Unlock()
		inv.cancel()
		d.log.Warn("duplicate invocation id", "invocation", inv.id)
		return
	}
	d.invocations[inv.id] = inv
	_, canceled := d.early[inv.id]
	delete(d.early, inv.id)
	d.mu.Unlock()

	if canceled {
		inv.tree.Cancel()
	}
	d.wg.Add(1)
	d.opts.Executor(func() { d.run(inv) })
}

func (d *Dispatcher) run(inv *invocation) {
	req := inv.request
	inv.mreq = &middleware.Request{
		InvocationID: string(inv.id),
		ServiceID:    req.ServiceID,
		Method:       req.Method,
		Signature:    req.Signature(),
		Metadata:     inv.metadata,
	}
	defer func() {
		if v := recover(); v != nil {
			d.log.Error("handler panicked", "invocation", inv.id, "panic", v)
			inv.complete(nil, &middleware.PanicError{Value: v, Stack: debug.Stack()})
		}
	}()
	ctx := context.WithValue(inv.ctx, invocationKey{}, inv)
	result, err := d.handler(ctx, inv.mreq)
	if err != nil || !inv.async.Load() {
		inv.complete(result, err)
	}
}

type invocationKey struct{}

// businessHandler resolves the service and method and runs the handler. It is wrapped by
// the middleware chain.
func (d *Dispatcher) businessHandler(ctx context.Context, req *middleware.Request) (any, error) {
	inv, _ := ctx.Value(invocationKey{}).(*invocation)
	if inv == nil {
		return nil, fmt.Errorf("no invocation in context for %s", req.InvocationID)
	}
	svc, ok := d.resolver.Resolve(req.ServiceID)
	if !ok {
		return nil, &message.RemoteError{
			Type:    message.ErrTypeNoSuchService,
			Message: fmt.Sprintf("no service %q", req.ServiceID),
		}
	}
	m, ok := svc.Lookup(req.Signature)
	if !ok {
		return nil, &message.RemoteError{
			Type:    message.ErrTypeNoSuchMethod,
			Message: fmt.Sprintf("service %q has no method %s", req.ServiceID, req.Signature),
		}
	}
	inv.async.Store(m.Async())
	return m.Handler(ctx, &Call{ID: inv.id, Request: inv.request, inv: inv, method: m})
}

func (d *Dispatcher) cancel(id message.InvocationID) {
	d.metrics.Cancel()
	if d.opts.CancelHook != nil {
		d.opts.CancelHook(id)
	}

	now := time.Now()
	d.mu.Lock()
	inv := d.invocations[id]
	if inv == nil {
		for early, at := range d.early {
			if now.Sub(at) > earlyCancelTTL {
				delete(d.early, early)
			}
		}
		d.early[id] = now
	}
	d.mu.Unlock()

	if inv != nil {
		inv.tree.Cancel()
	}
}

// toRemoteError maps an invocation failure to what the client sees.
func toRemoteError(err error) *message.RemoteError {
	var (
		remote *message.RemoteError
		panicE *middleware.PanicError
		badArg *BadArgumentsError
	)
	switch {
	case errors.As(err, &remote):
		return remote
	case errors.Is(err, middleware.ErrRateLimited):
		return &message.RemoteError{Type: message.ErrTypeRateLimited, Message: err.Error()}
	case errors.As(err, &panicE):
		return &message.RemoteError{Type: message.ErrTypePanic, Message: err.Error()}
	case errors.As(err, &badArg):
		return &message.RemoteError{Type: message.ErrTypeBadArguments, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &message.RemoteError{Type: message.ErrTypeCanceled, Message: err.Error()}
	}
	return &message.RemoteError{Type: errorTypeName(err), Message: err.Error()}
}

// errorTypeName names the first error in err's chain that is not a fmt.Errorf wrapper,
// e.g. "fs.PathError".
func errorTypeName(err error) string {
	for {
		name := fmt.Sprintf("%T", err)
		next := errors.Unwrap(err)
		if next == nil || (name != "*fmt.wrapError" && name != "*fmt.wrapErrors") {
			return strings.TrimPrefix(name, "*")
		}
		err = next
	}
}
