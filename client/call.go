package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"tunnel-rpc/execution"
	"tunnel-rpc/message"
	"tunnel-rpc/metrics"
	"tunnel-rpc/stream"
)

// Call is one outstanding invocation.
type Call struct {
	ID      message.InvocationID
	Service string
	Method  string

	client  *Client
	started time.Time
	span    trace.Span

	// ctx bounds work done on behalf of the call, such as a pending question.
	ctx    context.Context
	cancel context.CancelFunc

	slots  *stream.Slots
	exec   execution.Callback
	async  bool
	result execution.ResultCallback
	reply  any

	fmu      sync.Mutex
	progress folder

	finished atomic.Bool
	done     chan struct{}
	raw      []byte
	err      error
}

func newCall(c *Client, serviceID, method string) *Call {
	ctx, cancel := context.WithCancel(context.Background())
	return &Call{
		ID:      message.NewInvocationID(),
		Service: serviceID,
		Method:  method,
		client:  c,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Done is closed once the call has an outcome.
func (cl *Call) Done() <-chan struct{} { return cl.done }

// Err returns the call's failure; it is nil until Done is closed and on success.
func (cl *Call) Err() error {
	select {
	case <-cl.done:
		return cl.err
	default:
		return nil
	}
}

// Decode returns the call's failure or decodes its result into reply. It does not wait.
func (cl *Call) Decode(reply any) error {
	select {
	case <-cl.done:
	default:
		return errors.New("call still running")
	}
	if cl.err != nil {
		return cl.err
	}
	return decode(cl.raw, reply)
}

// Wait blocks like a synchronous Invoke, honouring the client timeout and ctx.
func (cl *Call) Wait(ctx context.Context, reply any) error {
	return cl.client.wait(ctx, cl, reply)
}

// Cancel cancels this call.
func (cl *Call) Cancel() { cl.client.Cancel(cl.ID) }

func (cl *Call) isDone() bool { return cl.finished.Load() }

// finish records the outcome. Only the first outcome is kept; it reports whether this one
// was it.
func (cl *Call) finish(raw []byte, err error) bool {
	if !cl.finished.CompareAndSwap(false, true) {
		return false
	}
	cl.raw, cl.err = raw, err
	cl.client.forget(cl.ID)
	cl.cancel()
	if cl.slots != nil {
		cl.slots.CloseAll()
	}
	cl.client.metrics.InvocationFinished(cl.Service, cl.Method, outcomeOf(err), time.Since(cl.started))
	endSpan(cl.span, err)

	if err == nil && cl.exec != nil {
		cl.exec.Finished()
	}
	close(cl.done)
	if cl.async && cl.result != nil {
		cl.deliver()
	}
	return true
}

// deliver hands an asynchronous call's outcome to its result callback.
func (cl *Call) deliver() {
	if cl.err != nil {
		cl.result.Failed(cl.err)
		return
	}
	if cl.reply == nil {
		cl.result.Finished(json.RawMessage(cl.raw))
		return
	}
	if err := decode(cl.raw, cl.reply); err != nil {
		cl.result.Failed(err)
		return
	}
	cl.result.Finished(cl.reply)
}

func (cl *Call) fold(root *message.ProgressNode) {
	if root == nil || cl.exec == nil || cl.isDone() {
		return
	}
	cl.fmu.Lock()
	defer cl.fmu.Unlock()
	cl.progress.fold(cl.exec, root)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeResult
	case errors.Is(err, ErrCanceled):
		return metrics.OutcomeCanceled
	case errors.Is(err, ErrTimeout):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeException
	}
}
