package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"tunnel-rpc/codec"
	"tunnel-rpc/execution"
	"tunnel-rpc/message"
	"tunnel-rpc/middleware"
	"tunnel-rpc/protocol"
	"tunnel-rpc/stream"
	"tunnel-rpc/transport"
)

const reasonFinished = "invocation finished"

// invocation is the server-side state of one call: its execution tree, its pending
// interim requests and the terminal-outcome guard.
type invocation struct {
	d        *Dispatcher
	id       message.InvocationID
	request  *message.InvocationRequest
	metadata map[string]string
	reply    transport.Sender
	codec    codec.Codec

	ctx    context.Context
	cancel context.CancelFunc
	tree   *execution.Tree
	mreq   *middleware.Request

	async atomic.Bool
	done  atomic.Bool

	mu      sync.Mutex
	nextReq uint64
	pending map[uint64]func(*message.Interim)
	streams map[int]*stream.RemoteStream
}

func newInvocation(d *Dispatcher, msg *message.Message, reply transport.Sender, c codec.Codec) *invocation {
	ctx, cancel := context.WithCancel(context.Background())
	inv := &invocation{
		d:        d,
		id:       msg.InvocationID,
		request:  msg.Request,
		metadata: msg.Metadata,
		reply:    reply,
		codec:    c,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[uint64]func(*message.Interim)),
		streams:  make(map[int]*stream.RemoteStream),
	}
	inv.tree = execution.NewTree(execution.Options{
		PublishDelay: d.opts.ProgressDelay,
		Publish:      inv.publish,
		Asker:        inv,
	})
	inv.tree.OnCancel(cancel)
	return inv
}

// complete sends the terminal outcome. Only the first call wins; later outcomes are
// logged and dropped.
func (inv *invocation) complete(result any, err error) {
	if !inv.done.CompareAndSwap(false, true) {
		inv.d.log.Warn("dropping late outcome", "invocation", inv.id, "error", err)
		return
	}
	defer inv.d.wg.Done()

	// pending progress goes out before the outcome
	inv.tree.Flush()
	inv.tree.Close()

	msg := &message.Message{Kind: protocol.MsgTypeResult, InvocationID: inv.id}
	if err == nil && result != nil {
		body, merr := json.Marshal(result)
		if merr != nil {
			err = &message.RemoteError{Type: message.ErrTypeBadResult, Message: merr.Error()}
		}
		msg.Result = body
	}
	if err != nil {
		msg.Kind = protocol.MsgTypeException
		msg.Result = nil
		msg.Error = toRemoteError(err)
	}
	inv.send(msg, nil)

	inv.failPending(reasonFinished)
	inv.cancel()
	inv.d.forget(inv.id)
	if inv.mreq != nil {
		inv.mreq.Complete(result, err)
	}
}

func (inv *invocation) sendException(e *message.RemoteError) {
	inv.send(&message.Message{Kind: protocol.MsgTypeException, InvocationID: inv.id, Error: e}, nil)
}

func (inv *invocation) publish(snapshot *message.ProgressNode) {
	inv.d.metrics.SnapshotPublished()
	inv.send(&message.Message{Kind: protocol.MsgTypeProgress, InvocationID: inv.id, Progress: snapshot}, nil)
}

func (inv *invocation) send(msg *message.Message, onFailure func(error)) {
	frame, err := codec.EncodeMessage(inv.codec, inv.d.seq.Add(1), msg)
	if err != nil {
		inv.d.log.Error("encoding reply", "invocation", inv.id, "kind", msg.Kind, "error", err)
		if onFailure != nil {
			onFailure(err)
		}
		return
	}
	if onFailure == nil {
		onFailure = func(err error) {
			inv.d.log.Warn("reply not delivered", "invocation", inv.id, "kind", msg.Kind, "error", err)
		}
	}
	inv.reply.Send(frame, onFailure)
}

// sendInterim sends an interim request; fn runs once with the matching response. It returns
// the request id, or zero when the invocation has already finished.
func (inv *invocation) sendInterim(ir *message.Interim, fn func(*message.Interim)) uint64 {
	inv.mu.Lock()
	if inv.done.Load() {
		inv.mu.Unlock()
		fn(&message.Interim{Kind: ir.Kind, Err: reasonFinished})
		return 0
	}
	inv.nextReq++
	rid := inv.nextReq
	ir.RequestID = rid
	inv.pending[rid] = fn
	inv.mu.Unlock()

	kind := "question"
	if ir.Kind == message.InterimStream {
		kind = "stream"
	}
	inv.d.metrics.InterimRequest(kind)
	inv.send(&message.Message{Kind: protocol.MsgTypeInterimRequest, InvocationID: inv.id, Interim: ir},
		func(err error) {
			inv.resolve(&message.Interim{RequestID: rid, Kind: ir.Kind, Err: err.Error()})
		})
	return rid
}

// resolve hands a response to the request waiting for it.
func (inv *invocation) resolve(resp *message.Interim) {
	inv.mu.Lock()
	fn := inv.pending[resp.RequestID]
	delete(inv.pending, resp.RequestID)
	inv.mu.Unlock()
	if fn == nil {
		inv.d.log.Warn("interim response without request", "invocation", inv.id, "request", resp.RequestID)
		return
	}
	fn(resp)
}

// remote returns the RemoteStream for slot, creating it on first use so repeated lookups
// share one read-ahead buffer.
func (inv *invocation) remote(slot int) *stream.RemoteStream {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	rs, ok := inv.streams[slot]
	if !ok {
		rs = stream.NewRemoteStream(inv.ctx, inv, slot)
		inv.streams[slot] = rs
	}
	return rs
}

func (inv *invocation) forgetRequest(rid uint64) {
	inv.mu.Lock()
	delete(inv.pending, rid)
	inv.mu.Unlock()
}

func (inv *invocation) failPending(reason string) {
	inv.mu.Lock()
	pending := inv.pending
	inv.pending = make(map[uint64]func(*message.Interim))
	inv.mu.Unlock()
	for rid, fn := range pending {
		fn(&message.Interim{RequestID: rid, Err: reason})
	}
}

// await sends ir and blocks until its response arrives, ctx is done or the invocation is
// canceled.
func (inv *invocation) await(ctx context.Context, ir *message.Interim) (*message.Interim, error) {
	ch := make(chan *message.Interim, 1)
	rid := inv.sendInterim(ir, func(resp *message.Interim) { ch <- resp })
	select {
	case resp := <-ch:
		if resp.Err != "" {
			return nil, fmt.Errorf("%w: %s", ErrExchangeFailed, resp.Err)
		}
		return resp, nil
	case <-ctx.Done():
		inv.forgetRequest(rid)
		return nil, ctx.Err()
	case <-inv.ctx.Done():
		inv.forgetRequest(rid)
		return nil, inv.ctx.Err()
	}
}

// Ask implements execution.Asker.
func (inv *invocation) Ask(ctx context.Context, q message.Question) (string, error) {
	resp, err := inv.await(ctx, &message.Interim{Kind: message.InterimQuestion, Question: &q})
	if err != nil {
		return "", err
	}
	return resp.Answer, nil
}

// AskAsync implements execution.Asker.
func (inv *invocation) AskAsync(q message.Question, fn func(string, error)) {
	inv.sendInterim(&message.Interim{Kind: message.InterimQuestion, Question: &q}, func(resp *message.Interim) {
		if resp.Err != "" {
			fn("", fmt.Errorf("%w: %s", ErrExchangeFailed, resp.Err))
			return
		}
		fn(resp.Answer, nil)
	})
}

// StreamOp implements stream.Requester.
func (inv *invocation) StreamOp(ctx context.Context, op message.StreamOp) (*message.StreamResult, error) {
	resp, err := inv.await(ctx, &message.Interim{Kind: message.InterimStream, Stream: &op})
	if err != nil {
		return nil, err
	}
	if resp.StreamResult == nil {
		return &message.StreamResult{}, nil
	}
	return resp.StreamResult, nil
}
