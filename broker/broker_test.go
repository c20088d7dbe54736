package broker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tunnel-rpc/logging"
	"tunnel-rpc/protocol"
	"tunnel-rpc/transport"
)

type pollResult struct {
	body []byte
	err  error
}

// fakeChannel records sends and serves polls from a channel the test feeds.
type fakeChannel struct {
	mu       sync.Mutex
	sent     [][]byte
	attempts int
	failOn   map[int]error

	polls  chan pollResult
	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{failOn: map[int]error{}, polls: make(chan pollResult, 16)}
}

func (c *fakeChannel) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	attempt := c.attempts
	c.attempts++
	if err := c.failOn[attempt]; err != nil {
		return err
	}
	c.sent = append(c.sent, frame)
	return nil
}

func (c *fakeChannel) Poll(ctx context.Context) (io.ReadCloser, error) {
	select {
	case r := <-c.polls:
		if r.err != nil {
			return nil, r.err
		}
		return io.NopCloser(bytes.NewReader(r.body)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) sentSeqs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var seqs []uint32
	for _, raw := range c.sent {
		h, _, err := protocol.Decode(bytes.NewReader(raw))
		if err != nil {
			continue
		}
		seqs = append(seqs, h.Seq)
	}
	return seqs
}

func frame(seq, route uint32) *protocol.Frame {
	body := []byte("payload")
	return &protocol.Frame{
		Header: protocol.Header{MsgType: protocol.MsgTypeProgress, Seq: seq, Route: route, BodyLen: uint32(len(body))},
		Body:   body,
	}
}

func pollBody(frames ...*protocol.Frame) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(f.Marshal())
	}
	return buf.Bytes()
}

type recorder struct {
	mu   sync.Mutex
	seqs []uint32
}

func (r *recorder) receive(f *protocol.Frame, _ transport.Sender) {
	r.mu.Lock()
	r.seqs = append(r.seqs, f.Header.Seq)
	r.mu.Unlock()
}

func (r *recorder) get() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.seqs...)
}

func newTestBroker(ch transport.Channel, opts Options) *Broker {
	opts.Logger = logging.Discard()
	return NewBroker(ch, opts)
}

func TestSendKeepsOrderAcrossFailures(t *testing.T) {
	ch := newFakeChannel()
	ch.failOn[1] = &transport.ServerUnreachableError{Host: "example.invalid", Err: errors.New("refused")}

	b := newTestBroker(ch, Options{})
	b.Start()
	defer b.Shutdown(time.Second)

	failures := make(chan error, 1)
	b.Send(frame(1, 0), nil)
	b.Send(frame(2, 0), func(err error) { failures <- err })
	b.Send(frame(3, 0), nil)

	select {
	case err := <-failures:
		assert.True(t, transport.IsUnreachable(err))
	case <-time.After(2 * time.Second):
		t.Fatal("onFailure was not called")
	}
	require.Eventually(t, func() bool { return len(ch.sentSeqs()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{1, 3}, ch.sentSeqs())
}

func TestSendFailureWithoutCallbackGoesToSink(t *testing.T) {
	ch := newFakeChannel()
	ch.failOn[0] = &transport.UnexpectedStatusError{Code: 503, Op: "send"}

	sink := make(chan error, 1)
	b := newTestBroker(ch, Options{ErrorSink: func(err error) { sink <- err }})
	b.Start()
	defer b.Shutdown(time.Second)

	b.Send(frame(1, 0), nil)
	select {
	case err := <-sink:
		var status *transport.UnexpectedStatusError
		require.ErrorAs(t, err, &status)
		assert.Equal(t, transport.BucketServer, status.Bucket())
	case <-time.After(2 * time.Second):
		t.Fatal("error sink was not called")
	}
}

func TestReceiveDispatchesInRouteOrder(t *testing.T) {
	ch := newFakeChannel()
	rec := &recorder{}
	b := newTestBroker(ch, Options{Workers: 4})
	b.SetReceiver(rec.receive)
	b.Start()
	defer b.Shutdown(time.Second)

	ch.polls <- pollResult{body: pollBody(frame(1, 42), frame(2, 42), frame(3, 42))}

	select {
	case <-b.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("broker never became ready")
	}
	require.Eventually(t, func() bool { return len(rec.get()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{1, 2, 3}, rec.get())
}

func TestFramesHeldUntilReceiverSet(t *testing.T) {
	ch := newFakeChannel()
	b := newTestBroker(ch, Options{})
	b.Start()
	defer b.Shutdown(time.Second)

	ch.polls <- pollResult{body: pollBody(frame(7, 1), frame(8, 1))}
	<-b.Ready()

	rec := &recorder{}
	require.Eventually(t, func() bool {
		b.rmu.Lock()
		defer b.rmu.Unlock()
		return len(b.held) == 2
	}, 2*time.Second, 5*time.Millisecond)
	b.SetReceiver(rec.receive)

	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{7, 8}, rec.get())
}

func TestPollErrorBacksOff(t *testing.T) {
	ch := newFakeChannel()
	rec := &recorder{}
	b := newTestBroker(ch, Options{PollBackoff: 100 * time.Millisecond})
	b.SetReceiver(rec.receive)
	b.Start()
	defer b.Shutdown(time.Second)

	start := time.Now()
	ch.polls <- pollResult{err: errors.New("connection reset")}
	ch.polls <- pollResult{body: pollBody(frame(1, 0))}

	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestReplyGoesThroughBroker(t *testing.T) {
	ch := newFakeChannel()
	b := newTestBroker(ch, Options{})
	b.SetReceiver(func(f *protocol.Frame, reply transport.Sender) {
		reply.Send(frame(f.Header.Seq+100, f.Header.Route), nil)
	})
	b.Start()
	defer b.Shutdown(time.Second)

	ch.polls <- pollResult{body: pollBody(frame(1, 5))}
	require.Eventually(t, func() bool { return len(ch.sentSeqs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{101}, ch.sentSeqs())
}

func TestShutdownIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ch := newFakeChannel()
	b := newTestBroker(ch, Options{})
	b.SetReceiver((&recorder{}).receive)
	b.Start()

	assert.True(t, b.Shutdown(time.Second))
	assert.True(t, b.Shutdown(time.Second))
	assert.True(t, ch.closed)

	var got error
	b.Send(frame(1, 0), func(err error) { got = err })
	assert.ErrorIs(t, got, ErrClosed)

	// starting after shutdown does nothing
	b.Start()
}

func TestShutdownWithoutStart(t *testing.T) {
	b := newTestBroker(newFakeChannel(), Options{})
	assert.True(t, b.Shutdown(10*time.Millisecond))
	assert.True(t, b.Shutdown(10*time.Millisecond))
}
