// Package broker moves frames between the local process and one transport.Channel.
//
// Two long-lived tasks run per broker:
//
//	Send() ──► queue (FIFO, unbounded) ──► sender task ──► Channel.Send
//	Channel.Poll ──► receiver task ──► ReadFrames ──► worker[route % N] ──► Receiver
//
// Frames of one invocation share a route key and therefore a worker, so they are handled
// in arrival order; unrelated invocations are handled in parallel.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tunnel-rpc/logging"
	"tunnel-rpc/metrics"
	"tunnel-rpc/protocol"
	"tunnel-rpc/transport"
)

const (
	DefaultPollBackoff = 10 * time.Second
	DefaultWorkers     = 8

	workerBacklog = 64
)

// ErrClosed is reported for frames sent after, or still queued at, shutdown.
var ErrClosed = errors.New("broker: closed")

type Options struct {
	// PollBackoff is the pause after a failed poll before the next attempt.
	PollBackoff time.Duration
	// Workers is the number of dispatch workers.
	Workers int
	// ErrorSink receives send failures that have no onFailure of their own.
	ErrorSink func(error)
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

type deferred struct {
	frame     []byte
	onFailure func(error)
}

type delivery struct {
	frame    *protocol.Frame
	receiver transport.Receiver
}

type Broker struct {
	ch      transport.Channel
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	qmu    sync.Mutex
	queue  []deferred
	notify chan struct{}
	closed bool

	rmu      sync.Mutex
	receiver transport.Receiver
	held     []*protocol.Frame

	workers []chan delivery

	ready     chan struct{}
	readyOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	lmu      sync.Mutex
	started  bool
	stopped  bool
	done     chan struct{} // closed when both tasks have returned
	shutdown chan struct{} // closed when the first Shutdown call returns
	result   bool
}

// NewBroker creates a broker over ch. Call SetReceiver and Start before use.
func NewBroker(ch transport.Channel, opts Options) *Broker {
	if opts.PollBackoff <= 0 {
		opts.PollBackoff = DefaultPollBackoff
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		ch:      ch,
		opts:    opts,
		log:     logging.OrDefault(opts.Logger).With("component", "broker"),
		metrics: opts.Metrics,
		notify:  make(chan struct{}, 1),
		ready:   make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		done:     make(chan struct{}),
		shutdown: make(chan struct{}),
	}
	b.workers = make([]chan delivery, opts.Workers)
	for i := range b.workers {
		b.workers[i] = make(chan delivery, workerBacklog)
	}
	return b
}

// SetReceiver installs the handler for inbound frames and flushes any frames that arrived
// before it was set.
func (b *Broker) SetReceiver(r transport.Receiver) {
	b.rmu.Lock()
	defer b.rmu.Unlock()
	b.receiver = r
	held := b.held
	b.held = nil
	for _, f := range held {
		b.dispatch(f, r)
	}
}

// Ready is closed after the first successful poll.
func (b *Broker) Ready() <-chan struct{} {
	return b.ready
}

// Start launches the sender and receiver tasks and the dispatch workers. It is a no-op
// when the broker is already running or has been shut down.
func (b *Broker) Start() {
	b.lmu.Lock()
	defer b.lmu.Unlock()
	if b.started || b.stopped {
		return
	}
	b.started = true

	var wg sync.WaitGroup
	for _, w := range b.workers {
		wg.Add(1)
		go func(in <-chan delivery) {
			defer wg.Done()
			for d := range in {
				b.handle(d)
			}
		}(w)
	}

	g, ctx := errgroup.WithContext(b.ctx)
	g.Go(func() error { return b.sendLoop(ctx) })
	g.Go(func() error { return b.receiveLoop(ctx) })

	go func() {
		if err := g.Wait(); err != nil {
			b.log.Error("broker task failed", "error", err)
		}
		b.rmu.Lock()
		for _, w := range b.workers {
			close(w)
		}
		b.workers = nil
		b.rmu.Unlock()
		close(b.done)
		wg.Wait()
	}()
}

// Send queues frame for delivery and returns immediately. onFailure (or the error sink)
// is called from the sender task if the write fails.
func (b *Broker) Send(frame *protocol.Frame, onFailure func(error)) {
	data := frame.Marshal()
	b.qmu.Lock()
	if b.closed {
		b.qmu.Unlock()
		b.fail(onFailure, ErrClosed)
		return
	}
	b.queue = append(b.queue, deferred{frame: data, onFailure: onFailure})
	depth := len(b.queue)
	b.qmu.Unlock()
	b.metrics.SetQueueDepth(depth)

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Shutdown signals both tasks to stop, waits up to timeout for them, and closes the
// channel. It reports whether both tasks stopped in time; repeated calls report the same.
func (b *Broker) Shutdown(timeout time.Duration) bool {
	b.lmu.Lock()
	if b.stopped {
		b.lmu.Unlock()
		<-b.shutdown
		return b.result
	}
	b.stopped = true
	started := b.started
	b.lmu.Unlock()

	b.cancel()
	stopped := true
	if started {
		select {
		case <-b.done:
		case <-time.After(timeout):
			stopped = false
		}
	}

	for _, d := range b.drainQueue() {
		b.fail(d.onFailure, ErrClosed)
	}
	if err := b.ch.Close(); err != nil {
		b.log.Warn("closing channel", "error", err)
	}

	b.result = stopped
	close(b.shutdown)
	return stopped
}

// next blocks until a frame is queued or ctx is done.
func (b *Broker) next(ctx context.Context) (deferred, bool) {
	for {
		b.qmu.Lock()
		if len(b.queue) > 0 {
			d := b.queue[0]
			b.queue[0] = deferred{}
			b.queue = b.queue[1:]
			depth := len(b.queue)
			b.qmu.Unlock()
			b.metrics.SetQueueDepth(depth)
			return d, true
		}
		b.qmu.Unlock()

		select {
		case <-ctx.Done():
			return deferred{}, false
		case <-b.notify:
		}
	}
}

func (b *Broker) drainQueue() []deferred {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	b.closed = true
	q := b.queue
	b.queue = nil
	return q
}

func (b *Broker) sendLoop(ctx context.Context) error {
	for {
		d, ok := b.next(ctx)
		if !ok {
			return nil
		}
		if err := b.ch.Send(ctx, d.frame); err != nil {
			if ctx.Err() != nil {
				b.fail(d.onFailure, ErrClosed)
				return nil
			}
			b.metrics.SendFailed(failureReason(err))
			b.fail(d.onFailure, err)
			continue
		}
		b.metrics.FrameSent()
	}
}

func (b *Broker) receiveLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		body, err := b.ch.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.pollFailed(ctx, err)
			continue
		}
		frames, err := protocol.ReadFrames(body)
		body.Close()
		if err != nil {
			// frames decoded before the bad one are still delivered
			b.deliver(frames)
			b.pollFailed(ctx, err)
			continue
		}
		b.readyOnce.Do(func() { close(b.ready) })
		b.deliver(frames)
	}
	return nil
}

func (b *Broker) pollFailed(ctx context.Context, err error) {
	b.metrics.PollFailed()
	b.log.Warn("poll failed", "error", err, "backoff", b.opts.PollBackoff)
	t := time.NewTimer(b.opts.PollBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (b *Broker) deliver(frames []*protocol.Frame) {
	b.rmu.Lock()
	defer b.rmu.Unlock()
	for _, f := range frames {
		b.metrics.FrameReceived()
		if b.receiver == nil {
			b.held = append(b.held, f)
			continue
		}
		b.dispatch(f, b.receiver)
	}
}

// dispatch must be called with rmu held.
func (b *Broker) dispatch(f *protocol.Frame, r transport.Receiver) {
	if b.workers == nil {
		b.log.Debug("dropping frame after shutdown", "type", f.Header.MsgType)
		return
	}
	w := b.workers[int(f.Header.Route%uint32(len(b.workers)))]
	select {
	case w <- delivery{frame: f, receiver: r}:
	case <-b.ctx.Done():
	}
}

func (b *Broker) handle(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("receiver panicked", "panic", r, "type", d.frame.Header.MsgType)
		}
	}()
	d.receiver(d.frame, b)
}

func (b *Broker) fail(onFailure func(error), err error) {
	if onFailure != nil {
		onFailure(err)
		return
	}
	if b.opts.ErrorSink != nil {
		b.opts.ErrorSink(err)
		return
	}
	b.log.Error("send failed", "error", err)
}

func failureReason(err error) string {
	var status *transport.UnexpectedStatusError
	switch {
	case transport.IsUnreachable(err):
		return "unreachable"
	case errors.As(err, &status):
		return "status"
	default:
		return "io"
	}
}
