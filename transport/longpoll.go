package transport

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"tunnel-rpc/protocol"
)

const (
	DefaultPollTimeout = 25 * time.Second
	DefaultSessionTTL  = 5 * time.Minute
	maxSendBody        = int64(protocol.MaxBodyLen) + int64(protocol.HeaderSize)
)

// LongPollHandler is the server side of the HTTP binding. Each client session owns an
// outbound queue; GET /poll holds the request open until the queue is non-empty or the
// poll timeout elapses, POST /send hands the posted frames to the receiver together with
// a Sender bound to the session.
type LongPollHandler struct {
	receiver    Receiver
	pollTimeout time.Duration
	sessionTTL  time.Duration
	log         *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	mux      *http.ServeMux
}

// LongPollOptions configures a LongPollHandler. Zero values take the defaults.
type LongPollOptions struct {
	PollTimeout time.Duration
	SessionTTL  time.Duration
	Logger      *slog.Logger
}

// NewLongPollHandler creates a handler delivering inbound frames to receiver.
func NewLongPollHandler(receiver Receiver, opts LongPollOptions) *LongPollHandler {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &LongPollHandler{
		receiver:    receiver,
		pollTimeout: opts.PollTimeout,
		sessionTTL:  opts.SessionTTL,
		log:         opts.Logger,
		sessions:    make(map[string]*session),
	}
	h.mux = http.NewServeMux()
	h.mux.HandleFunc("GET /poll", h.handlePoll)
	h.mux.HandleFunc("POST /send", h.handleSend)
	return h
}

// ServeHTTP implements http.Handler. Mount it with http.StripPrefix when served below a path.
func (h *LongPollHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type session struct {
	id       string
	mu       sync.Mutex
	queue    [][]byte
	notify   chan struct{}
	lastSeen time.Time
	closed   bool
}

// Send queues frame for the session's next poll.
func (s *session) Send(frame *protocol.Frame, onFailure func(error)) {
	data := frame.Marshal()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if onFailure != nil {
			onFailure(ErrSessionClosed)
		}
		return
	}
	s.queue = append(s.queue, data)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *session) drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.queue
	s.queue = nil
	return frames
}

// requeue puts frames that could not be written back in front of the queue.
func (s *session) requeue(frames [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(frames) == 0 {
		return
	}
	s.queue = append(frames, s.queue...)
}

func (s *session) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (h *LongPollHandler) session(id string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		s = &session{id: id, notify: make(chan struct{}, 1)}
		h.sessions[id] = s
		h.log.Debug("long-poll session opened", "session", id)
	}
	s.touch(time.Now())
	return s
}

// Session returns the Sender for an existing session.
func (h *LongPollHandler) Session(id string) (Sender, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Sessions returns the number of live sessions.
func (h *LongPollHandler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *LongPollHandler) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	if id == "" {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}
	s := h.session(id)

	if !s.pending() {
		timer := time.NewTimer(h.pollTimeout)
		defer timer.Stop()
		select {
		case <-s.notify:
		case <-timer.C:
		case <-r.Context().Done():
			return
		}
	}
	s.touch(time.Now())

	frames := s.drain()
	var body bytes.Buffer
	for _, f := range frames {
		body.Write(f)
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body.Bytes()); err != nil {
		h.log.Warn("long-poll write failed, frames requeued", "session", id, "frames", len(frames), "error", err)
		s.requeue(frames)
	}
}

func (h *LongPollHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	if id == "" {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}
	s := h.session(id)

	frames, err := protocol.ReadFrames(io.LimitReader(r.Body, maxSendBody))
	if err != nil {
		h.log.Warn("rejecting malformed frames", "session", id, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, f := range frames {
		h.receiver(f, s)
	}
	w.WriteHeader(http.StatusOK)
}

// Reap closes sessions that have not polled or sent since now - SessionTTL.
func (h *LongPollHandler) Reap(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	reaped := 0
	for id, s := range h.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastSeen) > h.sessionTTL
		if idle {
			s.closed = true
			s.queue = nil
		}
		s.mu.Unlock()
		if idle {
			delete(h.sessions, id)
			reaped++
			h.log.Debug("long-poll session reaped", "session", id)
		}
	}
	return reaped
}

// RunReaper reaps idle sessions every interval until ctx is done.
func (h *LongPollHandler) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.Reap(now)
		}
	}
}
