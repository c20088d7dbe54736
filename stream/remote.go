package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"tunnel-rpc/message"
)

// DefaultChunk is the read-ahead size of a RemoteStream.
const DefaultChunk = 32 << 10

// Requester performs one stream operation on the client and waits for its result.
type Requester interface {
	StreamOp(ctx context.Context, op message.StreamOp) (*message.StreamResult, error)
}

// RemoteStream reads a client-held stream. Every operation is one interim exchange; reads
// fetch at least DefaultChunk bytes and serve later reads from that buffer.
type RemoteStream struct {
	ctx   context.Context
	req   Requester
	slot  int
	chunk int

	mu      sync.Mutex
	buf     []byte
	eof     bool
	closed  bool
	markBuf []byte
}

func NewRemoteStream(ctx context.Context, req Requester, slot int) *RemoteStream {
	return &RemoteStream{ctx: ctx, req: req, slot: slot, chunk: DefaultChunk}
}

// SetChunk changes the read-ahead size. n <= 0 disables read-ahead.
func (s *RemoteStream) SetChunk(n int) {
	s.mu.Lock()
	s.chunk = n
	s.mu.Unlock()
}

func (s *RemoteStream) Slot() int { return s.slot }

func (s *RemoteStream) do(op message.StreamOpCode, n int64) (*message.StreamResult, error) {
	res, err := s.req.StreamOp(s.ctx, message.StreamOp{Slot: s.slot, Op: op, N: n})
	if err != nil {
		return nil, fmt.Errorf("stream %d: %s: %w", s.slot, op, err)
	}
	if res == nil {
		res = &message.StreamResult{}
	}
	return res, nil
}

func (s *RemoteStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if len(s.buf) == 0 {
		if s.eof {
			return 0, io.EOF
		}
		want := max(len(p), s.chunk)
		res, err := s.do(message.OpRead, int64(want))
		if err != nil {
			return 0, err
		}
		if len(res.Data) == 0 {
			if res.EOF {
				s.eof = true
				return 0, io.EOF
			}
			return 0, io.ErrNoProgress
		}
		s.buf = res.Data
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Skip discards up to n bytes and returns how many were skipped.
func (s *RemoteStream) Skip(n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	fromBuf := min(n, int64(len(s.buf)))
	s.buf = s.buf[fromBuf:]
	if fromBuf == n || s.eof {
		return fromBuf, nil
	}
	res, err := s.do(message.OpSkip, n-fromBuf)
	if err != nil {
		return fromBuf, err
	}
	if res.EOF {
		s.eof = true
	}
	return fromBuf + res.N, nil
}

// Available estimates the bytes readable without blocking the client.
func (s *RemoteStream) Available() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	buffered := int64(len(s.buf))
	if s.eof {
		return buffered, nil
	}
	res, err := s.do(message.OpAvailable, 0)
	if err != nil {
		return buffered, err
	}
	return buffered + res.N, nil
}

// Close closes the client-held stream. A close failure on the client is returned as is.
func (s *RemoteStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.buf = nil
	res, err := s.do(message.OpClose, 0)
	if err != nil {
		return err
	}
	if res.Err != "" {
		return fmt.Errorf("stream %d: close: %s", s.slot, res.Err)
	}
	return nil
}

// MarkSupported reports whether the client-held stream can Mark and Reset. An interrupted
// exchange reports false.
func (s *RemoteStream) MarkSupported() (bool, error) {
	res, err := s.do(message.OpMarkSupported, 0)
	if err != nil {
		if interrupted(err) {
			return false, nil
		}
		return false, err
	}
	return res.Supported, nil
}

// Mark remembers the current position. Buffered bytes are remembered too, since the
// client's position is ahead of ours by that many bytes.
func (s *RemoteStream) Mark(readLimit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.do(message.OpMark, readLimit+int64(len(s.buf))); err != nil {
		if interrupted(err) {
			return nil
		}
		return err
	}
	s.markBuf = append([]byte(nil), s.buf...)
	return nil
}

// Reset returns to the last mark.
func (s *RemoteStream) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.do(message.OpReset, 0)
	if err != nil {
		if interrupted(err) {
			return nil
		}
		return err
	}
	if res.Err != "" {
		return fmt.Errorf("stream %d: reset: %s", s.slot, res.Err)
	}
	s.buf = append([]byte(nil), s.markBuf...)
	s.eof = false
	return nil
}

func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
