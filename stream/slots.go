// Package stream tunnels byte streams through interim exchanges.
//
// The client keeps the real readers in a Slots table and answers stream operations
// against them; the server reads through a RemoteStream bound to a slot number:
//
//	server: RemoteStream.Read ──InterimRequest{slot, read, n}──► client: Slots.Handle
//	server: RemoteStream.Read ◄──InterimResponse{data, eof}───── client: reader.Read
package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"tunnel-rpc/message"
)

// MaxChunk caps the length of a single tunneled read.
const MaxChunk = 1 << 20

const maxEmptyReads = 100

var (
	ErrNoSuchSlot     = errors.New("stream: no such slot")
	ErrMarkNotSupport = errors.New("stream: mark/reset not supported")
	ErrInvalidMark    = errors.New("stream: resetting to invalid mark")
)

// Marker is implemented by readers that can return to a remembered position.
type Marker interface {
	Mark(readLimit int64)
	Reset() error
}

type slot struct {
	r      io.Reader
	mark   int64
	marked bool
}

// Slots holds the client-side readers of one invocation in encounter order.
type Slots struct {
	mu    sync.Mutex
	slots []*slot
}

func NewSlots() *Slots {
	return &Slots{}
}

// Add registers r and returns its slot number, or message.NullSlot when r is nil.
func (s *Slots) Add(r io.Reader) int {
	if r == nil {
		return message.NullSlot
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = append(s.slots, &slot{r: r})
	return len(s.slots) - 1
}

func (s *Slots) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

func (s *Slots) get(i int) (*slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.slots) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchSlot, i)
	}
	return s.slots[i], nil
}

// Handle runs op against its reader. Close and reset failures are reported in the
// result's Err field; a returned error means the operation itself could not be carried out.
func (s *Slots) Handle(op message.StreamOp) (*message.StreamResult, error) {
	sl, err := s.get(op.Slot)
	if err != nil {
		return nil, err
	}

	switch op.Op {
	case message.OpRead:
		return read(sl.r, op.N)

	case message.OpSkip:
		if op.N <= 0 {
			return &message.StreamResult{}, nil
		}
		n, err := io.CopyN(io.Discard, sl.r, op.N)
		if err != nil && err != io.EOF {
			return nil, err
		}
		return &message.StreamResult{N: n, EOF: err == io.EOF}, nil

	case message.OpAvailable:
		return &message.StreamResult{N: available(sl.r)}, nil

	case message.OpClose:
		res := &message.StreamResult{}
		if c, ok := sl.r.(io.Closer); ok {
			if err := c.Close(); err != nil {
				res.Err = err.Error()
			}
		}
		return res, nil

	case message.OpMarkSupported:
		return &message.StreamResult{Supported: markSupported(sl.r)}, nil

	case message.OpMark:
		return &message.StreamResult{}, mark(sl, op.N)

	case message.OpReset:
		res := &message.StreamResult{}
		if err := reset(sl); err != nil {
			res.Err = err.Error()
		}
		return res, nil

	default:
		return nil, fmt.Errorf("stream: unknown operation %s", op.Op)
	}
}

// CloseAll closes every reader that is an io.Closer and ignores the errors.
func (s *Slots) CloseAll() {
	s.mu.Lock()
	slots := s.slots
	s.mu.Unlock()
	for _, sl := range slots {
		if c, ok := sl.r.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

func read(r io.Reader, n int64) (*message.StreamResult, error) {
	if n <= 0 {
		return &message.StreamResult{}, nil
	}
	if n > MaxChunk {
		n = MaxChunk
	}
	buf := make([]byte, n)
	for i := 0; i < maxEmptyReads; i++ {
		got, err := r.Read(buf)
		if got > 0 {
			// an error arriving with data is seen again on the next read
			return &message.StreamResult{Data: buf[:got], N: int64(got)}, nil
		}
		if err == io.EOF {
			return &message.StreamResult{EOF: true}, nil
		}
		if err != nil {
			return nil, err
		}
	}
	return nil, io.ErrNoProgress
}

func available(r io.Reader) int64 {
	switch v := r.(type) {
	case interface{ Buffered() int }:
		return int64(v.Buffered())
	case interface{ Len() int }:
		return int64(v.Len())
	default:
		return 0
	}
}

func markSupported(r io.Reader) bool {
	switch r.(type) {
	case Marker, io.Seeker:
		return true
	default:
		return false
	}
}

func mark(sl *slot, limit int64) error {
	switch v := sl.r.(type) {
	case Marker:
		v.Mark(limit)
		return nil
	case io.Seeker:
		pos, err := v.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		sl.mark, sl.marked = pos, true
		return nil
	default:
		return ErrMarkNotSupport
	}
}

func reset(sl *slot) error {
	switch v := sl.r.(type) {
	case Marker:
		return v.Reset()
	case io.Seeker:
		if !sl.marked {
			return ErrInvalidMark
		}
		_, err := v.Seek(sl.mark, io.SeekStart)
		return err
	default:
		return ErrMarkNotSupport
	}
}
