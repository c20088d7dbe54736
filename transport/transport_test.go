package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"tunnel-rpc/protocol"
)

func testFrame(seq uint32, body string) *protocol.Frame {
	return &protocol.Frame{
		Header: protocol.Header{MsgType: protocol.MsgTypeProgress, Seq: seq},
		Body:   []byte(body),
	}
}

func readAll(t *testing.T, body io.ReadCloser) []*protocol.Frame {
	t.Helper()
	defer body.Close()
	frames, err := protocol.ReadFrames(body)
	if err != nil {
		t.Fatalf("ReadFrames failed: %v", err)
	}
	return frames
}

func TestHTTPChannelRoundTrip(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
	)
	var handler *LongPollHandler
	handler = NewLongPollHandler(func(f *protocol.Frame, reply Sender) {
		mu.Lock()
		received = append(received, string(f.Body))
		mu.Unlock()
		// Echo back through the session the frame arrived on.
		reply.Send(testFrame(f.Header.Seq, "echo:"+string(f.Body)), nil)
	}, LongPollOptions{PollTimeout: 200 * time.Millisecond})

	srv := httptest.NewServer(handler)
	defer srv.Close()

	ch, err := NewHTTPChannel(srv.URL, "session-1")
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	ctx := context.Background()
	for i, body := range []string{"a", "b", "c"} {
		if err := ch.Send(ctx, testFrame(uint32(i), body).Marshal()); err != nil {
			t.Fatalf("send %s: %v", body, err)
		}
	}

	resp, err := ch.Poll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	frames := readAll(t, resp)
	if len(frames) != 3 {
		t.Fatalf("expect 3 frames in one poll, got %d", len(frames))
	}
	for i, f := range frames {
		if want := "echo:" + []string{"a", "b", "c"}[i]; string(f.Body) != want {
			t.Errorf("frame %d: got %q, want %q", i, f.Body, want)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 3 || received[0] != "a" || received[2] != "c" {
		t.Fatalf("server received %v", received)
	}
	if handler.Sessions() != 1 {
		t.Fatalf("expect 1 session, got %d", handler.Sessions())
	}
}

func TestHTTPChannelPollTimesOutEmpty(t *testing.T) {
	handler := NewLongPollHandler(func(*protocol.Frame, Sender) {}, LongPollOptions{PollTimeout: 50 * time.Millisecond})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ch, _ := NewHTTPChannel(srv.URL, "idle")
	start := time.Now()
	resp, err := ch.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if frames := readAll(t, resp); len(frames) != 0 {
		t.Fatalf("expect empty poll, got %d frames", len(frames))
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("poll returned before the poll timeout")
	}
}

func TestHTTPChannelPollWakesOnSend(t *testing.T) {
	handler := NewLongPollHandler(func(*protocol.Frame, Sender) {}, LongPollOptions{PollTimeout: 5 * time.Second})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ch, _ := NewHTTPChannel(srv.URL, "s")
	// Open the session so the server side can address it.
	if err := ch.Send(context.Background(), testFrame(0, "hello").Marshal()); err != nil {
		t.Fatal(err)
	}
	sess, ok := handler.Session("s")
	if !ok {
		t.Fatal("session not registered")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		sess.Send(testFrame(9, "late"), nil)
	}()

	start := time.Now()
	resp, err := ch.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	frames := readAll(t, resp)
	if len(frames) != 1 || string(frames[0].Body) != "late" {
		t.Fatalf("unexpected frames %v", frames)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("poll was not woken by the queued frame")
	}
}

func TestHTTPChannelUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	ch, _ := NewHTTPChannel(srv.URL, "s")

	_, err := ch.Poll(context.Background())
	var statusErr *UnexpectedStatusError
	if !errors.As(err, &statusErr) || statusErr.Code != 503 || statusErr.Bucket() != BucketServer {
		t.Fatalf("poll: expect 503 server bucket, got %v", err)
	}

	err = ch.Send(context.Background(), testFrame(0, "x").Marshal())
	if !errors.As(err, &statusErr) || statusErr.Bucket() != BucketClient {
		t.Fatalf("send: expect 4xx client bucket, got %v", err)
	}
}

func TestHTTPChannelServerUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	ch, _ := NewHTTPChannel("http://"+addr, "s")
	err = ch.Send(context.Background(), testFrame(0, "x").Marshal())
	var unreachable *ServerUnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("expect ServerUnreachableError, got %v", err)
	}
	if unreachable.Host != addr {
		t.Fatalf("expect host %s, got %s", addr, unreachable.Host)
	}
	if !IsUnreachable(err) {
		t.Fatal("IsUnreachable should match")
	}
}

func TestLongPollRejectsMalformedFrames(t *testing.T) {
	handler := NewLongPollHandler(func(*protocol.Frame, Sender) {
		t.Error("receiver must not see malformed frames")
	}, LongPollOptions{})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ch, _ := NewHTTPChannel(srv.URL, "s")
	err := ch.Send(context.Background(), []byte("definitely not a frame"))
	var statusErr *UnexpectedStatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusBadRequest {
		t.Fatalf("expect 400, got %v", err)
	}
}

type brokenWriter struct {
	header http.Header
}

func (w *brokenWriter) Header() http.Header {
	if w.header == nil {
		w.header = http.Header{}
	}
	return w.header
}

func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func (w *brokenWriter) WriteHeader(int) {}

func TestLongPollRequeuesOnWriteFailure(t *testing.T) {
	handler := NewLongPollHandler(func(*protocol.Frame, Sender) {}, LongPollOptions{PollTimeout: 50 * time.Millisecond})
	handler.session("s1")
	sess, _ := handler.Session("s1")
	sess.Send(testFrame(1, "first"), nil)
	sess.Send(testFrame(2, "second"), nil)

	handler.ServeHTTP(&brokenWriter{}, httptest.NewRequest(http.MethodGet, "/poll?session=s1", nil))

	sess.Send(testFrame(3, "third"), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/poll?session=s1", nil))

	frames := readAll(t, io.NopCloser(rec.Body))
	if len(frames) != 3 {
		t.Fatalf("expect 3 frames after the failed poll, got %d", len(frames))
	}
	for i, want := range []string{"first", "second", "third"} {
		if string(frames[i].Body) != want {
			t.Fatalf("frame %d: expect %q, got %q", i, want, frames[i].Body)
		}
	}
}

func TestLongPollReap(t *testing.T) {
	handler := NewLongPollHandler(func(*protocol.Frame, Sender) {}, LongPollOptions{SessionTTL: time.Minute})
	handler.session("old")
	sess, _ := handler.Session("old")

	if n := handler.Reap(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("expect 1 reaped session, got %d", n)
	}
	var failure error
	sess.Send(testFrame(0, "x"), func(err error) { failure = err })
	if !errors.Is(failure, ErrSessionClosed) {
		t.Fatalf("expect ErrSessionClosed, got %v", failure)
	}
}

func TestMockLinkDrains(t *testing.T) {
	link := NewMockLink()
	var serverGot, clientGot []string
	link.SetServerReceiver(func(f *protocol.Frame, reply Sender) {
		serverGot = append(serverGot, string(f.Body))
		reply.Send(testFrame(0, "re:"+string(f.Body)), nil)
	})
	link.SetClientReceiver(func(f *protocol.Frame, reply Sender) {
		clientGot = append(clientGot, string(f.Body))
	})

	link.ClientSender().Send(testFrame(0, "one"), nil)
	link.ClientSender().Send(testFrame(1, "two"), nil)
	if len(serverGot) != 0 || link.PendingToServer() != 2 {
		t.Fatal("frames must wait for an explicit drain")
	}

	if n := link.DrainToServer(); n != 2 {
		t.Fatalf("expect 2 delivered, got %d", n)
	}
	if link.PendingToClient() != 2 || len(clientGot) != 0 {
		t.Fatal("replies must wait for DrainToClient")
	}
	link.DrainToClient()
	if len(clientGot) != 2 || clientGot[0] != "re:one" || clientGot[1] != "re:two" {
		t.Fatalf("client got %v", clientGot)
	}

	link.FailSend = errors.New("boom")
	var failed error
	link.ClientSender().Send(testFrame(2, "three"), func(err error) { failed = err })
	if failed == nil || link.PendingToServer() != 0 {
		t.Fatal("FailSend should reject the frame through onFailure")
	}
}
