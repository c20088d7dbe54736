package demo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunnel-rpc/broker"
	"tunnel-rpc/client"
	"tunnel-rpc/codec"
	"tunnel-rpc/execution"
	"tunnel-rpc/logging"
	"tunnel-rpc/message"
	"tunnel-rpc/middleware"
	"tunnel-rpc/server"
	"tunnel-rpc/transport"
)

type answer string

func (a answer) Ask(context.Context, message.Question) (string, error) { return string(a), nil }

func (a answer) AskAsync(_ message.Question, fn func(string, error)) { fn(string(a), nil) }

func dispatcher(t *testing.T) *server.Dispatcher {
	t.Helper()
	svc, err := NewService(5 * time.Millisecond)
	require.NoError(t, err)
	reg := server.NewRegistry()
	reg.Register(svc)
	d := server.NewDispatcher(reg, server.Options{Logger: logging.Discard()})
	d.Use(middleware.Recover())
	return d
}

// overMock runs the files service behind a continuously drained MockLink.
func overMock(t *testing.T) *Client {
	t.Helper()
	link := transport.NewMockLink()
	d := dispatcher(t)
	c := client.New(link.ClientSender(), client.Options{Logger: logging.Discard()})
	link.SetServerReceiver(d.Receive)
	link.SetClientReceiver(c.Receive)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			if link.DrainAll(8) == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return NewClient(c)
}

// overHTTP runs the files service behind a long-poll handler and dials it through a broker.
func overHTTP(t *testing.T, ct codec.CodecType) *Client {
	t.Helper()
	d := dispatcher(t)
	h := transport.NewLongPollHandler(d.Receive, transport.LongPollOptions{
		PollTimeout: 100 * time.Millisecond,
		Logger:      logging.Discard(),
	})
	srv := httptest.NewServer(h)

	ch, err := transport.NewHTTPChannel(srv.URL, uuid.NewString())
	require.NoError(t, err)
	conn := client.Dial(ch,
		client.Options{Codec: ct, Logger: logging.Discard()},
		broker.Options{PollBackoff: 50 * time.Millisecond})
	t.Cleanup(func() {
		conn.Close(5 * time.Second)
		srv.Close()
	})
	return NewClient(conn.Client)
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestFilesOverMock(t *testing.T) {
	files := overMock(t)
	ctx := context.Background()

	echo, err := files.Echo(ctx, "ping")
	require.NoError(t, err)
	assert.Equal(t, "ping", echo)

	data := bytes.Repeat([]byte("0123456789"), 20_000)
	tree := execution.NewTree(execution.Options{})
	sum, err := files.Checksum(ctx, tree, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, sha(data), sum)
	assert.True(t, tree.IsFinished())

	n, err := files.Concat(ctx, execution.NewTree(execution.Options{}),
		strings.NewReader("abc"), nil, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(3+len(data)), n)

	ok, err := files.Confirm(ctx, execution.NewTree(execution.Options{Asker: answer("yes")}), "delete?")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = files.Confirm(ctx, execution.NewTree(execution.Options{Asker: answer("no")}), "delete?")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCountdown(t *testing.T) {
	files := overMock(t)

	done := make(chan any, 1)
	tree := execution.NewTree(execution.Options{})
	_, err := files.Countdown(context.Background(), tree, 3, execution.ResultFuncs{
		OnFinished: func(v any) { done <- v },
		OnFailed:   func(err error) { done <- err },
	})
	require.NoError(t, err)

	select {
	case v := <-done:
		n, ok := v.(*int)
		require.True(t, ok, "unexpected outcome %v", v)
		assert.Equal(t, 3, *n)
	case <-time.After(5 * time.Second):
		t.Fatal("countdown did not finish")
	}
	assert.Equal(t, 1.0, tree.Progress())
}

func TestCountdownCancel(t *testing.T) {
	files := overMock(t)

	done := make(chan any, 1)
	tree := execution.NewTree(execution.Options{})
	_, err := files.Countdown(context.Background(), tree, 1_000, execution.ResultFuncs{
		OnFinished: func(v any) { done <- v },
		OnFailed:   func(err error) { done <- err },
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tree.Progress() > 0 }, 5*time.Second, time.Millisecond)
	tree.Cancel()

	select {
	case v := <-done:
		assert.ErrorIs(t, v.(error), client.ErrCanceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not end the call")
	}
}

func TestNegativeCountdown(t *testing.T) {
	files := overMock(t)

	done := make(chan error, 1)
	_, err := files.Countdown(context.Background(), nil, -1, execution.ResultFuncs{
		OnFailed: func(err error) { done <- err },
	})
	require.NoError(t, err)

	var remote *client.RemoteError
	require.ErrorAs(t, <-done, &remote)
	assert.Equal(t, message.ErrTypeBadArguments, remote.Remote.Type)
}

func TestFilesOverHTTP(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeZstd} {
		files := overHTTP(t, ct)
		ctx := context.Background()

		echo, err := files.Echo(ctx, "over the wire")
		require.NoError(t, err)
		assert.Equal(t, "over the wire", echo)

		data := bytes.Repeat([]byte{0xAB}, 300_000)
		sum, err := files.Checksum(ctx, execution.NewTree(execution.Options{}), io.MultiReader(bytes.NewReader(data)))
		require.NoError(t, err)
		assert.Equal(t, sha(data), sum)

		ok, err := files.Confirm(ctx, execution.NewTree(execution.Options{Asker: answer("yes")}), "proceed?")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}
