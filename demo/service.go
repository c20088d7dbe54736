// Package demo is a small file-oriented service used by the tunneld binary and by
// end-to-end tests. It exercises every kind of live argument.
package demo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"tunnel-rpc/execution"
	"tunnel-rpc/message"
	"tunnel-rpc/server"
	"tunnel-rpc/stream"
)

// ServiceID is the id the files service is registered under.
const ServiceID = "files"

// DefaultTick is the pace of Countdown.
const DefaultTick = time.Second

const chunk = 32 << 10

// NewService returns the files service. tick paces Countdown; zero means DefaultTick.
func NewService(tick time.Duration) (*server.Service, error) {
	if tick <= 0 {
		tick = DefaultTick
	}
	return server.NewService(ServiceID,
		server.Unary("Echo", func(ctx context.Context, s string) (string, error) { return s, nil }),
		server.Method{
			Name:    "Checksum",
			Params:  []string{message.DescExecution, message.DescStream},
			Handler: checksum,
		},
		server.Method{
			Name:    "Concat",
			Params:  []string{message.DescExecution, message.DescStreamArray},
			Handler: concat,
		},
		server.Method{
			Name:    "Confirm",
			Params:  []string{message.DescExecution, message.TypeDesc[string]()},
			Handler: confirm,
		},
		server.Method{
			Name:    "Countdown",
			Params:  []string{message.DescExecution, message.TypeDesc[int](), message.DescResult},
			Handler: countdown(tick),
		},
	)
}

// checksum returns the hex SHA-256 of the tunneled stream, reporting bytes as steps.
func checksum(ctx context.Context, call *server.Call) (any, error) {
	exec := call.Execution()
	in, err := call.Stream(1)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	exec.SetDescription("checksum")
	if n, err := in.Available(); err == nil && n > 0 {
		exec.SetTotalStepCount(n)
	}
	h := sha256.New()
	if _, err := copyWithProgress(ctx, exec, h, in); err != nil {
		return nil, err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// concat reads every stream of the array and returns the total length. Each stream gets
// an equal share of the progress.
func concat(ctx context.Context, call *server.Call) (any, error) {
	exec := call.Execution()
	ins, err := call.Streams(1)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, in := range ins {
			if in != nil {
				in.Close()
			}
		}
	}()

	exec.SetTotalStepCount(int64(len(ins)))
	var total int64
	for i, in := range ins {
		sub := exec.SubExecution(1)
		sub.SetDescription(fmt.Sprintf("stream %d", i))
		if in != nil {
			n, err := copyWithProgress(ctx, sub, io.Discard, in)
			total += n
			if err != nil {
				return nil, err
			}
		}
		sub.Finished()
	}
	return total, nil
}

func copyWithProgress(ctx context.Context, exec execution.Callback, w io.Writer, in *stream.RemoteStream) (int64, error) {
	buf := make([]byte, chunk)
	var total int64
	for {
		if exec.IsCanceled() {
			return total, context.Canceled
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := in.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			total += int64(n)
			exec.Worked(int64(n))
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// confirm asks the caller and reports whether they answered yes.
func confirm(ctx context.Context, call *server.Call) (any, error) {
	var prompt string
	if err := call.Decode(1, &prompt); err != nil {
		return nil, err
	}
	answer, err := call.Execution().Ask(ctx, message.Question{
		Text:    prompt,
		Choices: []string{"yes", "no"},
		Default: "no",
	})
	if err != nil {
		return nil, err
	}
	return answer == "yes", nil
}

// countdown returns at once and finishes through the result callback after n ticks,
// reporting one step per tick.
func countdown(tick time.Duration) server.Handler {
	return func(ctx context.Context, call *server.Call) (any, error) {
		var n int
		if err := call.Decode(1, &n); err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, &server.BadArgumentsError{Index: 1, Reason: "negative count"}
		}
		exec, result := call.Execution(), call.Result()
		exec.SetTotalStepCount(int64(n))
		exec.SetDescription("countdown")

		go func() {
			ticker := time.NewTicker(tick)
			defer ticker.Stop()
			for i := 0; i < n; i++ {
				select {
				case <-ctx.Done():
					result.Failed(ctx.Err())
					return
				case <-ticker.C:
					exec.Worked(1)
				}
			}
			result.Finished(n)
		}()
		return nil, nil
	}
}
