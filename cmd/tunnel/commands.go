package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"tunnel-rpc/execution"
)

// run opens a session, calls fn and closes the session. Interrupting cancels the call.
func run(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	s, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func echoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "echo <text>",
		Short: "Send text to the server and print it back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, s *session) error {
				out, err := s.files.Echo(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(out)
				return nil
			})
		},
	}
}

func open(name string) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(name)
}

func checksumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checksum <file|->",
		Short: "Have the server hash a local file read through the tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return run(cmd, func(ctx context.Context, s *session) error {
				sum, err := s.files.Checksum(ctx, progressTree(os.Stderr), f)
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return err
				}
				fmt.Printf("%s  %s\n", sum, args[0])
				return nil
			})
		},
	}
}

func concatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "concat <file>...",
		Short: "Have the server read several local files and report their total size",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			readers := make([]io.Reader, 0, len(args))
			for _, name := range args {
				f, err := open(name)
				if err != nil {
					return err
				}
				defer f.Close()
				readers = append(readers, f)
			}
			return run(cmd, func(ctx context.Context, s *session) error {
				n, err := s.files.Concat(ctx, progressTree(os.Stderr), readers...)
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return err
				}
				fmt.Println(n)
				return nil
			})
		},
	}
}

func confirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <prompt>",
		Short: "Let the server ask you a question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, s *session) error {
				ok, err := s.files.Confirm(ctx, progressTree(os.Stderr), args[0])
				if err != nil {
					return err
				}
				fmt.Println(ok)
				return nil
			})
		},
	}
}

func countdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "countdown <n>",
		Short: "Start an asynchronous countdown and wait for its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, s *session) error {
				done := make(chan error, 1)
				tree := progressTree(os.Stderr)
				call, err := s.files.Countdown(ctx, tree, n, execution.ResultFuncs{
					OnFinished: func(v any) {
						fmt.Fprintf(os.Stderr, "\ncountdown of %d done\n", *v.(*int))
						done <- nil
					},
					OnFailed: func(err error) { done <- err },
				})
				if err != nil {
					return err
				}
				select {
				case err := <-done:
					return err
				case <-ctx.Done():
					call.Cancel()
					return <-done
				}
			})
		},
	}
}
