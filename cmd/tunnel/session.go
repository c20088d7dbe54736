package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tunnel-rpc/broker"
	"tunnel-rpc/client"
	"tunnel-rpc/codec"
	"tunnel-rpc/config"
	"tunnel-rpc/demo"
	"tunnel-rpc/execution"
	"tunnel-rpc/loadbalance"
	"tunnel-rpc/logging"
	"tunnel-rpc/message"
	"tunnel-rpc/registry"
	"tunnel-rpc/transport"
)

type session struct {
	files *demo.Client
	conn  *client.Conn
}

// connect loads the config, resolves the endpoint and opens a session to it.
func connect(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.Client.URL = endpointURL
	}
	if flags.Changed("etcd") {
		cfg.Etcd.Endpoints = etcdEndpoints
	}
	if flags.Changed("codec") {
		cfg.Client.Codec = codecName
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	id := uuid.NewString()
	url := cfg.Client.URL
	if len(cfg.Etcd.Endpoints) > 0 && !flags.Changed("url") {
		if url, err = locate(ctx, cfg, id); err != nil {
			return nil, err
		}
	}
	logger.Debug("connecting", "url", url, "session", id)

	ct, ok := codec.ParseType(cfg.Client.Codec)
	if !ok {
		return nil, fmt.Errorf("unknown codec %q", cfg.Client.Codec)
	}
	ch, err := transport.NewHTTPChannel(url, id)
	if err != nil {
		return nil, err
	}
	conn := client.Dial(ch,
		client.Options{
			Codec:   ct,
			Timeout: cfg.Client.Timeout,
			Retry:   client.RetryPolicy{MaxRetries: cfg.Client.Retries, BaseDelay: cfg.Client.RetryDelay},
			Logger:  logger,
		},
		broker.Options{
			PollBackoff: cfg.Client.PollBackoff,
			Workers:     cfg.Client.Workers,
			Logger:      logger,
		})
	return &session{files: demo.NewClient(conn.Client), conn: conn}, nil
}

// locate asks etcd for the files service. The session id is the affinity key, so a
// consistent-hash balancer keeps the session on one server.
func locate(ctx context.Context, cfg *config.Config, session string) (string, error) {
	reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints)
	if err != nil {
		return "", fmt.Errorf("connect etcd: %w", err)
	}
	defer reg.Close()

	bal, err := loadbalance.New(cfg.Client.Balancer, session)
	if err != nil {
		return "", err
	}
	ep, err := client.NewLocator(reg, bal).Locate(ctx, demo.ServiceID)
	if err != nil {
		return "", err
	}
	return ep.URL, nil
}

func (s *session) Close() {
	s.conn.Close(5 * time.Second)
}

// progressTree returns an execution tree that draws a progress line on w and asks
// questions on the terminal.
func progressTree(w io.Writer) *execution.Tree {
	var tree *execution.Tree
	tree = execution.NewTree(execution.Options{
		PublishDelay: 100 * time.Millisecond,
		Publish: func(snap *message.ProgressNode) {
			desc := ""
			if snap.Description != nil {
				desc = *snap.Description
			}
			fmt.Fprintf(w, "\r%5.1f%% %s", tree.Progress()*100, desc)
		},
		Asker: &terminal{in: bufio.NewReader(os.Stdin), out: w},
	})
	return tree
}

// terminal answers questions from standard input.
type terminal struct {
	in  *bufio.Reader
	out io.Writer
}

func (t *terminal) Ask(ctx context.Context, q message.Question) (string, error) {
	type line struct {
		s   string
		err error
	}
	ch := make(chan line, 1)
	go func() {
		fmt.Fprintf(t.out, "\n%s", q.Text)
		if len(q.Choices) > 0 {
			fmt.Fprintf(t.out, " [%s]", strings.Join(q.Choices, "/"))
		}
		if q.Default != "" {
			fmt.Fprintf(t.out, " (%s)", q.Default)
		}
		fmt.Fprint(t.out, ": ")
		s, err := t.in.ReadString('\n')
		ch <- line{strings.TrimSpace(s), err}
	}()

	select {
	case l := <-ch:
		if l.s == "" {
			if l.err != nil && l.err != io.EOF {
				return "", l.err
			}
			return q.Default, nil
		}
		return l.s, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *terminal) AskAsync(q message.Question, fn func(string, error)) {
	go func() { fn(t.Ask(context.Background(), q)) }()
}
