package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ContentType is the media type of frame streams on the HTTP binding.
const ContentType = "application/x-tunnel-rpc"

// HTTPChannel is the client side of a long-poll HTTP endpoint.
//
//	POST {base}/send?session=ID   body: one frame
//	GET  {base}/poll?session=ID   body: zero or more frames, held open by the server
type HTTPChannel struct {
	base    *url.URL
	session string
	client  *http.Client
	pool    *http.Transport
}

// NewHTTPChannel creates a channel for the endpoint at baseURL using the given session id.
func NewHTTPChannel(baseURL, session string) (*HTTPChannel, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("endpoint %q: unsupported scheme %q", baseURL, base.Scheme)
	}
	pool := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPChannel{
		base:    base,
		session: session,
		// No client timeout: the long poll is bounded by the server and by ctx.
		client: &http.Client{Transport: pool},
		pool:   pool,
	}, nil
}

// Session returns the session id this channel polls for.
func (c *HTTPChannel) Session() string {
	return c.session
}

func (c *HTTPChannel) endpoint(op string) string {
	u := *c.base
	u.Path = u.Path + "/" + op
	u.RawQuery = url.Values{"session": {c.session}}.Encode()
	return u.String()
}

func (c *HTTPChannel) Send(ctx context.Context, frame []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("send"), bytes.NewReader(frame))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyDialError(c.base.Host, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return &UnexpectedStatusError{Code: resp.StatusCode, Op: "send"}
	}
	return nil
}

func (c *HTTPChannel) Poll(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("poll"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", ContentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyDialError(c.base.Host, err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNoContent:
		resp.Body.Close()
		return io.NopCloser(bytes.NewReader(nil)), nil
	default:
		resp.Body.Close()
		return nil, &UnexpectedStatusError{Code: resp.StatusCode, Op: "poll"}
	}
}

// Close drops the idle connections of the channel's pool.
func (c *HTTPChannel) Close() error {
	c.pool.CloseIdleConnections()
	return nil
}
