package transport

import (
	"errors"
	"fmt"
	"net"
)

// ErrSessionClosed is reported when frames are sent to a reaped long-poll session.
var ErrSessionClosed = errors.New("transport: session closed")

// ServerUnreachableError is a connect failure. Host is empty when it could not be determined.
type ServerUnreachableError struct {
	Host string
	Err  error
}

func (e *ServerUnreachableError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("server unreachable: %v", e.Err)
	}
	return fmt.Sprintf("server %s unreachable: %v", e.Host, e.Err)
}

func (e *ServerUnreachableError) Unwrap() error { return e.Err }

// StatusBucket groups unexpected status codes for user-facing messages.
type StatusBucket int

const (
	BucketUnknown StatusBucket = iota
	BucketClient               // 4xx
	BucketServer               // 5xx
)

func (b StatusBucket) String() string {
	switch b {
	case BucketClient:
		return "client error"
	case BucketServer:
		return "server error"
	default:
		return "unknown status"
	}
}

// UnexpectedStatusError is a non-2xx answer on the send or poll path.
type UnexpectedStatusError struct {
	Code int
	Op   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d (%s)", e.Op, e.Code, e.Bucket())
}

// Bucket classifies the status code.
func (e *UnexpectedStatusError) Bucket() StatusBucket {
	switch {
	case e.Code >= 500 && e.Code < 600:
		return BucketServer
	case e.Code >= 400 && e.Code < 500:
		return BucketClient
	default:
		return BucketUnknown
	}
}

// IsUnreachable reports whether err is a connect failure.
func IsUnreachable(err error) bool {
	var target *ServerUnreachableError
	return errors.As(err, &target)
}

// classifyDialError turns dial and DNS failures into ServerUnreachableError and leaves
// every other error untouched.
func classifyDialError(host string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &ServerUnreachableError{Host: host, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &ServerUnreachableError{Host: host, Err: err}
	}
	return err
}
