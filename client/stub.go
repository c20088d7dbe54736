package client

import (
	"context"
	"hash/crc32"
)

// Stub is an untyped handle on one remote service. Two stubs are equal when they address
// the same service id, whatever client they use.
type Stub struct {
	client    *Client
	ServiceID string
}

func (c *Client) Stub(serviceID string) *Stub {
	return &Stub{client: c, ServiceID: serviceID}
}

// Invoke calls method on the stub's service; see Client.Invoke.
func (s *Stub) Invoke(ctx context.Context, method string, reply any, args ...Arg) error {
	return s.client.Invoke(ctx, s.ServiceID, method, reply, args...)
}

// Start sends an invocation without waiting; see Client.Start.
func (s *Stub) Start(ctx context.Context, method string, args ...Arg) (*Call, error) {
	return s.client.Start(ctx, s.ServiceID, method, args...)
}

func (s *Stub) Equal(other *Stub) bool {
	return other != nil && s.ServiceID == other.ServiceID
}

func (s *Stub) Hash() uint32 {
	return crc32.ChecksumIEEE([]byte(s.ServiceID))
}

func (s *Stub) String() string {
	return "stub(" + s.ServiceID + ")"
}
