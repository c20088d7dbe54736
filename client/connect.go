package client

import (
	"time"

	"tunnel-rpc/broker"
	"tunnel-rpc/transport"
)

// Conn is a client bound to a channel through a broker: invocations are queued and sent
// in order, and frames polled from the server are routed back to Receive.
type Conn struct {
	*Client
	Broker *broker.Broker
}

// Dial starts a broker over ch and a client on top of it.
func Dial(ch transport.Channel, opts Options, bopts broker.Options) *Conn {
	if bopts.Logger == nil {
		bopts.Logger = opts.Logger
	}
	if bopts.Metrics == nil {
		bopts.Metrics = opts.Metrics
	}
	b := broker.NewBroker(ch, bopts)
	c := New(b, opts)
	b.SetReceiver(c.Receive)
	b.Start()
	return &Conn{Client: c, Broker: b}
}

// Close fails pending calls and shuts the broker down within timeout. It reports whether
// the broker stopped in time.
func (c *Conn) Close(timeout time.Duration) bool {
	c.Client.Close()
	return c.Broker.Shutdown(timeout)
}
