package transport

import (
	"bytes"
	"sync"

	"tunnel-rpc/protocol"
)

// MockLink is an in-process binding for deterministic tests. It keeps one queue of pending
// frames per direction and delivers them only when drained explicitly, so a test can
// assert on the state between the two halves of an exchange.
type MockLink struct {
	mu       sync.Mutex
	toServer [][]byte
	toClient [][]byte
	server   Receiver
	client   Receiver

	// FailSend, when set, makes the next sends fail with this error instead of queueing.
	FailSend error
}

func NewMockLink() *MockLink {
	return &MockLink{}
}

// ClientSender queues frames from the client towards the server.
func (l *MockLink) ClientSender() Sender {
	return SenderFunc(func(frame *protocol.Frame, onFailure func(error)) {
		l.enqueue(&l.toServer, frame, onFailure)
	})
}

// ServerSender queues frames from the server towards the client.
func (l *MockLink) ServerSender() Sender {
	return SenderFunc(func(frame *protocol.Frame, onFailure func(error)) {
		l.enqueue(&l.toClient, frame, onFailure)
	})
}

func (l *MockLink) enqueue(q *[][]byte, frame *protocol.Frame, onFailure func(error)) {
	l.mu.Lock()
	if err := l.FailSend; err != nil {
		l.mu.Unlock()
		if onFailure != nil {
			onFailure(err)
		}
		return
	}
	*q = append(*q, frame.Marshal())
	l.mu.Unlock()
}

// SetServerReceiver installs the server-side handler.
func (l *MockLink) SetServerReceiver(r Receiver) {
	l.mu.Lock()
	l.server = r
	l.mu.Unlock()
}

// SetClientReceiver installs the client-side handler.
func (l *MockLink) SetClientReceiver(r Receiver) {
	l.mu.Lock()
	l.client = r
	l.mu.Unlock()
}

// PendingToServer returns the number of frames waiting for DrainToServer.
func (l *MockLink) PendingToServer() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.toServer)
}

// PendingToClient returns the number of frames waiting for DrainToClient.
func (l *MockLink) PendingToClient() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.toClient)
}

// DrainToServer delivers the frames queued so far to the server receiver and returns how
// many were delivered. Frames queued by the handlers themselves wait for the next drain.
func (l *MockLink) DrainToServer() int {
	l.mu.Lock()
	pending, recv := l.toServer, l.server
	if recv != nil {
		l.toServer = nil
	}
	l.mu.Unlock()
	return l.deliver(pending, recv, l.ServerSender())
}

// DrainToClient delivers the frames queued so far to the client receiver.
func (l *MockLink) DrainToClient() int {
	l.mu.Lock()
	pending, recv := l.toClient, l.client
	if recv != nil {
		l.toClient = nil
	}
	l.mu.Unlock()
	return l.deliver(pending, recv, l.ClientSender())
}

// DrainAll alternates both directions until neither has pending frames or rounds is spent.
func (l *MockLink) DrainAll(rounds int) int {
	total := 0
	for i := 0; i < rounds; i++ {
		n := l.DrainToServer() + l.DrainToClient()
		total += n
		if n == 0 {
			break
		}
	}
	return total
}

func (l *MockLink) deliver(pending [][]byte, recv Receiver, reply Sender) int {
	if recv == nil {
		return 0
	}
	n := 0
	for _, data := range pending {
		frames, err := protocol.ReadFrames(bytes.NewReader(data))
		if err != nil {
			continue
		}
		for _, f := range frames {
			recv(f, reply)
			n++
		}
	}
	return n
}
