// Package transport wraps the two zmq sockets the node holds for its
// lifetime: a REQ socket to the broker and a SUB socket to the relay.
package transport

import (
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"

	"chatnode/internal/wait"
)

// ErrTimeout is returned when no frame arrived within the wait bound. It is
// wait.ErrTimeout, so consumers can match it without importing zmq.
var ErrTimeout = wait.ErrTimeout

// DefaultPollInterval bounds each subscriber receive so the listener can
// notice shutdown.
const DefaultPollInterval = 250 * time.Millisecond

// ---------------------------------------------
// REQ → broker
// ---------------------------------------------

// Requester is a half-duplex REQ socket.
//
// The socket runs relaxed and correlated: after a timed-out request the next
// Send is allowed, and a late reply to the old request is dropped by zmq
// instead of being handed to the next caller.
type Requester struct {
	addr   string
	sock   *zmq.Socket
	poller *zmq.Poller
}

// DialRequester connects a REQ socket to addr.
func DialRequester(zctx *zmq.Context, addr string) (*Requester, error) {
	sock, err := zctx.NewSocket(zmq.REQ)
	if err != nil {
		return nil, fmt.Errorf("transport: new REQ socket: %w", err)
	}
	if err := configure(sock,
		func() error { return sock.SetLinger(0) },
		func() error { return sock.SetReqRelaxed(1) },
		func() error { return sock.SetReqCorrelate(1) },
		func() error { return sock.Connect(addr) },
	); err != nil {
		return nil, fmt.Errorf("transport: REQ %s: %w", addr, err)
	}

	poller := zmq.NewPoller()
	poller.Add(sock, zmq.POLLIN)
	return &Requester{addr: addr, sock: sock, poller: poller}, nil
}

// Addr returns the endpoint the socket is connected to.
func (r *Requester) Addr() string { return r.addr }

// Send writes one request frame.
func (r *Requester) Send(frame []byte) error {
	_, err := r.sock.SendBytes(frame, 0)
	return err
}

// Recv waits up to timeout for the reply frame.
func (r *Requester) Recv(timeout time.Duration) ([]byte, error) {
	polled, err := r.poller.Poll(timeout)
	if err != nil {
		return nil, err
	}
	if len(polled) == 0 {
		return nil, ErrTimeout
	}
	return r.sock.RecvBytes(0)
}

// Close releases the socket.
func (r *Requester) Close() error {
	return r.sock.Close()
}

// ---------------------------------------------
// SUB ← relay
// ---------------------------------------------

// Subscriber is a SUB socket whose topic set can change while another
// goroutine receives on it. zmq sockets are not safe for concurrent use, so
// every operation holds mu; Recv holds it for at most one poll interval.
type Subscriber struct {
	addr   string
	wait   time.Duration
	mu     sync.Mutex
	sock   *zmq.Socket
	poller *zmq.Poller
}

// DialSubscriber connects a SUB socket to addr with no topics.
func DialSubscriber(zctx *zmq.Context, addr string) (*Subscriber, error) {
	sock, err := zctx.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("transport: new SUB socket: %w", err)
	}
	if err := configure(sock,
		func() error { return sock.SetLinger(0) },
		func() error { return sock.Connect(addr) },
	); err != nil {
		return nil, fmt.Errorf("transport: SUB %s: %w", addr, err)
	}

	poller := zmq.NewPoller()
	poller.Add(sock, zmq.POLLIN)
	return &Subscriber{addr: addr, wait: DefaultPollInterval, sock: sock, poller: poller}, nil
}

// Addr returns the endpoint the socket is connected to.
func (s *Subscriber) Addr() string { return s.addr }

// Subscribe adds a topic filter.
func (s *Subscriber) Subscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sock.SetSubscribe(topic)
}

// Unsubscribe removes a topic filter.
func (s *Subscriber) Unsubscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sock.SetUnsubscribe(topic)
}

// Recv returns the next multipart message, or ErrTimeout when none arrived
// within the poll interval.
func (s *Subscriber) Recv() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	polled, err := s.poller.Poll(s.wait)
	if err != nil {
		return nil, err
	}
	if len(polled) == 0 {
		return nil, ErrTimeout
	}
	return s.sock.RecvMessageBytes(0)
}

// Close releases the socket.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sock.Close()
}

func configure(sock *zmq.Socket, steps ...func() error) error {
	for _, step := range steps {
		if err := step(); err != nil {
			sock.Close()
			return err
		}
	}
	return nil
}
