// Package command drives the synchronous request/reply exchange with the
// broker.
package command

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatnode/internal/envelope"
	"chatnode/internal/wait"
)

// Default wait bounds for a reply.
const (
	DefaultTimeout   = 5 * time.Second
	HeartbeatTimeout = 2 * time.Second
)

// Requester is the half-duplex socket a Channel drives. Recv returns
// wait.ErrTimeout when nothing arrived in time.
type Requester interface {
	Send(frame []byte) error
	Recv(timeout time.Duration) ([]byte, error)
}

// Clock is the part of the logical clock a Channel needs.
type Clock interface {
	Tick() uint64
	Observe(received interface{}) uint64
}

// Channel issues one request at a time over a Requester. It is safe for
// concurrent use; callers are serialized. Give the heartbeat path its own
// Channel so beats never wait behind a slow command.
type Channel struct {
	mu      sync.Mutex
	conn    Requester
	clock   Clock
	codec   *envelope.Codec
	timeout time.Duration
	log     zerolog.Logger
}

// Option customizes a Channel.
type Option func(*Channel)

// WithTimeout sets the default reply bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the channel's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// New returns a Channel sending on conn and stamping with clk.
func New(conn Requester, clk Clock, opts ...Option) *Channel {
	c := &Channel{
		conn:    conn,
		clock:   clk,
		codec:   envelope.NewCodec(clk),
		timeout: DefaultTimeout,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends service/data and waits up to timeout for the reply. A
// non-positive timeout uses the channel default.
//
// Call never fails: transport errors, timeouts and undecodable replies come
// back as an envelope.Failure whose status names the cause. The channel stays
// usable after any of them.
func (c *Channel) Call(service string, data map[string]interface{}, timeout time.Duration) envelope.Envelope {
	if timeout <= 0 {
		timeout = c.timeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	frame, err := c.codec.Encode(service, data)
	if err != nil {
		c.log.Error().Err(err).Str("service", service).Msg("encode request")
		return envelope.Failure(err.Error())
	}

	if err := c.conn.Send(frame); err != nil {
		c.log.Warn().Err(err).Str("service", service).Msg("send request")
		return envelope.Failure(err.Error())
	}

	raw, err := c.conn.Recv(timeout)
	if errors.Is(err, wait.ErrTimeout) {
		c.log.Warn().Str("service", service).Dur("timeout", timeout).Msg("no reply")
		return envelope.Failure(envelope.StatusTimeout)
	}
	if err != nil {
		c.log.Warn().Err(err).Str("service", service).Msg("receive reply")
		return envelope.Failure(err.Error())
	}

	reply, err := envelope.Decode(raw)
	if err != nil {
		c.log.Warn().Err(err).Str("service", service).Msg("decode reply")
		return envelope.Failure(err.Error())
	}

	local := c.clock.Observe(reply.Clock)
	c.log.Debug().
		Str("service", service).
		Str("status", reply.Status()).
		Uint64("clock_local", local).
		Interface("clock_srv", reply.Clock).
		Msg("reply")
	return reply
}
