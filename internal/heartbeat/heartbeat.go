// Package heartbeat reports the node's liveness to the broker on a fixed
// schedule.
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chatnode/internal/command"
	"chatnode/internal/envelope"
)

// DefaultInterval is the time between beats.
const DefaultInterval = 5 * time.Second

// Caller issues one request. *command.Channel satisfies it.
type Caller interface {
	Call(service string, data map[string]interface{}, timeout time.Duration) envelope.Envelope
}

// Reporter sends heartbeats through a Caller it does not share with the
// send loop.
type Reporter struct {
	caller   Caller
	identity string
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger
}

// New returns a Reporter beating for identity every interval. Non-positive
// durations fall back to the defaults.
func New(caller Caller, identity string, interval, timeout time.Duration, log zerolog.Logger) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = command.HeartbeatTimeout
	}
	return &Reporter{
		caller:   caller,
		identity: identity,
		interval: interval,
		timeout:  timeout,
		log:      log,
	}
}

// Run beats until ctx is cancelled. The first beat goes out after one
// interval.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Beat()
		}
	}
}

// Beat sends one heartbeat and reports whether the broker acknowledged it.
// A missed beat is only logged.
func (r *Reporter) Beat() bool {
	reply := r.caller.Call(envelope.ServiceHeartbeat, map[string]interface{}{"user": r.identity}, r.timeout)
	if reply.IsFailure() {
		r.log.Debug().Str("status", reply.Status()).Msg("heartbeat missed")
		return false
	}
	return true
}
