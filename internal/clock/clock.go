// Package clock implements the node's Lamport clock.
package clock

import (
	"math"
	"strconv"
	"strings"
	"sync"
)

// Clock is a process-wide logical clock. The zero value is ready to use.
//
// Every outbound envelope takes its value from Tick, every inbound envelope
// is merged with Observe. Both run under the same mutex.
type Clock struct {
	mu    sync.Mutex
	value uint64
}

// New returns a clock starting at zero.
func New() *Clock {
	return &Clock{}
}

// Tick advances the clock for a local send event and returns the new value.
func (c *Clock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.advance()
	return c.value
}

// Observe merges a clock value received from a remote peer:
// value = max(value, received) + 1.
//
// When received is absent or not a non-negative integer the clock still
// advances by one, so an unreadable event is never silently dropped.
func (c *Clock) Observe(received interface{}) uint64 {
	rc, ok := Parse(received)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ok && rc > c.value {
		c.value = rc
	}
	c.advance()
	return c.value
}

// advance adds one, saturating at math.MaxUint64 so the clock never wraps
// back below a value it already handed out. Caller holds mu.
func (c *Clock) advance() {
	if c.value < math.MaxUint64 {
		c.value++
	}
}

// Now returns the current value without advancing it. Use it for logging
// only; sends must go through Tick.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Parse interprets a decoded wire value as a clock reading. msgpack hands
// integers back in whichever width the sender chose, and some peers send the
// clock as a decimal string.
func Parse(v interface{}) (uint64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case int:
		return signed(int64(t))
	case int8:
		return signed(int64(t))
	case int16:
		return signed(int64(t))
	case int32:
		return signed(int64(t))
	case int64:
		return signed(t)
	case uint:
		return uint64(t), true
	case uint8:
		return uint64(t), true
	case uint16:
		return uint64(t), true
	case uint32:
		return uint64(t), true
	case uint64:
		return t, true
	case float32:
		return integral(float64(t))
	case float64:
		return integral(t)
	case string:
		n, err := strconv.ParseUint(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	case []byte:
		return Parse(string(t))
	default:
		return 0, false
	}
}

func signed(n int64) (uint64, bool) {
	if n < 0 {
		return 0, false
	}
	return uint64(n), true
}

func integral(f float64) (uint64, bool) {
	if f < 0 || f != math.Trunc(f) || f >= math.MaxUint64 || math.IsNaN(f) {
		return 0, false
	}
	return uint64(f), true
}
