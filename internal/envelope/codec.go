package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrDecode is wrapped by every Decode failure.
var ErrDecode = errors.New("envelope: malformed payload")

// Ticker supplies the clock value stamped on outbound envelopes.
type Ticker interface {
	Tick() uint64
}

// Codec stamps and serializes outbound envelopes.
type Codec struct {
	clock Ticker
	now   func() time.Time
}

// NewCodec returns a codec that stamps envelopes from clk.
func NewCodec(clk Ticker) *Codec {
	return &Codec{clock: clk, now: time.Now}
}

// Encode builds a fresh envelope for service and serializes it. The clock is
// ticked exactly once per call.
func (c *Codec) Encode(service string, data map[string]interface{}) ([]byte, error) {
	env := c.Stamp(service, data)
	raw, err := msgpack.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode %s: %w", service, err)
	}
	return raw, nil
}

// Stamp builds the envelope Encode would send, ticking the clock.
func (c *Codec) Stamp(service string, data map[string]interface{}) Envelope {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Envelope{
		Service:   service,
		Data:      data,
		Timestamp: nowISO(c.now()),
		Clock:     c.clock.Tick(),
	}
}

// Marshal serializes an already built envelope without touching any clock.
func Marshal(env Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

// Decode parses a serialized envelope. It never touches the clock.
//
// msgpack is the wire format; a JSON object is accepted as a fallback.
// Numbers inside data come back as int64, uint64 or float64 whatever width
// the sender picked (float64 only, on the JSON path).
func Decode(b []byte) (Envelope, error) {
	if len(b) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty frame", ErrDecode)
	}

	var raw map[string]interface{}
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.UseLooseInterfaceDecoding(true)
	err := dec.Decode(&raw)
	if err != nil {
		trimmed := bytes.TrimSpace(b)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if jerr := json.Unmarshal(trimmed, &raw); jerr != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
	}
	if raw == nil {
		return Envelope{}, fmt.Errorf("%w: not a record", ErrDecode)
	}
	return fromRecord(raw)
}

func fromRecord(raw map[string]interface{}) (Envelope, error) {
	var env Envelope

	switch s := raw["service"].(type) {
	case string:
		env.Service = s
	case []byte:
		env.Service = string(s)
	case nil:
	default:
		return Envelope{}, fmt.Errorf("%w: service is %T", ErrDecode, s)
	}

	switch d := raw["data"].(type) {
	case map[string]interface{}:
		env.Data = d
	case nil:
		env.Data = map[string]interface{}{}
	default:
		return Envelope{}, fmt.Errorf("%w: data is %T", ErrDecode, d)
	}

	switch ts := raw["timestamp"].(type) {
	case string:
		env.Timestamp = ts
	case []byte:
		env.Timestamp = string(ts)
	case nil:
	default:
		return Envelope{}, fmt.Errorf("%w: timestamp is %T", ErrDecode, ts)
	}

	env.Clock = raw["clock"]
	return env, nil
}
