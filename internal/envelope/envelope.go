// Package envelope defines the wire record exchanged with the broker and the
// relay, and its msgpack codec.
package envelope

import (
	"fmt"
	"time"
)

// Service tags understood by the node.
const (
	ServiceLogin       = "login"
	ServiceUsers       = "users"
	ServiceChannels    = "channels"
	ServiceChannel     = "channel"
	ServiceSubscribe   = "subscribe"
	ServiceUnsubscribe = "unsubscribe"
	ServiceMessage     = "message"
	ServicePublish     = "publish"
	ServiceHeartbeat   = "heartbeat"

	// ServiceError marks a reply synthesized locally after a transport
	// failure or timeout. It never goes on the wire.
	ServiceError = "error"
)

// Reply statuses used by the broker.
const (
	StatusSuccess = "sucesso"
	StatusError   = "erro"
	StatusOK      = "ok"
	StatusTimeout = "timeout"
)

// Envelope is the uniform record wrapping every request, reply and broadcast.
//
// Clock holds whatever the peer sent. On encode it is the uint64 taken from
// the local clock; on decode it is the raw value (any integer width, a
// string, or nil when missing) and must be fed to clock.Observe.
type Envelope struct {
	Service   string                 `msgpack:"service" json:"service"`
	Data      map[string]interface{} `msgpack:"data" json:"data"`
	Timestamp string                 `msgpack:"timestamp" json:"timestamp"`
	Clock     interface{}            `msgpack:"clock" json:"clock"`
}

// Failure builds the error reply returned to callers when a request could
// not complete.
func Failure(reason string) Envelope {
	return Envelope{
		Service: ServiceError,
		Data:    map[string]interface{}{"status": reason},
	}
}

// IsFailure reports whether e was synthesized by Failure.
func (e Envelope) IsFailure() bool {
	return e.Service == ServiceError
}

// Status returns data.status, or "" when the reply carries none.
func (e Envelope) Status() string {
	return e.String("status")
}

// OK reports whether the broker accepted the request.
func (e Envelope) OK() bool {
	switch e.Status() {
	case StatusSuccess, StatusOK, "success":
		return true
	}
	return false
}

// String returns data[key] as text. Non-string scalars are formatted with %v.
func (e Envelope) String(key string) string {
	v, ok := e.Data[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Strings returns data[key] as a list of strings, skipping non-string items.
func (e Envelope) Strings(key string) []string {
	var out []string
	switch t := e.Data[key].(type) {
	case []string:
		out = append(out, t...)
	case []interface{}:
		for _, item := range t {
			switch s := item.(type) {
			case string:
				out = append(out, s)
			case []byte:
				out = append(out, string(s))
			}
		}
	}
	return out
}

func nowISO(now time.Time) string {
	return now.UTC().Format(time.RFC3339Nano)
}
