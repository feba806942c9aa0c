package envelope

// Payload is the typed view of an inbound broadcast, resolved once from the
// envelope's loosely keyed data.
type Payload interface {
	Kind() string
}

// Publish is a public channel broadcast.
type Publish struct {
	Channel   string
	User      string
	Text      string
	Timestamp string
}

// Private is a direct message addressed to this node.
type Private struct {
	Src       string
	Dst       string
	Text      string
	Timestamp string
}

// Generic carries any event kind the node has no special rendering for,
// such as coordination events from the broker cluster.
type Generic struct {
	Service string
	Data    map[string]interface{}
}

func (Publish) Kind() string   { return ServicePublish }
func (Private) Kind() string   { return ServiceMessage }
func (g Generic) Kind() string { return g.Service }

const (
	unknownUser = "?"
	noTimestamp = "no-timestamp"
)

// Fallback key precedence. Servers in the cluster disagree on the text key:
// clients send "message", the fan-out path republishes it as "msg".
var (
	textKeys      = []string{"message", "msg", "text"}
	publishUsers  = []string{"user", "src"}
	privateSrcs   = []string{"src", "user"}
	timestampKeys = []string{"timestamp"}
)

// ParsePayload resolves env into its typed payload. topic is the broadcast
// topic the envelope arrived on; it names the channel when data does not.
func ParsePayload(topic string, env Envelope) Payload {
	switch env.Service {
	case ServicePublish:
		channel := first(env, "channel")
		if channel == "" {
			channel = topic
		}
		return Publish{
			Channel:   channel,
			User:      or(first(env, publishUsers...), unknownUser),
			Text:      first(env, textKeys...),
			Timestamp: timestamp(env),
		}
	case ServiceMessage:
		dst := first(env, "dst")
		if dst == "" {
			dst = topic
		}
		return Private{
			Src:       or(first(env, privateSrcs...), unknownUser),
			Dst:       dst,
			Text:      first(env, textKeys...),
			Timestamp: timestamp(env),
		}
	default:
		return Generic{Service: env.Service, Data: env.Data}
	}
}

func first(env Envelope, keys ...string) string {
	for _, k := range keys {
		if v := env.String(k); v != "" {
			return v
		}
	}
	return ""
}

func or(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func timestamp(env Envelope) string {
	if ts := first(env, timestampKeys...); ts != "" {
		return ts
	}
	return or(env.Timestamp, noTimestamp)
}
