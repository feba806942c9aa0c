// Package subscription consumes the relay's topic-filtered broadcast feed.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatnode/internal/envelope"
	"chatnode/internal/wait"
)

// DefaultBackoff is the pause after a faulty message or receive error.
const DefaultBackoff = 500 * time.Millisecond

// Receiver is the SUB side of the broadcast transport. Recv returns
// wait.ErrTimeout when nothing arrived within its poll interval.
type Receiver interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Recv() ([][]byte, error)
}

// Observer merges remote clock values.
type Observer interface {
	Observe(received interface{}) uint64
}

// Event is one decoded broadcast.
type Event struct {
	Topic    string
	Envelope envelope.Envelope
	Payload  envelope.Payload
	// Clock is the local clock right after observing the event.
	Clock uint64
}

// Listener receives broadcasts on its own goroutine, merges their clocks and
// renders one line per event. It also owns the node's ChannelSet: the topics
// currently subscribed at the transport level.
type Listener struct {
	conn    Receiver
	clock   Observer
	out     io.Writer
	log     zerolog.Logger
	backoff time.Duration
	onEvent func(Event)

	mu     sync.RWMutex
	topics map[string]struct{}

	outMu sync.Mutex
}

// Option customizes a Listener.
type Option func(*Listener)

// WithLogger sets the diagnostics logger.
func WithLogger(l zerolog.Logger) Option {
	return func(ls *Listener) { ls.log = l }
}

// WithBackoff sets the pause after a faulty iteration.
func WithBackoff(d time.Duration) Option {
	return func(ls *Listener) { ls.backoff = d }
}

// WithHandler registers fn to be called for every decoded event, after it
// has been rendered.
func WithHandler(fn func(Event)) Option {
	return func(ls *Listener) { ls.onEvent = fn }
}

// New returns a Listener reading conn and writing rendered events to out.
func New(conn Receiver, clk Observer, out io.Writer, opts ...Option) *Listener {
	if out == nil {
		out = io.Discard
	}
	l := &Listener{
		conn:    conn,
		clock:   clk,
		out:     out,
		log:     zerolog.Nop(),
		backoff: DefaultBackoff,
		topics:  map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Subscribe adds topic to the ChannelSet and then to the transport filter,
// so no frame the filter lets through is taken for a foreign topic. The
// ChannelSet entry is rolled back if the filter cannot be changed.
func (l *Listener) Subscribe(topic string) error {
	l.mu.Lock()
	_, had := l.topics[topic]
	l.topics[topic] = struct{}{}
	l.mu.Unlock()

	if err := l.conn.Subscribe(topic); err != nil {
		if !had {
			l.mu.Lock()
			delete(l.topics, topic)
			l.mu.Unlock()
		}
		return fmt.Errorf("subscribe %q: %w", topic, err)
	}
	l.log.Info().Str("topic", topic).Msg("subscribed")
	return nil
}

// Unsubscribe removes topic from the transport filter and the ChannelSet.
func (l *Listener) Unsubscribe(topic string) error {
	if err := l.conn.Unsubscribe(topic); err != nil {
		return fmt.Errorf("unsubscribe %q: %w", topic, err)
	}
	l.mu.Lock()
	delete(l.topics, topic)
	l.mu.Unlock()
	l.log.Info().Str("topic", topic).Msg("unsubscribed")
	return nil
}

// Subscribed reports whether topic is in the ChannelSet.
func (l *Listener) Subscribed(topic string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.topics[topic]
	return ok
}

// Topics returns the ChannelSet, sorted.
func (l *Listener) Topics() []string {
	l.mu.RLock()
	out := make([]string, 0, len(l.topics))
	for t := range l.topics {
		out = append(out, t)
	}
	l.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Run receives until ctx is cancelled. No single message, however
// malformed, stops the loop.
func (l *Listener) Run(ctx context.Context) {
	l.log.Info().Msg("listener started")
	for ctx.Err() == nil {
		if err := l.step(); err != nil {
			l.log.Warn().Err(err).Msg("broadcast skipped")
			wait.Sleep(ctx, l.backoff)
		}
	}
	l.log.Info().Msg("listener stopped")
}

var errMissingPayload = errors.New("payload frame missing")

// step handles one receive. A nil return also covers the cases that are not
// faults: poll timeouts, short messages and topics outside the ChannelSet.
func (l *Listener) step() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	parts, err := l.conn.Recv()
	if errors.Is(err, wait.ErrTimeout) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	if len(parts) < 2 {
		l.log.Debug().Int("parts", len(parts)).Msg("short message ignored")
		return nil
	}

	topic := strings.ToValidUTF8(string(parts[0]), "�")
	// zmq filters by prefix; "Ana" would also deliver "Anabela".
	if !l.Subscribed(topic) {
		l.log.Debug().Str("topic", topic).Msg("foreign topic ignored")
		return nil
	}
	if len(parts[1]) == 0 {
		return fmt.Errorf("topic %q: %w", topic, errMissingPayload)
	}

	env, err := envelope.Decode(parts[1])
	if err != nil {
		return fmt.Errorf("topic %q: %w", topic, err)
	}

	ev := Event{
		Topic:    topic,
		Envelope: env,
		Payload:  envelope.ParsePayload(topic, env),
		Clock:    l.clock.Observe(env.Clock),
	}
	l.emit(ev)
	return nil
}

func (l *Listener) emit(ev Event) {
	l.outMu.Lock()
	fmt.Fprintln(l.out, Render(ev))
	l.outMu.Unlock()

	l.log.Debug().
		Str("topic", ev.Topic).
		Str("service", ev.Envelope.Service).
		Uint64("clock_local", ev.Clock).
		Msg("broadcast")

	if l.onEvent != nil {
		l.onEvent(ev)
	}
}

// Render formats ev as the human-readable line the node prints.
func Render(ev Event) string {
	clk := ev.Envelope.Clock
	if clk == nil {
		clk = "?"
	}
	switch p := ev.Payload.(type) {
	case envelope.Publish:
		return fmt.Sprintf("[# %s] %s: %s   (ts=%s, clock=%v)", p.Channel, p.User, p.Text, p.Timestamp, clk)
	case envelope.Private:
		return fmt.Sprintf("✉ %s sent you a private message: %s   (ts=%s, clock=%v)", p.Src, p.Text, p.Timestamp, clk)
	default:
		return fmt.Sprintf("[%s][%s] %v", ev.Topic, ev.Envelope.Service, ev.Envelope.Data)
	}
}
