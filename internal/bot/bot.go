// Package bot runs the automated chat participant: login, channel
// discovery, subscription and the endless send loop.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatnode/internal/envelope"
	"chatnode/internal/traffic"
	"chatnode/internal/wait"
)

// DefaultChannel is created when the broker knows no channels.
const DefaultChannel = "geral"

// ErrNotSubscribed rejects a publish to a channel outside the ChannelSet.
var ErrNotSubscribed = errors.New("bot: not subscribed to channel")

// State is the driver's position in its startup sequence.
type State int

const (
	Starting State = iota
	LoggedIn
	Subscribed
	Running
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case LoggedIn:
		return "logged-in"
	case Subscribed:
		return "subscribed"
	case Running:
		return "running"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Commander issues one broker request. *command.Channel satisfies it.
type Commander interface {
	Call(service string, data map[string]interface{}, timeout time.Duration) envelope.Envelope
}

// Topics is the listener's transport-level subscription set.
// *subscription.Listener satisfies it.
type Topics interface {
	Subscribe(topic string) error
	Subscribed(topic string) bool
}

// Config tunes a Driver.
type Config struct {
	// Identity overrides the generator's choice of display name.
	Identity string
	// DefaultChannel is created when the broker lists no channels.
	DefaultChannel string
	// Join is how many channels to join at startup.
	Join int
	// Timeout bounds each command; zero uses the channel default.
	Timeout time.Duration
	// Watch lists extra topics to receive without joining them at the
	// broker, such as the cluster's "servers" coordination feed.
	Watch []string
}

// Driver orchestrates one bot.
type Driver struct {
	cmd    Commander
	topics Topics
	gen    traffic.Generator
	cfg    Config
	out    io.Writer
	log    zerolog.Logger

	mu       sync.Mutex
	state    State
	identity string
	peers    []string
	joined   []string
}

// New returns a Driver in the Starting state. out receives one line per
// message the bot sends.
func New(cmd Commander, topics Topics, gen traffic.Generator, cfg Config, out io.Writer, log zerolog.Logger) *Driver {
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = DefaultChannel
	}
	if cfg.Join <= 0 {
		cfg.Join = 1
	}
	if out == nil {
		out = io.Discard
	}
	identity := cfg.Identity
	if identity == "" {
		identity = gen.Identity()
	}
	return &Driver{
		cmd:      cmd,
		topics:   topics,
		gen:      gen,
		cfg:      cfg,
		out:      out,
		log:      log.With().Str("user", identity).Logger(),
		identity: identity,
	}
}

// Identity returns the bot's display name.
func (d *Driver) Identity() string { return d.identity }

// State returns the current state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Joined returns the channels picked at startup.
func (d *Driver) Joined() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.joined...)
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	d.log.Info().Stringer("state", s).Msg("state change")
}

// Start logs in and joins channels, leaving the driver in Subscribed.
// Broker-side failures are logged and tolerated; only a failure to change
// the transport subscription is returned.
func (d *Driver) Start(ctx context.Context) error {
	d.log.Info().Msg("bot starting")

	// ----------------------------------------
	// LOGIN
	// ----------------------------------------
	r := d.call(envelope.ServiceLogin, map[string]interface{}{"user": d.identity})
	d.log.Info().Str("status", r.Status()).Msg("login")

	if err := d.topics.Subscribe(d.identity); err != nil {
		return err
	}
	for _, topic := range d.cfg.Watch {
		if err := d.topics.Subscribe(topic); err != nil {
			return err
		}
	}
	if r = d.call(envelope.ServiceUsers, nil); !r.IsFailure() {
		d.mu.Lock()
		d.peers = r.Strings("users")
		d.mu.Unlock()
	}
	d.setState(LoggedIn)
	if err := ctx.Err(); err != nil {
		return err
	}

	// ----------------------------------------
	// CHANNELS
	// ----------------------------------------
	known := d.call(envelope.ServiceChannels, nil).Strings("channels")
	if len(known) == 0 {
		name := d.cfg.DefaultChannel
		r = d.call(envelope.ServiceChannel, map[string]interface{}{"channel": name, "name": name})
		// "canal já existe" is fine: the channel is there either way.
		d.log.Info().Str("channel", name).Str("status", r.Status()).Msg("default channel created")
		known = []string{name}
	}

	joined := d.gen.PickChannels(known, d.cfg.Join)
	if len(joined) == 0 {
		joined = known[:1]
	}
	for _, ch := range joined {
		if err := d.topics.Subscribe(ch); err != nil {
			return err
		}
		r = d.call(envelope.ServiceSubscribe, map[string]interface{}{"user": d.identity, "topic": ch})
		d.log.Info().Str("channel", ch).Str("status", r.Status()).Msg("joined channel")
	}

	d.mu.Lock()
	d.joined = joined
	d.mu.Unlock()
	d.setState(Subscribed)
	return ctx.Err()
}

// Run sends until ctx is cancelled. Start must have completed.
func (d *Driver) Run(ctx context.Context) {
	d.setState(Running)
	for ctx.Err() == nil {
		d.mu.Lock()
		peers, joined := d.peers, d.joined
		d.mu.Unlock()

		if err := d.Send(d.gen.Next(d.identity, peers, joined)); err != nil {
			d.log.Warn().Err(err).Msg("send skipped")
		}
		wait.Sleep(ctx, d.gen.Pause())
	}
	d.log.Info().Msg("bot stopped")
}

// Send performs one action. A public send to a channel the listener is not
// subscribed to is refused with ErrNotSubscribed before anything goes on
// the wire.
func (d *Driver) Send(a traffic.Action) error {
	if a.Private {
		r := d.call(envelope.ServiceMessage, map[string]interface{}{
			"src":     d.identity,
			"dst":     a.Dst,
			"message": a.Text,
		})
		fmt.Fprintf(d.out, "✉ %s → %s: %s\n", d.identity, a.Dst, a.Text)
		return replyErr(r)
	}

	if !d.topics.Subscribed(a.Channel) {
		return fmt.Errorf("%w: %q", ErrNotSubscribed, a.Channel)
	}
	r := d.call(envelope.ServicePublish, map[string]interface{}{
		"user":    d.identity,
		"channel": a.Channel,
		"message": a.Text,
	})
	fmt.Fprintf(d.out, "[# %s] %s: %s\n", a.Channel, d.identity, a.Text)
	return replyErr(r)
}

func (d *Driver) call(service string, data map[string]interface{}) envelope.Envelope {
	return d.cmd.Call(service, data, d.cfg.Timeout)
}

func replyErr(r envelope.Envelope) error {
	if r.IsFailure() {
		return errors.New(r.Status())
	}
	if r.Status() == envelope.StatusError {
		return fmt.Errorf("broker: %s", r.String("message"))
	}
	return nil
}
