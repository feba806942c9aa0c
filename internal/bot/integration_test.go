package bot_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"chatnode/internal/bot"
	"chatnode/internal/brokertest"
	"chatnode/internal/clock"
	"chatnode/internal/command"
	"chatnode/internal/envelope"
	"chatnode/internal/subscription"
	"chatnode/internal/traffic"
	"chatnode/internal/transport"
)

func TestBotAgainstBroker(t *testing.T) {
	zctx, err := zmq.NewContext()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { zctx.Term() })

	b, err := brokertest.Start(zctx, "inproc://bot-cmd", "inproc://bot-pub", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Close)

	req, err := transport.DialRequester(zctx, "inproc://bot-cmd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { req.Close() })
	sub, err := transport.DialSubscriber(zctx, "inproc://bot-pub")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sub.Close() })

	clk := clock.New()
	events := make(chan subscription.Event, 16)
	var out bytes.Buffer
	listener := subscription.New(sub, clk, &out, subscription.WithHandler(func(ev subscription.Event) {
		select {
		case events <- ev:
		default:
		}
	}))
	gen := traffic.NewRandom(traffic.Settings{PrivateRatio: 0}, 1)
	d := bot.New(command.New(req, clk), listener, gen, bot.Config{Identity: "Ana"}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		listener.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	want := []string{"login", "users", "channels", "channel", "subscribe"}
	if got := b.Services(); len(got) != len(want) {
		t.Fatalf("broker saw %v, want %v", got, want)
	}

	pub := waitFor(t, events, envelope.ServicePublish, func() error {
		return d.Send(traffic.Action{Channel: "geral", Text: "oi"})
	})
	p, ok := pub.Payload.(envelope.Publish)
	if !ok || p.Channel != "geral" || p.User != "Ana" || p.Text != "oi" {
		t.Fatalf("event = %+v", pub)
	}

	priv := waitFor(t, events, envelope.ServiceMessage, func() error {
		return d.Send(traffic.Action{Private: true, Dst: "Ana", Text: "eco"})
	})
	if m, ok := priv.Payload.(envelope.Private); !ok || m.Src != "Ana" || m.Text != "eco" {
		t.Fatalf("event = %+v", priv)
	}
	if n, _ := clock.Parse(priv.Envelope.Clock); priv.Clock <= n {
		t.Fatalf("local clock %d not past remote %d", priv.Clock, n)
	}
}

// waitFor repeats send until the listener delivers an event of the given
// service, since the relay drops events published before the subscription
// has propagated. Earlier events of other kinds are discarded.
func waitFor(t *testing.T, events <-chan subscription.Event, service string, send func() error) subscription.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if err := send(); err != nil {
			t.Fatalf("send: %v", err)
		}
		wait := time.After(100 * time.Millisecond)
	drain:
		for {
			select {
			case ev := <-events:
				if ev.Envelope.Service == service {
					return ev
				}
			case <-wait:
				break drain
			case <-deadline:
				t.Fatalf("no %s event delivered", service)
			}
		}
	}
}
