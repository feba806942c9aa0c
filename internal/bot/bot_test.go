package bot

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"chatnode/internal/envelope"
	"chatnode/internal/traffic"
)

type call struct {
	service string
	data    map[string]interface{}
}

// fakeBroker answers calls from a per-service reply table and records them.
type fakeBroker struct {
	mu      sync.Mutex
	calls   []call
	replies map[string]envelope.Envelope
}

func (f *fakeBroker) Call(service string, data map[string]interface{}, _ time.Duration) envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{service: service, data: data})
	if r, ok := f.replies[service]; ok {
		return r
	}
	return envelope.Envelope{Service: service, Data: map[string]interface{}{"status": "sucesso"}}
}

func (f *fakeBroker) services() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.service)
	}
	return out
}

func (f *fakeBroker) count(service string) int {
	n := 0
	for _, s := range f.services() {
		if s == service {
			n++
		}
	}
	return n
}

type fakeTopics struct {
	mu  sync.Mutex
	set []string
}

func (f *fakeTopics) Subscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set = append(f.set, topic)
	return nil
}

func (f *fakeTopics) Subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.set {
		if t == topic {
			return true
		}
	}
	return false
}

// script replays fixed actions with no pauses. Once every action has been
// handed out it closes sent and keeps repeating the last one.
type script struct {
	mu      sync.Mutex
	actions []traffic.Action
	next    int
	sent    chan struct{}
}

func (s *script) Identity() string { return "Ana" }

func (s *script) PickChannels(available []string, n int) []string {
	if n > len(available) {
		n = len(available)
	}
	return available[:n]
}

func (s *script) Next(string, []string, []string) traffic.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.actions) {
		if s.sent != nil {
			close(s.sent)
			s.sent = nil
		}
		return s.actions[len(s.actions)-1]
	}
	a := s.actions[s.next]
	s.next++
	return a
}

func (s *script) Pause() time.Duration { return time.Millisecond }

func channelsReply(names ...interface{}) envelope.Envelope {
	return envelope.Envelope{Service: "channels", Data: map[string]interface{}{"channels": names}}
}

func TestStartCreatesDefaultChannelOnce(t *testing.T) {
	broker := &fakeBroker{replies: map[string]envelope.Envelope{
		"channels": channelsReply(),
	}}
	topics := &fakeTopics{}
	d := New(broker, topics, &script{}, Config{}, nil, zerolog.Nop())

	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d.State() != Subscribed {
		t.Fatalf("state = %v", d.State())
	}

	want := []string{"login", "users", "channels", "channel", "subscribe"}
	if diff := cmp.Diff(want, broker.services()); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
	create := broker.calls[3].data
	if create["channel"] != "geral" || create["name"] != "geral" {
		t.Fatalf("channel call = %v", create)
	}
	if diff := cmp.Diff([]string{"geral"}, d.Joined()); diff != "" {
		t.Fatalf("joined (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Ana", "geral"}, topics.set); diff != "" {
		t.Fatalf("transport topics (-want +got):\n%s", diff)
	}
	sub := broker.calls[4].data
	if sub["user"] != "Ana" || sub["topic"] != "geral" {
		t.Fatalf("subscribe call = %v", sub)
	}
}

func TestStartJoinsExistingChannels(t *testing.T) {
	broker := &fakeBroker{replies: map[string]envelope.Envelope{
		"channels": channelsReply("filmes", "series", "geral"),
		"users":    {Service: "users", Data: map[string]interface{}{"users": []interface{}{"pedro"}}},
	}}
	topics := &fakeTopics{}
	d := New(broker, topics, &script{}, Config{Identity: "Sofia", Join: 2, Watch: []string{"servers"}}, nil, zerolog.Nop())

	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if broker.count("channel") != 0 {
		t.Fatalf("created a channel although some exist")
	}
	if broker.count("subscribe") != 2 {
		t.Fatalf("calls = %v", broker.services())
	}
	if diff := cmp.Diff([]string{"Sofia", "servers", "filmes", "series"}, topics.set); diff != "" {
		t.Fatalf("transport topics (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"pedro"}, d.peers); diff != "" {
		t.Fatalf("peers (-want +got):\n%s", diff)
	}
}

func TestStartToleratesBrokerTimeouts(t *testing.T) {
	timeout := envelope.Failure(envelope.StatusTimeout)
	broker := &fakeBroker{replies: map[string]envelope.Envelope{
		"login":    timeout,
		"users":    timeout,
		"channels": timeout,
	}}
	d := New(broker, &fakeTopics{}, &script{}, Config{}, nil, zerolog.Nop())

	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if broker.count("channel") != 1 {
		t.Fatalf("calls = %v", broker.services())
	}
}

func TestSendRefusesUnsubscribedChannel(t *testing.T) {
	broker := &fakeBroker{}
	topics := &fakeTopics{set: []string{"Ana", "geral"}}
	d := New(broker, topics, &script{}, Config{}, nil, zerolog.Nop())

	err := d.Send(traffic.Action{Channel: "filmes", Text: "oi"})
	if !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("err = %v, want ErrNotSubscribed", err)
	}
	if n := len(broker.calls); n != 0 {
		t.Fatalf("%d calls issued", n)
	}
}

func TestSendShapes(t *testing.T) {
	broker := &fakeBroker{replies: map[string]envelope.Envelope{
		"message": {Service: "message", Data: map[string]interface{}{"status": "erro", "message": "usuário destino não existe"}},
	}}
	topics := &fakeTopics{set: []string{"geral"}}
	var out bytes.Buffer
	d := New(broker, topics, &script{}, Config{}, &out, zerolog.Nop())

	if err := d.Send(traffic.Action{Channel: "geral", Text: "Quero algo leve!"}); err != nil {
		t.Fatal(err)
	}
	if err := d.Send(traffic.Action{Private: true, Dst: "Pedro", Text: "oi"}); err == nil {
		t.Fatalf("broker error not reported")
	}

	want := []call{
		{service: "publish", data: map[string]interface{}{"user": "Ana", "channel": "geral", "message": "Quero algo leve!"}},
		{service: "message", data: map[string]interface{}{"src": "Ana", "dst": "Pedro", "message": "oi"}},
	}
	if diff := cmp.Diff(want, broker.calls, cmp.AllowUnexported(call{})); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
	if got := out.String(); got != "[# geral] Ana: Quero algo leve!\n✉ Ana → Pedro: oi\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestRunLoop(t *testing.T) {
	broker := &fakeBroker{replies: map[string]envelope.Envelope{
		"channels": channelsReply("geral"),
	}}
	gen := &script{
		sent: make(chan struct{}),
		actions: []traffic.Action{
			{Private: true, Dst: "Pedro", Text: "a"},
			{Channel: "geral", Text: "b"},
			{Channel: "nowhere", Text: "c"},
			{Channel: "geral", Text: "d"},
		},
	}
	d := New(broker, &fakeTopics{}, gen, Config{}, nil, zerolog.Nop())
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()
	select {
	case <-gen.sent:
	case <-time.After(5 * time.Second):
		t.Fatalf("script not consumed")
	}
	cancel()
	<-stopped

	if d.State() != Running {
		t.Fatalf("state = %v", d.State())
	}
	if broker.count("message") != 1 {
		t.Fatalf("calls = %v", broker.services())
	}
	// "nowhere" was refused locally.
	for _, c := range broker.calls {
		if c.service == "publish" && c.data["channel"] == "nowhere" {
			t.Fatalf("published to an unsubscribed channel")
		}
	}
	if broker.count("publish") < 2 {
		t.Fatalf("calls = %v", broker.services())
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Starting: "starting", LoggedIn: "logged-in", Subscribed: "subscribed", Running: "running", 9: "State(9)"} {
		if got := s.String(); got != want {
			t.Errorf("%d: got %q, want %q", int(s), got, want)
		}
	}
}
