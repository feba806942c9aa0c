package console

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"chatnode/internal/envelope"
)

type call struct {
	Service string
	Data    map[string]interface{}
}

type fakeBroker struct {
	calls   []call
	replies map[string]envelope.Envelope
}

func (f *fakeBroker) Call(service string, data map[string]interface{}, _ time.Duration) envelope.Envelope {
	f.calls = append(f.calls, call{Service: service, Data: data})
	if r, ok := f.replies[service]; ok {
		return r
	}
	return envelope.Envelope{Service: service, Clock: int8(9), Data: map[string]interface{}{"status": "sucesso"}}
}

type fakeTopics map[string]bool

func (f fakeTopics) Subscribe(t string) error   { f[t] = true; return nil }
func (f fakeTopics) Unsubscribe(t string) error { delete(f, t); return nil }
func (f fakeTopics) Subscribed(t string) bool   { return f[t] }

type fixedClock uint64

func (c fixedClock) Now() uint64 { return uint64(c) }

func newSession(b *fakeBroker) (*Session, fakeTopics, *bytes.Buffer) {
	var out bytes.Buffer
	topics := fakeTopics{}
	return New(b, topics, fixedClock(10), &out), topics, &out
}

func TestLoginSubscribesOwnTopic(t *testing.T) {
	b := &fakeBroker{}
	s, topics, out := newSession(b)

	if err := s.Exec("login Ana"); err != nil {
		t.Fatal(err)
	}
	if s.User() != "Ana" || !topics["Ana"] {
		t.Fatalf("user %q topics %v", s.User(), topics)
	}
	if !strings.Contains(out.String(), "[reply:login] status=sucesso clock_local=10 clock_srv=9") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestCommandsNeedLogin(t *testing.T) {
	b := &fakeBroker{}
	s, _, out := newSession(b)

	for _, line := range []string{"publish geral oi", "message Pedro oi", "subscribe geral", "unsubscribe geral"} {
		if err := s.Exec(line); err != nil {
			t.Fatal(err)
		}
	}
	if len(b.calls) != 0 {
		t.Fatalf("calls issued before login: %v", b.calls)
	}
	if n := strings.Count(out.String(), "log in first"); n != 4 {
		t.Fatalf("got %d refusals:\n%s", n, out.String())
	}
}

func TestPublishRequiresSubscription(t *testing.T) {
	b := &fakeBroker{}
	s, _, out := newSession(b)

	for _, line := range []string{"login Ana", "publish geral oi", "subscribe geral", "publish geral oi pessoal"} {
		if err := s.Exec(line); err != nil {
			t.Fatal(err)
		}
	}

	want := []call{
		{Service: "login", Data: map[string]interface{}{"user": "Ana"}},
		{Service: "subscribe", Data: map[string]interface{}{"user": "Ana", "topic": "geral"}},
		{Service: "publish", Data: map[string]interface{}{"user": "Ana", "channel": "geral", "message": "oi pessoal"}},
	}
	if diff := cmp.Diff(want, b.calls); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
	if !strings.Contains(out.String(), "You are not subscribed to: geral") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestListingsAndFailures(t *testing.T) {
	b := &fakeBroker{replies: map[string]envelope.Envelope{
		"channels": {Service: "channels", Data: map[string]interface{}{"channels": []interface{}{"geral", "filmes"}}},
		"users":    envelope.Failure(envelope.StatusTimeout),
		"channel":  {Service: "channel", Data: map[string]interface{}{"status": "erro", "message": "canal já existe"}},
	}}
	s, _, out := newSession(b)

	for _, line := range []string{"channels", "users", "channel geral", "dance", ""} {
		if err := s.Exec(line); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{
		"Channels: geral, filmes",
		`[TIMEOUT] no reply to "users"`,
		"status=erro",
		"(canal já existe)",
		"Unknown command",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output lacks %q:\n%s", want, out.String())
		}
	}
}

func TestQuit(t *testing.T) {
	s, _, _ := newSession(&fakeBroker{})
	if err := s.Exec("QUIT"); !errors.Is(err, ErrQuit) {
		t.Fatalf("err = %v", err)
	}
}
