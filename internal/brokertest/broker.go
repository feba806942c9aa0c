// Package brokertest runs an in-process broker and relay speaking the chat
// wire protocol, for integration tests over real zmq sockets.
package brokertest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	zmq "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"chatnode/internal/clock"
	"chatnode/internal/envelope"
)

const pollInterval = 20 * time.Millisecond

// Request is one command the broker received.
type Request struct {
	ID       string
	Envelope envelope.Envelope
}

type broadcast struct {
	topic string
	env   envelope.Envelope
}

// Broker answers command requests on a ROUTER socket and fans out publish
// and message events on a PUB socket. All socket work happens on the loop
// goroutine.
type Broker struct {
	router *zmq.Socket
	pub    *zmq.Socket
	clock  *clock.Clock
	codec  *envelope.Codec
	log    zerolog.Logger

	mu       sync.Mutex
	users    []string
	channels []string
	subs     map[string][]string
	journal  []Request
	drop     func(Request) bool

	outbox chan broadcast
	quit   chan struct{}
	done   chan struct{}
}

// Start binds the command endpoint and the broadcast endpoint and starts
// serving. Use inproc:// addresses and share zctx with the clients.
func Start(zctx *zmq.Context, commandAddr, broadcastAddr string, log zerolog.Logger) (*Broker, error) {
	router, err := zctx.NewSocket(zmq.ROUTER)
	if err != nil {
		return nil, err
	}
	router.SetLinger(0)
	if err := router.Bind(commandAddr); err != nil {
		router.Close()
		return nil, fmt.Errorf("brokertest: bind %s: %w", commandAddr, err)
	}

	pub, err := zctx.NewSocket(zmq.PUB)
	if err != nil {
		router.Close()
		return nil, err
	}
	pub.SetLinger(0)
	if err := pub.Bind(broadcastAddr); err != nil {
		router.Close()
		pub.Close()
		return nil, fmt.Errorf("brokertest: bind %s: %w", broadcastAddr, err)
	}

	clk := clock.New()
	b := &Broker{
		router: router,
		pub:    pub,
		clock:  clk,
		codec:  envelope.NewCodec(clk),
		log:    log.With().Str("component", "brokertest").Logger(),
		subs:   map[string][]string{},
		outbox: make(chan broadcast, 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go b.loop()
	return b, nil
}

// Close stops the loop and releases both sockets.
func (b *Broker) Close() {
	close(b.quit)
	<-b.done
}

// DropWhen makes the broker swallow requests matching fn without replying.
func (b *Broker) DropWhen(fn func(Request) bool) {
	b.mu.Lock()
	b.drop = fn
	b.mu.Unlock()
}

// Journal returns every request received so far, dropped ones included.
func (b *Broker) Journal() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.journal...)
}

// Services returns the service tag of every journaled request.
func (b *Broker) Services() []string {
	var out []string
	for _, r := range b.Journal() {
		out = append(out, r.Envelope.Service)
	}
	return out
}

// AddChannel registers a channel as if another client had created it.
func (b *Broker) AddChannel(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !contains(b.channels, name) {
		b.channels = append(b.channels, name)
	}
}

// Broadcast queues an event for the PUB socket.
func (b *Broker) Broadcast(topic, service string, data map[string]interface{}) {
	b.outbox <- broadcast{topic: topic, env: b.codec.Stamp(service, data)}
}

// ===============================================
//  LOOP
// ===============================================

func (b *Broker) loop() {
	defer close(b.done)
	defer b.router.Close()
	defer b.pub.Close()

	poller := zmq.NewPoller()
	poller.Add(b.router, zmq.POLLIN)

	for {
		select {
		case <-b.quit:
			return
		case out := <-b.outbox:
			b.send(out)
			continue
		default:
		}

		polled, err := poller.Poll(pollInterval)
		if err != nil {
			b.log.Warn().Err(err).Msg("poll")
			continue
		}
		if len(polled) == 0 {
			continue
		}

		parts, err := b.router.RecvMessageBytes(0)
		if err != nil {
			b.log.Warn().Err(err).Msg("recv")
			continue
		}
		if len(parts) < 2 {
			continue
		}
		// [identity, (request id,) empty, body]: echo everything but the body.
		header, body := parts[:len(parts)-1], parts[len(parts)-1]

		reply, ok := b.serve(body)
		if !ok {
			continue
		}
		frames := make([]interface{}, 0, len(parts))
		for _, h := range header {
			frames = append(frames, h)
		}
		frames = append(frames, reply)
		if _, err := b.router.SendMessage(frames...); err != nil {
			b.log.Warn().Err(err).Msg("reply")
		}
	}
}

func (b *Broker) send(out broadcast) {
	raw, err := envelope.Marshal(out.env)
	if err != nil {
		b.log.Warn().Err(err).Msg("encode broadcast")
		return
	}
	if _, err := b.pub.SendMessage(out.topic, raw); err != nil {
		b.log.Warn().Err(err).Str("topic", out.topic).Msg("publish")
	}
}

// serve decodes one request and builds the reply. ok is false when the
// request must go unanswered.
func (b *Broker) serve(body []byte) (reply []byte, ok bool) {
	env, err := envelope.Decode(body)
	if err != nil {
		// A ROUTER can stay silent, but the client would wait out its
		// timeout; answer like a REP would.
		b.log.Warn().Err(err).Msg("decode")
		return []byte("ERR"), true
	}
	b.clock.Observe(env.Clock)

	req := Request{ID: uuid.NewString(), Envelope: env}
	b.mu.Lock()
	b.journal = append(b.journal, req)
	drop := b.drop
	b.mu.Unlock()
	if drop != nil && drop(req) {
		b.log.Debug().Str("service", env.Service).Msg("dropping request")
		return nil, false
	}

	status, data := b.handle(env)
	data["status"] = status
	raw, err := b.codec.Encode(env.Service, data)
	if err != nil {
		b.log.Warn().Err(err).Msg("encode reply")
		return []byte("ERR"), true
	}
	return raw, true
}

const unknownService = "serviço desconhecido"

func (b *Broker) handle(env envelope.Envelope) (string, map[string]interface{}) {
	data := map[string]interface{}{}
	fail := func(msg string) (string, map[string]interface{}) {
		data["message"] = msg
		return envelope.StatusError, data
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch env.Service {
	case envelope.ServiceLogin:
		user := strings.TrimSpace(env.String("user"))
		if user == "" {
			return fail("usuário inválido")
		}
		if !contains(b.users, user) {
			b.users = append(b.users, user)
		}
		data["user"] = user

	case envelope.ServiceUsers:
		data["users"] = append([]string{}, b.users...)

	case envelope.ServiceChannels:
		data["channels"] = append([]string{}, b.channels...)

	case envelope.ServiceChannel:
		ch := strings.TrimSpace(env.String("channel"))
		if ch == "" {
			ch = strings.TrimSpace(env.String("name"))
		}
		if ch == "" {
			return fail("nome inválido")
		}
		if contains(b.channels, ch) {
			return fail("canal já existe")
		}
		b.channels = append(b.channels, ch)
		data["channel"] = ch

	case envelope.ServiceSubscribe:
		user, topic := env.String("user"), env.String("topic")
		if !contains(b.subs[user], topic) {
			b.subs[user] = append(b.subs[user], topic)
		}

	case envelope.ServiceUnsubscribe:
		user, topic := env.String("user"), env.String("topic")
		b.subs[user] = remove(b.subs[user], topic)

	case envelope.ServicePublish:
		ch, user := env.String("channel"), env.String("user")
		if !contains(b.channels, ch) {
			return fail("canal inexistente")
		}
		if !contains(b.subs[user], ch) {
			return fail("você não está inscrito neste canal")
		}
		b.queue(ch, envelope.ServicePublish, map[string]interface{}{
			"channel":   ch,
			"user":      user,
			"msg":       env.String("message"),
			"timestamp": env.Timestamp,
		})

	case envelope.ServiceMessage:
		dst := env.String("dst")
		if !contains(b.users, dst) {
			return fail("usuário destino não existe")
		}
		b.queue(dst, envelope.ServiceMessage, map[string]interface{}{
			"src":       env.String("src"),
			"dst":       dst,
			"message":   env.String("message"),
			"timestamp": env.Timestamp,
		})

	case envelope.ServiceHeartbeat:
		return envelope.StatusOK, data

	default:
		return fail(unknownService)
	}
	return envelope.StatusSuccess, data
}

// queue schedules a fan-out from inside a handler; the loop sends it before
// its next poll.
func (b *Broker) queue(topic, service string, data map[string]interface{}) {
	select {
	case b.outbox <- broadcast{topic: topic, env: b.codec.Stamp(service, data)}:
	default:
		b.log.Warn().Str("topic", topic).Msg("outbox full, event dropped")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
