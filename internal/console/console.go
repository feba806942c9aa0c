// Package console implements the interactive line client: each input line
// is one command sent to the broker.
package console

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"chatnode/internal/envelope"
)

// ErrQuit is returned by Exec for the quit command.
var ErrQuit = errors.New("console: quit")

// Commander issues one broker request.
type Commander interface {
	Call(service string, data map[string]interface{}, timeout time.Duration) envelope.Envelope
}

// Topics is the listener's subscription set.
type Topics interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Subscribed(topic string) bool
}

// Clock reads the local logical clock for display.
type Clock interface {
	Now() uint64
}

// Session is one interactive user.
type Session struct {
	cmd    Commander
	topics Topics
	clock  Clock
	out    io.Writer
	user   string
}

// New returns a Session printing to out.
func New(cmd Commander, topics Topics, clk Clock, out io.Writer) *Session {
	return &Session{cmd: cmd, topics: topics, clock: clk, out: out}
}

// User returns the logged-in name, or "" before login.
func (s *Session) User() string { return s.user }

const help = `Commands:

  login <name>               log in
  users                      list users
  channels                   list channels
  channel <name>             create a channel
  publish <channel> <msg>    send a message to a channel
  message <user> <msg>       send a private message
  subscribe <topic>          join a channel/topic
  unsubscribe <topic>        leave a channel/topic
  help                       show this list
  quit                       leave
`

// Help prints the command list.
func (s *Session) Help() {
	fmt.Fprint(s.out, help)
}

// Exec runs one input line. Usage mistakes are printed, not returned; the
// only error is ErrQuit.
func (s *Session) Exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help":
		s.Help()
	case "quit", "exit":
		return ErrQuit

	case "login":
		if len(args) < 1 {
			s.printf("Error: missing name.")
			return nil
		}
		r := s.call(envelope.ServiceLogin, map[string]interface{}{"user": args[0]})
		if r.OK() {
			s.user = args[0]
			if err := s.topics.Subscribe(s.user); err != nil {
				s.printf("Error: %v", err)
			}
			s.printf("Logged in as %s", s.user)
		}

	case "users":
		r := s.call(envelope.ServiceUsers, nil)
		if !r.IsFailure() {
			s.printf("Users: %s", strings.Join(r.Strings("users"), ", "))
		}

	case "channels":
		r := s.call(envelope.ServiceChannels, nil)
		if !r.IsFailure() {
			s.printf("Channels: %s", strings.Join(r.Strings("channels"), ", "))
		}

	case "channel":
		if len(args) < 1 {
			s.printf("Error: missing channel name.")
			return nil
		}
		s.call(envelope.ServiceChannel, map[string]interface{}{"channel": args[0]})

	case "publish":
		if !s.loggedIn() {
			return nil
		}
		if len(args) < 2 {
			s.printf("Usage: publish <channel> <message>")
			return nil
		}
		if !s.topics.Subscribed(args[0]) {
			s.printf("You are not subscribed to: %s", args[0])
			return nil
		}
		s.call(envelope.ServicePublish, map[string]interface{}{
			"user":    s.user,
			"channel": args[0],
			"message": strings.Join(args[1:], " "),
		})

	case "message":
		if !s.loggedIn() {
			return nil
		}
		if len(args) < 2 {
			s.printf("Usage: message <user> <message>")
			return nil
		}
		s.call(envelope.ServiceMessage, map[string]interface{}{
			"src":     s.user,
			"dst":     args[0],
			"message": strings.Join(args[1:], " "),
		})

	case "subscribe", "unsubscribe":
		if !s.loggedIn() {
			return nil
		}
		if len(args) < 1 {
			s.printf("Error: missing topic.")
			return nil
		}
		change := s.topics.Subscribe
		if cmd == "unsubscribe" {
			change = s.topics.Unsubscribe
		}
		if err := change(args[0]); err != nil {
			s.printf("Error: %v", err)
			return nil
		}
		s.call(cmd, map[string]interface{}{"user": s.user, "topic": args[0]})

	default:
		s.printf("Unknown command. Type: help")
	}
	return nil
}

func (s *Session) loggedIn() bool {
	if s.user == "" {
		s.printf("Error: log in first.")
		return false
	}
	return true
}

// call sends one request and prints the reply status with both clocks.
func (s *Session) call(service string, data map[string]interface{}) envelope.Envelope {
	r := s.cmd.Call(service, data, 0)
	if r.IsFailure() {
		if r.Status() == envelope.StatusTimeout {
			s.printf("[TIMEOUT] no reply to %q", service)
		} else {
			s.printf("[ERROR] %s: %s", service, r.Status())
		}
		return r
	}

	line := fmt.Sprintf("[reply:%s] status=%s clock_local=%d clock_srv=%v", service, r.Status(), s.clock.Now(), r.Clock)
	if msg := r.String("message"); msg != "" {
		line += " (" + msg + ")"
	}
	s.printf("%s", line)
	return r
}

func (s *Session) printf(format string, args ...interface{}) {
	fmt.Fprintf(s.out, format+"\n", args...)
}
