package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	zmq "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"chatnode/internal/clock"
	"chatnode/internal/command"
	"chatnode/internal/config"
	"chatnode/internal/logging"
	"chatnode/internal/subscription"
	"chatnode/internal/transport"
)

// node holds what every subcommand opens at startup and keeps for the
// process lifetime.
type node struct {
	cfg      config.Config
	log      zerolog.Logger
	clock    *clock.Clock
	zctx     *zmq.Context
	req      *transport.Requester
	sub      *transport.Subscriber
	listener *subscription.Listener
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath, os.Getenv)
	if err != nil {
		return cfg, err
	}
	if reqAddr != "" {
		cfg.ReqAddr = reqAddr
	}
	if subAddr != "" {
		cfg.SubAddr = subAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}

// openNode connects both transports. Failing here is fatal: without its
// sockets the node cannot make progress.
func openNode(cfg config.Config, out io.Writer) (*node, error) {
	log, err := logging.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		return nil, err
	}
	log = log.With().Str("instance", uuid.NewString()[:8]).Logger()

	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("zmq context: %w", err)
	}
	n := &node{cfg: cfg, log: log, clock: clock.New(), zctx: zctx}

	if n.req, err = transport.DialRequester(zctx, cfg.ReqAddr); err != nil {
		n.close()
		return nil, err
	}
	if n.sub, err = transport.DialSubscriber(zctx, cfg.SubAddr); err != nil {
		n.close()
		return nil, err
	}
	log.Info().Str("req", cfg.ReqAddr).Str("sub", cfg.SubAddr).Msg("connected")

	n.listener = subscription.New(n.sub, n.clock, out,
		subscription.WithLogger(logging.Component(log, "subscription")))
	return n, nil
}

// channel wraps sock in a command channel sharing the node clock.
func (n *node) channel(sock *transport.Requester, component string) *command.Channel {
	return command.New(sock, n.clock,
		command.WithTimeout(n.cfg.CallTimeout.Std()),
		command.WithLogger(logging.Component(n.log, component)))
}

func (n *node) close() {
	if n.req != nil {
		n.req.Close()
	}
	if n.sub != nil {
		n.sub.Close()
	}
	n.zctx.Term()
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
