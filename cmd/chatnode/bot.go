package main

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"chatnode/internal/bot"
	"chatnode/internal/heartbeat"
	"chatnode/internal/logging"
	"chatnode/internal/traffic"
	"chatnode/internal/transport"
)

var (
	botName string
	botJoin int
	botSeed int64
)

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Run an automated participant that chats forever",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if botName != "" {
			cfg.Name = botName
		}
		if botJoin > 0 {
			cfg.Join = botJoin
		}
		seed := cfg.Traffic.Seed
		if botSeed != 0 {
			seed = botSeed
		}
		if seed == 0 {
			seed = time.Now().UnixNano()
		}

		n, err := openNode(cfg, os.Stdout)
		if err != nil {
			return err
		}
		defer n.close()

		// Heartbeats get their own socket so they never queue behind a
		// slow command.
		hbSock, err := transport.DialRequester(n.zctx, cfg.ReqAddr)
		if err != nil {
			return err
		}
		defer hbSock.Close()

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		gen := traffic.NewRandom(cfg.TrafficSettings(), seed)
		d := bot.New(n.channel(n.req, "command"), n.listener, gen, bot.Config{
			Identity:       cfg.Name,
			DefaultChannel: cfg.DefaultChannel,
			Join:           cfg.Join,
			Watch:          cfg.Watch,
		}, os.Stdout, logging.Component(n.log, "bot"))
		n.log.Info().Str("user", d.Identity()).Msg("bot identity chosen")

		// Liveness does not wait for login or channel setup.
		hb := heartbeat.New(n.channel(hbSock, "heartbeat"), d.Identity(),
			cfg.HeartbeatInterval.Std(), cfg.HeartbeatTimeout.Std(),
			logging.Component(n.log, "heartbeat"))

		return supervise(ctx, d, n.listener, hb)
	},
}

type runner interface {
	Run(ctx context.Context)
}

type driver interface {
	Start(ctx context.Context) error
	Run(ctx context.Context)
}

// supervise starts every background runner, then drives d through startup
// and its send loop. It returns once d is done and all runners have exited.
func supervise(ctx context.Context, d driver, background ...runner) error {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	for _, r := range background {
		wg.Add(1)
		go func(r runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	defer wg.Wait()
	defer cancel()

	if err := d.Start(ctx); err != nil {
		return err
	}
	d.Run(ctx)
	return nil
}

func init() {
	botCmd.Flags().StringVar(&botName, "name", "", "Display name (overrides BOT_NAME; random sample name when empty)")
	botCmd.Flags().IntVar(&botJoin, "join", 0, "Number of channels to join at startup")
	botCmd.Flags().Int64Var(&botSeed, "seed", 0, "Traffic generator seed (0 = time based)")
}
