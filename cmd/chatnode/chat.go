package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"chatnode/internal/console"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive console client",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		n, err := openNode(cfg, os.Stdout)
		if err != nil {
			return err
		}
		defer n.close()

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.listener.Run(ctx)
		}()
		defer wg.Wait()
		defer stop()

		session := console.New(n.channel(n.req, "command"), n.listener, n.clock, os.Stdout)
		session.Help()

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			fmt.Print("> ")
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if err := session.Exec(line); errors.Is(err, console.ErrQuit) {
					return nil
				}
			}
		}
	},
}
