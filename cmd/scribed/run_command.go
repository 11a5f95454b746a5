package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"scribe/internal/daemon"
	"scribe/internal/engine"
	"scribe/internal/logging"
	"scribe/internal/store"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var startConversions bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the transcript engine in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			st, err := store.Open(signalCtx, cfg)
			if err != nil {
				return fmt.Errorf("open job store: %w", err)
			}
			defer st.Close()

			eng := engine.New(cfg, ctx.configPath, st, logger)
			d, err := daemon.New(cfg, eng, logger, daemon.Options{
				AutostartConversion: startConversions,
			})
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			if err := d.Start(signalCtx); err != nil {
				return err
			}

			<-signalCtx.Done()
			logger.Info("scribed shutting down")
			d.Stop()
			return nil
		},
	}

	cmd.Flags().BoolVar(&startConversions, "start-conversions", false, "Begin draining the conversion queue immediately")
	return cmd
}
