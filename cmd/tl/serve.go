package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tasklane/tasklane/internal/config"
	"github.com/tasklane/tasklane/internal/directory"
	"github.com/tasklane/tasklane/internal/lifecycle"
	"github.com/tasklane/tasklane/internal/notification"
	"github.com/tasklane/tasklane/internal/rpc"
	"github.com/tasklane/tasklane/internal/storage/mysql"
	"github.com/tasklane/tasklane/internal/telemetry"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Run the HTTP API server until interrupted.

Identity is taken from the X-Auth-User header set by a fronting auth
proxy; group memberships come from X-Auth-Groups or the user directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := telemetry.Init(ctx, "tasklane", version); err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer telemetry.Shutdown(ctx)

		store, err := openStore(ctx)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		channels, err := notification.ParseChannels(cfg.Notification.Channels, smtpConfig(cfg), logger)
		if err != nil {
			return err
		}
		dispatcher := notification.NewDispatcher(channels, logger)
		dispatcher.Start()

		var dir directory.Service
		if ms, ok := store.(*mysql.Store); ok {
			dir = directory.NewSQL(ms.DB())
		}

		engine := lifecycle.New(store,
			lifecycle.WithNotifier(dispatcher),
			lifecycle.WithLogger(logger))
		server := rpc.NewServer(engine, store, dir, logger)

		addr := serveAddr
		if addr == "" {
			addr = cfg.Listen
		}

		// Config reload only touches the log level; storage and listen
		// address need a restart.
		loader.Watch(logger, func(fresh *config.Config) {
			if lvl, err := config.ParseLevel(fresh.LogLevel); err == nil && lvl != logLevel.Level() {
				logLevel.Set(lvl)
				logger.Info("log level updated", "level", lvl.String())
			}
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.Start(gctx, addr)
		})
		g.Go(func() error {
			// Stop the dispatcher only once the server is no longer
			// committing transitions.
			<-gctx.Done()
			dispatcher.Shutdown()
			return nil
		})
		return g.Wait()
	},
}

func smtpConfig(c *config.Config) notification.SMTPConfig {
	return notification.SMTPConfig{
		Host:     c.Notification.SMTPHost,
		Port:     c.Notification.SMTPPort,
		From:     c.Notification.SMTPFrom,
		Username: c.Notification.SMTPUser,
		Password: c.Notification.SMTPPassword,
	}
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "listen", "", "Listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
