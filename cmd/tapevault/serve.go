package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BadgerOps/tapevault/internal/inbox"
	"github.com/BadgerOps/tapevault/internal/server"
)

var (
	serveListen  string
	serveNoWatch bool
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the archiving pipeline and the operator API",
		Long: `Run the archiving pipeline. Interrupted batches are recovered first, then
the inbox watcher, the retry and confirmation scans and the HTTP API start.
SIGINT or SIGTERM stops everything; running transfers are interrupted and
retried after the next start without counting as failed attempts.

The API listens on the address configured in the config file
(default: 127.0.0.1:8090). Use --listen to override.`,
		Example: `  tapevault serve
  tapevault serve --listen 0.0.0.0:8090
  tapevault serve --no-watch`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")
	cmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "do not watch the inbox for new files")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	archiver, alerter, err := newArchiver(globalCfg, globalStore)
	if err != nil {
		return err
	}
	defer alerter.Close()

	// Recovery must finish before the inbox or the API can notify
	if err := archiver.Start(ctx); err != nil {
		return err
	}

	svc, err := inbox.NewService(globalStore, globalCfg.InboxDir(), globalCfg.DeadLetterDir(), archiver, logger.With("component", "inbox"))
	if err != nil {
		return err
	}
	srv := server.NewServer(globalStore, svc, archiver, version, logger.With("component", "api"))

	log.Info("tapevault starting",
		"version", version,
		"listen", listen,
		"inbox", svc.InboxDir(),
		"work_dir", globalCfg.WorkDir(),
		"remote", globalCfg.Remote.Type,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return archiver.Run(gctx)
	})
	if globalCfg.Batch.WatchInbox && !serveNoWatch {
		w := inbox.NewWatcher(svc.InboxDir(), archiver, 0, logger.With("component", "watcher"))
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	g.Go(func() error {
		return srv.Start(listen)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("tapevault stopped")
	return nil
}
