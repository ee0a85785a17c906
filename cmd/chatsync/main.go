// chatsync - A client-side synchronization and caching engine for chat.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/config"
	"github.com/lrhodin/chatsync/pkg/localstore"
	"github.com/lrhodin/chatsync/pkg/metrics"
	"github.com/lrhodin/chatsync/pkg/notify"
	"github.com/lrhodin/chatsync/pkg/remote"
	"github.com/lrhodin/chatsync/pkg/syncengine"
)

var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "chatsync",
		Usage:   "Keep a local cache of conversations and messages in sync with the chat service",
		Version: fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config.yaml",
				Usage:   "path to the config file",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	configPath := cliCtx.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	zerolog.SetGlobalLevel(cfg.LogLevel())
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	store, err := localstore.New(ctx, cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer store.Close()

	hasMessages, err := store.HasAnyMessages(ctx)
	if err != nil {
		return err
	}
	if !hasMessages {
		log.Info().Msg("Fresh database, first sync pass will bootstrap from scratch")
	}

	client := remote.NewClient(cfg.Server.BaseURL, cfg.Server.Token, log)
	engine := syncengine.New(store, client, log)
	engine.SetPageLimit(cfg.Sync.PageLimit)

	// Coalescing trigger: a burst of notify frames during an in-flight pass
	// collapses into a single follow-up pass.
	syncRequests := make(chan struct{}, 1)
	requestSync := func() {
		select {
		case syncRequests <- struct{}{}:
		default:
		}
	}

	channel := notify.New(notify.URL(cfg.Server.BaseURL, cfg.User.ID), requestSync, log)
	channel.Start()
	defer channel.Close()

	if cfg.Metrics.Listen != "" {
		go serveMetrics(ctx, cfg.Metrics.Listen, log)
	}

	go func() {
		watchErr := config.Watch(ctx, configPath, log, func(updated *config.Config) {
			zerolog.SetGlobalLevel(updated.LogLevel())
		})
		if watchErr != nil {
			log.Warn().Err(watchErr).Msg("Config watcher unavailable")
		}
	}()

	log.Info().
		Str("user_id", cfg.User.ID).
		Str("server", cfg.Server.BaseURL).
		Dur("interval", cfg.Sync.Interval).
		Msg("chatsync started")

	requestSync()
	ticker := time.NewTicker(cfg.Sync.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down")
			return nil
		case <-ticker.C:
			requestSync()
		case <-syncRequests:
			if err = engine.PullAll(ctx, cfg.User.ID); err != nil {
				// The next tick or notify frame retries.
				log.Warn().Err(err).Msg("Sync pass failed")
			}
		}
	}
}

func serveMetrics(ctx context.Context, listen string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("listen", listen).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn().Err(err).Msg("Metrics server failed")
	}
}
