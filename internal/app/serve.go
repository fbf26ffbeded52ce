// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cristalhq/acmd"

	"codeberg.org/readeck/pagespeed/internal/metrics"
	"codeberg.org/readeck/pagespeed/internal/server"
	"codeberg.org/readeck/pagespeed/pkg/http/request"
)

func init() {
	commands = append(commands, acmd.Command{
		Name:        "serve",
		Description: "Start the rewrite HTTP server",
		ExecFunc:    runServe,
	})
}

func runServe(ctx context.Context, args []string) error {
	var host string
	var port int

	var flags appFlags
	fs := flags.Flags()
	fs.StringVar(&host, "host", "", "server host")
	fs.IntVar(&port, "port", 0, "server port")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}

	cfg, err := appPreRun(&flags)
	if err != nil {
		return err
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	trusted, err := request.ParseNetworks(cfg.Server.TrustedProxies...)
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}

	rw, release, err := newRewriteServer(ctx, cfg, metrics.New(true), false)
	if err != nil {
		return err
	}
	defer release()

	s := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.New(rw, server.WithTrustedProxies(trusted...)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		slog.Info("starting server", slog.String("addr", s.Addr))
		if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	slog.Info("stopping server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}
