// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package app contains the command line entry points.
package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/cristalhq/acmd"

	"codeberg.org/readeck/pagespeed/configs"
	"codeberg.org/readeck/pagespeed/internal/cache"
	"codeberg.org/readeck/pagespeed/internal/httpclient"
	"codeberg.org/readeck/pagespeed/internal/metrics"
	"codeberg.org/readeck/pagespeed/internal/resource"
	"codeberg.org/readeck/pagespeed/internal/rewrite"
	"codeberg.org/readeck/pagespeed/pkg/http/request"
)

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
)

// Version is set at build time.
var Version = "dev"

var commands = []acmd.Command{}

// Run starts the command line application.
func Run() error {
	r := acmd.RunnerOf(commands, acmd.Config{
		AppName:        "pagespeed",
		AppDescription: "Rewrites stylesheets and HTML documents for faster pages.",
		Version:        Version,
	})
	return r.Run()
}

// appFlags are the flags every command accepts.
type appFlags struct {
	ConfigFile string
	LogLevel   string
}

// Flags returns a new FlagSet with the common flags.
func (f *appFlags) Flags() *flag.FlagSet {
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.StringVar(&f.ConfigFile, "config", os.Getenv(configs.EnvPrefix+"CONFIG"), "configuration file path")
	fs.StringVar(&f.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	return fs
}

// parseFlags parses args. It returns false, with no error, when only
// the help was requested.
func parseFlags(fs *flag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// appPreRun loads the configuration and sets the default logger.
func appPreRun(flags *appFlags) (*configs.Config, error) {
	cfg, err := configs.Load(flags.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}

	if flags.LogLevel != "" {
		if err = cfg.Main.LogLevel.UnmarshalText([]byte(flags.LogLevel)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}

	slog.SetDefault(newLogger(cfg.Main.LogLevel, cfg.Main.DevMode))
	return cfg, nil
}

// stringsFlag is a flag that can be repeated.
type stringsFlag []string

func (f *stringsFlag) String() string {
	return strings.Join(*f, ", ")
}

func (f *stringsFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

// newRewriteServer builds a rewrite server from the configuration. The
// returned function releases its resources. With cacheFetches, every
// fetched resource stays in memory for the lifetime of the server.
func newRewriteServer(ctx context.Context, cfg *configs.Config, stats *metrics.Stats, cacheFetches bool) (*rewrite.Server, func(), error) {
	logger := slog.Default()
	closers := []func(){}
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	o, err := cfg.Options()
	if err != nil {
		return nil, nil, err
	}

	lawyer, err := resource.NewDomainLawyer(cfg.Rewrite.Domains...)
	if err != nil {
		return nil, nil, fmt.Errorf("domains: %w", err)
	}

	outputBase, err := url.Parse(cfg.Output.BaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("output base URL: %w", err)
	}

	deniedIPs, err := request.ParseNetworks(cfg.Fetch.DeniedIPs...)
	if err != nil {
		return nil, nil, fmt.Errorf("denied IPs: %w", err)
	}

	clientOptions := []httpclient.Option{
		httpclient.WithTimeout(cfg.Fetch.Timeout),
		httpclient.WithLogger(logger),
		httpclient.WithUserAgent(cfg.Fetch.UserAgent),
		httpclient.WithDeniedIPs(deniedIPs...),
	}
	var client *http.Client
	if cacheFetches {
		client = httpclient.NewCacheClient(func(r *http.Request) bool {
			return r.Method == http.MethodGet
		}, clientOptions...)
	} else {
		client = httpclient.New(clientOptions...)
	}

	opts := []rewrite.ServerOption{
		rewrite.WithLogger(logger),
		rewrite.WithOptions(o),
		rewrite.WithStats(stats),
		rewrite.WithDomainLawyer(lawyer),
		rewrite.WithOutputBase(outputBase),
		rewrite.WithWorkers(cfg.Rewrite.Workers),
		rewrite.WithLoader(resource.NewLoader(
			resource.WithClient(client),
			resource.WithConcurrency(cfg.Fetch.Concurrency),
			resource.WithMaxSize(cfg.Fetch.MaxSize),
			resource.WithLogger(logger),
			resource.WithObserver(stats),
		)),
	}

	if cfg.Output.Dir != "" {
		store, err := resource.NewFileStore(cfg.Output.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("output directory: %w", err)
		}
		opts = append(opts, rewrite.WithStore(store))
	}

	if cfg.Cache.RedisURL != "" {
		store, err := cache.NewRedisStoreFromURL(ctx, cfg.Cache.RedisURL, cfg.Cache.Prefix)
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		closers = append(closers, func() {
			if err := store.Close(); err != nil {
				logger.Error("closing redis", slog.Any("err", err))
			}
		})
		opts = append(opts, rewrite.WithCache(store, cfg.Cache.TTL))
	} else {
		opts = append(opts, rewrite.WithCache(cache.NewMemStore(), cfg.Cache.TTL))
	}

	rw, err := rewrite.NewServer(opts...)
	if err != nil {
		release()
		return nil, nil, err
	}
	closers = append(closers, rw.Close)

	return rw, release, nil
}

// fatal prints an error and exits.
func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s%s%s: %s\n", colorRed, msg, colorReset, err) //nolint:errcheck
	os.Exit(1)
}
