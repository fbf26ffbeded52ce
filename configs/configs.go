// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package configs contains the application configuration.
//
// The configuration is read from an optional YAML file, then every value
// can be overridden by an environment variable prefixed with PAGESPEED_.
package configs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"codeberg.org/readeck/pagespeed/internal/options"
)

// EnvPrefix is the prefix of every environment variable.
const EnvPrefix = "PAGESPEED_"

// Config is the application configuration.
type Config struct {
	Main    MainConfig    `yaml:"main" envPrefix:"MAIN_"`
	Server  ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	Rewrite RewriteConfig `yaml:"rewrite" envPrefix:"REWRITE_"`
	Fetch   FetchConfig   `yaml:"fetch" envPrefix:"FETCH_"`
	Cache   CacheConfig   `yaml:"cache" envPrefix:"CACHE_"`
	Output  OutputConfig  `yaml:"output" envPrefix:"OUTPUT_"`
}

// MainConfig holds the logging settings.
type MainConfig struct {
	LogLevel slog.Level `yaml:"log_level" env:"LOG_LEVEL"`
	DevMode  bool       `yaml:"dev_mode" env:"DEV_MODE"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host           string   `yaml:"host" env:"HOST"`
	Port           int      `yaml:"port" env:"PORT"`
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES"`
}

// RewriteConfig holds the rewriting options.
type RewriteConfig struct {
	Filters                []string      `yaml:"filters" env:"FILTERS"`
	DisableFilters         []string      `yaml:"disable_filters" env:"DISABLE_FILTERS"`
	Domains                []string      `yaml:"domains" env:"DOMAINS"`
	Allow                  []string      `yaml:"allow" env:"ALLOW"`
	Disallow               []string      `yaml:"disallow" env:"DISALLOW"`
	CSSImageInlineMaxBytes int64         `yaml:"css_image_inline_max_bytes" env:"CSS_IMAGE_INLINE_MAX_BYTES"`
	ImageInlineMaxBytes    int64         `yaml:"image_inline_max_bytes" env:"IMAGE_INLINE_MAX_BYTES"`
	CSSFlattenMaxBytes     int64         `yaml:"css_flatten_max_bytes" env:"CSS_FLATTEN_MAX_BYTES"`
	CSSFlattenMaxDepth     int           `yaml:"css_flatten_max_depth" env:"CSS_FLATTEN_MAX_DEPTH"`
	AlwaysRewriteCSS       bool          `yaml:"always_rewrite_css" env:"ALWAYS_REWRITE_CSS"`
	PreferFallbackCSS      bool          `yaml:"prefer_fallback_css" env:"PREFER_FALLBACK_CSS"`
	RandomDropPercentage   int           `yaml:"random_drop_percentage" env:"RANDOM_DROP_PERCENTAGE"`
	CSSPreserveURLs        bool          `yaml:"css_preserve_urls" env:"CSS_PRESERVE_URLS"`
	ImagePreserveURLs      bool          `yaml:"image_preserve_urls" env:"IMAGE_PRESERVE_URLS"`
	ImageJPEGQuality       int           `yaml:"image_jpeg_quality" env:"IMAGE_JPEG_QUALITY"`
	Deadline               time.Duration `yaml:"deadline" env:"DEADLINE"`
	Workers                int           `yaml:"workers" env:"WORKERS"`
}

// FetchConfig holds the resource loader settings.
type FetchConfig struct {
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Concurrency int64         `yaml:"concurrency" env:"CONCURRENCY"`
	MaxSize     int64         `yaml:"max_size" env:"MAX_SIZE"`
	UserAgent   string        `yaml:"user_agent" env:"USER_AGENT"`
	DeniedIPs   []string      `yaml:"denied_ips" env:"DENIED_IPS"`
}

// CacheConfig holds the metadata cache settings. An empty RedisURL
// selects the in memory store.
type CacheConfig struct {
	RedisURL string        `yaml:"redis_url" env:"REDIS_URL"`
	Prefix   string        `yaml:"prefix" env:"PREFIX"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
}

// OutputConfig holds the output resource settings. An empty Dir
// selects the in memory store.
type OutputConfig struct {
	Dir     string `yaml:"dir" env:"DIR"`
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
}

var defaultTrustedProxies = []string{
	"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
	"fd00::/8", "::1/128",
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Main: MainConfig{
			LogLevel: slog.LevelInfo,
		},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8000,
			TrustedProxies: defaultTrustedProxies,
		},
		Rewrite: RewriteConfig{
			Filters:                filterNames(options.DefaultFilters),
			CSSImageInlineMaxBytes: options.DefaultCSSImageInlineMaxBytes,
			ImageInlineMaxBytes:    options.DefaultImageInlineMaxBytes,
			CSSFlattenMaxBytes:     options.DefaultCSSFlattenMaxBytes,
			CSSFlattenMaxDepth:     options.DefaultCSSFlattenMaxDepth,
			ImageJPEGQuality:       options.DefaultImageJPEGQuality,
			Deadline:               options.DefaultRewriteDeadline,
			Workers:                8,
		},
		Fetch: FetchConfig{
			Timeout:     10 * time.Second,
			Concurrency: 6,
			MaxSize:     10 << 20,
		},
		Cache: CacheConfig{
			Prefix: "pagespeed",
			TTL:    24 * time.Hour,
		},
		Output: OutputConfig{
			BaseURL: "/pagespeed/",
		},
	}
}

// Load returns the default configuration, updated with the given YAML
// file (when not empty) and the environment.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		fd, err := os.Open(filename)
		if err != nil {
			return nil, err
		}
		defer fd.Close() //nolint:errcheck

		if err = cfg.LoadFile(fd); err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
	}

	if err := cfg.LoadEnv(os.Environ()); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile updates the configuration with a YAML document.
func (c *Config) LoadFile(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadEnv updates the configuration with environment variables,
// given as "KEY=value" strings.
func (c *Config) LoadEnv(environ []string) error {
	return env.ParseWithOptions(c, env.Options{
		Prefix:      EnvPrefix,
		Environment: env.ToMap(environ),
	})
}

// Addr returns the server listening address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Options builds the rewriting [options.Options].
func (c *Config) Options() (*options.Options, error) {
	enabled, err := options.ParseFilters(c.Rewrite.Filters...)
	if err != nil {
		return nil, err
	}
	disabled, err := options.ParseFilters(c.Rewrite.DisableFilters...)
	if err != nil {
		return nil, err
	}

	return options.New(
		options.WithFilters(enabled...),
		options.WithoutFilters(disabled...),
		options.WithCSSImageInlineMaxBytes(c.Rewrite.CSSImageInlineMaxBytes),
		options.WithImageInlineMaxBytes(c.Rewrite.ImageInlineMaxBytes),
		options.WithCSSFlattenMaxBytes(c.Rewrite.CSSFlattenMaxBytes),
		options.WithCSSFlattenMaxDepth(c.Rewrite.CSSFlattenMaxDepth),
		options.WithAlwaysRewriteCSS(c.Rewrite.AlwaysRewriteCSS),
		options.WithPreferFallbackCSS(c.Rewrite.PreferFallbackCSS),
		options.WithRewriteRandomDropPercentage(c.Rewrite.RandomDropPercentage),
		options.WithCSSPreserveURLs(c.Rewrite.CSSPreserveURLs),
		options.WithImagePreserveURLs(c.Rewrite.ImagePreserveURLs),
		options.WithImageJPEGQuality(c.Rewrite.ImageJPEGQuality),
		options.WithRewriteDeadline(c.Rewrite.Deadline),
		options.WithAllow(c.Rewrite.Allow...),
		options.WithDisallow(c.Rewrite.Disallow...),
	), nil
}

func filterNames(filters []options.Filter) []string {
	res := make([]string, len(filters))
	for i, f := range filters {
		res[i] = f.String()
	}
	return res
}
