// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cristalhq/acmd"

	"codeberg.org/readeck/pagespeed/internal/htmlrewrite"
	"codeberg.org/readeck/pagespeed/internal/metrics"
	"codeberg.org/readeck/pagespeed/internal/rewrite"
)

func init() {
	commands = append(commands, acmd.Command{
		Name:        "html",
		Description: "Rewrite the resources of an HTML document",
		ExecFunc:    runHTML,
	})
}

func runHTML(ctx context.Context, args []string) error {
	var docURL string
	var dest string
	var domains stringsFlag
	var filters stringsFlag

	var flags appFlags
	fs := flags.Flags()
	// nolint: errcheck
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: html [arguments...] FILE")
		fmt.Fprintln(fs.Output(), "  FILE")
		fmt.Fprintln(fs.Output(), "    \tHTML document")
		fs.PrintDefaults()
	}
	fs.StringVar(&docURL, "url", "", "document URL (required)")
	fs.StringVar(&dest, "o", "", "output file (defaults to stdout)")
	fs.Var(&domains, "domain", "authorized domain (repeatable)")
	fs.Var(&filters, "filter", "enable a filter (repeatable)")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}

	src := strings.TrimSpace(fs.Arg(0))
	if src == "" {
		return errors.New("input file is required")
	}
	if docURL == "" {
		return errors.New("-url is required")
	}

	cfg, err := appPreRun(&flags)
	if err != nil {
		return err
	}
	cfg.Rewrite.Domains = append(cfg.Rewrite.Domains, domains...)
	cfg.Rewrite.Filters = append(cfg.Rewrite.Filters, filters...)

	rw, release, err := newRewriteServer(ctx, cfg, metrics.New(false), true)
	if err != nil {
		return err
	}
	defer release()

	fd, err := os.Open(src)
	if err != nil {
		return err
	}
	defer fd.Close() //nolint:errcheck

	var w io.Writer = os.Stdout
	if dest != "" {
		out, err := os.Create(dest)
		if err != nil {
			return err
		}
		defer func() {
			if err := out.Close(); err != nil {
				fatal("error closing the output file", err)
			}
		}()
		w = out
	}

	return rewriteDocument(ctx, rw, docURL, fd, w)
}

// rewriteDocument rewrites a document, waiting for every resource.
func rewriteDocument(ctx context.Context, rw *rewrite.Server, docURL string, r io.Reader, w io.Writer) error {
	d := htmlrewrite.NewDriver(rw, docURL,
		htmlrewrite.WithDriverOptions(rewrite.WithDeadline(0)),
	)
	return d.Rewrite(ctx, r, w)
}
