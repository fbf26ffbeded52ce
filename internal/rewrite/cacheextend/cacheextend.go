// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package cacheextend renames resources to a content hashed name, so
// they can be served with a long cache lifetime.
package cacheextend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"codeberg.org/readeck/pagespeed/internal/options"
	"codeberg.org/readeck/pagespeed/internal/resource"
	"codeberg.org/readeck/pagespeed/internal/rewrite"
	"codeberg.org/readeck/pagespeed/pkg/css/scanner"
)

// ID is the filter identifier used in output names.
const ID = "ce"

// ErrNotExtendable is returned by [Extend] for resources that cannot
// be renamed.
var ErrNotExtendable = errors.New("resource cannot be cache extended")

var scriptTypes = map[string]struct{}{
	"application/javascript":   {},
	"application/x-javascript": {},
	"text/javascript":          {},
}

// Extend copies a loaded resource to a content hashed output and returns
// the output URL. Stylesheet URLs are moved to the output location.
func Extend(ctx context.Context, d *rewrite.Driver, input *resource.Resource) (string, error) {
	if err := check(input); err != nil {
		return "", err
	}

	contents := input.Contents()
	ct := input.ContentType()

	if ct == "text/css" {
		oldBase, err := url.Parse(input.URL())
		if err != nil {
			return "", err
		}
		newBase, err := url.Parse(d.OutputURL("x.css"))
		if err != nil {
			return "", err
		}
		buf := new(bytes.Buffer)
		t := scanner.NewAbsolutifier(oldBase, newBase, d.Options().Enabled(options.TrimURLs))
		if err = scanner.TransformURLs(contents, buf, t); err != nil {
			return "", fmt.Errorf("%w: %w", ErrNotExtendable, err)
		}
		contents = buf.Bytes()
	}

	u, err := d.WriteOutput(ctx, input, ID, ct, contents)
	if err != nil {
		return "", err
	}
	d.Server().Stats().CacheExtensions.Inc()
	d.Logger().LogAttrs(ctx, slog.LevelDebug, "cache extended",
		slog.Any("url", resource.URLLogValue(input.URL())),
		slog.String("output", u),
	)
	return u, nil
}

func check(input *resource.Resource) error {
	if !input.LoadedOK() {
		return fmt.Errorf("%w: not loaded", ErrNotExtendable)
	}
	if strings.HasPrefix(input.URL(), "data:") {
		return fmt.Errorf("%w: data URL", ErrNotExtendable)
	}
	if resource.IsOutputName(input.URL()) {
		return fmt.Errorf("%w: already rewritten", ErrNotExtendable)
	}

	cc := strings.ToLower(input.Header().Get("Cache-Control"))
	for _, directive := range []string{"no-store", "no-cache", "private"} {
		if strings.Contains(cc, directive) {
			return fmt.Errorf("%w: not cacheable", ErrNotExtendable)
		}
	}

	// Only types that cannot run scripts in the output's origin.
	ct := input.ContentType()
	if _, ok := scriptTypes[ct]; ok || input.IsImage() || ct == "text/css" {
		return nil
	}
	return fmt.Errorf("%w: content type %q", ErrNotExtendable, ct)
}

type extender struct{}

// NewContext returns a top-level context extending the resource of a
// slot.
func NewContext(d *rewrite.Driver, slot rewrite.Slot) *rewrite.Context {
	c := rewrite.NewContext(d, nil, extender{})
	c.AddSlot(slot) //nolint:errcheck
	return c
}

// MakeNestedContext returns a context, nested in parent, extending the
// resource of a slot. The caller adds it to parent.
func MakeNestedContext(parent *rewrite.Context, slot rewrite.Slot) *rewrite.Context {
	c := rewrite.NewContext(parent.Driver(), parent, extender{})
	c.AddSlot(slot) //nolint:errcheck
	return c
}

func (extender) ID() string {
	return ID
}

func (extender) RewriteSingle(ctx context.Context, c *rewrite.Context, p *rewrite.Partition) rewrite.Status {
	if c.ShouldDrop() {
		return rewrite.TooBusy
	}
	u, err := Extend(ctx, c.Driver(), p.Input())
	if err != nil {
		c.Logger().Debug("cache extension failed", slog.Any("err", err))
		return rewrite.RewriteFailed
	}
	p.Result.Optimizable = true
	p.Result.URL = u
	return rewrite.RewriteOK
}
