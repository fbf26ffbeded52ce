// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package rewrite

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/readeck/pagespeed/internal/options"
	"codeberg.org/readeck/pagespeed/internal/resource"
	"codeberg.org/readeck/pagespeed/pkg/urlutil"
)

var (
	rxOldIE   = regexp.MustCompile(`MSIE [1-7]\.`)
	rxChrome  = regexp.MustCompile(`(?:Chrome|CriOS)/(\d+)`)
	rxFirefox = regexp.MustCompile(`Firefox/(\d+)`)
)

// Driver drives the rewrites of one document.
type Driver struct {
	server    *Server
	docURL    *url.URL
	baseURL   *url.URL
	userAgent string
	inlining  bool
	webp      bool
	deadline  time.Duration
	csp       *CSP
	logger    *slog.Logger

	mu       sync.Mutex
	contexts []*Context
}

// DriverOption is a function that sets a [Driver] property.
type DriverOption func(d *Driver)

// WithUserAgent sets the User-Agent of the client the document is
// rewritten for.
func WithUserAgent(ua string) DriverOption {
	return func(d *Driver) {
		d.userAgent = ua
		d.inlining = !rxOldIE.MatchString(ua)
		if m := rxChrome.FindStringSubmatch(ua); m != nil {
			v, _ := strconv.Atoi(m[1])
			d.webp = d.webp || v >= 32
		}
		if m := rxFirefox.FindStringSubmatch(ua); m != nil {
			v, _ := strconv.Atoi(m[1])
			d.webp = d.webp || v >= 65
		}
	}
}

// WithAccept sets the Accept header sent by the client.
func WithAccept(accept string) DriverOption {
	return func(d *Driver) {
		if strings.Contains(accept, "image/webp") {
			d.webp = true
		}
	}
}

// WithDeadline sets how long [Driver.Wait] waits for the rewrites.
// Zero waits until every rewrite is done.
func WithDeadline(v time.Duration) DriverOption {
	return func(d *Driver) {
		d.deadline = v
	}
}

// WithCSP sets the content security policies of the document.
func WithCSP(policies ...string) DriverOption {
	return func(d *Driver) {
		for _, p := range policies {
			d.csp.AddPolicy(p)
		}
	}
}

// NewDriver returns a [Driver] for a document.
func (s *Server) NewDriver(documentURL string, opts ...DriverOption) (*Driver, error) {
	u, err := url.Parse(documentURL)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("document URL %q is not absolute", documentURL)
	}

	d := &Driver{
		server:   s,
		docURL:   u,
		baseURL:  u,
		inlining: true,
		deadline: s.options.RewriteDeadline(),
		csp:      &CSP{},
	}
	for _, fn := range opts {
		fn(d)
	}
	d.logger = s.logger.With(slog.String("document", u.String()))

	return d, nil
}

// Server returns the driver's server.
func (d *Driver) Server() *Server {
	return d.server
}

// Options returns the rewriting options.
func (d *Driver) Options() Options {
	return d.server.options
}

// Logger returns the driver's logger.
func (d *Driver) Logger() *slog.Logger {
	return d.logger
}

// DocumentURL returns the document URL.
func (d *Driver) DocumentURL() *url.URL {
	return d.docURL
}

// BaseURL returns the URL relative URLs are resolved against.
func (d *Driver) BaseURL() *url.URL {
	return d.baseURL
}

// SetBaseURL sets the base URL (from a base element).
func (d *Driver) SetBaseURL(ref string) {
	if u, ok := urlutil.Resolve(d.docURL, ref); ok {
		d.baseURL = u
	}
}

// UserAgent returns the client's User-Agent.
func (d *Driver) UserAgent() string {
	return d.userAgent
}

// SupportsImageInlining returns true when the client can use data: URLs.
func (d *Driver) SupportsImageInlining() bool {
	return d.inlining
}

// SupportsWebP returns true when the client can display WebP images.
func (d *Driver) SupportsWebP() bool {
	return d.webp
}

// CSP returns the document's content security policies.
func (d *Driver) CSP() *CSP {
	return d.csp
}

// Debug returns true when debug messages are added to the document.
func (d *Driver) Debug() bool {
	return d.server.options.Enabled(options.Debug)
}

// CreateInputResource returns a resource for an URL, resolved against the
// base URL. The resource is nil when the URL is invalid or not allowed.
// The second return value is false when the URL's domain is not
// authorized. An unauthorized resource is returned but cannot be loaded.
func (d *Driver) CreateInputResource(ref string, role resource.Role) (*resource.Resource, bool) {
	u, ok := urlutil.Resolve(d.baseURL, ref)
	if !ok || !urlutil.IsWebOrData(u) {
		return nil, true
	}
	s := u.String()
	if u.Scheme != "data" && !d.server.options.IsAllowed(s) {
		return nil, true
	}
	authorized := d.server.lawyer.IsAuthorized(d.docURL, u)
	return resource.New(s, role, authorized), authorized
}

// OutputURL returns the absolute URL of an output resource.
func (d *Driver) OutputURL(name string) string {
	return d.docURL.ResolveReference(d.server.outputBase).ResolveReference(&url.URL{Path: name}).String()
}

// WriteOutput saves a rewritten resource and returns its URL.
func (d *Driver) WriteOutput(ctx context.Context, input *resource.Resource, filterID, contentType string, contents []byte) (string, error) {
	name := resource.OutputName(input.URL(), filterID, contentType, contents)
	if err := d.server.store.Put(ctx, &resource.Output{
		Name:        name,
		ContentType: contentType,
		Contents:    contents,
	}); err != nil {
		return "", err
	}
	return d.OutputURL(name), nil
}

// InitiateRewrite starts a top-level context. Contexts are rendered in
// the order they were initiated. A context keeps running when the
// request's context is canceled, so its result reaches the cache.
func (d *Driver) InitiateRewrite(ctx context.Context, c *Context) {
	d.mu.Lock()
	d.contexts = append(d.contexts, c)
	d.mu.Unlock()

	go c.run(context.WithoutCancel(ctx))
}

// Contexts returns the top-level contexts.
func (d *Driver) Contexts() []*Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.contexts
}

// Wait waits for the top-level contexts until the driver's deadline. It
// returns false when some contexts did not finish in time. These are
// detached: they keep running and fill the cache but are never rendered.
func (d *Driver) Wait(ctx context.Context) bool {
	var timeout <-chan time.Time
	if d.deadline > 0 {
		t := time.NewTimer(d.deadline)
		defer t.Stop()
		timeout = t.C
	}

	complete := true
	for _, c := range d.Contexts() {
		if !complete {
			select {
			case <-c.done:
			default:
				c.detach()
			}
			continue
		}

		select {
		case <-c.done:
		case <-timeout:
			complete = false
			c.detach()
		case <-ctx.Done():
			complete = false
			c.detach()
		}
	}

	if !complete {
		d.logger.Debug("rewrite deadline exceeded", slog.Duration("deadline", d.deadline))
	}
	return complete
}

// Render renders the finished top-level contexts, in initiation order.
func (d *Driver) Render() {
	for _, c := range d.Contexts() {
		if c.detached.Load() {
			continue
		}
		c.Render()
	}
}
