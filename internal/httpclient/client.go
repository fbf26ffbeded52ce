// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package httpclient is the HTTP client used to load input resources.
// Its [Transport] sends subresource requests the way a browser loading
// a page would, and can refuse to connect to some networks.
package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// ErrDeniedIP is returned for a request to a denied network.
var ErrDeniedIP = errors.New("destination IP is denied")

const levelTrace = slog.LevelDebug - 10

// DefaultUserAgent is the User-Agent of requests that don't set one.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36"

type ctxProxyURLKey struct{}

var defaultDialer = net.Dialer{
	Timeout:   10 * time.Second,
	KeepAlive: 30 * time.Second,
}

var cipherSuites = []uint16{
	tls.TLS_AES_128_GCM_SHA256,
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
}

var greaseCiphers = []uint16{
	0x0a0a, 0x1a1a, 0x2a2a, 0x3a3a, 0x4a4a, 0x5a5a, 0x6a6a, 0x7a7a,
	0x8a8a, 0x9a9a, 0xaaaa, 0xbaba, 0xcaca, 0xdada, 0xeaea, 0xfafa,
}

// Stylesheets and images of one page usually come from a few hosts, so
// idle connections per host matter more than the global pool.
var defaultTransport = &http.Transport{
	DialContext: defaultDialer.DialContext,
	Proxy:       proxyMatcher,
	TLSClientConfig: &tls.Config{
		CipherSuites: cipherSuites,
		MinVersion:   tls.VersionTLS12,
	},
	ForceAttemptHTTP2:     true,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   6,
	IdleConnTimeout:       60 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// defaultHeaders are the headers of a subresource request. A request
// can override every one of them.
var defaultHeaders = http.Header{
	"User-Agent":      {DefaultUserAgent},
	"Accept":          {"*/*"},
	"Accept-Language": {"en-US,en;q=0.8"},
	"Sec-Fetch-Mode":  {"no-cors"},
	"Sec-Fetch-Site":  {"cross-site"},
}

// acceptByDest is the Accept header of a request, per Sec-Fetch-Dest.
var acceptByDest = map[string]string{
	"style": "text/css,*/*;q=0.1",
	"image": "image/avif,image/webp,image/png,image/svg+xml,image/*;q=0.8,*/*;q=0.5",
}

func proxyMatcher(req *http.Request) (*url.URL, error) {
	u, err := http.ProxyFromEnvironment(req)
	if u != nil {
		*req = *(req.WithContext(context.WithValue(req.Context(), ctxProxyURLKey{}, u)))
	}
	return u, err
}

// Transport wraps an [http.RoundTripper].
type Transport struct {
	http.RoundTripper
	header    http.Header
	logger    *slog.Logger
	deniedIPs []*net.IPNet
}

// RoundTrip implements [http.RoundTripper].
// It checks the destination IP, adds the default headers and logs every
// request at trace level.
func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.checkDestIP(r); err != nil {
		return nil, err
	}

	// Work on a shallow copy, a RoundTripper must not modify the request.
	req := new(http.Request)
	*req = *r
	req.Header = req.Header.Clone()
	for k, values := range t.header {
		if _, ok := r.Header[textproto.CanonicalMIMEHeaderKey(k)]; !ok {
			req.Header[k] = values
		}
	}
	if _, ok := r.Header["Accept"]; !ok {
		if accept, ok := acceptByDest[req.Header.Get("Sec-Fetch-Dest")]; ok {
			req.Header.Set("Accept", accept)
		}
	}

	t.setTLSGrease()
	now := time.Now()
	rsp, err := t.RoundTripper.RoundTrip(req)

	attrs := []slog.Attr{
		slog.String("url", req.URL.String()),
		slog.String("method", req.Method),
		slog.Duration("time", time.Since(now)),
	}
	if p, ok := req.Context().Value(ctxProxyURLKey{}).(*url.URL); ok {
		attrs = append(attrs, slog.String("proxy", p.Redacted()))
	}
	if err != nil {
		attrs = append(attrs, slog.Any("err", err))
	} else {
		attrs = append(attrs,
			slog.Int("status", rsp.StatusCode),
			slog.String("content_type", rsp.Header.Get("Content-Type")),
		)
	}
	t.Log().LogAttrs(req.Context(), levelTrace, "http request", attrs...)

	return rsp, err
}

// setTLSGrease adds a random GREASE cipher to the cipher suite.
// see https://www.rfc-editor.org/rfc/rfc8701
func (t *Transport) setTLSGrease() {
	if tr, ok := t.RoundTripper.(*http.Transport); ok {
		tr.TLSClientConfig.CipherSuites = append([]uint16{
			greaseCiphers[rand.IntN(len(greaseCiphers))], //nolint:gosec
		}, cipherSuites...)
	}
}

func (t *Transport) checkDestIP(r *http.Request) error {
	if len(t.deniedIPs) == 0 {
		return nil
	}

	hostname := r.URL.Hostname()
	host, err := idna.ToASCII(hostname)
	if err != nil {
		return fmt.Errorf("invalid hostname %s", hostname)
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else if ips, err = net.DefaultResolver.LookupIP(r.Context(), "ip", host); err != nil {
		return fmt.Errorf("cannot resolve %s", host)
	}

	for _, cidr := range t.deniedIPs {
		for _, ip := range ips {
			if cidr.Contains(ip) {
				return fmt.Errorf("%w: %s is blocked by rule %s", ErrDeniedIP, ip, cidr)
			}
		}
	}

	return nil
}

// Log returns the transport's logger.
func (t *Transport) Log() *slog.Logger {
	return t.logger
}

// SetHeader receives a function that can manipulate the
// transport's default headers.
func (t *Transport) SetHeader(fn func(h http.Header)) {
	fn(t.header)
}

// Option is a function that sets a client property.
type Option func(c *http.Client, t *Transport)

// WithTimeout sets the client's timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *http.Client, _ *Transport) {
		c.Timeout = timeout
	}
}

// WithLogger sets the transport's logger.
func WithLogger(l *slog.Logger) Option {
	return func(_ *http.Client, t *Transport) {
		t.logger = l
	}
}

// WithUserAgent sets the default User-Agent. An empty value keeps
// [DefaultUserAgent].
func WithUserAgent(ua string) Option {
	return func(_ *http.Client, t *Transport) {
		if ua != "" {
			t.header.Set("User-Agent", ua)
		}
	}
}

// WithDeniedIPs sets the networks the client must never connect to.
func WithDeniedIPs(networks ...*net.IPNet) Option {
	return func(_ *http.Client, t *Transport) {
		t.deniedIPs = networks
	}
}

// New returns a new client with an empty cookie storage and a [Transport]
// instance. Redirects are followed up to 5 times.
func New(options ...Option) *http.Client {
	cookies, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})

	t := &Transport{
		RoundTripper: defaultTransport.Clone(),
		header:       maps.Clone(defaultHeaders),
		logger:       slog.Default(),
	}
	c := &http.Client{
		Transport: t,
		Timeout:   10 * time.Second,
		Jar:       cookies,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			return nil
		},
	}
	for _, fn := range options {
		fn(c, t)
	}

	return c
}
