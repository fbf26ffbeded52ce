// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package request provides a middleware that identifies a request: its
// ID, its client address and its absolute URL, possibly taken from
// reverse proxy headers.
package request

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"hash/adler32"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync/atomic"

	"codeberg.org/readeck/pagespeed/pkg/ctxr"
)

var (
	remoteIPKey = ctxr.NewKey[net.IP]("remote-ip")
	realIPKey   = ctxr.NewKey[net.IP]("real-ip")
	urlKey      = ctxr.NewKey[*url.URL]("url")
	reqIDKey    = ctxr.NewKey[string]("request-id")
)

// GetRemoteIP returns the request's [http.Request.RemoteAddr] without its
// port.
func GetRemoteIP(ctx context.Context) net.IP {
	return remoteIPKey.Get(ctx)
}

// GetRealIP returns the client address, taken from X-Forwarded-For when
// the request comes from a trusted proxy.
func GetRealIP(ctx context.Context) net.IP {
	return realIPKey.Get(ctx)
}

// GetURL returns the request's absolute URL.
func GetURL(ctx context.Context) *url.URL {
	return urlKey.Get(ctx)
}

// GetReqID returns the request's ID.
func GetReqID(ctx context.Context) string {
	return reqIDKey.Get(ctx)
}

var (
	reqSeq      uint32
	reqIDPrefix [13]byte
)

func init() {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}

	var b [6]byte
	rand.Read(b[4:]) //nolint:errcheck
	cs := adler32.New()
	cs.Write([]byte(hostname)) //nolint:errcheck
	copy(b[0:4], cs.Sum(nil))

	reqIDPrefix[8] = '/'
	hex.Encode(reqIDPrefix[0:8], b[0:4])
	hex.Encode(reqIDPrefix[9:], b[4:])
}

// makeRequestID returns "host-checksum/random-seq": an adler32 checksum
// of the host name, a random value chosen at startup and a sequence
// number.
func makeRequestID() string {
	var id [22]byte
	copy(id[0:13], reqIDPrefix[:])
	id[13] = '-'
	hex.Encode(id[14:], binary.BigEndian.AppendUint32(nil, atomic.AddUint32(&reqSeq, 1)))
	return string(id[:])
}

// ParseNetworks parses a list of CIDR networks. A plain address is a
// single host network.
func ParseNetworks(values ...string) ([]*net.IPNet, error) {
	res := []*net.IPNet{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if !strings.Contains(v, "/") {
			if ip := net.ParseIP(v); ip != nil && ip.To4() != nil {
				v += "/32"
			} else {
				v += "/128"
			}
		}
		_, cidr, err := net.ParseCIDR(v)
		if err != nil {
			return nil, err
		}
		res = append(res, cidr)
	}
	return res, nil
}

// InitRequest adds the request's ID, client addresses and absolute URL
// to its context. The X-Forwarded headers are only read when the
// request comes from one of trustedProxies.
func InitRequest(trustedProxies ...*net.IPNet) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			remoteAddr, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				remoteAddr = r.RemoteAddr
			}
			remoteIP := net.ParseIP(remoteAddr)
			ctx = remoteIPKey.With(ctx, remoteIP)

			trusted := isTrustedProxy(trustedProxies, remoteIP)
			realIP := remoteIP
			if trusted {
				// The closest untrusted address is the client.
				forwarded := forwardedFor(r.Header)
				for i := len(forwarded) - 1; i >= 0; i-- {
					if !isTrustedProxy(trustedProxies, forwarded[i]) {
						realIP = forwarded[i]
						break
					}
				}
			}
			ctx = realIPKey.With(ctx, realIP)

			u := &url.URL{}
			*u = *r.URL
			u.Scheme = "http"
			u.Host = r.Host
			if r.TLS != nil {
				u.Scheme = "https"
			}
			if trusted {
				if proto := firstValue(r.Header, "X-Forwarded-Proto"); proto == "http" || proto == "https" {
					u.Scheme = proto
				}
				if host := firstValue(r.Header, "X-Forwarded-Host"); host != "" {
					u.Host = host
				}
			}
			ctx = urlKey.With(ctx, u)
			reqID := makeRequestID()
			ctx = reqIDKey.With(ctx, reqID)
			w.Header().Set("X-Request-Id", reqID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func forwardedFor(h http.Header) []net.IP {
	res := []net.IP{}
	for _, v := range h.Values("X-Forwarded-For") {
		for _, s := range strings.Split(v, ",") {
			s = strings.Trim(strings.TrimSpace(s), "[]")
			if ip := net.ParseIP(s); ip != nil {
				res = append(res, ip)
			}
		}
	}
	return res
}

func firstValue(h http.Header, name string) string {
	v, _, _ := strings.Cut(h.Get(name), ",")
	return strings.ToLower(strings.TrimSpace(v))
}

func isTrustedProxy(p []*net.IPNet, ip net.IP) bool {
	if ip == nil {
		return false
	}
	return slices.ContainsFunc(p, func(cidr *net.IPNet) bool {
		return cidr.Contains(ip)
	})
}
