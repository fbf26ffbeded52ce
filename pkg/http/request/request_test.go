// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package request_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"codeberg.org/readeck/pagespeed/pkg/http/request"
)

func TestInitRequest(t *testing.T) {
	trusted, err := request.ParseNetworks(
		"127.0.0.0/8",
		"10.0.0.0/8",
		"192.168.0.0/16",
		"fd00::/8",
		"::1",
	)
	require.NoError(t, err)

	tests := []struct {
		remoteAddr    string
		forwardedFor  string
		forwardedHost string
		forwardedProt string
		remoteIP      string
		realIP        string
		url           string
	}{
		{
			"127.0.0.1:1234", "203.0.113.1, 192.168.2.1, ::1", "example.net", "https",
			"127.0.0.1", "203.0.113.1", "https://example.net/abc?test=1",
		},
		{
			"127.0.0.1:1234", "203.0.113.1", "example.net:8443", "http",
			"127.0.0.1", "203.0.113.1", "http://example.net:8443/abc?test=1",
		},
		{
			"127.0.0.1:1234", "198.51.100.7, 203.0.113.1", "", "",
			"127.0.0.1", "203.0.113.1", "http://localhost/abc?test=1",
		},
		{
			"[::1]:1234", "[2001:db8:fa::2]", "example.net", "https",
			"::1", "2001:db8:fa::2", "https://example.net/abc?test=1",
		},
		{
			"[fd00::ff01]:1234", "2001:db8:fa::2", "example.net", "HTTPS",
			"fd00::ff01", "2001:db8:fa::2", "https://example.net/abc?test=1",
		},
		{
			"128.66.1.1:1234", "203.0.113.1", "example.net", "https",
			"128.66.1.1", "128.66.1.1", "http://localhost/abc?test=1",
		},
		{
			"128.66.1.1:1234", "", "", "",
			"128.66.1.1", "128.66.1.1", "http://localhost/abc?test=1",
		},
	}

	for i, test := range tests {
		t.Run(strconv.Itoa(i+1), func(t *testing.T) {
			assert := require.New(t)

			r := httptest.NewRequest(http.MethodGet, "/abc?test=1", nil)
			r.Host = "localhost"
			r.RemoteAddr = test.remoteAddr
			r.Header.Set("X-Forwarded-For", test.forwardedFor)
			r.Header.Set("X-Forwarded-Host", test.forwardedHost)
			r.Header.Set("X-Forwarded-Proto", test.forwardedProt)

			var ctx context.Context
			h := request.InitRequest(trusted...)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				ctx = r.Context()
			}))
			h.ServeHTTP(httptest.NewRecorder(), r)

			assert.Equal(test.url, request.GetURL(ctx).String())
			assert.Equal(test.remoteIP, request.GetRemoteIP(ctx).String())
			assert.Equal(test.realIP, request.GetRealIP(ctx).String())
			assert.Regexp(regexp.MustCompile(`^[0-9a-f]{8}/[0-9a-f]{4}-[0-9a-f]{8}$`), request.GetReqID(ctx))
		})
	}
}

func TestParseNetworks(t *testing.T) {
	assert := require.New(t)

	res, err := request.ParseNetworks("10.0.0.0/8", " 192.168.1.1 ", "", "::1")
	assert.NoError(err)
	assert.Len(res, 3)
	assert.Equal("10.0.0.0/8", res[0].String())
	assert.Equal("192.168.1.1/32", res[1].String())
	assert.Equal("::1/128", res[2].String())

	_, err = request.ParseNetworks("not an address")
	assert.Error(err)
}
