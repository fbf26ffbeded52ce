// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package resource provides the input resources of a rewrite, the loader
// that fetches them, the domain authorization rules and the storage of
// rewritten output resources.
package resource

import (
	"errors"
	"mime"
	"net/http"
	"strings"
)

var (
	// ErrUnauthorized is returned when loading a resource from a domain
	// that is not authorized.
	ErrUnauthorized = errors.New("unauthorized domain")
	// ErrFetchFailed is returned when a resource could not be fetched.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrTooLarge is returned when a resource is bigger than the loader's
	// limit.
	ErrTooLarge = errors.New("resource is too large")
	// ErrNotFound is returned for missing resources.
	ErrNotFound = errors.New("resource not found")
)

// Role describes how a resource is used by the document.
type Role uint8

const (
	// RoleOther is any resource.
	RoleOther Role = iota
	// RoleImage is an image.
	RoleImage
	// RoleStyle is a stylesheet.
	RoleStyle
	// RoleScript is a script.
	RoleScript
)

func (r Role) String() string {
	switch r {
	case RoleImage:
		return "image"
	case RoleStyle:
		return "style"
	case RoleScript:
		return "script"
	}
	return "other"
}

// Resource is an input resource. Its content is available once a
// [Loader] has loaded it.
type Resource struct {
	url        string
	role       Role
	authorized bool

	loaded      bool
	err         error
	status      int
	header      http.Header
	contentType string
	charset     string
	contents    []byte
	width       int
	height      int
}

// New returns a new, not loaded, [Resource].
func New(u string, role Role, authorized bool) *Resource {
	return &Resource{
		url:        u,
		role:       role,
		authorized: authorized,
		header:     http.Header{},
	}
}

// NewDataResource returns a loaded resource holding the given contents.
// It is used for inline stylesheets and already known data.
func NewDataResource(u, contentType string, contents []byte) *Resource {
	r := &Resource{
		url:        u,
		authorized: true,
		header:     http.Header{},
	}
	r.header.Set("Content-Type", contentType)
	r.setLoaded(http.StatusOK, r.header, contents)
	return r
}

func (r *Resource) setLoaded(status int, header http.Header, contents []byte) {
	r.loaded = true
	r.status = status
	r.header = header
	r.contents = contents
	r.contentType, r.charset = parseContentType(header.Get("Content-Type"))
}

func (r *Resource) setError(err error) {
	r.loaded = true
	r.err = err
}

// URL returns the resource absolute URL.
func (r *Resource) URL() string {
	return r.url
}

// Role returns the resource role.
func (r *Resource) Role() Role {
	return r.role
}

// IsAuthorized returns true when the resource is on an authorized domain.
func (r *Resource) IsAuthorized() bool {
	return r.authorized
}

// Loaded returns true once a load attempt finished.
func (r *Resource) Loaded() bool {
	return r.loaded
}

// LoadedOK returns true when the resource was loaded without error.
func (r *Resource) LoadedOK() bool {
	return r.loaded && r.err == nil
}

// Err returns the load error.
func (r *Resource) Err() error {
	return r.err
}

// Status returns the HTTP status of the response.
func (r *Resource) Status() int {
	return r.status
}

// Header returns the response headers.
func (r *Resource) Header() http.Header {
	return r.header
}

// ContentType returns the resource media type, without parameters.
func (r *Resource) ContentType() string {
	return r.contentType
}

// Charset returns the charset given by the Content-Type header.
func (r *Resource) Charset() string {
	return r.charset
}

// Contents returns the resource contents.
func (r *Resource) Contents() []byte {
	return r.contents
}

// IsImage returns true when the content type is an image type.
func (r *Resource) IsImage() bool {
	return strings.HasPrefix(r.contentType, "image/")
}

// Width returns the image width, or 0.
func (r *Resource) Width() int {
	return r.width
}

// Height returns the image height, or 0.
func (r *Resource) Height() int {
	return r.height
}

func parseContentType(value string) (contentType, charset string) {
	if value == "" {
		return "", ""
	}
	mt, params, err := mime.ParseMediaType(value)
	if err != nil {
		mt, _, _ = strings.Cut(value, ";")
		return strings.ToLower(strings.TrimSpace(mt)), ""
	}
	return mt, strings.ToLower(params["charset"])
}
