// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package resource

import (
	"log/slog"
	"mime"
	"strings"
)

var commonTypes = map[string]string{
	"application/javascript":        ".js",
	"application/json":              ".json",
	"application/vnd.ms-fontobject": ".eot",
	"application/xml":               ".xml",
	"font/otf":                      ".otf",
	"font/ttf":                      ".ttf",
	"font/woff":                     ".woff",
	"font/woff2":                    ".woff2",
	"image/avif":                    ".avif",
	"image/bmp":                     ".bmp",
	"image/gif":                     ".gif",
	"image/jpeg":                    ".jpg",
	"image/png":                     ".png",
	"image/svg+xml":                 ".svg",
	"image/tiff":                    ".tiff",
	"image/vnd.microsoft.icon":      ".ico",
	"image/webp":                    ".webp",
	"image/x-icon":                  ".ico",
	"text/css":                      ".css",
	"text/html":                     ".html",
	"text/javascript":               ".js",
	"text/plain":                    ".txt",
	"text/xml":                      ".xml",
}

// URLLogValue is a [slog.LogValuer] for URLs.
// It truncates the string when there too long (ie. data: URLs).
type URLLogValue string

// LogValue implements [slog.LogValuer].
func (s URLLogValue) LogValue() slog.Value {
	if len(s) > 256 {
		return slog.StringValue(string(s)[0:40] + "..." + string(s)[len(s)-40:])
	}

	return slog.StringValue(string(s))
}

// GetExtension returns an extension for a given mime type. It defaults
// to .bin when none was found.
func GetExtension(mimeType string) string {
	t, _, _ := strings.Cut(mimeType, ";")
	t = strings.TrimSpace(t)
	if ext, ok := commonTypes[t]; ok {
		return ext
	}
	if ext, _ := mime.ExtensionsByType(t); len(ext) > 0 {
		return ext[0]
	}
	return ".bin"
}

// TypeByExtension returns the mime type of a file extension.
func TypeByExtension(ext string) string {
	ext = strings.ToLower(ext)
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

var extensionTypes = map[string]string{
	".css":  "text/css",
	".gif":  "image/gif",
	".ico":  "image/vnd.microsoft.icon",
	".jpg":  "image/jpeg",
	".js":   "text/javascript",
	".png":  "image/png",
	".svg":  "image/svg+xml",
	".webp": "image/webp",
	".woff": "font/woff",
}
