// Package urlutil extracts hostnames, paths, and ports from the raw URL
// strings delivered by request-interception hooks. The hooks hand over
// whatever the browser saw, including inputs net/url rejects, so parsing
// here is deliberately split-based and never fails.
package urlutil

import (
	"strconv"
	"strings"
)

// Hostname returns the hostname of a raw URL with scheme, port, and query
// stripped. An empty input yields an empty hostname.
func Hostname(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	var hostname string
	if strings.Contains(rawURL, "//") {
		parts := strings.Split(rawURL, "/")
		if len(parts) > 2 {
			hostname = parts[2]
		}
	} else {
		hostname = strings.Split(rawURL, "/")[0]
	}
	hostname = strings.Split(hostname, ":")[0]
	hostname = strings.Split(hostname, "?")[0]
	return hostname
}

// Path returns everything after the host, without the leading slash and
// with a single trailing slash removed. A URL with no path yields "".
func Path(rawURL string) string {
	var path string
	if idx := strings.Index(rawURL, "//"); idx > 0 {
		start := strings.IndexByte(rawURL[idx+2:], '/')
		if start >= 0 {
			path = rawURL[idx+2+start+1:]
		}
	} else {
		start := strings.IndexByte(rawURL, '/')
		if start > 0 {
			path = rawURL[start+1:]
		}
	}
	path = strings.TrimSuffix(path, "/")
	return path
}

// RequestURI returns the portion of the URL after the hostname, including
// any port, path, and query.
func RequestURI(rawURL string) string {
	domain := Hostname(rawURL)
	if domain == "" {
		return rawURL
	}
	idx := strings.Index(rawURL, domain)
	if idx < 0 {
		return rawURL
	}
	return rawURL[idx+len(domain):]
}

// Port returns the destination port of the URL, inferring from the scheme
// when no explicit port is present. Unknown schemes yield 0.
func Port(rawURL string) int {
	uri := RequestURI(rawURL)
	head := strings.Split(uri, "/")[0]
	if p, err := strconv.Atoi(strings.TrimPrefix(head, ":")); err == nil && p > 0 {
		return p
	}
	switch {
	case strings.HasPrefix(rawURL, "https"):
		return 443
	case strings.HasPrefix(rawURL, "http"):
		return 80
	case strings.HasPrefix(rawURL, "ftp"):
		return 21
	}
	return 0
}
