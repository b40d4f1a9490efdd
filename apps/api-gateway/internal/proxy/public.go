// Package proxy is the edge of the store: it authenticates callers, picks an
// upstream by the first path segment and forwards the request unchanged apart
// from hop-by-hop headers.
package proxy

import "strings"

// PublicEndpoint is a route reachable without a bearer token. Suffix is
// compared against the trailing path segments so a routing prefix in front
// of the gateway does not matter.
type PublicEndpoint struct {
	Method string
	Suffix []string
}

// PublicEndpoints is the allow-list of unauthenticated routes
var PublicEndpoints = []PublicEndpoint{
	{"POST", []string{"users", "register"}},
	{"POST", []string{"users", "login"}},
	{"GET", []string{"tokens", "access"}},
	{"POST", []string{"tokens", "refresh"}},
	{"GET", []string{"catalog", "product_types_by_categories"}},
	{"GET", []string{"catalog", "categories"}},
}

// segments splits path on "/" and drops empty parts
func segments(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsPublic reports whether method and path match an allow-listed endpoint
func IsPublic(method, path string) bool {
	segs := segments(path)
	if len(segs) == 0 {
		return false
	}
	for _, e := range PublicEndpoints {
		if !strings.EqualFold(e.Method, method) || len(segs) < len(e.Suffix) {
			continue
		}
		if equal(segs[len(segs)-len(e.Suffix):], e.Suffix) {
			return true
		}
	}
	return false
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
