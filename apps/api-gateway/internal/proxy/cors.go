package proxy

import (
	"net/http"
	"strconv"
)

const (
	defaultAllowMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	defaultAllowHeaders = "Authorization, Content-Type"
	preflightMaxAge     = 600
)

// DefaultAllowedOrigins are the local front-end dev servers
var DefaultAllowedOrigins = []string{"http://127.0.0.1:5500", "http://localhost:5500"}

// CORS answers preflights and decorates proxied responses
type CORS struct {
	allowed map[string]struct{}
}

// NewCORS builds a CORS policy. No origins means DefaultAllowedOrigins.
func NewCORS(origins []string) *CORS {
	if len(origins) == 0 {
		origins = DefaultAllowedOrigins
	}
	c := &CORS{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		c.allowed[o] = struct{}{}
	}
	return c
}

func (c *CORS) isAllowed(origin string) bool {
	_, ok := c.allowed[origin]
	return ok
}

// derivedOrigin rebuilds the caller's origin from forwarding headers or the
// connection itself
func derivedOrigin(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}

	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.RemoteAddr
	}
	if host == "" {
		return ""
	}
	return scheme + "://" + host
}

// Preflight writes the headers of a 200 answer to an OPTIONS request
func (c *CORS) Preflight(r *http.Request, h http.Header) {
	origin := r.Header.Get("Origin")
	if origin == "" || !c.isAllowed(origin) {
		origin = derivedOrigin(r)
	}

	methods := r.Header.Get("Access-Control-Request-Method")
	if methods == "" {
		methods = defaultAllowMethods
	}
	headers := r.Header.Get("Access-Control-Request-Headers")
	if headers == "" {
		headers = defaultAllowHeaders
	}

	if origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
	}
	h.Set("Access-Control-Allow-Methods", methods)
	h.Set("Access-Control-Allow-Headers", headers)
	h.Set("Access-Control-Max-Age", strconv.Itoa(preflightMaxAge))
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Vary", "Origin")
}

// ApplyResponseCORS sets the CORS headers of a proxied response. A foreign
// origin gets no Allow-Origin; a request without Origin gets the derived one.
func (c *CORS) ApplyResponseCORS(r *http.Request, h http.Header) {
	origin := r.Header.Get("Origin")
	switch {
	case origin == "":
		origin = derivedOrigin(r)
	case !c.isAllowed(origin):
		origin = ""
	}

	if origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
	} else {
		h.Del("Access-Control-Allow-Origin")
	}
	h.Set("Vary", "Origin")
	h.Set("Access-Control-Allow-Credentials", "true")
}
