package proxy

import (
	"net/http"
	"strings"
)

// hopByHop are the headers that only concern one transport leg
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopByHop deletes the fixed hop-by-hop set and every header named by
// Connection from h in place
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
}

// FilterRequestHeaders returns a copy of h fit to send upstream. Host is
// dropped and clientIP is appended to X-Forwarded-For.
func FilterRequestHeaders(h http.Header, clientIP string) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	removeHopByHop(out)
	out.Del("Host")

	if clientIP != "" {
		if prior := strings.Join(h.Values("X-Forwarded-For"), ", "); prior != "" {
			out.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			out.Set("X-Forwarded-For", clientIP)
		}
	}
	return out
}

// FilterResponseHeaders returns a copy of h without hop-by-hop headers
func FilterResponseHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	removeHopByHop(out)
	return out
}
