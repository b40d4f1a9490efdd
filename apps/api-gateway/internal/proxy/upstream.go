package proxy

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// Upstreams maps the first path segment to an upstream base URL
type Upstreams map[string]string

// NewUpstreams routes users and tokens to the authorizer and catalog to the
// catalog service. Empty URLs are left unmapped.
func NewUpstreams(authorizerURL, catalogURL string) Upstreams {
	u := Upstreams{}
	if authorizerURL != "" {
		authorizerURL = strings.TrimRight(authorizerURL, "/")
		u["users"] = authorizerURL
		u["tokens"] = authorizerURL
	}
	if catalogURL != "" {
		u["catalog"] = strings.TrimRight(catalogURL, "/")
	}
	return u
}

// Resolve returns the base URL for path's first segment
func (u Upstreams) Resolve(path string) (string, bool) {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return "", false
	}
	prefix, _, _ := strings.Cut(path, "/")
	base, ok := u[prefix]
	return base, ok
}

// HealthCheck probes GET <base>/health on every distinct upstream
// concurrently. The result is keyed by base URL.
func (u Upstreams) HealthCheck(ctx context.Context, client *http.Client) map[string]bool {
	bases := make(map[string]struct{})
	for _, base := range u {
		bases[base] = struct{}{}
	}

	results := make(map[string]bool, len(bases))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for base := range bases {
		wg.Add(1)
		go func(base string) {
			defer wg.Done()
			ok := probe(ctx, client, base)
			mu.Lock()
			results[base] = ok
			mu.Unlock()
		}(base)
	}

	wg.Wait()
	return results
}

func probe(ctx context.Context, client *http.Client, base string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", base), nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
