package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/books-store/pkg/logger"
	"github.com/prohmpiriya/books-store/pkg/response"
	"github.com/prohmpiriya/books-store/pkg/session"
	"github.com/prohmpiriya/books-store/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Config holds the proxy's routing and transport settings
type Config struct {
	Upstreams Upstreams
	// ConnectTimeout bounds dialing an upstream
	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for upstream response headers
	ReadTimeout time.Duration
	// Transport overrides the default upstream transport
	Transport http.RoundTripper
}

// Proxy forwards every unmatched route to its upstream
type Proxy struct {
	upstreams Upstreams
	targets   map[string]*url.URL
	auth      *Authenticator
	cors      *CORS
	transport http.RoundTripper
	reverse   *httputil.ReverseProxy
	log       *logger.Logger
}

// forward carries per-request routing from the handler into the reverse proxy hooks
type forward struct {
	target   *url.URL
	clientIP string
	inbound  *http.Request
}

type forwardKey struct{}

// authErrors maps authentication failures to status and detail
var authErrors = []struct {
	err    error
	status int
	detail string
}{
	{ErrMissingAuthorization, http.StatusUnauthorized, "Missing Authorization"},
	{ErrInvalidAccessToken, http.StatusUnauthorized, "Invalid or expired access token"},
	{ErrRefreshTokenAsBearer, http.StatusUnauthorized, "Invalid token type"},
	{ErrMissingSessionID, http.StatusBadRequest, "Access token missing session id (sid)"},
	{ErrSessionExpired, http.StatusForbidden, "Session expired"},
	{session.ErrStoreUnavailable, http.StatusServiceUnavailable, "Session store unavailable"},
}

// NewTransport dials with connectTimeout and waits readTimeout for response
// headers. Requests are never retried.
func NewTransport(connectTimeout, readTimeout time.Duration) *http.Transport {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// New creates a Proxy. Every upstream base URL must be absolute.
func New(cfg *Config, auth *Authenticator, cors *CORS, log *logger.Logger) (*Proxy, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cors == nil {
		cors = NewCORS(nil)
	}

	targets := make(map[string]*url.URL, len(cfg.Upstreams))
	for prefix, base := range cfg.Upstreams {
		u, err := url.Parse(base)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid upstream url for %q: %s", prefix, base)
		}
		targets[base] = u
	}

	transport := cfg.Transport
	if transport == nil {
		transport = NewTransport(cfg.ConnectTimeout, cfg.ReadTimeout)
	}

	p := &Proxy{
		upstreams: cfg.Upstreams,
		targets:   targets,
		auth:      auth,
		cors:      cors,
		transport: transport,
		log:       logger.OrDefault(log).Named("proxy"),
	}
	p.reverse = &httputil.ReverseProxy{
		Rewrite:        p.rewrite,
		Transport:      transport,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.errorHandler,
	}
	return p, nil
}

// Client returns an HTTP client sharing the upstream transport
func (p *Proxy) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: p.transport, Timeout: timeout}
}

// Upstreams returns the routing table
func (p *Proxy) Upstreams() Upstreams {
	return p.upstreams
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	fwd, _ := pr.In.Context().Value(forwardKey{}).(*forward)
	if fwd == nil {
		return
	}
	pr.SetURL(fwd.target)
	pr.Out.Header = FilterRequestHeaders(pr.In.Header, fwd.clientIP)
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	resp.Header = FilterResponseHeaders(resp.Header)
	if fwd, _ := resp.Request.Context().Value(forwardKey{}).(*forward); fwd != nil {
		p.cors.ApplyResponseCORS(fwd.inbound, resp.Header)
	}
	return nil
}

func (p *Proxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	p.log.Warn("Upstream request failed",
		zap.String("method", r.Method),
		zap.String("url", r.URL.String()),
		zap.Error(err),
	)

	if fwd, _ := r.Context().Value(forwardKey{}).(*forward); fwd != nil {
		p.cors.ApplyResponseCORS(fwd.inbound, w.Header())
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(response.ErrorBody{Detail: "Upstream request failed: " + err.Error()})
}

// Handler returns the catch-all gin handler
func (p *Proxy) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := telemetry.StartSpan(c.Request.Context(), "gateway.proxy")
		defer span.End()

		path := c.Request.URL.Path
		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.path", path),
		)

		if c.Request.Method == http.MethodOptions {
			p.cors.Preflight(c.Request, c.Writer.Header())
			c.AbortWithStatus(http.StatusOK)
			return
		}

		if !IsPublic(c.Request.Method, path) {
			claims, err := p.auth.Authenticate(ctx, c.GetHeader("Authorization"))
			if err != nil {
				span.SetStatus(codes.Error, "authentication failed")
				p.abortAuth(c, err)
				return
			}
			span.SetAttributes(attribute.String("user.id", claims.Subject))
		}

		base, ok := p.upstreams.Resolve(path)
		if !ok {
			span.SetStatus(codes.Error, "no upstream")
			response.Abort(c, http.StatusNotFound, "No upstream service mapped for this path")
			return
		}
		span.SetAttributes(attribute.String("upstream", base))

		telemetry.InjectHTTP(ctx, c.Request.Header)
		fwd := &forward{target: p.targets[base], clientIP: c.ClientIP(), inbound: c.Request}
		c.Request = c.Request.WithContext(context.WithValue(ctx, forwardKey{}, fwd))

		p.reverse.ServeHTTP(c.Writer, c.Request)
	}
}

func (p *Proxy) abortAuth(c *gin.Context, err error) {
	for _, e := range authErrors {
		if errors.Is(err, e.err) {
			if e.status >= http.StatusInternalServerError {
				p.log.Error("Session store unavailable", zap.Error(err))
			}
			response.Abort(c, e.status, e.detail)
			return
		}
	}
	p.log.Error("Authentication failed unexpectedly", zap.Error(err))
	_ = c.Error(err)
	response.Abort(c, http.StatusInternalServerError, "Internal server error")
}
