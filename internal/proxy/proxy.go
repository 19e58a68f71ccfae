// Package proxy forwards requests under a path namespace to the upstream
// LangGraph deployment, injecting credentials and cross-origin headers.
package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kalambet/threadgate/internal/signing"
)

// HeaderPolicy selects which inbound headers reach the upstream.
type HeaderPolicy string

const (
	// PolicyPassthrough forwards every inbound header and forces a JSON
	// content type.
	PolicyPassthrough HeaderPolicy = "passthrough"
	// PolicyAllowlist forwards only Config.AllowedHeaders plus the session
	// identity headers. Content-Type is not forced.
	PolicyAllowlist HeaderPolicy = "allowlist"
)

const (
	DefaultNamespace   = "/api"
	DefaultRouteParam  = "slug"
	defaultMaxBodySize = 10 << 20 // 10MB
	copyBufferSize     = 32 << 10
)

// Session identity headers forwarded under PolicyAllowlist when present.
var customHeaders = []string{"X-User-Id", "X-Session-Id"}

// CORS headers added to every response, including errors.
var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "GET, POST, PUT, PATCH, DELETE, OPTIONS",
	"Access-Control-Allow-Headers": "*",
}

// Hop-by-hop headers are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Config configures a Handler.
type Config struct {
	BaseURL        string
	APIKey         string
	Namespace      string
	RouteParam     string
	HeaderPolicy   HeaderPolicy
	AllowedHeaders []string
	// RateLimit is the sustained request rate per second; zero disables limiting.
	RateLimit   float64
	RateBurst   int
	MaxBodySize int64
	Signer      *signing.Signer
}

// StatusError is an error that carries the HTTP status to report.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string   { return e.Msg }
func (e *StatusError) StatusCode() int { return e.Code }

// Handler is the proxy route.
type Handler struct {
	baseURL     string
	apiKey      string
	namespace   string
	routeParam  string
	policy      HeaderPolicy
	allowed     []string
	maxBodySize int64
	signer      *signing.Signer
	limiter     *rate.Limiter
	client      *http.Client
	logger      *slog.Logger
}

// Option customizes a Handler.
type Option func(*Handler)

// WithHTTPClient sets the client used for upstream requests.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) { h.client = c }
}

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// New validates cfg and returns a Handler.
func New(cfg Config, opts ...Option) (*Handler, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("upstream base URL not configured")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream base URL %q", cfg.BaseURL)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("upstream API key not configured")
	}

	h := &Handler{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		namespace:   "/" + strings.Trim(cfg.Namespace, "/"),
		routeParam:  cfg.RouteParam,
		policy:      cfg.HeaderPolicy,
		maxBodySize: cfg.MaxBodySize,
		client:      &http.Client{},
		logger:      slog.Default(),
	}
	if cfg.Namespace == "" {
		h.namespace = DefaultNamespace
	}
	if h.namespace == "/" {
		return nil, fmt.Errorf("proxy namespace %q must name a path segment", cfg.Namespace)
	}
	if h.routeParam == "" {
		h.routeParam = DefaultRouteParam
	}
	if h.maxBodySize <= 0 {
		h.maxBodySize = defaultMaxBodySize
	}

	switch h.policy {
	case "", PolicyPassthrough:
		h.policy = PolicyPassthrough
	case PolicyAllowlist:
		for _, name := range cfg.AllowedHeaders {
			h.allowed = append(h.allowed, http.CanonicalHeaderKey(name))
		}
		h.allowed = append(h.allowed, customHeaders...)
	default:
		return nil, fmt.Errorf("unknown header policy %q (valid: %s, %s)", cfg.HeaderPolicy, PolicyPassthrough, PolicyAllowlist)
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if cfg.Signer.Enabled() {
		s := *cfg.Signer
		if s.Host == "" {
			s.Host = base.Host
		}
		h.signer = &s
	}

	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// Namespace returns the path prefix the handler serves.
func (h *Handler) Namespace() string { return h.namespace }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for k, v := range corsHeaders {
		w.Header().Set(k, v)
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if h.limiter != nil && !h.limiter.Allow() {
		h.fail(w, r, &StatusError{Code: http.StatusTooManyRequests, Msg: "rate limit exceeded"})
		return
	}

	if err := h.forward(w, r); err != nil {
		h.fail(w, r, err)
	}
}

// forward issues the upstream request and streams the response back. Errors
// returned before the response is started are reported to the client by the
// caller; errors while streaming are only logged.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request) error {
	var body io.Reader
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return &StatusError{Code: http.StatusRequestEntityTooLarge, Msg: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
			}
			return fmt.Errorf("reading request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	target := h.UpstreamURL(r.URL)
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		return fmt.Errorf("creating upstream request: %w", err)
	}
	h.setHeaders(req.Header, r.Header)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("forwarding to upstream: %w", err)
	}
	defer resp.Body.Close()

	h.logger.Debug("proxied request",
		"method", r.Method,
		"target", target,
		"status", resp.StatusCode,
		"request_id", req.Header.Get("X-Request-Id"),
	)

	out := w.Header()
	for k, vs := range resp.Header {
		out[k] = append([]string(nil), vs...)
	}
	for _, k := range hopHeaders {
		out.Del(k)
	}
	for k, v := range corsHeaders {
		out.Set(k, v)
	}
	out.Set("X-Request-Id", req.Header.Get("X-Request-Id"))
	w.WriteHeader(resp.StatusCode)

	streamBody(w, resp.Body, h.logger)
	return nil
}

// streamBody copies src to w, flushing after every read so server-sent
// events reach the client as they arrive.
func streamBody(w http.ResponseWriter, src io.Reader, logger *slog.Logger) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, copyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				logger.Debug("client went away during proxy stream", "error", werr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Error("upstream stream read error", "error", err)
			}
			return
		}
	}
}

// UpstreamURL maps an inbound URL onto the upstream base: the namespace is
// stripped from the path and the routing parameter from the query, which is
// otherwise kept verbatim.
func (h *Handler) UpstreamURL(u *url.URL) string {
	path := u.EscapedPath()
	if path == h.namespace || strings.HasPrefix(path, h.namespace+"/") {
		path = path[len(h.namespace):]
	}
	target := h.baseURL + "/" + strings.TrimPrefix(path, "/")
	if q := stripQueryParam(u.RawQuery, h.routeParam); q != "" {
		target += "?" + q
	}
	return target
}

// stripQueryParam removes every occurrence of name from a raw query string
// without re-encoding or reordering the remaining pairs.
func stripQueryParam(raw, name string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" {
			continue
		}
		key, _, _ := strings.Cut(p, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if key == name {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "&")
}

func (h *Handler) setHeaders(out, in http.Header) {
	switch h.policy {
	case PolicyAllowlist:
		for _, name := range h.allowed {
			if vs := in.Values(name); len(vs) > 0 {
				out[name] = append([]string(nil), vs...)
			}
		}
	default:
		for k, vs := range in {
			out[k] = append([]string(nil), vs...)
		}
		for _, k := range hopHeaders {
			out.Del(k)
		}
		out.Set("Content-Type", "application/json")
	}

	out.Set("x-api-key", h.apiKey)

	id := in.Get("X-Request-Id")
	if id == "" {
		id = uuid.NewString()
	}
	out.Set("X-Request-Id", id)

	h.signer.Apply(out)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		status = sc.StatusCode()
	}
	h.logger.Error("proxy request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
