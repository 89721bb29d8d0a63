package core

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	uptransport "github.com/mark3labs/mcp-go/client/transport"
	"go.uber.org/zap"
)

// httpRequestTimeout caps a single HTTP round trip; per-call deadlines come
// from the request context.
const httpRequestTimeout = 180 * time.Second

// HTTPDialer connects to remote backends over streamable HTTP.
type HTTPDialer struct {
	logger *zap.Logger
	// Base is the round tripper under the status recorder; nil means http.DefaultTransport.
	Base http.RoundTripper
}

// NewHTTPDialer creates an HTTPDialer.
func NewHTTPDialer(logger *zap.Logger) *HTTPDialer {
	return &HTTPDialer{logger: logger}
}

// Dial creates the transport and starts the client. The returned session is
// not yet initialized.
func (d *HTTPDialer) Dial(ctx context.Context, spec DialSpec) (Session, error) {
	cfg := spec.Transport.HTTP
	if cfg == nil || cfg.URL == "" {
		return nil, &ConfigError{Reason: "streamable-http transport requires a url"}
	}
	if u, err := url.Parse(cfg.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &ConfigError{Reason: fmt.Sprintf("invalid url %q", cfg.URL)}
	}

	logger := spec.Logger
	if logger == nil {
		logger = d.logger
	}
	logger = logger.With(zap.String("transport", "streamable-http"))

	headers := make(map[string]string, len(cfg.Headers)+len(spec.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	for k, v := range spec.Headers {
		headers[k] = v
	}

	rec := &statusRecorder{base: d.Base}
	t, err := uptransport.NewStreamableHTTP(cfg.URL,
		uptransport.WithHTTPHeaders(headers),
		uptransport.WithHTTPBasicClient(&http.Client{Transport: rec, Timeout: httpRequestTimeout}))
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("failed to create HTTP transport: %v", err)}
	}

	c := client.NewClient(t)
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start HTTP client: %w", rec.classify(err))
	}
	return newMCPSession(c, spec.Alias, logger, rec.classify, nil), nil
}

// statusRecorder remembers the last 401 challenge seen from the backend.
type statusRecorder struct {
	base         http.RoundTripper
	unauthorized atomic.Pointer[string]
}

func (r *statusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	base := r.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		md := ResourceMetadataFromHeader(resp.Header.Get("WWW-Authenticate"))
		r.unauthorized.Store(&md)
	case resp.StatusCode < 300:
		r.unauthorized.Store(nil)
	}
	return resp, nil
}

func (r *statusRecorder) classify(err error) error {
	if err == nil {
		return nil
	}
	if md := r.unauthorized.Load(); md != nil {
		return &UnauthorizedError{ResourceMetadata: *md, Err: err}
	}
	return err
}

var resourceMetadataParam = regexp.MustCompile(`resource_metadata="?([^",\s]+)"?`)

// ResourceMetadataFromHeader extracts resource_metadata from a WWW-Authenticate value.
func ResourceMetadataFromHeader(h string) string {
	m := resourceMetadataParam.FindStringSubmatch(h)
	if len(m) != 2 {
		return ""
	}
	return m[1]
}
