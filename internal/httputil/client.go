package httputil

import (
	"fmt"
	"net/http"
	"time"
)

const (
	defaultHeaderTimeout       = 2 * time.Minute
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
)

// ClientConfig holds configuration for HTTP client creation
type ClientConfig struct {
	// ResponseHeaderTimeout bounds connect + response headers. Generation
	// calls can take a long time to produce headers on non-streaming
	// endpoints, so the default is generous; hard deadlines come from the
	// caller's context.
	ResponseHeaderTimeout time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
}

// DefaultClientConfig returns HTTP client configuration with sensible defaults
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ResponseHeaderTimeout: defaultHeaderTimeout,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
	}
}

// NewClient creates an HTTP client shared by the provider bindings.
// This centralized factory keeps transport behavior consistent: no global
// timeout (cancellation is context-driven), pooled connections, and proxy
// support from the environment.
func NewClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}

	headerTimeout := cfg.ResponseHeaderTimeout
	if headerTimeout == 0 {
		headerTimeout = defaultHeaderTimeout
	}

	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = defaultMaxIdleConns
	}

	maxIdleConnsPerHost := cfg.MaxIdleConnsPerHost
	if maxIdleConnsPerHost == 0 {
		maxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}

	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = defaultIdleConnTimeout
	}

	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment, // Support HTTP_PROXY, HTTPS_PROXY, NO_PROXY
			ResponseHeaderTimeout: headerTimeout,
			MaxIdleConns:          maxIdleConns,
			MaxIdleConnsPerHost:   maxIdleConnsPerHost,
			IdleConnTimeout:       idleConnTimeout,
			DisableKeepAlives:     false,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Preview safely converts bytes to a short string for error messages and
// logs, escaping invalid UTF-8 sequences.
func Preview(data []byte, maxLen int) string {
	if len(data) == 0 {
		return ""
	}

	if len(data) > maxLen {
		data = data[:maxLen]
	}

	// %q escapes invalid UTF-8; strip the surrounding quotes afterwards
	escaped := fmt.Sprintf("%q", data)
	if len(escaped) > 2 {
		return escaped[1 : len(escaped)-1]
	}
	return escaped
}
