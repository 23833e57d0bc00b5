package safety

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// NewHTTPClient returns a client for talking to a single service endpoint.
// Redirects to another host are refused so credentials never leave it.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 15 * time.Second}).DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   2,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("stopped after %d redirects", len(via))
			}
			if req.URL.Host != via[0].URL.Host {
				return fmt.Errorf("redirect to %s refused", req.URL.Host)
			}
			return nil
		},
	}
}

// ValidateEndpoint parses a service base URL. Userinfo is rejected; put
// secrets in the config instead. When the caller will send credentials
// the URL must be https unless it points at a loopback host.
func ValidateEndpoint(raw string, credentialed bool) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL host is required")
	}
	if u.User != nil {
		return nil, fmt.Errorf("URL userinfo is not allowed")
	}
	if credentialed && u.Scheme != "https" && !IsLoopbackHost(u) {
		return nil, fmt.Errorf("credentials require an https URL, got %q", u.Redacted())
	}
	return u, nil
}

// IsLoopbackHost reports whether the URL host is localhost/loopback.
func IsLoopbackHost(u *url.URL) bool {
	host := u.Hostname()
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Snippet reads at most limit bytes of r for use in an error message,
// marking the result when r had more.
func Snippet(r io.Reader, limit int64) string {
	data, _ := io.ReadAll(io.LimitReader(r, limit+1))
	s := strings.TrimSpace(string(data))
	if int64(len(data)) > limit {
		s = strings.TrimSpace(string(data[:limit])) + " [truncated]"
	}
	return s
}
