package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

//go:embed VERSION
var version string

// Version returns the trimmed build version.
func Version() string {
	return strings.TrimSpace(version)
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
	limiter   *rate.Limiter
}

// RoundTrip implements the http.RoundTripper interface. It waits on the
// limiter (if any) before sending the request.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a default http client with a default user-agent set.
// If limiter is non-nil every request waits for a token first.
func HTTPClient(timeout time.Duration, limiter *rate.Limiter) *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: "IECMeter/" + Version(),
			limiter:   limiter,
		},
		Timeout: timeout,
	}
}
