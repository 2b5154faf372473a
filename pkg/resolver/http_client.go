package resolver

import (
	"net/http"
	"time"
)

// NewHTTPClient returns an HTTP client whose connections resolve hostnames
// through r
func (r *Resolver) NewHTTPClient(timeout time.Duration) *http.Client {
	if r.upstream == nil {
		return &http.Client{Timeout: timeout}
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           r.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
