package httpclient

import (
	"net/http"
	"time"
)

// New returns an http.Client configured for outbound API requests.
//
// It respects HTTP(S)_PROXY/NO_PROXY from the environment and applies a
// whole-request timeout so a stalled API call can never wedge a job task.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: Transport(),
	}
}

// Transport returns an http.Transport clone suitable for outbound calls.
func Transport() *http.Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{Proxy: http.ProxyFromEnvironment}
	}

	transport := base.Clone()
	transport.Proxy = http.ProxyFromEnvironment
	return transport
}
