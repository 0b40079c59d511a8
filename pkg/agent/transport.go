package agent

import (
	"net"
	"net/http"
	"time"
)

const (
	defaultConnTimeout   = 30 * time.Second
	defaultStreamTimeout = 120 * time.Second
)

// NewHTTPClient returns a pooled client for the completion endpoint.
// streamTimeout bounds a whole request including reading the stream body.
func NewHTTPClient(streamTimeout time.Duration) *http.Client {
	if streamTimeout <= 0 {
		streamTimeout = defaultStreamTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   defaultConnTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: streamTimeout,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       120 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   streamTimeout,
	}
}
