// Package httpc holds the outbound network settings shared by the live
// websocket and the REST key check.
package httpc

import (
	"net"
	"net/http"
	"time"
)

// Default timeouts for network operations.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultConnectTimeout  = 10 * time.Second
	DefaultKeepAlive       = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
)

// Dialer is the shared dialer for outbound TCP connections, including the
// live session websocket.
var Dialer = &net.Dialer{
	Timeout:   DefaultConnectTimeout,
	KeepAlive: DefaultKeepAlive,
}

// NewTransport returns a transport using the shared dialer.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           Dialer.DialContext,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Wrap returns a client whose transport is wrap applied to a fresh
// transport. A nil wrap leaves the transport as is; timeout <= 0 selects
// DefaultTimeout.
func Wrap(timeout time.Duration, wrap func(http.RoundTripper) http.RoundTripper) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var rt http.RoundTripper = NewTransport()
	if wrap != nil {
		rt = wrap(rt)
	}
	return &http.Client{Timeout: timeout, Transport: rt}
}
