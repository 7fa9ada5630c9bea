package gateway

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// The proxy runs two upstream connection pools. The general pool serves
// ordinary API traffic and may negotiate HTTP/2; the large pool carries bulk
// transfers over HTTP/1.1, where a single stalled stream cannot starve
// multiplexed neighbors, with fewer and longer-lived connections.

// newTransport returns the general-purpose upstream transport.
func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 60 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       100,
		IdleConnTimeout:       2 * time.Minute,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// newLargeTransport returns the large-transfer transport. The empty
// TLSNextProto map disables HTTP/2 negotiation entirely.
func newLargeTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   false,
		TLSNextProto:        map[string]func(string, *tls.Conn) http.RoundTripper{},
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     10 * time.Minute,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}
