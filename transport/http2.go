// Package transport builds the HTTP/2-capable clients used by the relay.
//
// Control-plane calls (store writes, push sends, token exchanges, descriptor
// polls) use a short timeout. Downloads use a long one and never follow
// redirects on their own. The event stream has no overall timeout and is
// bounded by its context instead.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/http2"
)

const (
	ControlTimeout = 10 * time.Second
	DataTimeout    = 60 * time.Second

	dialTimeout           = 10 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 15 * time.Second
)

// Options tune the clients. The zero value uses the system roots.
type Options struct {
	CAPath string // extra PEM bundle for self-hosted endpoints
}

// Clients groups the three client flavors.
type Clients struct {
	Control *http.Client
	Data    *http.Client
	Stream  *http.Client
}

// Build creates all clients over one shared transport.
func Build(opts Options) (*Clients, error) {
	t, err := newTransport(opts)
	if err != nil {
		return nil, err
	}

	return &Clients{
		Control: &http.Client{Transport: t, Timeout: ControlTimeout},
		Data: &http.Client{
			Transport: t,
			Timeout:   DataTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Stream: &http.Client{Transport: t},
	}, nil
}

// MustBuild is Build with the zero Options, which cannot fail.
func MustBuild() *Clients {
	c, err := Build(Options{})
	if err != nil {
		panic(err)
	}
	return c
}

func newTransport(opts Options) (*http.Transport, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if opts.CAPath != "" {
		caCert, err := os.ReadFile(opts.CAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
	}
	if err := http2.ConfigureTransport(t); err != nil {
		return nil, fmt.Errorf("failed to enable HTTP/2: %w", err)
	}
	return t, nil
}
