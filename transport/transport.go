// Copyright 2024 The Portico Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport supplies the outbound connection capability consumed by
// the connection pool and the router: open a connection to an address, send
// a request over it, receive the response. Wire framing itself is delegated
// to net/http round trippers; each Conn pins one round tripper to one
// resolved address.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// Conn is one reusable outbound connection to a single backend address.
// A Conn must not be shared across concurrent in-flight requests; the pool
// package enforces that discipline.
type Conn interface {
	// Do sends the request over this connection, rewriting the request URL
	// to the connection's pinned address, and returns the response. The
	// request's context governs cancellation.
	Do(req *http.Request) (*http.Response, error)
	// Close tears down the connection. It must be safe to call after a
	// transport failure.
	Close() error
}

// Dialer opens new connections to backend addresses. Implementations must
// surface connection-establishment failures from Dial rather than deferring
// them to the first request, since the router treats Dial failures as
// retryable and in-flight failures as endpoint health signals.
type Dialer interface {
	Dial(ctx context.Context, scheme, hostPort string) (Conn, error)
}

//nolint:gochecknoglobals
var defaultNetDialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

// DialerOption customizes the behavior of the default dialer.
type DialerOption interface {
	apply(*dialerOptions)
}

// WithDialFunc configures the function used to establish raw network
// connections. If not specified, a default [net.Dialer] with a 30-second
// timeout and 30-second TCP keep-alive is used.
func WithDialFunc(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) DialerOption {
	return dialerOptionFunc(func(opts *dialerOptions) {
		opts.dialFunc = dialFunc
	})
}

// WithTLSConfig adds custom TLS configuration for "https" connections. The
// given timeout is applied to the TLS handshake step; if zero, a default of
// 10 seconds is used.
func WithTLSConfig(config *tls.Config, handshakeTimeout time.Duration) DialerOption {
	return dialerOptionFunc(func(opts *dialerOptions) {
		opts.tlsClientConfig = config
		opts.tlsHandshakeTimeout = handshakeTimeout
	})
}

// WithMaxResponseHeaderBytes configures the maximum size of response
// headers to consume. If zero, a 1 MB limit is used.
func WithMaxResponseHeaderBytes(limit int64) DialerOption {
	return dialerOptionFunc(func(opts *dialerOptions) {
		opts.maxResponseHeaderBytes = limit
	})
}

type dialerOptionFunc func(*dialerOptions)

func (f dialerOptionFunc) apply(opts *dialerOptions) {
	f(opts)
}

type dialerOptions struct {
	dialFunc               func(ctx context.Context, network, addr string) (net.Conn, error)
	tlsClientConfig        *tls.Config
	tlsHandshakeTimeout    time.Duration
	maxResponseHeaderBytes int64
}

func (opts *dialerOptions) applyDefaults() {
	if opts.dialFunc == nil {
		opts.dialFunc = defaultNetDialer.DialContext
	}
	if opts.tlsHandshakeTimeout == 0 {
		opts.tlsHandshakeTimeout = 10 * time.Second
	}
	if opts.maxResponseHeaderBytes == 0 {
		opts.maxResponseHeaderBytes = 1 << 20
	}
}

// NewDialer returns a Dialer supporting the "http", "https" and "h2c"
// schemes. Dial eagerly establishes the underlying TCP connection so that
// unreachable endpoints fail at acquire time.
func NewDialer(options ...DialerOption) Dialer {
	var opts dialerOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	return &dialer{opts: opts}
}

type dialer struct {
	opts dialerOptions
}

func (d *dialer) Dial(ctx context.Context, scheme, hostPort string) (Conn, error) {
	raw, err := d.opts.dialFunc(ctx, "tcp", hostPort)
	if err != nil {
		return nil, err
	}
	seed := &seededDialFunc{raw: raw, fallback: d.opts.dialFunc}

	var roundTripper http.RoundTripper
	var closeIdle func()
	requestScheme := scheme
	switch scheme {
	case "h2c":
		// HTTP/2 over clear text needs the x/net client implementation;
		// the request itself goes out with the plain "http" scheme.
		transport := &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return seed.dial(ctx, network, addr)
			},
			MaxHeaderListSize: uint32(d.opts.maxResponseHeaderBytes),
		}
		roundTripper = transport
		closeIdle = transport.CloseIdleConnections
		requestScheme = "http"
	default:
		// One pooled Conn maps to one physical connection, so the
		// underlying transport is capped at a single conn per host.
		transport := &http.Transport{
			DialContext:            seed.dial,
			ForceAttemptHTTP2:      true,
			MaxConnsPerHost:        1,
			MaxIdleConns:           1,
			MaxIdleConnsPerHost:    1,
			TLSClientConfig:        d.opts.tlsClientConfig,
			TLSHandshakeTimeout:    d.opts.tlsHandshakeTimeout,
			MaxResponseHeaderBytes: d.opts.maxResponseHeaderBytes,
			ExpectContinueTimeout:  1 * time.Second,
		}
		roundTripper = transport
		closeIdle = transport.CloseIdleConnections
	}
	return &httpConn{
		scheme:       requestScheme,
		hostPort:     hostPort,
		roundTripper: roundTripper,
		closeIdle:    closeIdle,
		seed:         seed,
	}, nil
}

// seededDialFunc hands out the eagerly-established connection on the first
// dial and falls back to fresh dials afterwards (the round tripper redials
// if its physical connection breaks between pooled uses).
type seededDialFunc struct {
	fallback func(ctx context.Context, network, addr string) (net.Conn, error)

	mu  sync.Mutex
	raw net.Conn
}

func (s *seededDialFunc) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	s.mu.Lock()
	raw := s.raw
	s.raw = nil
	s.mu.Unlock()
	if raw != nil {
		return raw, nil
	}
	return s.fallback(ctx, network, addr)
}

// take releases the seeded connection if it was never consumed.
func (s *seededDialFunc) take() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := s.raw
	s.raw = nil
	return raw
}

type httpConn struct {
	scheme       string
	hostPort     string
	roundTripper http.RoundTripper
	closeIdle    func()
	seed         *seededDialFunc
}

func (c *httpConn) Do(req *http.Request) (*http.Response, error) {
	// Pin the request to this connection's address. Everything else passes
	// through untouched: the router is a transparent proxy.
	clone := req.Clone(req.Context())
	clone.URL.Scheme = c.scheme
	clone.URL.Host = c.hostPort
	return c.roundTripper.RoundTrip(clone)
}

func (c *httpConn) Close() error {
	if raw := c.seed.take(); raw != nil {
		_ = raw.Close()
	}
	c.closeIdle()
	return nil
}
