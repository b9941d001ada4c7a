// SPDX-License-Identifier: MIT

// Package transport provides a lightweight HTTP readiness probe for a
// video channel's input endpoint. It is advisory ops tooling consumed
// by capturesupctl's status command, not part of the capture pipeline
// state machine: probing an RTSP/HTTP source before an operator starts
// a channel can save a spawn-and-fail cycle, but it never gates
// supervisor transitions (the Preparing state only ever does audio
// device discovery).
//
// Reference: adapted from internal/mediamtx/client.go, trimmed from
// the full MediaMTX path-management REST API down to a generic
// reachability probe, since a video channel's "transport" hint is an
// arbitrary stream source, not necessarily a MediaMTX-fronted path.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single readiness probe.
const DefaultTimeout = 5 * time.Second

// Client probes whether a video channel's HTTP(S)-addressable input
// endpoint is reachable.
type Client struct {
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout overrides the probe timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient swaps in a custom HTTP client (for tests).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient builds a readiness-probe client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{httpClient: &http.Client{Timeout: DefaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Readiness is the outcome of a single probe.
type Readiness struct {
	URL        string
	Ready      bool
	StatusCode int
	Err        string
}

// Probe issues a HEAD request against url and reports whether it
// answered with a non-5xx status. A HEAD rejection (a request error, 405
// or 501) falls back to GET,
// since some RTSP-over-HTTP bridges and simple MJPEG endpoints reject
// HEAD outright.
func (c *Client) Probe(ctx context.Context, url string) Readiness {
	r := Readiness{URL: url}

	status, err := c.try(ctx, http.MethodHead, url)
	if err != nil || status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
		status, err = c.try(ctx, http.MethodGet, url)
	}
	if err != nil {
		r.Err = err.Error()
		return r
	}

	r.StatusCode = status
	r.Ready = status > 0 && status < 500
	return r
}

func (c *Client) try(ctx context.Context, method, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, fmt.Errorf("transport: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("transport: probe %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode, nil
}
