// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewClientDefaults(t *testing.T) {
	c := NewClient()
	if c == nil {
		t.Fatal("NewClient() returned nil")
	}
	if c.httpClient.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, DefaultTimeout)
	}
}

func TestNewClientWithTimeout(t *testing.T) {
	c := NewClient(WithTimeout(2 * time.Second))
	if c.httpClient.Timeout != 2*time.Second {
		t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 2*time.Second)
	}
}

func TestProbeReady(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient()
	r := c.Probe(context.Background(), server.URL)
	if !r.Ready {
		t.Errorf("Ready = false, want true (status %d, err %q)", r.StatusCode, r.Err)
	}
	if r.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", r.StatusCode, http.StatusOK)
	}
}

func TestProbeFallsBackToGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			http.Error(w, "HEAD not supported", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient()
	r := c.Probe(context.Background(), server.URL)
	if !r.Ready {
		t.Errorf("Ready = false, want true after GET fallback (status %d)", r.StatusCode)
	}
}

func TestProbeServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewClient()
	r := c.Probe(context.Background(), server.URL)
	if r.Ready {
		t.Error("Ready = true, want false for 503 response")
	}
}

func TestProbeUnreachable(t *testing.T) {
	c := NewClient(WithTimeout(200 * time.Millisecond))
	r := c.Probe(context.Background(), "http://127.0.0.1:1")
	if r.Ready {
		t.Error("Ready = true, want false for unreachable host")
	}
	if r.Err == "" {
		t.Error("Err = \"\", want a populated error message")
	}
}
