// SPDX-License-Identifier: MIT

// Package health provides an HTTP health/metrics endpoint for the
// capture supervisor daemon.
//
// /healthz exposes per-channel pipeline status as JSON, suitable for
// systemd watchdog, load balancer probes, or monitoring systems.
// /metrics exposes a Prometheus-compatible text snapshot sourced from
// internal/metrics.Registry plus live per-channel gauges.
//
// Reference: adapted from lyrebird's internal/health/health.go
// StatusProvider/ServiceInfo shape and its synchronous-bind
// ListenAndServeReady helper, generalized from per-stream FFmpeg
// status to per-channel pipeline status.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fieldscope/capturesup/internal/metrics"
)

// ChannelInfo describes the health state of a single capture channel.
type ChannelInfo struct {
	Name             string `json:"name"`
	Kind             string `json:"kind"`
	State            string `json:"state"`
	Attempt          int    `json:"attempt"`
	CircuitFailCount int    `json:"circuit_fail_count"`
	Healthy          bool   `json:"healthy"`
}

// StatusProvider returns the current health status of all channels.
// cmd/capturesupd's runtime.Registry implements this interface.
type StatusProvider interface {
	Channels() []ChannelInfo
}

// ControlProvider lets an operator tool drive start/stop for a named
// channel without restarting the daemon. cmd/capturesupd's
// runtime.Registry implements this interface; cmd/capturesupctl
// drives it remotely over POST /control/{start,stop}.
type ControlProvider interface {
	StartChannel(name string) error
	StopChannel(name string) error
}

// Response is the JSON body returned by /healthz.
type Response struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Channels  []ChannelInfo `json:"channels"`
}

// Handler serves /healthz, /metrics, and the control endpoints.
type Handler struct {
	provider StatusProvider
	registry *metrics.Registry
	control  ControlProvider
}

// NewHandler creates a health check HTTP handler. registry may be nil
// if no metrics collector is wired (the /metrics endpoint then omits
// restart counters but still reports per-channel gauges). provider
// additionally satisfying ControlProvider enables /control/start and
// /control/stop; otherwise those routes answer 501.
func NewHandler(provider StatusProvider, registry *metrics.Registry) *Handler {
	h := &Handler{provider: provider, registry: registry}
	if c, ok := provider.(ControlProvider); ok {
		h.control = c
	}
	return h
}

// ServeHTTP implements http.Handler, routing to /healthz, /metrics,
// and /control/{start,stop}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/metrics":
		h.serveMetrics(w, r)
	case "/control/start":
		if h.control == nil {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		h.serveControl(w, r, h.control.StartChannel)
	case "/control/stop":
		if h.control == nil {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		h.serveControl(w, r, h.control.StopChannel)
	default:
		h.serveHealth(w, r)
	}
}

// serveControl handles a POST /control/{start,stop}?channel=<name>
// request by invoking op with the requested channel name.
func (h *Handler) serveControl(w http.ResponseWriter, r *http.Request, op func(string) error) {
	if h.control == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "missing channel query parameter", http.StatusBadRequest)
		return
	}

	if err := op(channel); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := Response{Timestamp: time.Now()}

	var channels []ChannelInfo
	if h.provider != nil {
		channels = h.provider.Channels()
	}
	resp.Channels = channels

	healthy := len(channels) > 0
	for _, c := range channels {
		if !c.Healthy {
			healthy = false
			break
		}
	}
	if healthy {
		resp.Status = "healthy"
	} else {
		resp.Status = "unhealthy"
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// serveMetrics writes a Prometheus text-format metrics response. This
// implements a minimal subset of the exposition format without any
// external dependency (no Prometheus client library appears anywhere
// in the example pack).
func (h *Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var sb strings.Builder

	if h.registry != nil {
		h.registry.WriteProm(&sb)
	}

	var channels []ChannelInfo
	if h.provider != nil {
		channels = h.provider.Channels()
	}

	if len(channels) > 0 {
		fmt.Fprintln(&sb, "# HELP pipelines_circuit_state Current circuit-breaker failure count per channel.")
		fmt.Fprintln(&sb, "# TYPE pipelines_circuit_state gauge")
		for _, c := range channels {
			fmt.Fprintf(&sb, "pipelines_circuit_state{channel=%q} %d\n", c.Name, c.CircuitFailCount)
		}

		fmt.Fprintln(&sb, "# HELP pipelines_attempt Current consecutive-failure attempt counter per channel.")
		fmt.Fprintln(&sb, "# TYPE pipelines_attempt gauge")
		for _, c := range channels {
			fmt.Fprintf(&sb, "pipelines_attempt{channel=%q} %d\n", c.Name, c.Attempt)
		}
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

// ListenAndServe starts the health check HTTP server on the given
// address. It shuts down gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	return ListenAndServeReady(ctx, addr, handler, nil)
}

// ListenAndServeReady starts the health check HTTP server and signals
// readiness. The listener is bound synchronously so bind failures
// (e.g. port already in use) are returned immediately rather than
// discovered later inside a goroutine.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errCh
}
