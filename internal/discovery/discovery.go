// SPDX-License-Identifier: MIT

// Package discovery optionally advertises a channel's transport
// endpoint over mDNS/DNS-SD so LAN-based NVR/detector clients can find
// it without hardcoded addresses. This is ambient ops surface, not a
// feature of the capture domain itself (the Non-goals exclude
// network serving beyond health/metrics) — advertisement is opt-in and
// never gates channel startup.
//
// Reference: grounded on doismellburning-samoyed/src/dns_sd.go's
// dnssd.Config/NewService/NewResponder/Respond sequence, generalized
// from a single fixed KISS-TCP service to one service per capture
// channel with an instance name derived from the channel's own name.
package discovery

import (
	"context"
	"fmt"

	"github.com/brutella/dnssd"
)

// ServiceType is the DNS-SD service type capture channels advertise
// themselves under.
const ServiceType = "_capturesup._tcp"

// Advertiser announces one or more channel endpoints via mDNS/DNS-SD
// and keeps the underlying responder running until Close is called.
type Advertiser struct {
	responder dnssd.Responder
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewAdvertiser constructs a responder with nothing announced yet.
func NewAdvertiser() (*Advertiser, error) {
	responder, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("discovery: new responder: %w", err)
	}
	return &Advertiser{responder: responder}, nil
}

// Announce registers one channel's transport endpoint for
// advertisement. It must be called before Start.
func (a *Advertiser) Announce(channel string, port int, text map[string]string) error {
	cfg := dnssd.Config{
		Name: channel,
		Type: ServiceType,
		Port: port,
		Text: text,
	}
	svc, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("discovery: new service %s: %w", channel, err)
	}
	if _, err := a.responder.Add(svc); err != nil {
		return fmt.Errorf("discovery: add service %s: %w", channel, err)
	}
	return nil
}

// Start runs the responder in the background until Close is called or
// ctx is cancelled. Responder errors are delivered on the returned
// channel; a nil value means the responder exited because ctx was
// cancelled or Close was called, not because of a failure.
func (a *Advertiser) Start(ctx context.Context) <-chan error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		defer close(a.done)
		err := a.responder.Respond(ctx)
		if ctx.Err() != nil {
			err = nil
		}
		errCh <- err
		close(errCh)
	}()
	return errCh
}

// Close stops advertising and waits for the responder goroutine to
// exit. Safe to call even if Start was never called.
func (a *Advertiser) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.done != nil {
		<-a.done
	}
}
