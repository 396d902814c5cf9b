// Package device bridges the control plane to the printer firmware. The
// proxy is the remote executor behind every remote endpoint definition:
// requests are forwarded to the connected firmware, and the firmware's
// endpoint announcements drive remote registration in the API registry.
package device

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"printhub/internal/api"
	"printhub/internal/errors"
)

// Sender forwards one request to the firmware and returns its result.
type Sender func(ctx context.Context, req *api.Request) (any, error)

// ErrNotConnected is returned for remote dispatch while the firmware is
// offline.
var ErrNotConnected = errors.NewWithStatus(http.StatusServiceUnavailable, "Printer not connected")

// Proxy implements api.RemoteExecutor over an optional firmware link.
type Proxy struct {
	mu        sync.RWMutex
	sender    Sender
	announced []string
	registry  *api.Registry
	logger    *slog.Logger
}

// NewProxy creates a disconnected proxy.
func NewProxy(registry *api.Registry, logger *slog.Logger) *Proxy {
	return &Proxy{registry: registry, logger: logger}
}

// Connected reports whether a firmware link is established.
func (p *Proxy) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sender != nil
}

// State returns the firmware state string reported by /server/info.
func (p *Proxy) State() string {
	if p.Connected() {
		return "ready"
	}
	return "disconnected"
}

// Connect establishes the firmware link and registers the endpoints the
// firmware announced. A prior link is torn down first. Registration
// failures are logged and skipped so one bad endpoint cannot block the
// rest of the announcement.
func (p *Proxy) Connect(sender Sender, endpoints []string) {
	p.Disconnect()

	p.mu.Lock()
	p.sender = sender
	p.mu.Unlock()

	var registered []string
	for _, ep := range endpoints {
		if err := p.registry.RegisterRemote(ep); err != nil {
			p.logger.Error("failed to register remote endpoint",
				"endpoint", ep, "error", err)
			continue
		}
		registered = append(registered, ep)
	}

	p.mu.Lock()
	p.announced = registered
	p.mu.Unlock()

	p.logger.Info("printer connected", "endpoints", len(registered))
}

// Disconnect drops the firmware link and deregisters every endpoint it
// announced.
func (p *Proxy) Disconnect() {
	p.mu.Lock()
	announced := p.announced
	wasConnected := p.sender != nil
	p.sender = nil
	p.announced = nil
	p.mu.Unlock()

	for _, ep := range announced {
		p.registry.RemoveEndpoint(ep)
	}
	if wasConnected {
		p.logger.Info("printer disconnected")
	}
}

// MakeRequest implements api.RemoteExecutor.
func (p *Proxy) MakeRequest(ctx context.Context, req *api.Request) (any, error) {
	p.mu.RLock()
	sender := p.sender
	p.mu.RUnlock()

	if sender == nil {
		return nil, ErrNotConnected
	}
	return sender(ctx, req)
}
