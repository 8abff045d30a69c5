// Package relay implements the star-topology forwarding engine: every valid
// inbound frame is fanned out to all other registered clients.
package relay

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/mojo333/voice-relay/internal/frame"
	"github.com/mojo333/voice-relay/internal/logger"
	"github.com/mojo333/voice-relay/internal/rawip"
	"github.com/mojo333/voice-relay/internal/registry"
)

// Transport is the packet plumbing the relay runs on. *rawip.Transport
// satisfies it; tests substitute fakes.
type Transport interface {
	SendTo(src, dst netip.Addr, payload []byte) error
	Receive(buf []byte) (netip.Addr, []byte, error)
	Close() error
}

// Config holds all configuration for the PacketRelay.
type Config struct {
	// LocalAddr is the relay's own IPv4 address, used as the source of
	// every forwarded packet.
	LocalAddr netip.Addr

	Transport Transport

	// Registry may be nil; a default-capacity registry with no expiry is
	// created, matching the original protocol.
	Registry *registry.Registry

	Logger *logger.Logger
}

// PacketRelay is the relay engine. It is stateless per packet apart from the
// client registry.
type PacketRelay struct {
	localAddr netip.Addr
	transport Transport
	clients   *registry.Registry
	logger    *logger.Logger
}

// New validates cfg and creates a relay.
func New(cfg Config) (*PacketRelay, error) {
	if !cfg.LocalAddr.Is4() {
		return nil, fmt.Errorf("relay: local address %s is not IPv4", cfg.LocalAddr)
	}
	if cfg.Transport == nil {
		return nil, errors.New("relay: transport is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("relay: logger is required")
	}
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New(registry.DefaultMaxClients, 0)
	}
	return &PacketRelay{
		localAddr: cfg.LocalAddr,
		transport: cfg.Transport,
		clients:   reg,
		logger:    cfg.Logger,
	}, nil
}

// Loop receives, registers and forwards frames until the transport is
// closed. Per-packet failures are logged and skipped; only transport
// teardown ends the loop.
func (pr *PacketRelay) Loop() error {
	buf := make([]byte, 4096)
	for {
		src, payload, err := pr.transport.Receive(buf)
		if err != nil {
			if errors.Is(err, rawip.ErrClosed) {
				pr.logger.Info("relay loop stopped: transport closed")
				return nil
			}
			pr.logger.Info("Error receiving packet: %s", err)
			continue
		}
		pr.handlePacket(src, payload)
	}
}

// handlePacket runs the forwarding algorithm for one inbound datagram
// payload observed from src: decode, upsert the sender, then re-send the
// frame bytes verbatim to every other registered address under a fresh
// envelope. Sends are best-effort and independent per recipient.
func (pr *PacketRelay) handlePacket(src netip.Addr, payload []byte) {
	f, err := frame.Decode(payload)
	if err != nil {
		// Not our protocol's framing; drop without a reply.
		return
	}

	created, err := pr.clients.Upsert(f.ClientID, src)
	if err != nil {
		pr.logger.Warning("Client table full, dropping registration for id=%d addr=%s", f.ClientID, src)
	} else if created {
		pr.logger.Info("Registered client id=%d addr=%s", f.ClientID, src)
	}

	for _, rec := range pr.clients.Snapshot() {
		if rec.Addr == src {
			// Never reflect a frame back at the address it came from.
			continue
		}
		if err := pr.transport.SendTo(pr.localAddr, rec.Addr, payload); err != nil {
			pr.logger.Info("Forward to %s failed: %s", rec.Addr, err)
		}
	}
}

// Close shuts the transport down, terminating Loop.
func (pr *PacketRelay) Close() error {
	return pr.transport.Close()
}
