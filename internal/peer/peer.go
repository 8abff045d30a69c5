// Package peer implements the endpoint side of the relay protocol: a
// fixed-cadence send loop toward the relay and a concurrent receive loop
// consuming frames forwarded from other peers.
package peer

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/mojo333/voice-relay/internal/frame"
	"github.com/mojo333/voice-relay/internal/logger"
	"github.com/mojo333/voice-relay/internal/rawip"
)

const (
	// DefaultInterval is the frame generation cadence.
	DefaultInterval = 20 * time.Millisecond

	// DefaultSampleEvery controls latency reporting: one-way delay is
	// logged for every Nth sequence number.
	DefaultSampleEvery = 50

	// DefaultPlayoutDelay is the playout buffering target.
	DefaultPlayoutDelay = 60 * time.Millisecond
)

// FrameSource yields opaque payload bytes on demand, one frame per call.
type FrameSource interface {
	NextFrame() []byte
}

// FrameSink consumes frames released from the playout buffer in order.
// A nil sink discards them, which is all the prototype's "playback" does.
type FrameSink interface {
	Play(clientID uint32, payload []byte)
}

// Transport is the packet plumbing the peer runs on; *rawip.Transport
// satisfies it.
type Transport interface {
	SendTo(src, dst netip.Addr, payload []byte) error
	Receive(buf []byte) (netip.Addr, []byte, error)
	Close() error
}

// Config holds all configuration for a Peer.
type Config struct {
	RelayAddr netip.Addr
	ClientID  uint32
	Source    FrameSource
	Transport Transport
	Logger    *logger.Logger

	// LocalAddr is the source address stamped on outbound envelopes.
	// When zero it is discovered with a connected UDP probe toward the
	// relay (best effort; falls back to 0.0.0.0).
	LocalAddr netip.Addr

	Interval     time.Duration // zero means DefaultInterval
	SampleEvery  uint32        // zero means DefaultSampleEvery
	PlayoutDelay time.Duration // negative disables buffering; zero means default
	Sink         FrameSink
}

// Peer runs the two loops. The loops share no mutable state beyond the
// transport handles.
type Peer struct {
	relayAddr   netip.Addr
	localAddr   netip.Addr
	clientID    uint32
	source      FrameSource
	transport   Transport
	logger      *logger.Logger
	interval    time.Duration
	sampleEvery uint32
	playout     *playoutBuffer
	sink        FrameSink

	done      chan struct{}
	closeOnce sync.Once
}

// New validates cfg, fills defaults, and discovers the local source address
// if none was given.
func New(cfg Config) (*Peer, error) {
	if !cfg.RelayAddr.Is4() {
		return nil, fmt.Errorf("peer: relay address %s is not IPv4", cfg.RelayAddr)
	}
	if cfg.Source == nil {
		return nil, errors.New("peer: frame source is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("peer: transport is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("peer: logger is required")
	}

	local := cfg.LocalAddr
	if !local.IsValid() {
		local = probeLocalAddr(cfg.RelayAddr)
	}
	if !local.Is4() {
		return nil, fmt.Errorf("peer: local address %s is not IPv4", local)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	sampleEvery := cfg.SampleEvery
	if sampleEvery == 0 {
		sampleEvery = DefaultSampleEvery
	}
	playoutDelay := cfg.PlayoutDelay
	if playoutDelay == 0 {
		playoutDelay = DefaultPlayoutDelay
	}
	if playoutDelay < 0 {
		playoutDelay = 0
	}

	return &Peer{
		relayAddr:   cfg.RelayAddr,
		localAddr:   local,
		clientID:    cfg.ClientID,
		source:      cfg.Source,
		transport:   cfg.Transport,
		logger:      cfg.Logger,
		interval:    interval,
		sampleEvery: sampleEvery,
		playout:     newPlayoutBuffer(playoutDelay),
		sink:        cfg.Sink,
		done:        make(chan struct{}),
	}, nil
}

// Run starts the send loop and blocks in the receive loop until the
// transport is closed.
func (p *Peer) Run() error {
	p.logger.Info("peer id=%d started, relay=%s local=%s interval=%s",
		p.clientID, p.relayAddr, p.localAddr, p.interval)
	go p.sendLoop()
	return p.recvLoop()
}

// Close stops the send loop and closes the transport, unblocking Run.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.transport.Close()
	})
	return err
}

func (p *Peer) sendLoop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var seq uint32
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.sendOne(seq, time.Now()); err != nil {
				if errors.Is(err, rawip.ErrClosed) {
					return
				}
				p.logger.Info("client send failed: %s", err)
			}
			seq++ // wraps at 2^32 by design of the counter width
		}
	}
}

// sendOne pulls one payload from the source, stamps it, and transmits it
// toward the relay.
func (p *Peer) sendOne(seq uint32, now time.Time) error {
	payload := p.source.NextFrame()
	return p.transport.SendTo(p.localAddr, p.relayAddr, frame.Encode(p.clientID, seq, now, payload))
}

func (p *Peer) recvLoop() error {
	buf := make([]byte, 2048)
	for {
		src, payload, err := p.transport.Receive(buf)
		if err != nil {
			if errors.Is(err, rawip.ErrClosed) {
				p.logger.Info("peer id=%d receive loop stopped", p.clientID)
				return nil
			}
			p.logger.Info("client recv error: %s", err)
			continue
		}
		p.handleFrame(src, payload, time.Now())
	}
}

// handleFrame decodes one forwarded datagram payload, reports sampled
// one-way delay, and pushes the frame through the playout buffer.
func (p *Peer) handleFrame(src netip.Addr, payload []byte, now time.Time) {
	f, err := frame.Decode(payload)
	if err != nil {
		// Unrelated raw traffic or a damaged frame; discard silently.
		return
	}

	if f.Sequence%p.sampleEvery == 0 {
		delay := now.Sub(f.Timestamp())
		p.logger.Info("rx from id=%d seq=%d delay=%s payload=%d bytes via %s",
			f.ClientID, f.Sequence, delay, len(f.Payload), src)
	}

	for _, rel := range p.playout.insert(f, now) {
		if p.sink != nil {
			p.sink.Play(rel.clientID, rel.payload)
		}
	}
}

// probeLocalAddr asks the routing table which source address would be used
// to reach the relay, by connecting a UDP socket (no packet is sent).
func probeLocalAddr(relay netip.Addr) netip.Addr {
	conn, err := net.Dial("udp4", net.JoinHostPort(relay.String(), "53"))
	if err != nil {
		return netip.IPv4Unspecified()
	}
	defer conn.Close()

	ua, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.IPv4Unspecified()
	}
	addr, ok := netip.AddrFromSlice(ua.IP.To4())
	if !ok {
		return netip.IPv4Unspecified()
	}
	return addr
}
