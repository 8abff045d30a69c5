package peer

import (
	"bytes"
	"log/slog"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/mojo333/voice-relay/internal/frame"
	"github.com/mojo333/voice-relay/internal/logger"
	"github.com/mojo333/voice-relay/internal/rawip"
)

type sentPacket struct {
	src     netip.Addr
	dst     netip.Addr
	payload []byte
}

type inbound struct {
	src     netip.Addr
	payload []byte
}

type fakeTransport struct {
	sent   []sentPacket
	queue  []inbound
	closed bool
}

func (ft *fakeTransport) SendTo(src, dst netip.Addr, payload []byte) error {
	p := make([]byte, len(payload))
	copy(p, payload)
	ft.sent = append(ft.sent, sentPacket{src: src, dst: dst, payload: p})
	return nil
}

func (ft *fakeTransport) Receive(buf []byte) (netip.Addr, []byte, error) {
	if len(ft.queue) == 0 {
		return netip.Addr{}, nil, rawip.ErrClosed
	}
	next := ft.queue[0]
	ft.queue = ft.queue[1:]
	n := copy(buf, next.payload)
	return next.src, buf[:n], nil
}

func (ft *fakeTransport) Close() error {
	ft.closed = true
	return nil
}

type staticSource struct{ payload []byte }

func (s staticSource) NextFrame() []byte { return s.payload }

type recordingSink struct {
	played []struct {
		clientID uint32
		payload  string
	}
}

func (rs *recordingSink) Play(clientID uint32, payload []byte) {
	rs.played = append(rs.played, struct {
		clientID uint32
		payload  string
	}{clientID, string(payload)})
}

var (
	relayAddr = netip.MustParseAddr("192.168.1.10")
	localAddr = netip.MustParseAddr("192.168.1.20")
)

func newTestPeer(t *testing.T, ft *fakeTransport, cfg Config) *Peer {
	t.Helper()
	cfg.RelayAddr = relayAddr
	cfg.LocalAddr = localAddr
	cfg.Transport = ft
	if cfg.Source == nil {
		cfg.Source = staticSource{payload: []byte("audio")}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestSendOne(t *testing.T) {
	ft := &fakeTransport{}
	p := newTestPeer(t, ft, Config{ClientID: 42})

	before := time.Now()
	if err := p.sendOne(7, before); err != nil {
		t.Fatalf("sendOne() error = %v", err)
	}

	if len(ft.sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(ft.sent))
	}
	s := ft.sent[0]
	if s.src != localAddr || s.dst != relayAddr {
		t.Errorf("envelope %s -> %s, want %s -> %s", s.src, s.dst, localAddr, relayAddr)
	}

	f, err := frame.Decode(s.payload)
	if err != nil {
		t.Fatalf("Decode(sent) error = %v", err)
	}
	if f.ClientID != 42 || f.Sequence != 7 {
		t.Errorf("frame id=%d seq=%d, want id=42 seq=7", f.ClientID, f.Sequence)
	}
	if !bytes.Equal(f.Payload, []byte("audio")) {
		t.Errorf("payload = %q, want %q", f.Payload, "audio")
	}
	if f.Timestamp().Unix() != before.Unix() {
		t.Errorf("timestamp seconds = %d, want %d", f.Timestamp().Unix(), before.Unix())
	}
}

func TestHandleFrameLatencySampling(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ft := &fakeTransport{}
	p := newTestPeer(t, ft, Config{ClientID: 2, Logger: log, SampleEvery: 50})

	sent := time.Now().Add(-30 * time.Millisecond)
	src := netip.MustParseAddr("10.0.0.1")

	// Sequence 49 is off-sample, 50 is on-sample.
	p.handleFrame(src, frame.Encode(1, 49, sent, []byte("x")), time.Now())
	if strings.Contains(buf.String(), "delay=") {
		t.Errorf("off-sample sequence logged a delay: %s", buf.String())
	}

	p.handleFrame(src, frame.Encode(1, 50, sent, []byte("x")), time.Now())
	out := buf.String()
	if !strings.Contains(out, "id=1") || !strings.Contains(out, "seq=50") || !strings.Contains(out, "delay=") {
		t.Errorf("sampled sequence not reported, log: %s", out)
	}
	if strings.Contains(out, "delay=-") {
		t.Errorf("one-way delay negative for a frame sent in the past: %s", out)
	}
}

func TestHandleFrameDiscardsMalformed(t *testing.T) {
	sink := &recordingSink{}
	ft := &fakeTransport{}
	p := newTestPeer(t, ft, Config{ClientID: 2, Sink: sink, PlayoutDelay: -1})

	src := netip.MustParseAddr("10.0.0.1")
	p.handleFrame(src, []byte{1, 2, 3}, time.Now())

	bad := frame.Encode(1, 0, time.Now(), []byte("x"))
	bad[0] ^= 0xFF
	p.handleFrame(src, bad, time.Now())

	if len(sink.played) != 0 {
		t.Errorf("malformed frames reached the sink: %+v", sink.played)
	}
}

func TestHandleFrameFeedsSink(t *testing.T) {
	sink := &recordingSink{}
	ft := &fakeTransport{}
	// Negative playout delay disables buffering so frames play immediately.
	p := newTestPeer(t, ft, Config{ClientID: 2, Sink: sink, PlayoutDelay: -1})

	src := netip.MustParseAddr("10.0.0.1")
	p.handleFrame(src, frame.Encode(7, 0, time.Now(), []byte("abc")), time.Now())

	if len(sink.played) != 1 || sink.played[0].clientID != 7 || sink.played[0].payload != "abc" {
		t.Errorf("sink got %+v, want one frame id=7 payload=abc", sink.played)
	}
}

func TestRunProcessesQueueAndStops(t *testing.T) {
	sink := &recordingSink{}
	ft := &fakeTransport{queue: []inbound{
		{src: netip.MustParseAddr("10.0.0.1"), payload: frame.Encode(1, 0, time.Now(), []byte("abc"))},
		{src: netip.MustParseAddr("10.0.0.1"), payload: []byte("junk")},
	}}
	p := newTestPeer(t, ft, Config{
		ClientID:     2,
		Sink:         sink,
		PlayoutDelay: -1,
		Interval:     time.Hour, // keep the send loop quiet during the test
	})

	// The fake transport reports closed once the queue drains, so Run
	// returns after consuming both packets.
	if err := p.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if !ft.closed {
		t.Error("Close() did not close the transport")
	}
	if len(sink.played) != 1 || sink.played[0].payload != "abc" {
		t.Errorf("sink got %+v, want exactly the one valid frame", sink.played)
	}
}

func TestNewValidation(t *testing.T) {
	ft := &fakeTransport{}
	log := logger.Discard()
	src := staticSource{payload: []byte("x")}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"ipv6 relay", Config{RelayAddr: netip.MustParseAddr("::1"), LocalAddr: localAddr, Source: src, Transport: ft, Logger: log}},
		{"nil source", Config{RelayAddr: relayAddr, LocalAddr: localAddr, Transport: ft, Logger: log}},
		{"nil transport", Config{RelayAddr: relayAddr, LocalAddr: localAddr, Source: src, Logger: log}},
		{"nil logger", Config{RelayAddr: relayAddr, LocalAddr: localAddr, Source: src, Transport: ft}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() = nil error, want validation failure")
			}
		})
	}
}
