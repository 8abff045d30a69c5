package rawip

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/mojo333/voice-relay/internal/logger"
)

// ErrClosed is returned from Receive and SendTo after Close.
var ErrClosed = errors.New("rawip: transport closed")

// Transport moves relay datagrams over a pair of raw sockets: a
// header-included send socket and a receive socket filtered on the private
// protocol number. Each socket is used by exactly one logical role.
type Transport struct {
	sendFD int
	recvFD int
	closed atomic.Bool
}

// NewTransport opens both raw sockets. Requires CAP_NET_RAW (or root).
// device, when non-empty, binds the receive socket to that interface; the
// binding is a hint, and a kernel refusal is logged as a warning rather than
// failing the transport.
func NewTransport(device string, log *logger.Logger) (*Transport, error) {
	sendFD, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("rawip: create send socket: %w", err)
	}
	if err := unix.SetsockoptInt(sendFD, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(sendFD)
		return nil, fmt.Errorf("rawip: set IP_HDRINCL: %w", err)
	}

	recvFD, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, ProtocolNumber)
	if err != nil {
		unix.Close(sendFD)
		return nil, fmt.Errorf("rawip: create receive socket: %w", err)
	}
	bindDevice(recvFD, device, log)

	return &Transport{sendFD: sendFD, recvFD: recvFD}, nil
}

// bindDevice applies the interface hint to the receive socket. The binding is
// best effort: a refusal only costs the filter, since the protocol number
// already isolates relay traffic.
func bindDevice(fd int, device string, log *logger.Logger) {
	if device == "" {
		return
	}
	if err := unix.BindToDevice(fd, device); err != nil && log != nil {
		log.Warning("Cannot bind receive socket to %s: %s", device, err)
	}
}

// SendTo wraps payload in a fresh IP envelope from src to dst and transmits
// it as a single datagram. No fragmentation is performed; oversized payloads
// are an error.
func (t *Transport) SendTo(src, dst netip.Addr, payload []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	header, err := BuildHeader(src, dst, len(payload))
	if err != nil {
		return err
	}

	pkt := make([]byte, 0, len(header)+len(payload))
	pkt = append(pkt, header...)
	pkt = append(pkt, payload...)

	sa := &unix.SockaddrInet4{Addr: dst.As4()}
	if err := unix.Sendto(t.sendFD, pkt, 0, sa); err != nil {
		if t.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("rawip: sendto %s: %w", dst, err)
	}
	return nil
}

// Receive blocks until the next datagram carrying the private protocol number
// arrives, strips its IP header, and returns the source address plus a view
// into buf holding the payload. Malformed packets are skipped, not surfaced.
// Returns ErrClosed once the transport is shut down.
func (t *Transport) Receive(buf []byte) (netip.Addr, []byte, error) {
	for {
		n, _, err := unix.Recvfrom(t.recvFD, buf, 0)
		if err != nil {
			if t.closed.Load() {
				return netip.Addr{}, nil, ErrClosed
			}
			if err == unix.EINTR {
				continue
			}
			return netip.Addr{}, nil, fmt.Errorf("rawip: recvfrom: %w", err)
		}

		src, payload, err := ParsePacket(buf[:n])
		if err != nil {
			// Truncated or lying header; wait for the next packet.
			continue
		}
		return src, payload, nil
	}
}

// Close shuts both sockets down, unblocking any Receive in progress.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	// Shutdown wakes a blocked Recvfrom before the fd goes away.
	unix.Shutdown(t.recvFD, unix.SHUT_RDWR)
	err1 := unix.Close(t.recvFD)
	err2 := unix.Close(t.sendFD)
	if err1 != nil {
		return err1
	}
	return err2
}
