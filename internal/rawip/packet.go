// Package rawip builds and parses the raw IPv4 envelopes that carry relay
// protocol frames, and owns the raw sockets they travel through.
package rawip

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"net/netip"

	"golang.org/x/net/ipv4"
)

const (
	// ProtocolNumber is the private IP protocol field value that separates
	// relay traffic from standard transport protocols.
	ProtocolNumber = 255

	// MaxPacketSize bounds a whole datagram, envelope included.
	MaxPacketSize = 1500

	headerTTL = 64
)

// NetChecksum computes the one's complement checksum over data, as used for
// the IPv4 header. An odd trailing byte is padded with zero; carries are
// folded back into the low 16 bits before the final complement.
func NetChecksum(data []byte) uint16 {
	length := len(data)
	var sum uint32
	for i := 0; i+1 < length; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if length%2 != 0 {
		sum += uint32(data[length-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// BuildHeader constructs a 20-byte IPv4 header (no options) for a payload of
// the given length: version 4, IHL 5, fresh identification, TTL 64, the
// private protocol number, and a checksum computed over the header bytes.
func BuildHeader(src, dst netip.Addr, payloadLen int) ([]byte, error) {
	if !src.Is4() || !dst.Is4() {
		return nil, fmt.Errorf("rawip: need IPv4 addresses, got src=%s dst=%s", src, dst)
	}
	if payloadLen < 0 || ipv4.HeaderLen+payloadLen > MaxPacketSize {
		return nil, fmt.Errorf("rawip: payload length %d out of range", payloadLen)
	}

	h := make([]byte, ipv4.HeaderLen)
	h[0] = 0x45 // version 4, IHL 5
	h[1] = 0    // TOS
	binary.BigEndian.PutUint16(h[2:4], uint16(ipv4.HeaderLen+payloadLen))
	binary.BigEndian.PutUint16(h[4:6], uint16(rand.Uint32()&0xffff))
	binary.BigEndian.PutUint16(h[6:8], 0) // flags + fragment offset
	h[8] = headerTTL
	h[9] = ProtocolNumber
	// h[10:12] is the checksum field, zero during summation.
	srcBytes := src.As4()
	dstBytes := dst.As4()
	copy(h[12:16], srcBytes[:])
	copy(h[16:20], dstBytes[:])

	binary.BigEndian.PutUint16(h[10:12], NetChecksum(h))
	return h, nil
}

// ParsePacket strips the IP header from a received raw datagram and returns
// the sender's address plus the remaining payload bytes, which alias b.
// Packets shorter than a minimal header, or whose declared header length
// exceeds the received length, are malformed.
func ParsePacket(b []byte) (netip.Addr, []byte, error) {
	h, err := ipv4.ParseHeader(b)
	if err != nil {
		return netip.Addr{}, nil, fmt.Errorf("rawip: parse header: %w", err)
	}
	if h.Version != ipv4.Version {
		return netip.Addr{}, nil, fmt.Errorf("rawip: not an IPv4 packet (version %d)", h.Version)
	}
	if h.Len < ipv4.HeaderLen || h.Len > len(b) {
		return netip.Addr{}, nil, fmt.Errorf("rawip: header length %d out of range for %d-byte packet", h.Len, len(b))
	}
	src4 := h.Src.To4()
	if src4 == nil {
		return netip.Addr{}, nil, fmt.Errorf("rawip: non-IPv4 source %s", h.Src)
	}
	src, _ := netip.AddrFromSlice(src4)
	return src, b[h.Len:], nil
}
