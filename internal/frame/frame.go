// Package frame implements the private header carried inside every raw IP
// datagram of the voice relay protocol.
package frame

import (
	"encoding/binary"
	"errors"
	"time"
)

const (
	// Magic identifies relay protocol traffic among whatever else arrives
	// on the raw socket. Frames with any other value are discarded.
	Magic = 0xA1B2C3D4

	// HeaderSize is the fixed encoded header length:
	// magic(4) + client_id(4) + sequence(4) + seconds(4) + micros(4).
	HeaderSize = 20
)

var (
	ErrTruncated = errors.New("frame: shorter than header")
	ErrBadMagic  = errors.New("frame: bad magic")
)

// Frame is one decoded protocol frame. Payload aliases the buffer passed to
// Decode; callers that retain a frame past the next socket read must copy it.
type Frame struct {
	ClientID uint32
	Sequence uint32
	Seconds  uint32 // wall-clock seconds at send time
	Micros   uint32 // microseconds within that second
	Payload  []byte
}

// Timestamp reconstructs the sender's wall-clock send time.
func (f Frame) Timestamp() time.Time {
	return time.Unix(int64(f.Seconds), int64(f.Micros)*int64(time.Microsecond))
}

// Encode serializes a frame header followed by the payload verbatim, all
// multi-byte fields in network byte order. The datagram boundary carries the
// total length; no length prefix is written.
func Encode(clientID, sequence uint32, ts time.Time, payload []byte) []byte {
	b := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(b[0:4], Magic)
	binary.BigEndian.PutUint32(b[4:8], clientID)
	binary.BigEndian.PutUint32(b[8:12], sequence)
	binary.BigEndian.PutUint32(b[12:16], uint32(ts.Unix()))
	binary.BigEndian.PutUint32(b[16:20], uint32(ts.Nanosecond()/1000))
	copy(b[HeaderSize:], payload)
	return b
}

// Decode parses an encoded frame. The returned payload is a view into b, not
// a copy. Inputs shorter than the header or with a mismatched magic fail.
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, ErrTruncated
	}
	if binary.BigEndian.Uint32(b[0:4]) != Magic {
		return Frame{}, ErrBadMagic
	}
	return Frame{
		ClientID: binary.BigEndian.Uint32(b[4:8]),
		Sequence: binary.BigEndian.Uint32(b[8:12]),
		Seconds:  binary.BigEndian.Uint32(b[12:16]),
		Micros:   binary.BigEndian.Uint32(b[16:20]),
		Payload:  b[HeaderSize:],
	}, nil
}
