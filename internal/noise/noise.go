// Package noise generates synthetic audio frames: Gaussian samples scaled to
// signed bytes, standing in for a real capture device.
package noise

import "math/rand/v2"

const (
	// DefaultFrameBytes matches the protocol's 20 ms frame at 8 kHz mono.
	DefaultFrameBytes = 160

	amplitude = 10.0
)

// Generator is a pull-based frame source. Safe for use from a single send
// loop; each call returns a fresh slice.
type Generator struct {
	frameBytes int
}

// New creates a Generator producing frameBytes-sized frames
// (DefaultFrameBytes when zero or negative).
func New(frameBytes int) *Generator {
	if frameBytes <= 0 {
		frameBytes = DefaultFrameBytes
	}
	return &Generator{frameBytes: frameBytes}
}

// NextFrame returns one frame of simulated audio.
func (g *Generator) NextFrame() []byte {
	b := make([]byte, g.frameBytes)
	for i := range b {
		b[i] = byte(int(rand.NormFloat64() * amplitude))
	}
	return b
}
