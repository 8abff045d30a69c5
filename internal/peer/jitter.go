package peer

import (
	"slices"
	"time"

	"github.com/mojo333/voice-relay/internal/frame"
)

// playoutBuffer delays and reorders decoded frames per sending client so a
// downstream sink sees them in sequence order roughly one playout delay
// after arrival. Late and duplicate frames are dropped; gaps are released
// past once their successors fall due (the protocol has no retransmission).
//
// The buffer is passive: it is driven entirely by insert calls from the
// receive loop and holds no timers of its own.
type playoutBuffer struct {
	delay   time.Duration
	streams map[uint32]*stream
}

type stream struct {
	pending []bufferedFrame // sorted by wrap-aware sequence order
	started bool
	nextSeq uint32 // first sequence not yet released
}

type bufferedFrame struct {
	clientID uint32
	seq      uint32
	due      time.Time
	payload  []byte
}

func newPlayoutBuffer(delay time.Duration) *playoutBuffer {
	return &playoutBuffer{
		delay:   delay,
		streams: make(map[uint32]*stream),
	}
}

// insert adds f to its sender's stream and returns, in order, every frame
// whose playout time has been reached. With buffering disabled the frame is
// returned immediately. The frame's payload is copied; the caller may reuse
// its receive buffer.
func (pb *playoutBuffer) insert(f frame.Frame, now time.Time) []bufferedFrame {
	bf := bufferedFrame{
		clientID: f.ClientID,
		seq:      f.Sequence,
		due:      now.Add(pb.delay),
		payload:  slices.Clone(f.Payload),
	}

	if pb.delay <= 0 {
		return []bufferedFrame{bf}
	}

	st := pb.streams[f.ClientID]
	if st == nil {
		st = &stream{}
		pb.streams[f.ClientID] = st
	}

	if st.started && seqBefore(bf.seq, st.nextSeq) {
		// Arrived after its playout slot already passed.
		return nil
	}
	pos, exists := slices.BinarySearchFunc(st.pending, bf, func(a, b bufferedFrame) int {
		if a.seq == b.seq {
			return 0
		}
		if seqBefore(a.seq, b.seq) {
			return -1
		}
		return 1
	})
	if exists {
		return nil
	}
	st.pending = slices.Insert(st.pending, pos, bf)

	return st.release(now)
}

// release pops frames from the head of the stream, in sequence order, while
// their playout time has passed.
func (st *stream) release(now time.Time) []bufferedFrame {
	var out []bufferedFrame
	for len(st.pending) > 0 && !st.pending[0].due.After(now) {
		head := st.pending[0]
		st.pending = st.pending[1:]
		st.started = true
		st.nextSeq = head.seq + 1
		out = append(out, head)
	}
	return out
}

// seqBefore reports whether a precedes b in wrap-aware sequence order.
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}
