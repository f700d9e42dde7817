// Package jitter implements a jitter buffer for the remote party's
// voice frames.
//
// It reorders out-of-order packets using sequence numbers, buffers a
// configurable number of frames before starting playback, and signals
// missing frames so the caller can invoke Opus PLC (packet loss
// concealment). One call carries exactly one remote stream, so the
// buffer tracks a single sequence space.
package jitter

const (
	ringSize = 16 // must be power of 2
	ringMask = ringSize - 1
)

// slot holds one opus packet in the ring buffer.
type slot struct {
	opus []byte
	seq  uint16
	set  bool
}

// Buffer reorders incoming voice frames. Not safe for concurrent use;
// the playback loop is the sole consumer and synchronises externally.
type Buffer struct {
	ring     [ringSize]slot
	nextPlay uint16
	primed   bool // true once depth frames are buffered
	count    int  // frames received during priming
	started  bool // true after the first Push
	depth    int  // frames to buffer before starting playback
}

// New creates a jitter buffer with the given depth (in 20 ms frames).
// A depth of 3 adds ~60 ms latency and tolerates reordering within
// that window.
func New(depth int) *Buffer {
	if depth < 1 {
		depth = 1
	}
	if depth > ringSize/2 {
		depth = ringSize / 2
	}
	return &Buffer{depth: depth}
}

// Push inserts a received packet.
func (b *Buffer) Push(seq uint16, opus []byte) {
	if !b.started {
		b.started = true
		b.nextPlay = seq
	}
	idx := int(seq) & ringMask

	if !b.primed {
		b.ring[idx] = slot{opus: opus, seq: seq, set: true}
		b.count++
		if b.count >= b.depth {
			b.primed = true
		}
		return
	}

	// Signed distance from nextPlay: positive = ahead, negative = behind.
	dist := int16(seq - b.nextPlay)

	if dist < 0 {
		// Late arrival, already played past this seq.
		return
	}
	if int(dist) >= ringSize {
		// Way ahead of expectation: a sender restart or a long gap.
		// Reset and prime again from here.
		*b = Buffer{depth: b.depth, started: true, nextPlay: seq, count: 1}
		b.ring[idx] = slot{opus: opus, seq: seq, set: true}
		if b.count >= b.depth {
			b.primed = true
		}
		return
	}

	b.ring[idx] = slot{opus: opus, seq: seq, set: true}
}

// Pop returns the frame for the current 20 ms playback tick. ok is
// false while the buffer is still priming or empty; a true ok with a
// nil frame marks a lost packet the caller should conceal.
func (b *Buffer) Pop() (opus []byte, ok bool) {
	if !b.primed {
		return nil, false
	}
	idx := int(b.nextPlay) & ringMask
	if b.ring[idx].set && b.ring[idx].seq == b.nextPlay {
		opus = b.ring[idx].opus
	}
	b.ring[idx] = slot{}
	b.nextPlay++
	return opus, true
}

// Reset clears all buffered state, for reuse across calls.
func (b *Buffer) Reset() {
	*b = Buffer{depth: b.depth}
}
