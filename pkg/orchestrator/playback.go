package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"
)

// SegmentRecord tracks one synthesized segment through playback.
// FramesLeft is only mutated by the consuming side.
type SegmentRecord struct {
	GenerationID  GenerationID
	ReplyID       uint64
	Index         int
	FramesLeft    int
	Frames        int
	SampleRate    int
	TextLen       int
	SynthDuration time.Duration
	CompletedAt   time.Time
}

// PlaybackBuffer accumulates mono float32 audio for the output callback and
// reports which segments have been fully delivered.
//
// The render side never blocks: Pop and Drain use TryLock and emit silence
// when the producer holds the lock.
type PlaybackBuffer struct {
	mu        sync.Mutex
	blocks    [][]float32
	offset    int
	buffered  int
	pending   []*SegmentRecord
	completed []SegmentRecord

	// epoch advances on every Clear; fillEpoch is the epoch of the last fill
	epoch     uint32
	fillEpoch atomic.Uint32

	// frames delivered by Pop whose Consume could not take the lock, packed
	// as epoch<<32 | frames so a Clear in between voids them
	owed       atomic.Uint64
	lastActive atomic.Int64
}

func NewPlaybackBuffer() *PlaybackBuffer {
	return &PlaybackBuffer{}
}

// Push appends samples and the record describing them. FramesLeft is set
// from the sample count.
func (b *PlaybackBuffer) Push(samples []float32, rec SegmentRecord) {
	rec.Frames = len(samples)
	rec.FramesLeft = len(samples)

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(samples) == 0 {
		rec.CompletedAt = time.Now()
		b.completed = append(b.completed, rec)
		return
	}
	b.blocks = append(b.blocks, samples)
	b.buffered += len(samples)
	b.pending = append(b.pending, &rec)
}

// Pop writes exactly frames*channels samples into out, padding with zeros,
// and returns how many frames came from buffered audio. Mono samples are
// copied to every channel. Delivered frames must be reported via Consume.
func (b *PlaybackBuffer) Pop(out []float32, frames, channels int) int {
	if !b.mu.TryLock() {
		silence(out, 0, frames*channels)
		return 0
	}
	defer b.mu.Unlock()
	return b.fill(out, frames, channels)
}

// Consume marks frames as played, advancing segment records in order.
func (b *PlaybackBuffer) Consume(frames int) {
	if frames <= 0 {
		return
	}
	if !b.mu.TryLock() {
		b.addOwed(b.fillEpoch.Load(), frames)
		return
	}
	defer b.mu.Unlock()
	b.consume(frames)
}

func (b *PlaybackBuffer) addOwed(epoch uint32, frames int) {
	for {
		old := b.owed.Load()
		next := uint64(epoch)<<32 | uint64(uint32(frames))
		if old != 0 && uint32(old>>32) == epoch {
			next = old + uint64(uint32(frames))
		}
		if b.owed.CompareAndSwap(old, next) {
			return
		}
	}
}

// Drain is Pop followed by Consume under a single lock acquisition. This is
// what a real-time callback should call.
func (b *PlaybackBuffer) Drain(out []float32, frames, channels int) int {
	if !b.mu.TryLock() {
		silence(out, 0, frames*channels)
		return 0
	}
	defer b.mu.Unlock()
	n := b.fill(out, frames, channels)
	b.consume(n)
	return n
}

// PopCompleted returns and forgets the records whose audio was fully played.
func (b *PlaybackBuffer) PopCompleted() []SegmentRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consume(0)
	if len(b.completed) == 0 {
		return nil
	}
	out := b.completed
	b.completed = nil
	return out
}

// Clear drops all audio and records and resets the read position.
func (b *PlaybackBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearLocked()
}

func (b *PlaybackBuffer) clearLocked() {
	b.epoch++
	b.blocks = nil
	b.offset = 0
	b.buffered = 0
	b.pending = nil
	b.completed = nil
	b.owed.Store(0)
}

// Buffered returns the number of frames waiting to be played.
func (b *PlaybackBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffered
}

// Idle reports whether no segment is awaiting playback.
func (b *PlaybackBuffer) Idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) == 0
}

// LastActive returns when buffered audio was last handed to the device.
func (b *PlaybackBuffer) LastActive() time.Time {
	ns := b.lastActive.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (b *PlaybackBuffer) fill(out []float32, frames, channels int) int {
	if channels < 1 {
		channels = 1
	}
	b.fillEpoch.Store(b.epoch)
	f := 0
	for f < frames && len(b.blocks) > 0 {
		block := b.blocks[0]
		n := len(block) - b.offset
		if n > frames-f {
			n = frames - f
		}
		src := block[b.offset : b.offset+n]
		if channels == 1 {
			copy(out[f:f+n], src)
		} else {
			for i, s := range src {
				base := (f + i) * channels
				for c := 0; c < channels; c++ {
					out[base+c] = s
				}
			}
		}
		f += n
		b.offset += n
		b.buffered -= n
		if b.offset == len(block) {
			b.blocks[0] = nil
			b.blocks = b.blocks[1:]
			b.offset = 0
		}
	}
	silence(out, f*channels, frames*channels)
	if f > 0 {
		b.lastActive.Store(time.Now().UnixNano())
	}
	return f
}

func (b *PlaybackBuffer) consume(frames int) {
	if owed := b.owed.Swap(0); owed != 0 && uint32(owed>>32) == b.epoch {
		frames += int(uint32(owed))
	}
	for frames > 0 && len(b.pending) > 0 {
		rec := b.pending[0]
		n := rec.FramesLeft
		if n > frames {
			n = frames
		}
		rec.FramesLeft -= n
		frames -= n
		if rec.FramesLeft == 0 {
			rec.CompletedAt = time.Now()
			b.completed = append(b.completed, *rec)
			b.pending[0] = nil
			b.pending = b.pending[1:]
		}
	}
}

func silence(out []float32, from, to int) {
	if to > len(out) {
		to = len(out)
	}
	for i := from; i < to; i++ {
		out[i] = 0
	}
}
