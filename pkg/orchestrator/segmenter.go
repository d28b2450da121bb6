package orchestrator

import (
	"strings"
	"time"
)

// DefaultBoundaries are the punctuation runes a segment may end on,
// covering both full-width CJK and ASCII forms.
const DefaultBoundaries = "，,。！？；.!?;"

type SegmenterConfig struct {
	Boundaries string
	// MinChars is the shortest segment a boundary may close.
	MinChars int
	// MaxChars forces a cut when no boundary qualifies.
	MaxChars int
	// MaxWait flushes the buffer when nothing was emitted for this long.
	MaxWait time.Duration
}

func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		Boundaries: DefaultBoundaries,
		MinChars:   10,
		MaxChars:   1000,
		MaxWait:    10 * time.Second,
	}
}

// Segment is one speakable piece of a reply. Index starts at 1.
type Segment struct {
	Index int
	Text  string
}

// StreamSegmenter cuts a stream of text deltas into segments sized for
// synthesis. All lengths are counted in runes. One segmenter serves one reply.
type StreamSegmenter struct {
	cfg      SegmenterConfig
	now      func() time.Time
	buf      []rune
	lastEmit time.Time
	count    int
}

func NewStreamSegmenter(cfg SegmenterConfig) *StreamSegmenter {
	return newStreamSegmenter(cfg, time.Now)
}

func newStreamSegmenter(cfg SegmenterConfig, now func() time.Time) *StreamSegmenter {
	def := DefaultSegmenterConfig()
	if cfg.Boundaries == "" {
		cfg.Boundaries = def.Boundaries
	}
	if cfg.MinChars < 1 {
		cfg.MinChars = 1
	}
	if cfg.MaxChars < cfg.MinChars {
		cfg.MaxChars = def.MaxChars
		if cfg.MaxChars < cfg.MinChars {
			cfg.MaxChars = cfg.MinChars
		}
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	return &StreamSegmenter{cfg: cfg, now: now, lastEmit: now()}
}

// Push appends delta and returns every segment it completes, including a
// time-based flush when MaxWait has elapsed since the last emission.
func (s *StreamSegmenter) Push(delta string) []Segment {
	s.buf = append(s.buf, []rune(delta)...)
	out := s.cut(nil)
	return s.flushDue(out, s.now())
}

// FlushDue emits the whole buffer if MaxWait has passed since the last
// emission. It lets a caller flush a stalled stream without new text.
func (s *StreamSegmenter) FlushDue(now time.Time) []Segment {
	return s.flushDue(nil, now)
}

// Flush emits whatever remains, regardless of length. Call it when the
// stream completes.
func (s *StreamSegmenter) Flush() []Segment {
	if len(s.buf) == 0 {
		return nil
	}
	return []Segment{s.emit(len(s.buf))}
}

// Pending returns the number of buffered runes.
func (s *StreamSegmenter) Pending() int {
	return len(s.buf)
}

// Emitted returns the number of segments produced so far.
func (s *StreamSegmenter) Emitted() int {
	return s.count
}

func (s *StreamSegmenter) cut(out []Segment) []Segment {
	for {
		if i := s.boundary(); i >= 0 {
			out = append(out, s.emit(i+1))
			continue
		}
		if len(s.buf) >= s.cfg.MaxChars {
			out = append(out, s.emit(s.cfg.MaxChars))
			continue
		}
		return out
	}
}

// boundary returns the first qualifying boundary index within the first
// MaxChars runes, or -1.
func (s *StreamSegmenter) boundary() int {
	limit := len(s.buf)
	if limit > s.cfg.MaxChars {
		limit = s.cfg.MaxChars
	}
	for i := s.cfg.MinChars - 1; i < limit; i++ {
		if strings.ContainsRune(s.cfg.Boundaries, s.buf[i]) {
			return i
		}
	}
	return -1
}

func (s *StreamSegmenter) flushDue(out []Segment, now time.Time) []Segment {
	if len(s.buf) > 0 && now.Sub(s.lastEmit) >= s.cfg.MaxWait {
		out = append(out, s.emit(len(s.buf)))
	}
	return out
}

func (s *StreamSegmenter) emit(n int) Segment {
	text := string(s.buf[:n])
	s.buf = append(s.buf[:0], s.buf[n:]...)
	s.count++
	s.lastEmit = s.now()
	return Segment{Index: s.count, Text: text}
}
