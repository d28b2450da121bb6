package orchestrator

import "time"

// PlaybackMonitor reports when audio was last sent to the speaker.
// *PlaybackBuffer implements it.
type PlaybackMonitor interface {
	LastActive() time.Time
}

// EchoGuard keeps the bot's own voice from triggering an onset. While the
// speaker played audio within Window, frames quieter than Threshold are
// presented to the VAD as silence.
type EchoGuard struct {
	Monitor   PlaybackMonitor
	Window    time.Duration
	Threshold float64

	now     func() time.Time
	scratch []byte
}

func NewEchoGuard(m PlaybackMonitor, window time.Duration, threshold float64) *EchoGuard {
	return &EchoGuard{Monitor: m, Window: window, Threshold: threshold, now: time.Now}
}

// Active reports whether playback happened recently enough to expect echo.
func (g *EchoGuard) Active() bool {
	if g == nil || g.Monitor == nil {
		return false
	}
	last := g.Monitor.LastActive()
	if last.IsZero() {
		return false
	}
	now := g.now
	if now == nil {
		now = time.Now
	}
	return now().Sub(last) < g.Window
}

// Filter returns frame unchanged, or a zeroed frame of the same length when
// it is likely echo. The zeroed frame is reused between calls.
func (g *EchoGuard) Filter(frame []byte) []byte {
	if !g.Active() || CalculateRMS(frame) > g.Threshold {
		return frame
	}
	if cap(g.scratch) < len(frame) {
		g.scratch = make([]byte, len(frame))
	}
	g.scratch = g.scratch[:len(frame)]
	for i := range g.scratch {
		g.scratch[i] = 0
	}
	return g.scratch
}
