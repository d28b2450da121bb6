package orchestrator

import (
	"context"
	"fmt"
	"time"
)

type RecorderConfig struct {
	SampleRate int
	// Padding is how much audio before the onset is kept.
	Padding      time.Duration
	Silence      time.Duration
	MaxUtterance time.Duration
	Threshold    float64
	MinConfirmed int
	// EchoThreshold replaces Threshold while the speaker is active.
	EchoThreshold float64
	EchoWindow    time.Duration
}

func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		SampleRate:    16000,
		Padding:       500 * time.Millisecond,
		Silence:       800 * time.Millisecond,
		MaxUtterance:  15 * time.Second,
		Threshold:     0.02,
		MinConfirmed:  3,
		EchoThreshold: 0.15,
		EchoWindow:    200 * time.Millisecond,
	}
}

// Recorder turns a stream of PCM16 frames into utterances. It implements
// Listener.
type Recorder struct {
	cfg    RecorderConfig
	frames <-chan []byte
	vad    VADProvider
	echo   *EchoGuard
	logger Logger

	preroll []byte
}

type RecorderOption func(*Recorder)

// WithVAD swaps the default RMS detector.
func WithVAD(v VADProvider) RecorderOption {
	return func(r *Recorder) { r.vad = v }
}

// WithEchoGuard gates frames through g before they reach the detector.
func WithEchoGuard(g *EchoGuard) RecorderOption {
	return func(r *Recorder) { r.echo = g }
}

func WithRecorderLogger(l Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// NewRecorder reads mono PCM16 frames at cfg.SampleRate from frames. The
// channel closing is treated as a device failure.
func NewRecorder(frames <-chan []byte, cfg RecorderConfig, opts ...RecorderOption) *Recorder {
	def := DefaultRecorderConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Silence <= 0 {
		cfg.Silence = def.Silence
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = def.MaxUtterance
	}
	if cfg.MinConfirmed <= 0 {
		cfg.MinConfirmed = def.MinConfirmed
	}

	r := &Recorder{cfg: cfg, frames: frames, logger: &NoOpLogger{}}
	for _, opt := range opts {
		opt(r)
	}
	if r.vad == nil {
		v := NewRMSVAD(cfg.Threshold, cfg.Silence, cfg.SampleRate)
		v.SetMinConfirmed(cfg.MinConfirmed)
		r.vad = v
	}
	if r.echo != nil && r.echo.Threshold == 0 {
		r.echo.Threshold = cfg.EchoThreshold
	}
	return r
}

func (r *Recorder) SampleRate() int {
	return r.cfg.SampleRate
}

// Listen blocks until the detector closes an utterance or MaxUtterance is
// reached. The onset is sent on onsets before Listen returns; a nil channel
// skips the notification.
func (r *Recorder) Listen(ctx context.Context, onsets chan<- SpeechOnset) (Utterance, error) {
	paddingBytes := r.bytesFor(r.cfg.Padding)
	maxBytes := r.bytesFor(r.cfg.MaxUtterance)

	var speech []byte
	speaking := false
	r.preroll = r.preroll[:0]

	for {
		var frame []byte
		var ok bool
		select {
		case <-ctx.Done():
			return Utterance{}, ctx.Err()
		case frame, ok = <-r.frames:
		}
		if !ok {
			return Utterance{}, fmt.Errorf("%w: capture stream closed", ErrDeviceFailure)
		}

		ev, err := r.vad.Process(r.echo.Filter(frame))
		if err != nil {
			r.logger.Warn("vad error", "vad", r.vad.Name(), "error", err)
			continue
		}

		if !speaking {
			r.keepPreroll(frame, paddingBytes)
			if ev == nil || ev.Type != VADSpeechStart {
				continue
			}
			speaking = true
			speech = append(make([]byte, 0, len(r.preroll)+paddingBytes), r.preroll...)
			r.logger.Debug("speech onset", "preroll_ms", len(r.preroll)*500/r.cfg.SampleRate)
			if onsets != nil {
				select {
				case onsets <- SpeechOnset{At: time.Now()}:
				case <-ctx.Done():
					return Utterance{}, ctx.Err()
				}
			}
			continue
		}

		speech = append(speech, frame...)
		ended := ev != nil && ev.Type == VADSpeechEnd
		if ended || len(speech) >= maxBytes {
			r.vad.Reset()
			if len(speech) > maxBytes {
				speech = speech[:maxBytes]
			}
			return Utterance{PCM: speech, SampleRate: r.cfg.SampleRate}, nil
		}
	}
}

// bytesFor converts d to a PCM16 byte count at the recorder's rate.
func (r *Recorder) bytesFor(d time.Duration) int {
	return int(int64(d)*int64(r.cfg.SampleRate)/int64(time.Second)) * 2
}

func (r *Recorder) keepPreroll(frame []byte, limit int) {
	if limit <= 0 {
		return
	}
	r.preroll = append(r.preroll, frame...)
	if excess := len(r.preroll) - limit; excess > 0 {
		copy(r.preroll, r.preroll[excess:])
		r.preroll = r.preroll[:limit]
	}
}
