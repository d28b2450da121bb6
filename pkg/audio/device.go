package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

// Engine owns the miniaudio context shared by the microphone and speaker.
type Engine struct {
	mctx *malgo.AllocatedContext
}

func NewEngine() (*Engine, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: init context: %w", err)
	}
	return &Engine{mctx: mctx}, nil
}

func (e *Engine) Close() error {
	if e.mctx == nil {
		return nil
	}
	err := e.mctx.Uninit()
	e.mctx.Free()
	e.mctx = nil
	return err
}

// Speaker plays float32 audio pulled from a render callback.
type Speaker struct {
	engine *Engine

	mu     sync.Mutex
	device *malgo.Device

	scratch []float32
}

func (e *Engine) Speaker() *Speaker {
	return &Speaker{engine: e}
}

// Start opens a playback device at sampleRate and begins pulling audio from
// render. An already running device is replaced.
func (s *Speaker) Start(sampleRate, channels int, render func(out []float32, frames, channels int)) error {
	if render == nil {
		return errors.New("audio: nil render func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = uint32(channels)
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	// sized for a generous period so the callback does not allocate
	s.scratch = make([]float32, sampleRate/10*channels)

	onSamples := func(pOutput, _ []byte, frameCount uint32) {
		n := int(frameCount) * channels
		if cap(s.scratch) < n {
			s.scratch = make([]float32, n)
		}
		buf := s.scratch[:n]
		render(buf, int(frameCount), channels)
		for i, v := range buf {
			binary.LittleEndian.PutUint32(pOutput[4*i:], math.Float32bits(v))
		}
	}

	device, err := malgo.InitDevice(s.engine.mctx.Context, cfg, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		return fmt.Errorf("audio: init playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("audio: start playback: %w", err)
	}
	s.device = device
	return nil
}

// Stop halts playback and releases the device.
func (s *Speaker) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Speaker) stopLocked() error {
	if s.device == nil {
		return nil
	}
	err := s.device.Stop()
	s.device.Uninit()
	s.device = nil
	return err
}

// Microphone captures mono PCM16 and delivers each device period as a frame.
type Microphone struct {
	engine     *Engine
	sampleRate int

	mu      sync.Mutex
	device  *malgo.Device
	frames  chan []byte
	closed  bool
	dropped atomic.Uint64
}

// Microphone returns a capture source at sampleRate. buffer bounds how many
// frames may wait for the reader before new ones are dropped.
func (e *Engine) Microphone(sampleRate, buffer int) *Microphone {
	if buffer < 1 {
		buffer = 64
	}
	return &Microphone{engine: e, sampleRate: sampleRate, frames: make(chan []byte, buffer)}
}

func (m *Microphone) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("audio: microphone closed")
	}
	if m.device != nil {
		return nil
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(m.sampleRate)
	cfg.PeriodSizeInMilliseconds = 20
	cfg.Alsa.NoMMap = 1

	onSamples := func(_, pInput []byte, _ uint32) {
		if len(pInput) == 0 {
			return
		}
		frame := make([]byte, len(pInput))
		copy(frame, pInput)
		select {
		case m.frames <- frame:
		default:
			m.dropped.Add(1)
		}
	}

	device, err := malgo.InitDevice(m.engine.mctx.Context, cfg, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		return fmt.Errorf("audio: init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("audio: start capture: %w", err)
	}
	m.device = device
	return nil
}

// Frames yields captured audio. It is closed by Close.
func (m *Microphone) Frames() <-chan []byte {
	return m.frames
}

func (m *Microphone) SampleRate() int {
	return m.sampleRate
}

// Dropped counts frames lost because the reader fell behind.
func (m *Microphone) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var err error
	if m.device != nil {
		err = m.device.Stop()
		m.device.Uninit()
		m.device = nil
	}
	close(m.frames)
	return err
}
