package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Stage names a pipeline step for observers.
type Stage string

const (
	StageCapture    Stage = "capture"
	StageRecognize  Stage = "recognize"
	StageGenerate   Stage = "generate"
	StageFirstToken Stage = "first_token"
	StageSynthesize Stage = "synthesize"
	StagePlayback   Stage = "playback"
)

// StageObserver receives pipeline measurements. Implementations must be
// safe for concurrent use.
type StageObserver interface {
	StageDone(stage Stage, d time.Duration, outcome Outcome)
	UnitDropped(stage Stage, reason string)
	Interruption()
	TurnDone(outcome Outcome)
}

type noopObserver struct{}

func (noopObserver) StageDone(Stage, time.Duration, Outcome) {}
func (noopObserver) UnitDropped(Stage, string)               {}
func (noopObserver) Interruption()                           {}
func (noopObserver) TurnDone(Outcome)                        {}

// Orchestrator runs the full-duplex capture -> recognize -> generate ->
// synthesize -> play pipeline. A speech onset at any point interrupts the
// reply in flight.
type Orchestrator struct {
	listener Listener
	stt      Recognizer
	llm      Generator
	tts      Synthesizer
	out      OutputDevice

	config    Config
	logger    Logger
	observer  StageObserver
	sessionID string
	now       func() time.Time

	turns       *TurnControl
	history     *ConversationHistory
	utterances  *StageQueue[Utterance]
	transcripts *LatestMailbox[string]
	textQ       *StageQueue[TextChunk]
	audioQ      *StageQueue[AudioSegment]
	playback    *PlaybackBuffer

	onsets        chan SpeechOnset
	resetPlayback atomic.Bool
	generating    atomic.Bool
	capturing     atomic.Bool
	replies       atomic.Uint64
	running       atomic.Bool

	eventsMu      sync.RWMutex
	events        chan OrchestratorEvent
	eventsClosed  bool
	droppedEvents atomic.Uint64

	stateMu sync.Mutex
	state   State
}

type Option func(*Orchestrator)

func WithLogger(l Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithObserver(obs StageObserver) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithTurnControl shares cancellation and generation state with the caller.
func WithTurnControl(tc *TurnControl) Option {
	return func(o *Orchestrator) {
		if tc != nil {
			o.turns = tc
		}
	}
}

// WithPlaybackBuffer supplies the buffer drained by the output device, so it
// can also back an EchoGuard.
func WithPlaybackBuffer(b *PlaybackBuffer) Option {
	return func(o *Orchestrator) {
		if b != nil {
			o.playback = b
		}
	}
}

func WithSessionID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.sessionID = id
		}
	}
}

// New wires the engines into an orchestrator. Zero config fields take their
// defaults.
func New(listener Listener, stt Recognizer, llm Generator, tts Synthesizer, out OutputDevice, config Config, opts ...Option) (*Orchestrator, error) {
	switch {
	case listener == nil:
		return nil, fmt.Errorf("%w: listener", ErrNilProvider)
	case stt == nil:
		return nil, fmt.Errorf("%w: recognizer", ErrNilProvider)
	case llm == nil:
		return nil, fmt.Errorf("%w: generator", ErrNilProvider)
	case tts == nil:
		return nil, fmt.Errorf("%w: synthesizer", ErrNilProvider)
	case out == nil:
		return nil, fmt.Errorf("%w: output device", ErrNilProvider)
	}
	config = withDefaults(config)

	o := &Orchestrator{
		listener:  listener,
		stt:       stt,
		llm:       llm,
		tts:       tts,
		out:       out,
		config:    config,
		logger:    &NoOpLogger{},
		observer:  noopObserver{},
		sessionID: uuid.NewString(),
		now:       time.Now,
		turns:     NewTurnControl(),
		playback:  NewPlaybackBuffer(),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.history = NewConversationHistory(config.SystemPrompt, config.MaxTurns)
	o.utterances = NewStageQueue[Utterance](config.QueueCapacity)
	o.transcripts = NewLatestMailbox[string]()
	o.textQ = NewStageQueue[TextChunk](config.QueueCapacity)
	o.audioQ = NewStageQueue[AudioSegment](config.QueueCapacity)
	o.onsets = make(chan SpeechOnset, 8)
	o.events = make(chan OrchestratorEvent, config.EventBuffer)
	return o, nil
}

func withDefaults(c Config) Config {
	def := DefaultConfig()
	if c.MaxTurns <= 0 {
		c.MaxTurns = def.MaxTurns
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = def.PopTimeout
	}
	if c.MinUtterance < 0 {
		c.MinUtterance = 0
	}
	if c.OutputChannels <= 0 {
		c.OutputChannels = def.OutputChannels
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.STTTimeout <= 0 {
		c.STTTimeout = def.STTTimeout
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = def.LLMTimeout
	}
	if c.TTSTimeout <= 0 {
		c.TTSTimeout = def.TTSTimeout
	}
	return c
}

// Run starts every stage and blocks until ctx is cancelled or a device
// fails. The events channel is closed when Run returns. Run may only be
// called once.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator already running")
	}
	defer o.closeEvents()

	o.logger.Info("pipeline starting",
		"session", o.sessionID,
		"stt", o.stt.Name(),
		"llm", o.llm.Name(),
		"tts", o.tts.Name())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.captureLoop(gctx) })
	g.Go(func() error { return o.controlLoop(gctx) })
	g.Go(func() error { return o.recognizeLoop(gctx) })
	g.Go(func() error { return o.generateLoop(gctx) })
	g.Go(func() error { return o.synthesizeLoop(gctx) })
	g.Go(func() error { return o.playbackLoop(gctx) })

	err := g.Wait()
	o.turns.Interrupts.Cancel()
	o.logger.Info("pipeline stopped", "session", o.sessionID, "error", err)
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Interrupt abandons the reply in flight: the live token is cancelled, the
// generation advances and every queued unit and buffered sample is dropped.
func (o *Orchestrator) Interrupt() {
	o.turns.Interrupts.Cancel()
	gen := o.turns.Generations.Bump()
	texts := o.textQ.Clear()
	audios := o.audioQ.Clear()
	o.playback.Clear()
	o.resetPlayback.Store(true)
	o.observer.Interruption()

	o.logger.Info("interrupted", "gen", gen, "dropped_text", texts, "dropped_audio", audios)
	o.emit(OrchestratorEvent{Type: Interrupted, Generation: gen})
}

// Events returns the telemetry channel. Events are dropped rather than
// blocking the pipeline when the reader falls behind.
func (o *Orchestrator) Events() <-chan OrchestratorEvent {
	return o.events
}

// DroppedEvents counts telemetry lost to a slow reader.
func (o *Orchestrator) DroppedEvents() uint64 {
	return o.droppedEvents.Load()
}

func (o *Orchestrator) History() *ConversationHistory {
	return o.history
}

func (o *Orchestrator) Playback() *PlaybackBuffer {
	return o.playback
}

func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

func (o *Orchestrator) GetConfig() Config {
	return o.config
}

// GetProviders returns the names of the configured engines.
func (o *Orchestrator) GetProviders() map[string]string {
	return map[string]string{
		"stt": o.stt.Name(),
		"llm": o.llm.Name(),
		"tts": o.tts.Name(),
	}
}

func (o *Orchestrator) State() State {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.stateMu.Lock()
	prev := o.state
	o.state = s
	o.stateMu.Unlock()
	if prev != s {
		o.emit(OrchestratorEvent{Type: StateChanged, State: s})
	}
}

func (o *Orchestrator) emit(ev OrchestratorEvent) {
	ev.SessionID = o.sessionID
	if ev.At.IsZero() {
		ev.At = o.now()
	}

	o.eventsMu.RLock()
	defer o.eventsMu.RUnlock()
	if o.eventsClosed {
		return
	}
	select {
	case o.events <- ev:
	default:
		o.droppedEvents.Add(1)
	}
}

func (o *Orchestrator) closeEvents() {
	o.eventsMu.Lock()
	defer o.eventsMu.Unlock()
	if !o.eventsClosed {
		o.eventsClosed = true
		close(o.events)
	}
}
