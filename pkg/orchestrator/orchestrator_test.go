package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type step struct {
	onset bool
	utt   Utterance
	err   error
}

type scriptListener struct {
	steps chan step
}

func newScriptListener() *scriptListener {
	return &scriptListener{steps: make(chan step, 8)}
}

func (l *scriptListener) Listen(ctx context.Context, onsets chan<- SpeechOnset) (Utterance, error) {
	select {
	case <-ctx.Done():
		return Utterance{}, ctx.Err()
	case s := <-l.steps:
		if s.onset {
			select {
			case onsets <- SpeechOnset{At: time.Now()}:
			case <-ctx.Done():
				return Utterance{}, ctx.Err()
			}
		}
		return s.utt, s.err
	}
}

func speech(d time.Duration) Utterance {
	samples := int(d * 16000 / time.Second)
	return Utterance{PCM: make([]byte, samples*2), SampleRate: 16000}
}

type MockSTTProvider struct {
	mu      sync.Mutex
	results []string
	err     error
	calls   int
}

func (m *MockSTTProvider) Transcribe(ctx context.Context, u Utterance) (Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return Transcription{}, m.err
	}
	text := ""
	if m.calls <= len(m.results) {
		text = m.results[m.calls-1]
	}
	return Transcription{Text: text, Language: "en"}, nil
}

func (m *MockSTTProvider) Name() string {
	return "MockSTT"
}

type llmReply struct {
	deltas []string
	// hang blocks after the deltas until the turn is cancelled
	hang bool
}

type MockLLMProvider struct {
	mu       sync.Mutex
	replies  []llmReply
	startErr error
	calls    [][]Message
}

func (m *MockLLMProvider) Stream(ctx context.Context, history []Message, token *CancelToken) (<-chan Delta, error) {
	m.mu.Lock()
	n := len(m.calls)
	m.calls = append(m.calls, history)
	var reply llmReply
	if n < len(m.replies) {
		reply = m.replies[n]
	}
	startErr := m.startErr
	m.mu.Unlock()

	if startErr != nil {
		return nil, startErr
	}
	ch := make(chan Delta)
	go func() {
		defer close(ch)
		for _, d := range reply.deltas {
			select {
			case ch <- Delta{Text: d}:
			case <-token.Done():
				return
			case <-ctx.Done():
				return
			}
		}
		if reply.hang {
			select {
			case <-token.Done():
			case <-ctx.Done():
			}
			return
		}
		select {
		case ch <- Delta{Final: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (m *MockLLMProvider) Name() string {
	return "MockLLM"
}

func (m *MockLLMProvider) history(call int) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if call >= len(m.calls) {
		return nil
	}
	return m.calls[call]
}

type MockTTSProvider struct {
	mu        sync.Mutex
	calls     []string
	failFirst bool
	block     bool
	// blockFirst blocks only the first n calls until their context ends
	blockFirst int
}

func (m *MockTTSProvider) Synthesize(ctx context.Context, text string) (Audio, error) {
	m.mu.Lock()
	m.calls = append(m.calls, text)
	n := len(m.calls)
	block := m.block || n <= m.blockFirst
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return Audio{}, ctx.Err()
	}
	if m.failFirst && n == 1 {
		return Audio{}, errors.New("synthesis backend unavailable")
	}
	// 100ms of silence
	return Audio{Data: make([]byte, 3200), SampleRate: 16000, Format: FormatPCMS16}, nil
}

func (m *MockTTSProvider) Name() string {
	return "MockTTS"
}

// mockOutput calls the render callback on a timer, like a sound card would.
type mockOutput struct {
	mu       sync.Mutex
	startErr error
	starts   []int
	stop     chan struct{}
	wg       sync.WaitGroup
}

func (m *mockOutput) Start(sampleRate, channels int, render RenderFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.starts = append(m.starts, sampleRate)
	stop := make(chan struct{})
	m.stop = stop
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		buf := make([]float32, 160*channels)
		tick := time.NewTicker(2 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				render(buf, 160, channels)
			}
		}
	}()
	return nil
}

func (m *mockOutput) Stop() error {
	m.mu.Lock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

type recordingObserver struct {
	mu            sync.Mutex
	turns         []Outcome
	dropped       map[string]int
	interruptions int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{dropped: make(map[string]int)}
}

func (r *recordingObserver) StageDone(Stage, time.Duration, Outcome) {}

func (r *recordingObserver) UnitDropped(stage Stage, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped[string(stage)+"/"+reason]++
}

func (r *recordingObserver) Interruption() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interruptions++
}

func (r *recordingObserver) TurnDone(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, o)
}

func (r *recordingObserver) turnOutcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.turns...)
}

type harness struct {
	t        *testing.T
	orch     *Orchestrator
	listener *scriptListener
	stt      *MockSTTProvider
	llm      *MockLLMProvider
	tts      *MockTTSProvider
	out      *mockOutput
	obs      *recordingObserver
	seen     []OrchestratorEvent

	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, stt *MockSTTProvider, llm *MockLLMProvider, tts *MockTTSProvider, out *mockOutput, tweaks ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		listener: newScriptListener(),
		stt:      stt,
		llm:      llm,
		tts:      tts,
		out:      out,
		obs:      newRecordingObserver(),
	}
	cfg := DefaultConfig()
	cfg.SystemPrompt = "sys"
	cfg.PopTimeout = 10 * time.Millisecond
	cfg.MinUtterance = 500 * time.Millisecond
	for _, tw := range tweaks {
		tw(&cfg)
	}

	orch, err := New(h.listener, stt, llm, tts, out, cfg, WithObserver(h.obs))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.orch = orch
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.orch.Run(ctx) }()
	h.t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			h.t.Error("Run did not return after cancel")
		}
	})
}

// waitFor reads events until pred matches.
func (h *harness) waitFor(desc string, pred func(OrchestratorEvent) bool) OrchestratorEvent {
	h.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-h.orch.Events():
			if !ok {
				h.t.Fatalf("events closed while waiting for %s", desc)
			}
			h.seen = append(h.seen, ev)
			if pred(ev) {
				return ev
			}
		case <-timeout:
			h.t.Fatalf("timed out waiting for %s; saw %s", desc, eventTypes(h.seen))
		}
	}
}

// waitCount returns once n matching events have been seen, including ones
// read by earlier waits.
func (h *harness) waitCount(desc string, pred func(OrchestratorEvent) bool, n int) []OrchestratorEvent {
	h.t.Helper()
	for {
		var got []OrchestratorEvent
		for _, ev := range h.seen {
			if pred(ev) {
				got = append(got, ev)
			}
		}
		if len(got) >= n {
			return got
		}
		h.waitFor(desc, pred)
	}
}

func (h *harness) waitType(typ EventType) OrchestratorEvent {
	h.t.Helper()
	return h.waitFor(string(typ), func(ev OrchestratorEvent) bool { return ev.Type == typ })
}

func eventTypes(evs []OrchestratorEvent) string {
	var b strings.Builder
	for _, ev := range evs {
		fmt.Fprintf(&b, "%s(g%d s%d) ", ev.Type, ev.Generation, ev.Segment)
	}
	return b.String()
}

func waitUntil(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOrchestratorCreation(t *testing.T) {
	l := newScriptListener()
	stt := &MockSTTProvider{}
	llm := &MockLLMProvider{}
	tts := &MockTTSProvider{}
	out := &mockOutput{}

	orch, err := New(l, stt, llm, tts, out, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	providers := orch.GetProviders()
	if providers["stt"] != "MockSTT" || providers["llm"] != "MockLLM" || providers["tts"] != "MockTTS" {
		t.Errorf("unexpected providers %v", providers)
	}
	if orch.GetConfig().QueueCapacity != DefaultConfig().QueueCapacity {
		t.Error("zero config should take defaults")
	}
	if orch.SessionID() == "" {
		t.Error("expected a session id")
	}
	if orch.State() != StateIdle {
		t.Errorf("expected IDLE, got %s", orch.State())
	}

	cases := []struct {
		name string
		fn   func() (*Orchestrator, error)
	}{
		{"listener", func() (*Orchestrator, error) { return New(nil, stt, llm, tts, out, Config{}) }},
		{"recognizer", func() (*Orchestrator, error) { return New(l, nil, llm, tts, out, Config{}) }},
		{"generator", func() (*Orchestrator, error) { return New(l, stt, nil, tts, out, Config{}) }},
		{"synthesizer", func() (*Orchestrator, error) { return New(l, stt, llm, nil, out, Config{}) }},
		{"output", func() (*Orchestrator, error) { return New(l, stt, llm, tts, nil, Config{}) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.fn(); !errors.Is(err, ErrNilProvider) {
				t.Errorf("expected ErrNilProvider, got %v", err)
			}
		})
	}
}

func TestFullTurn(t *testing.T) {
	h := newHarness(t,
		&MockSTTProvider{results: []string{"hello"}},
		&MockLLMProvider{replies: []llmReply{{deltas: []string{"Hi there, nice ", "to meet you.", " How can I help?"}}}},
		&MockTTSProvider{},
		&mockOutput{},
	)
	h.start()
	h.listener.steps <- step{utt: speech(time.Second)}

	tr := h.waitType(TranscriptFinal)
	if tr.Text != "hello" || tr.Language != "en" {
		t.Errorf("unexpected transcript event %+v", tr)
	}
	resp := h.waitType(BotResponse)
	if resp.Text != "Hi there, nice to meet you. How can I help?" {
		t.Errorf("unexpected reply %q", resp.Text)
	}

	played := map[int]bool{}
	isPlayed := func(ev OrchestratorEvent) bool { return ev.Type == SegmentPlayed }
	for _, ev := range h.waitCount("two played segments", isPlayed, 2) {
		if ev.Generation != resp.Generation {
			t.Errorf("played segment from generation %d, want %d", ev.Generation, resp.Generation)
		}
		played[ev.Segment] = true
	}
	if !played[1] || !played[2] {
		t.Errorf("expected segments 1 and 2 played, got %v", played)
	}

	h.tts.mu.Lock()
	calls := append([]string(nil), h.tts.calls...)
	h.tts.mu.Unlock()
	if len(calls) != 2 || calls[0] != "Hi there, nice to meet you." || calls[1] != " How can I help?" {
		t.Errorf("unexpected synthesis calls %q", calls)
	}

	hist := h.orch.History().Snapshot()
	if len(hist) != 3 {
		t.Fatalf("expected 3 messages, got %+v", hist)
	}
	if hist[1].Role != RoleUser || hist[1].Content != "hello" {
		t.Errorf("unexpected user turn %+v", hist[1])
	}
	if hist[2].Role != RoleAssistant || hist[2].Content != resp.Text {
		t.Errorf("unexpected assistant turn %+v", hist[2])
	}

	waitUntil(t, "idle state", func() bool { return h.orch.State() == StateIdle })
	if got := h.obs.turnOutcomes(); len(got) != 1 || got[0] != OutcomeOK {
		t.Errorf("expected one ok turn, got %v", got)
	}

	h.cancel()
	if err := <-h.done; err != nil {
		t.Errorf("Run returned %v after cancel", err)
	}
	h.done <- nil
	for range h.orch.Events() {
	}
}

func TestBargeIn(t *testing.T) {
	h := newHarness(t,
		&MockSTTProvider{results: []string{"first question", "second question"}},
		&MockLLMProvider{replies: []llmReply{
			{deltas: []string{"First sentence is here.", " And then"}, hang: true},
			{deltas: []string{"Second answer."}},
		}},
		&MockTTSProvider{},
		&mockOutput{},
	)
	h.start()
	h.listener.steps <- step{utt: speech(time.Second)}

	first := h.waitType(SegmentPlayed)
	gen1 := first.Generation

	// user starts talking over the reply; the fragment is too short to keep
	h.listener.steps <- step{onset: true, utt: speech(100 * time.Millisecond)}
	h.waitType(UserSpeaking)
	intr := h.waitType(Interrupted)
	if intr.Generation <= gen1 {
		t.Errorf("interrupt should advance the generation past %d, got %d", gen1, intr.Generation)
	}

	waitUntil(t, "cancelled turn", func() bool { return len(h.obs.turnOutcomes()) == 1 })
	if got := h.obs.turnOutcomes()[0]; got != OutcomeCancelled {
		t.Errorf("expected cancelled turn, got %s", got)
	}
	hist := h.orch.History().Snapshot()
	if len(hist) != 2 || hist[1].Content != "first question" {
		t.Errorf("interrupted reply must not be committed, got %+v", hist)
	}

	mark := len(h.seen)
	h.listener.steps <- step{utt: speech(time.Second)}
	resp := h.waitType(BotResponse)
	if resp.Text != "Second answer." {
		t.Errorf("unexpected reply %q", resp.Text)
	}
	h.waitCount("second reply played", func(ev OrchestratorEvent) bool {
		return ev.Type == SegmentPlayed && ev.Generation == resp.Generation
	}, 1)
	for _, ev := range h.seen[mark:] {
		if (ev.Type == SegmentReady || ev.Type == SegmentPlayed) && ev.Generation == gen1 {
			t.Errorf("stale segment surfaced after interrupt: %+v", ev)
		}
	}

	sent := h.llm.history(1)
	var roles []string
	for _, m := range sent {
		roles = append(roles, m.Role+":"+m.Content)
	}
	want := []string{"system:sys", "user:first question", "user:second question"}
	if strings.Join(roles, "|") != strings.Join(want, "|") {
		t.Errorf("second turn history = %q, want %q", roles, want)
	}
}

func TestInterruptDropsInflightSynthesis(t *testing.T) {
	h := newHarness(t,
		&MockSTTProvider{results: []string{"hi"}},
		&MockLLMProvider{replies: []llmReply{{deltas: []string{"This reply will never be spoken."}}}},
		&MockTTSProvider{block: true},
		&mockOutput{},
	)
	h.start()
	h.listener.steps <- step{utt: speech(time.Second)}

	queued := h.waitType(SegmentQueued)
	waitUntil(t, "synthesis started", func() bool {
		h.tts.mu.Lock()
		defer h.tts.mu.Unlock()
		return len(h.tts.calls) == 1
	})
	h.orch.Interrupt()

	dropped := h.waitType(SegmentDropped)
	if dropped.Generation != queued.Generation || dropped.Segment != queued.Segment {
		t.Errorf("dropped %+v, want generation %d segment %d", dropped, queued.Generation, queued.Segment)
	}
	waitUntil(t, "drop recorded", func() bool {
		h.obs.mu.Lock()
		defer h.obs.mu.Unlock()
		return h.obs.dropped["synthesize/stale"] == 1 && h.obs.interruptions == 1
	})
}

func TestSynthesisFailureDropsSegment(t *testing.T) {
	h := newHarness(t,
		&MockSTTProvider{results: []string{"hi"}},
		&MockLLMProvider{replies: []llmReply{{deltas: []string{"This part fails, sadly.", " This part plays fine."}}}},
		&MockTTSProvider{failFirst: true},
		&mockOutput{},
	)
	h.start()
	h.listener.steps <- step{utt: speech(time.Second)}

	errEv := h.waitType(ErrorEvent)
	if !errors.Is(errEv.Err, ErrEngineFailure) {
		t.Errorf("expected ErrEngineFailure, got %v", errEv.Err)
	}
	if errEv.Segment != 1 {
		t.Errorf("expected segment 1 to fail, got %d", errEv.Segment)
	}
	played := h.waitCount("played segment", func(ev OrchestratorEvent) bool { return ev.Type == SegmentPlayed }, 1)[0]
	if played.Segment != 2 {
		t.Errorf("expected segment 2 to play, got %d", played.Segment)
	}
	waitUntil(t, "reply committed", func() bool { return h.orch.History().Len() == 3 })
	if h.orch.History().LastAssistant() != "This part fails, sadly. This part plays fine." {
		t.Errorf("unexpected committed reply %q", h.orch.History().LastAssistant())
	}
}

func TestRecognitionFailure(t *testing.T) {
	h := newHarness(t,
		&MockSTTProvider{err: errors.New("upstream 503")},
		&MockLLMProvider{},
		&MockTTSProvider{},
		&mockOutput{},
	)
	h.start()
	h.listener.steps <- step{utt: speech(time.Second)}

	ev := h.waitType(ErrorEvent)
	if !errors.Is(ev.Err, ErrEngineFailure) || !strings.Contains(ev.Err.Error(), "MockSTT") {
		t.Errorf("unexpected error %v", ev.Err)
	}
	waitUntil(t, "idle state", func() bool { return h.orch.State() == StateIdle })
	if h.llm.history(0) != nil {
		t.Error("generator should not run after a failed transcription")
	}
}

func TestShortUtteranceSkipped(t *testing.T) {
	stt := &MockSTTProvider{results: []string{"kept"}}
	h := newHarness(t, stt, &MockLLMProvider{replies: []llmReply{{deltas: []string{"Ok then."}}}}, &MockTTSProvider{}, &mockOutput{})
	h.start()
	h.listener.steps <- step{utt: speech(100 * time.Millisecond)}
	h.listener.steps <- step{utt: speech(time.Second)}

	tr := h.waitType(TranscriptFinal)
	if tr.Text != "kept" {
		t.Errorf("unexpected transcript %q", tr.Text)
	}
	stt.mu.Lock()
	defer stt.mu.Unlock()
	if stt.calls != 1 {
		t.Errorf("short utterance should not be transcribed, got %d calls", stt.calls)
	}
}

func TestDeviceFailureStopsRun(t *testing.T) {
	t.Run("Output", func(t *testing.T) {
		h := newHarness(t,
			&MockSTTProvider{results: []string{"hi"}},
			&MockLLMProvider{replies: []llmReply{{deltas: []string{"Hello there friend."}}}},
			&MockTTSProvider{},
			&mockOutput{startErr: errors.New("no such device")},
		)
		h.start()
		h.listener.steps <- step{utt: speech(time.Second)}

		select {
		case err := <-h.done:
			if !errors.Is(err, ErrDeviceFailure) {
				t.Errorf("expected ErrDeviceFailure, got %v", err)
			}
			h.done <- err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not stop on output failure")
		}
	})

	t.Run("Capture", func(t *testing.T) {
		h := newHarness(t, &MockSTTProvider{}, &MockLLMProvider{}, &MockTTSProvider{}, &mockOutput{})
		h.start()
		h.listener.steps <- step{err: fmt.Errorf("%w: mic unplugged", ErrDeviceFailure)}

		select {
		case err := <-h.done:
			if !errors.Is(err, ErrDeviceFailure) {
				t.Errorf("expected ErrDeviceFailure, got %v", err)
			}
			h.done <- err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not stop on capture failure")
		}
	})
}

func TestInterruptClearsQueues(t *testing.T) {
	obs := newRecordingObserver()
	orch, err := New(newScriptListener(), &MockSTTProvider{}, &MockLLMProvider{}, &MockTTSProvider{}, &mockOutput{}, Config{}, WithObserver(obs))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	gen := orch.turns.Generations.Bump()
	tok := orch.turns.Interrupts.NewToken(context.Background())
	orch.textQ.Push(TextChunk{GenerationID: gen, Index: 1, Text: "a"})
	orch.audioQ.Push(AudioSegment{GenerationID: gen, Index: 1})
	orch.playback.Push([]float32{1, 2, 3}, SegmentRecord{GenerationID: gen, Index: 1})

	orch.Interrupt()

	if !tok.Cancelled() {
		t.Error("live token should be cancelled")
	}
	if orch.turns.Generations.IsCurrent(gen) {
		t.Error("generation should advance")
	}
	if orch.textQ.Len() != 0 || orch.audioQ.Len() != 0 {
		t.Error("queues should be empty")
	}
	if orch.playback.Buffered() != 0 || !orch.playback.Idle() || orch.playback.PopCompleted() != nil {
		t.Error("playback buffer should hold no pending or completed segments")
	}
	if !orch.resetPlayback.Load() {
		t.Error("playback reset should be requested")
	}
	if obs.interruptions != 1 {
		t.Errorf("expected one interruption, got %d", obs.interruptions)
	}
	select {
	case ev := <-orch.Events():
		if ev.Type != Interrupted || ev.SessionID != orch.SessionID() {
			t.Errorf("unexpected event %+v", ev)
		}
	default:
		t.Error("expected an Interrupted event")
	}
}

func TestGenerationTimeoutNotCommitted(t *testing.T) {
	h := newHarness(t,
		&MockSTTProvider{results: []string{"q"}},
		&MockLLMProvider{replies: []llmReply{{deltas: []string{"Partial answer that"}, hang: true}}},
		&MockTTSProvider{},
		&mockOutput{},
		func(c *Config) { c.LLMTimeout = 200 * time.Millisecond },
	)
	h.start()
	h.listener.steps <- step{utt: speech(time.Second)}

	ev := h.waitType(ErrorEvent)
	if !errors.Is(ev.Err, ErrEngineFailure) || !strings.Contains(ev.Err.Error(), "deadline") {
		t.Errorf("expected engine failure on deadline, got %v", ev.Err)
	}
	waitUntil(t, "turn done", func() bool { return len(h.obs.turnOutcomes()) == 1 })
	if got := h.obs.turnOutcomes()[0]; got != OutcomeFailed {
		t.Errorf("expected failed turn, got %s", got)
	}
	hist := h.orch.History().Snapshot()
	if len(hist) != 2 || hist[1].Role != RoleUser {
		t.Errorf("timed-out reply must not be committed, got %+v", hist)
	}
	for _, seen := range h.seen {
		if seen.Type == SegmentQueued || seen.Type == BotResponse {
			t.Errorf("partial tail should not be spoken: %+v", seen)
		}
	}
}

func TestTranscriptWithoutOnsetInterrupts(t *testing.T) {
	h := newHarness(t,
		&MockSTTProvider{results: []string{"first", "second"}},
		&MockLLMProvider{replies: []llmReply{
			{deltas: []string{"A long first reply."}, hang: true},
			{deltas: []string{"Second answer."}},
		}},
		&MockTTSProvider{},
		&mockOutput{},
	)
	h.start()
	h.listener.steps <- step{utt: speech(time.Second)}
	first := h.waitType(SegmentPlayed)

	// no onset: the speech stayed under the echo gate
	h.listener.steps <- step{utt: speech(time.Second)}
	intr := h.waitType(Interrupted)
	if intr.Generation <= first.Generation {
		t.Errorf("interrupt should advance past generation %d, got %d", first.Generation, intr.Generation)
	}
	resp := h.waitType(BotResponse)
	if resp.Text != "Second answer." {
		t.Errorf("unexpected reply %q", resp.Text)
	}
	waitUntil(t, "both turns done", func() bool { return len(h.obs.turnOutcomes()) == 2 })
	if got := h.obs.turnOutcomes()[0]; got != OutcomeCancelled {
		t.Errorf("first turn should be cancelled, got %s", got)
	}
}

func TestInterruptDropsQueuedSegments(t *testing.T) {
	deltas := make([]string, 10)
	for i := range deltas {
		deltas[i] = fmt.Sprintf("Sentence number %d. ", i+1)
	}
	tts := &MockTTSProvider{blockFirst: 1}
	h := newHarness(t,
		&MockSTTProvider{results: []string{"talk", "again"}},
		&MockLLMProvider{replies: []llmReply{
			{deltas: deltas, hang: true},
			{deltas: []string{"Short reply."}},
		}},
		tts,
		&mockOutput{},
	)
	h.start()
	h.listener.steps <- step{utt: speech(time.Second)}

	// the first segment is stuck in synthesis, the other nine wait behind it
	queued := h.waitCount("segments queued", func(ev OrchestratorEvent) bool { return ev.Type == SegmentQueued }, 10)
	gen1 := queued[0].Generation
	h.orch.Interrupt()

	if n := h.orch.textQ.Len(); n != 0 {
		t.Errorf("text queue holds %d segments after interrupt", n)
	}
	if h.orch.audioQ.Len() != 0 || !h.orch.playback.Idle() || h.orch.playback.PopCompleted() != nil {
		t.Error("no audio or segment records should survive the interrupt")
	}
	waitUntil(t, "cancelled turn", func() bool { return len(h.obs.turnOutcomes()) == 1 })

	mark := len(h.seen)
	h.listener.steps <- step{utt: speech(time.Second)}
	resp := h.waitType(BotResponse)
	h.waitCount("reply played", func(ev OrchestratorEvent) bool {
		return ev.Type == SegmentPlayed && ev.Generation == resp.Generation
	}, 1)
	for _, ev := range h.seen[mark:] {
		if ev.Generation == gen1 && (ev.Type == SegmentQueued || ev.Type == SegmentReady || ev.Type == SegmentPlayed) {
			t.Errorf("stale segment accepted after interrupt: %+v", ev)
		}
	}
	tts.mu.Lock()
	defer tts.mu.Unlock()
	for _, text := range tts.calls[1:] {
		if strings.Contains(text, "Sentence") {
			t.Errorf("stale segment %q reached synthesis", text)
		}
	}
}

func TestRunOnce(t *testing.T) {
	orch, err := New(newScriptListener(), &MockSTTProvider{}, &MockLLMProvider{}, &MockTTSProvider{}, &mockOutput{}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := orch.Run(ctx); err != nil {
		t.Fatalf("Run with cancelled context: %v", err)
	}
	if _, ok := <-orch.Events(); ok {
		t.Error("events should be closed after Run")
	}
	if err := orch.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
}

func TestEventsNeverBlock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventBuffer = 2
	orch, err := New(newScriptListener(), &MockSTTProvider{}, &MockLLMProvider{}, &MockTTSProvider{}, &mockOutput{}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 5; i++ {
		orch.emit(OrchestratorEvent{Type: SegmentQueued})
	}
	if orch.DroppedEvents() != 3 {
		t.Errorf("expected 3 dropped events, got %d", orch.DroppedEvents())
	}
	orch.closeEvents()
	orch.emit(OrchestratorEvent{Type: SegmentQueued})
}
