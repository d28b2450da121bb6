package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lokutor-ai/lokutor-duplex/pkg/audio"
)

func (o *Orchestrator) captureLoop(ctx context.Context) error {
	for {
		u, err := o.listener.Listen(ctx, o.onsets)
		o.capturing.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, ErrDeviceFailure) {
				o.logger.Error("capture device failed", "error", err)
				o.emit(OrchestratorEvent{Type: ErrorEvent, Err: err})
				return err
			}
			o.logger.Warn("capture failed", "error", err)
			continue
		}

		d := u.Duration()
		if d < o.config.MinUtterance {
			o.logger.Debug("utterance too short, skipped", "duration", d)
			o.observer.UnitDropped(StageCapture, "too_short")
			o.settle()
			continue
		}
		o.observer.StageDone(StageCapture, d, OutcomeOK)
		if o.utterances.Push(u) {
			o.observer.UnitDropped(StageCapture, "evicted")
		}
	}
}

// controlLoop turns speech onsets into interruptions.
func (o *Orchestrator) controlLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case onset := <-o.onsets:
			o.capturing.Store(true)
			o.setState(StateCapturing)
			o.emit(OrchestratorEvent{Type: UserSpeaking, At: onset.At})
			o.Interrupt()
		}
	}
}

func (o *Orchestrator) recognizeLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		u, ok := o.utterances.Pop(o.config.PopTimeout)
		if !ok {
			continue
		}
		o.capturing.Store(false)
		o.setState(StateRecognizing)

		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, o.config.STTTimeout)
		tr, err := o.stt.Transcribe(sctx, u)
		cancel()
		elapsed := time.Since(start)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			err = fmt.Errorf("%w: %s: %v", ErrEngineFailure, o.stt.Name(), err)
			o.observer.StageDone(StageRecognize, elapsed, OutcomeFailed)
			o.logger.Warn("transcription failed", "error", err)
			o.emit(OrchestratorEvent{Type: ErrorEvent, Err: err})
			o.settle()
			continue
		}
		o.observer.StageDone(StageRecognize, elapsed, OutcomeOK)

		text := strings.TrimSpace(tr.Text)
		if text == "" {
			o.logger.Debug("empty transcription", "backend", tr.Backend)
			o.settle()
			continue
		}
		backend := tr.Backend
		if backend == "" {
			backend = o.stt.Name()
		}
		o.logger.Info("transcript", "backend", backend, "lang", tr.Language, "text", text, "stt_ms", elapsed.Milliseconds())
		o.emit(OrchestratorEvent{Type: TranscriptFinal, Text: text, Language: tr.Language, Duration: elapsed})

		// a transcript with no onset before it still barges in
		if o.generating.Load() || o.textQ.Len() > 0 || o.audioQ.Len() > 0 || !o.playback.Idle() {
			o.Interrupt()
		} else {
			o.turns.Interrupts.Cancel()
		}
		o.transcripts.Push(text)
	}
	return nil
}

func (o *Orchestrator) generateLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		text, ok := o.transcripts.Pop(o.config.PopTimeout)
		if !ok {
			continue
		}
		outcome := o.runTurn(ctx, text)
		o.observer.TurnDone(outcome)
	}
	return nil
}

// runTurn streams one reply into the text queue. The assistant turn is
// committed only when the stream completes without cancellation.
func (o *Orchestrator) runTurn(ctx context.Context, userText string) Outcome {
	o.history.AppendUser(userText)
	token := o.turns.Interrupts.NewToken(ctx)
	gen := o.turns.Generations.Bump()
	reply := o.replies.Add(1)

	o.generating.Store(true)
	defer func() {
		o.generating.Store(false)
		o.settle()
	}()
	o.setState(StateGenerating)
	o.emit(OrchestratorEvent{Type: BotThinking, Generation: gen, ReplyID: reply, Text: userText})

	start := time.Now()
	answer, err := o.generate(token, gen, reply)
	elapsed := time.Since(start)
	outcome := classify(err)
	o.observer.StageDone(StageGenerate, elapsed, outcome)

	switch outcome {
	case OutcomeCancelled:
		o.logger.Info("generation interrupted", "gen", gen, "reply", reply)
		return outcome
	case OutcomeFailed:
		o.logger.Warn("generation failed", "gen", gen, "reply", reply, "error", err)
		o.emit(OrchestratorEvent{Type: ErrorEvent, Generation: gen, ReplyID: reply, Err: err})
		return outcome
	}

	if answer == "" {
		o.logger.Debug("empty reply", "gen", gen, "reply", reply)
		return outcome
	}
	o.history.AppendAssistant(answer)
	o.logger.Info("reply done", "gen", gen, "reply", reply, "llm_ms", elapsed.Milliseconds())
	o.emit(OrchestratorEvent{Type: BotResponse, Generation: gen, ReplyID: reply, Text: answer, Duration: elapsed})
	return outcome
}

func (o *Orchestrator) generate(token *CancelToken, gen GenerationID, reply uint64) (string, error) {
	ctx, cancel := context.WithTimeout(token.Context(), o.config.LLMTimeout)
	defer cancel()

	deltas, err := o.llm.Stream(ctx, o.history.Snapshot(), token)
	if err != nil {
		if token.Cancelled() {
			return "", ErrCancelled
		}
		return "", fmt.Errorf("%w: %s: %v", ErrEngineFailure, o.llm.Name(), err)
	}

	seg := newStreamSegmenter(o.config.Segmenter, o.now)
	ticker := time.NewTicker(o.config.PopTimeout)
	defer ticker.Stop()

	var full strings.Builder
	start := time.Now()
	first := true

	for done := false; !done; {
		select {
		case <-token.Done():
			return "", ErrCancelled
		case <-ctx.Done():
			done = true
		case now := <-ticker.C:
			o.enqueue(gen, reply, seg.FlushDue(now))
		case d, ok := <-deltas:
			if !ok {
				done = true
				break
			}
			if token.Cancelled() {
				return "", ErrCancelled
			}
			if d.Err != nil {
				return "", fmt.Errorf("%w: %s: %v", ErrEngineFailure, o.llm.Name(), d.Err)
			}
			if d.Text != "" {
				if first {
					first = false
					o.observer.StageDone(StageFirstToken, time.Since(start), OutcomeOK)
				}
				full.WriteString(d.Text)
				o.enqueue(gen, reply, seg.Push(d.Text))
			}
			done = d.Final
		}
	}

	if token.Cancelled() {
		return "", ErrCancelled
	}
	// a stream closed by the turn deadline is incomplete
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrEngineFailure, o.llm.Name(), err)
	}

	answer := strings.TrimSpace(full.String())
	if answer == "" {
		return "", nil
	}
	o.enqueue(gen, reply, seg.Flush())
	if token.Cancelled() {
		return "", ErrCancelled
	}
	return answer, nil
}

// enqueue forwards segments to synthesis. Blank segments still consume their
// index but are not queued.
func (o *Orchestrator) enqueue(gen GenerationID, reply uint64, segs []Segment) {
	for _, s := range segs {
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		if !o.turns.Generations.IsCurrent(gen) {
			o.dropStale(StageGenerate, gen, reply, s.Index)
			continue
		}
		chunk := TextChunk{GenerationID: gen, ReplyID: reply, Index: s.Index, Text: s.Text, QueuedAt: o.now()}
		if o.textQ.Push(chunk) {
			o.logger.Warn("text queue full, oldest segment evicted", "gen", gen, "reply", reply)
			o.observer.UnitDropped(StageSynthesize, "evicted")
		}
		o.logger.Debug("segment queued", "gen", gen, "reply", reply, "seg", s.Index, "chars", len([]rune(s.Text)))
		o.emit(OrchestratorEvent{Type: SegmentQueued, Generation: gen, ReplyID: reply, Segment: s.Index, Text: s.Text})
	}
}

func (o *Orchestrator) synthesizeLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		c, ok := o.textQ.Pop(o.config.PopTimeout)
		if !ok {
			continue
		}
		if !o.turns.Generations.IsCurrent(c.GenerationID) {
			o.dropStale(StageSynthesize, c.GenerationID, c.ReplyID, c.Index)
			continue
		}

		out, err := o.synthesize(ctx, c)
		switch classify(err) {
		case OutcomeCancelled:
			o.dropStale(StageSynthesize, c.GenerationID, c.ReplyID, c.Index)
			continue
		case OutcomeFailed:
			if ctx.Err() != nil {
				return nil
			}
			o.logger.Warn("synthesis failed, segment dropped", "gen", c.GenerationID, "reply", c.ReplyID, "seg", c.Index, "error", err)
			o.observer.UnitDropped(StageSynthesize, "engine_failure")
			o.emit(OrchestratorEvent{Type: ErrorEvent, Generation: c.GenerationID, ReplyID: c.ReplyID, Segment: c.Index, Err: err})
			continue
		}

		if o.audioQ.Push(out) {
			o.logger.Warn("audio queue full, oldest segment evicted", "gen", c.GenerationID)
			o.observer.UnitDropped(StagePlayback, "evicted")
		}
		o.logger.Debug("segment synthesized", "gen", c.GenerationID, "reply", c.ReplyID, "seg", c.Index, "tts_ms", out.SynthDuration.Milliseconds())
		o.emit(OrchestratorEvent{Type: SegmentReady, Generation: c.GenerationID, ReplyID: c.ReplyID, Segment: c.Index, Duration: out.SynthDuration})
	}
	return nil
}

func (o *Orchestrator) synthesize(ctx context.Context, c TextChunk) (AudioSegment, error) {
	base := ctx
	if tok := o.turns.Interrupts.Current(); tok != nil {
		base = tok.Context()
	}
	sctx, cancel := context.WithTimeout(base, o.config.TTSTimeout)
	defer cancel()

	start := time.Now()
	a, err := o.tts.Synthesize(sctx, c.Text)
	elapsed := time.Since(start)
	if !o.turns.Generations.IsCurrent(c.GenerationID) {
		return AudioSegment{}, ErrStaleUnit
	}
	if err != nil && base.Err() != nil && ctx.Err() == nil {
		return AudioSegment{}, ErrCancelled
	}
	if err != nil {
		o.observer.StageDone(StageSynthesize, elapsed, OutcomeFailed)
		return AudioSegment{}, fmt.Errorf("%w: %s: %v", ErrEngineFailure, o.tts.Name(), err)
	}
	o.observer.StageDone(StageSynthesize, elapsed, OutcomeOK)
	return AudioSegment{
		GenerationID:  c.GenerationID,
		ReplyID:       c.ReplyID,
		Index:         c.Index,
		Audio:         a,
		TextLen:       len([]rune(c.Text)),
		SynthDuration: elapsed,
	}, nil
}

// playbackLoop is the only producer into the playback buffer and the only
// goroutine that starts or stops the output device.
func (o *Orchestrator) playbackLoop(ctx context.Context) error {
	channels := o.config.OutputChannels
	render := func(out []float32, frames, ch int) {
		o.playback.Drain(out, frames, ch)
	}
	rate := 0
	started := false
	stop := func() {
		if !started {
			return
		}
		if err := o.out.Stop(); err != nil {
			o.logger.Warn("output stop failed", "error", err)
		}
		started = false
	}
	defer stop()

	for ctx.Err() == nil {
		if o.resetPlayback.Swap(false) {
			o.playback.Clear()
			stop()
		}

		seg, ok := o.audioQ.Pop(o.config.PopTimeout)
		if !ok {
			o.reportPlayed()
			continue
		}
		if !o.turns.Generations.IsCurrent(seg.GenerationID) {
			o.dropStale(StagePlayback, seg.GenerationID, seg.ReplyID, seg.Index)
			continue
		}

		samples, sr, err := audio.Decode(seg.Audio.Data, string(seg.Audio.Format), seg.Audio.SampleRate)
		if err != nil {
			o.logger.Warn("audio decode failed, segment dropped", "gen", seg.GenerationID, "seg", seg.Index, "error", err)
			o.observer.UnitDropped(StagePlayback, "decode_failure")
			continue
		}

		if sr != rate {
			stop()
			rate = sr
		}
		if !started {
			if err := o.out.Start(rate, channels, render); err != nil {
				err = fmt.Errorf("%w: start output at %d Hz: %v", ErrDeviceFailure, rate, err)
				o.logger.Error("output device failed", "error", err)
				o.emit(OrchestratorEvent{Type: ErrorEvent, Err: err})
				return err
			}
			started = true
		}

		o.playback.Push(samples, SegmentRecord{
			GenerationID:  seg.GenerationID,
			ReplyID:       seg.ReplyID,
			Index:         seg.Index,
			SampleRate:    sr,
			TextLen:       seg.TextLen,
			SynthDuration: seg.SynthDuration,
		})
		// an onset may have landed between the check above and the push
		if !o.turns.Generations.IsCurrent(seg.GenerationID) {
			o.playback.Clear()
			o.dropStale(StagePlayback, seg.GenerationID, seg.ReplyID, seg.Index)
			continue
		}
		o.setState(StateSpeaking)
		o.reportPlayed()
	}
	return nil
}

func (o *Orchestrator) reportPlayed() {
	for _, rec := range o.playback.PopCompleted() {
		played := time.Duration(0)
		if rec.SampleRate > 0 {
			played = time.Duration(rec.Frames) * time.Second / time.Duration(rec.SampleRate)
		}
		o.observer.StageDone(StagePlayback, played, OutcomeOK)
		o.logger.Debug("segment played", "gen", rec.GenerationID, "reply", rec.ReplyID, "seg", rec.Index,
			"tts_ms", rec.SynthDuration.Milliseconds(), "chars", rec.TextLen)
		o.emit(OrchestratorEvent{Type: SegmentPlayed, Generation: rec.GenerationID, ReplyID: rec.ReplyID, Segment: rec.Index, Duration: rec.SynthDuration})
	}
	o.settle()
}

// settle returns to idle once nothing is generating, queued or playing and
// the user is not mid-utterance.
func (o *Orchestrator) settle() {
	if o.capturing.Load() || o.generating.Load() || o.textQ.Len() > 0 || o.audioQ.Len() > 0 || !o.playback.Idle() {
		return
	}
	switch o.State() {
	case StateCapturing, StateRecognizing, StateGenerating, StateSpeaking:
		o.setState(StateIdle)
	}
}

func (o *Orchestrator) dropStale(stage Stage, gen GenerationID, reply uint64, idx int) {
	o.observer.UnitDropped(stage, "stale")
	o.logger.Debug("stale segment dropped", "stage", string(stage), "gen", gen, "current", o.turns.Generations.Current(), "reply", reply, "seg", idx)
	o.emit(OrchestratorEvent{Type: SegmentDropped, Generation: gen, ReplyID: reply, Segment: idx})
}
