package orchestrator

import "sync/atomic"

// GenerationID identifies a turn. Ids only grow.
type GenerationID uint64

// GenerationSequencer hands out generation ids. Anything stamped with an id
// other than Current is stale.
type GenerationSequencer struct {
	n atomic.Uint64
}

// Bump advances the sequencer and returns the new id.
func (s *GenerationSequencer) Bump() GenerationID {
	return GenerationID(s.n.Add(1))
}

func (s *GenerationSequencer) Current() GenerationID {
	return GenerationID(s.n.Load())
}

// IsCurrent reports whether id belongs to the latest generation.
func (s *GenerationSequencer) IsCurrent(id GenerationID) bool {
	return s.Current() == id
}

// TurnControl bundles the state every stage shares about the live turn.
type TurnControl struct {
	Interrupts  *InterruptController
	Generations *GenerationSequencer
}

func NewTurnControl() *TurnControl {
	return &TurnControl{
		Interrupts:  NewInterruptController(),
		Generations: &GenerationSequencer{},
	}
}
