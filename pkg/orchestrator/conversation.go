package orchestrator

import (
	"strings"
	"sync"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationHistory is the in-memory dialogue window handed to the
// generator. The first message is always the system turn; at most maxTurns
// user/assistant pairs are kept after it.
type ConversationHistory struct {
	mu            sync.RWMutex
	messages      []Message
	maxTurns      int
	lastUser      string
	lastAssistant string
}

func NewConversationHistory(systemPrompt string, maxTurns int) *ConversationHistory {
	if maxTurns < 0 {
		maxTurns = 0
	}
	return &ConversationHistory{
		messages: []Message{{Role: RoleSystem, Content: systemPrompt}},
		maxTurns: maxTurns,
	}
}

// SetSystemPrompt replaces the system turn in place.
func (h *ConversationHistory) SetSystemPrompt(prompt string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages[0].Content = prompt
}

// AppendUser records a user turn and trims the window.
func (h *ConversationHistory) AppendUser(text string) {
	h.append(RoleUser, text)
}

// AppendAssistant records a completed assistant reply. Blank replies are
// ignored.
func (h *ConversationHistory) AppendAssistant(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	h.append(RoleAssistant, text)
}

func (h *ConversationHistory) append(role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = TrimHistory(append(h.messages, Message{Role: role, Content: content}), h.maxTurns)
	switch role {
	case RoleUser:
		h.lastUser = content
	case RoleAssistant:
		h.lastAssistant = content
	}
}

// Snapshot returns a copy safe to hand to another goroutine.
func (h *ConversationHistory) Snapshot() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *ConversationHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

func (h *ConversationHistory) LastUser() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastUser
}

func (h *ConversationHistory) LastAssistant() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastAssistant
}

// Reset drops every turn except the system prompt.
func (h *ConversationHistory) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = h.messages[:1:1]
	h.lastUser = ""
	h.lastAssistant = ""
}

// TrimHistory keeps the first message and the newest 2*maxTurns after it.
// The input slice may be reused.
func TrimHistory(history []Message, maxTurns int) []Message {
	keep := 1 + 2*maxTurns
	if len(history) <= keep {
		return history
	}
	tail := history[len(history)-(keep-1):]
	out := make([]Message, 0, keep)
	out = append(out, history[0])
	return append(out, tail...)
}
