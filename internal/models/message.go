package models

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of the conversation. Once the message is complete it is
// treated as immutable; the session only ever appends new messages.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"createdAt"`
	// Synthetic marks client-generated notices (errors, interruptions). They
	// are kept in history but never sent to the backend.
	Synthetic bool `json:"synthetic,omitempty"`
}

// NewMessageID returns a fresh identifier for client-created messages.
func NewMessageID() string {
	return uuid.NewString()
}

// NewTextMessage builds a message holding a single text part.
func NewTextMessage(role Role, text string) Message {
	return Message{
		ID:        NewMessageID(),
		Role:      role,
		Parts:     []Part{TextPart(text)},
		CreatedAt: time.Now().UTC(),
	}
}

// Text concatenates the message's text parts in order.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// VisibleParts returns the parts a renderer should show: reasoning and
// step-start markers are dropped, everything else (unknown kinds included)
// is kept in order.
func (m Message) VisibleParts() []Part {
	out := make([]Part, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Hidden() {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	cp := m
	if m.Parts != nil {
		cp.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			cp.Parts[i] = p.Clone()
		}
	}
	return cp
}

// AppendTextDelta merges a streamed text fragment into the message: it extends
// the trailing text part or starts a new one after a non-text part.
func (m *Message) AppendTextDelta(delta string) {
	if delta == "" {
		return
	}
	if n := len(m.Parts); n > 0 && m.Parts[n-1].Type == PartText && m.Parts[n-1].raw == nil {
		m.Parts[n-1].Text += delta
		return
	}
	m.Parts = append(m.Parts, TextPart(delta))
}

// AppendPart adds a complete part to the end of the message.
func (m *Message) AppendPart(p Part) {
	m.Parts = append(m.Parts, p.Clone())
}

// CloneMessages deep-copies a message slice; nil stays nil.
func CloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = m.Clone()
	}
	return out
}

// LastUserIndex returns the index of the most recent user message, or -1.
func LastUserIndex(messages []Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// Outgoing filters out synthetic messages, leaving what the backend should see.
func Outgoing(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Synthetic {
			continue
		}
		out = append(out, m.Clone())
	}
	return slices.Clip(out)
}
