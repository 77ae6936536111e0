// Package transport talks to the streaming chat endpoint. Requests are
// POSTed as JSON and responses arrive as Server-Sent Events.
package transport

import (
	"shopassist/internal/models"
)

// Trigger tells the backend why a request was sent.
type Trigger string

const (
	TriggerSubmit     Trigger = "submit-message"
	TriggerRegenerate Trigger = "regenerate-message"
)

// Request is the body POSTed to the chat endpoint.
type Request struct {
	ID       string           `json:"id"`
	Messages []models.Message `json:"messages"`
	Trigger  Trigger          `json:"trigger"`
}

// SSE event names.
const (
	EventAck    = "ack"
	EventStream = "stream"
	EventPart   = "part"
	EventError  = "error"
	EventDone   = "done"
)

// AckPayload carries the id the backend assigned to the assistant message.
type AckPayload struct {
	MessageID string `json:"messageId"`
}

// StreamPayload carries a text delta.
type StreamPayload struct {
	Content string `json:"content"`
}

// ErrorPayload reports a server-side failure.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ChunkType distinguishes the chunks a stream yields.
type ChunkType string

const (
	ChunkAck  ChunkType = EventAck
	ChunkText ChunkType = EventStream
	ChunkPart ChunkType = EventPart
)

// Chunk is one decoded stream event.
type Chunk struct {
	Type      ChunkType
	MessageID string
	Delta     string
	Part      models.Part
}
