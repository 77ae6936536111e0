package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"slices"
	"strings"
)

// PartType names the kind of content block carried by a Part.
type PartType string

const (
	PartText           PartType = "text"
	PartToolInvocation PartType = "tool-invocation"
	PartReasoning      PartType = "reasoning"
	PartStepStart      PartType = "step-start"
)

// Known reports whether the core understands this part kind.
func (t PartType) Known() bool {
	switch t {
	case PartText, PartToolInvocation, PartReasoning, PartStepStart:
		return true
	}
	return false
}

// Part is a typed content block within a message. Parts whose kind is unknown,
// or whose payload does not decode, keep their original JSON and are written
// back unchanged.
type Part struct {
	Type           PartType        `json:"type"`
	Text           string          `json:"text,omitempty"`
	Reasoning      string          `json:"reasoning,omitempty"`
	ToolInvocation *ToolInvocation `json:"toolInvocation,omitempty"`

	raw json.RawMessage
}

// ToolInvocation is a server-executed tool call together with its output.
type ToolInvocation struct {
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName"`
	State      string          `json:"state,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     *ToolResult     `json:"result,omitempty"`
}

// ToolResult is the content list a tool produced.
type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ToolContent is one element of a tool result.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

var (
	ErrNoToolOutput = errors.New("tool invocation has no output")
	ErrToolFailed   = errors.New("tool invocation reported an error")
)

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// Hidden reports whether renderers should skip the part.
func (p Part) Hidden() bool {
	return p.Type == PartReasoning || p.Type == PartStepStart
}

// Opaque reports whether the part is carried as raw JSON only.
func (p Part) Opaque() bool {
	return p.raw != nil
}

// Raw returns the preserved encoding of an opaque part.
func (p Part) Raw() json.RawMessage {
	return slices.Clone(p.raw)
}

// Clone returns a deep copy of the part.
func (p Part) Clone() Part {
	cp := p
	cp.raw = slices.Clone(p.raw)
	if p.ToolInvocation != nil {
		ti := *p.ToolInvocation
		ti.Args = slices.Clone(p.ToolInvocation.Args)
		if p.ToolInvocation.Result != nil {
			res := *p.ToolInvocation.Result
			res.Content = slices.Clone(p.ToolInvocation.Result.Content)
			ti.Result = &res
		}
		cp.ToolInvocation = &ti
	}
	return cp
}

type partAlias Part

func (p Part) MarshalJSON() ([]byte, error) {
	if p.raw != nil {
		return p.raw, nil
	}
	return json.Marshal(partAlias(p))
}

// UnmarshalJSON never rejects a well-formed JSON value: anything it cannot
// decode into a known part is kept verbatim.
func (p *Part) UnmarshalJSON(data []byte) error {
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return err
	}
	data = compact.Bytes()

	var head struct {
		Type PartType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || !head.Type.Known() {
		*p = Part{Type: head.Type, raw: slices.Clone(data)}
		return nil
	}
	var decoded partAlias
	if err := json.Unmarshal(data, &decoded); err != nil {
		*p = Part{Type: head.Type, raw: slices.Clone(data)}
		return nil
	}
	*p = Part(decoded)
	p.raw = nil
	return nil
}

// Output returns the text of the first result element.
func (t *ToolInvocation) Output() (string, error) {
	if t == nil || t.Result == nil || len(t.Result.Content) == 0 {
		return "", ErrNoToolOutput
	}
	return t.Result.Content[0].Text, nil
}

// ErrorText reports the tool's error message when its output is an
// "Error"-prefixed string.
func (t *ToolInvocation) ErrorText() (string, bool) {
	out, err := t.Output()
	if err != nil {
		return "", false
	}
	if strings.HasPrefix(out, "Error") {
		return out, true
	}
	if t.Result.IsError {
		return out, true
	}
	return "", false
}

// Payload decodes the JSON document carried in the first result element.
func (t *ToolInvocation) Payload() (json.RawMessage, error) {
	out, err := t.Output()
	if err != nil {
		return nil, err
	}
	if _, failed := t.ErrorText(); failed {
		return nil, ErrToolFailed
	}
	var payload json.RawMessage
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
