package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"shopassist/internal/chat"
	"shopassist/internal/models"
)

// transcript prints session snapshots incrementally. The streaming tail is
// written as it grows; every other message is written once.
type transcript struct {
	mu      sync.Mutex
	out     io.Writer
	shown   int
	partial string
}

func newTranscript(out io.Writer) *transcript {
	return &transcript{out: out}
}

func (t *transcript) update(s chat.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(s.Messages) < t.shown || (len(s.Messages) == t.shown && t.partial != "") {
		if t.partial != "" {
			fmt.Fprintln(t.out)
		}
		if len(s.Messages) == 0 {
			fmt.Fprintln(t.out, "-- history cleared --")
		}
		t.shown, t.partial = min(t.shown, len(s.Messages)), ""
	}
	for i := t.shown; i < len(s.Messages); i++ {
		msg := s.Messages[i]
		text := renderMessage(msg)
		if !strings.HasPrefix(text, t.partial) {
			fmt.Fprintln(t.out)
			t.partial = ""
		}
		fmt.Fprint(t.out, text[len(t.partial):])
		live := i == len(s.Messages)-1 && s.Status == models.StatusStreaming && msg.Role == models.RoleAssistant
		if live {
			t.partial = text
			return
		}
		fmt.Fprintln(t.out)
		t.shown++
		t.partial = ""
	}
}

func renderMessage(m models.Message) string {
	var b strings.Builder
	switch {
	case m.Synthetic:
		b.WriteString("! ")
	case m.Role == models.RoleUser:
		b.WriteString("you> ")
	default:
		b.WriteString("assistant> ")
	}
	for _, p := range m.VisibleParts() {
		b.WriteString(renderPart(p))
	}
	return b.String()
}

func renderPart(p models.Part) string {
	switch {
	case p.Opaque():
		return "[" + string(p.Type) + "] "
	case p.Type == models.PartText:
		return p.Text
	case p.Type == models.PartToolInvocation && p.ToolInvocation != nil:
		return "[tool " + p.ToolInvocation.ToolName + "] "
	default:
		return "[" + string(p.Type) + "] "
	}
}
