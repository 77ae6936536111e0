package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Event is one server-sent event of a run, stored already encoded.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// NewEvent encodes payload into an event.
func NewEvent(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: data}, nil
}

// Run is the event log of one response. Followers replay it from the first
// event and then follow it live until it finishes.
type Run struct {
	chatID string
	cancel context.CancelFunc

	mu         sync.Mutex
	events     []Event
	done       bool
	finishedAt time.Time
	notify     chan struct{}
}

func newRun(chatID string, cancel context.CancelFunc) *Run {
	return &Run{chatID: chatID, cancel: cancel, notify: make(chan struct{})}
}

// restoredRun rebuilds a finished run from a stored transcript.
func restoredRun(chatID string, events []Event, finishedAt time.Time) *Run {
	r := newRun(chatID, nil)
	r.events = events
	r.done = true
	r.finishedAt = finishedAt
	close(r.notify)
	return r
}

// ChatID names the conversation the run belongs to.
func (r *Run) ChatID() string { return r.chatID }

// Append adds an event; it is dropped once the run is finished.
func (r *Run) Append(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.events = append(r.events, ev)
	close(r.notify)
	r.notify = make(chan struct{})
}

// finish marks the run complete and wakes followers. It reports false when
// the run was already finished.
func (r *Run) finish(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return false
	}
	r.done = true
	r.finishedAt = now
	close(r.notify)
	return true
}

// Done reports whether the run has finished.
func (r *Run) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Events returns a copy of everything recorded so far.
func (r *Run) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Run) expired(now time.Time, retention time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done && now.Sub(r.finishedAt) >= retention
}

// Follow calls fn for every event from the first one, waiting for new
// events until the run finishes, ctx ends, or fn fails.
func (r *Run) Follow(ctx context.Context, fn func(Event) error) error {
	next := 0
	for {
		r.mu.Lock()
		pending := r.events[next:]
		next = len(r.events)
		done := r.done
		wait := r.notify
		r.mu.Unlock()

		for _, ev := range pending {
			if err := fn(ev); err != nil {
				return err
			}
		}
		if len(pending) > 0 {
			continue
		}
		if done {
			return nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
