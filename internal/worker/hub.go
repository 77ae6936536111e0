// Package worker tracks the responses the backend is generating so a client
// that lost its connection can reattach and replay them.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shopassist/internal/redis"
)

// ErrStreamActive is returned by Start while a conversation already has a
// response in progress.
var ErrStreamActive = errors.New("a response is already streaming for this conversation")

const (
	DefaultRetention     = 5 * time.Minute
	DefaultCleanInterval = time.Minute
)

// Hub holds at most one run per conversation. Finished runs stay available
// for the retention period.
type Hub struct {
	retention time.Duration
	cache     *runCache
	log       zerolog.Logger

	mu   sync.Mutex
	runs map[string]*Run
	now  func() time.Time
}

// NewHub builds a hub. client is optional; with it, finished runs are
// mirrored to redis so any backend instance can replay them.
func NewHub(retention time.Duration, client *redis.Client, log zerolog.Logger) *Hub {
	if retention <= 0 {
		retention = DefaultRetention
	}
	h := &Hub{
		retention: retention,
		log:       log.With().Str("component", "hub").Logger(),
		runs:      make(map[string]*Run),
		now:       time.Now,
	}
	if client != nil {
		h.cache = newRunCache(client, uuid.NewString(), retention, h.log)
		h.cache.startListener(context.Background(), h.handleInvalidation)
	}
	return h
}

// Start registers a new run for chatID. cancel aborts the generation behind
// the run. A finished run for the same conversation is replaced.
func (h *Hub) Start(chatID string, cancel context.CancelFunc) (*Run, error) {
	h.mu.Lock()
	if cur, ok := h.runs[chatID]; ok && !cur.Done() {
		h.mu.Unlock()
		return nil, ErrStreamActive
	}
	run := newRun(chatID, cancel)
	h.runs[chatID] = run
	h.mu.Unlock()

	h.log.Debug().Str("chat_id", chatID).Msg("run started")
	h.cache.invalidate(chatID)
	return run, nil
}

// Finish completes run and releases its conversation for a new one.
func (h *Hub) Finish(run *Run) {
	if run == nil || !run.finish(h.now()) {
		return
	}
	if run.cancel != nil {
		run.cancel()
	}
	h.log.Debug().Str("chat_id", run.chatID).Int("events", len(run.Events())).Msg("run finished")
	h.cache.store(run)
}

// Lookup returns the active or recently finished run for chatID.
func (h *Hub) Lookup(ctx context.Context, chatID string) (*Run, bool) {
	h.mu.Lock()
	run, ok := h.runs[chatID]
	h.mu.Unlock()
	if ok && !run.expired(h.now(), h.retention) {
		return run, true
	}
	if events, finishedAt, ok := h.cache.load(ctx, chatID); ok {
		return restoredRun(chatID, events, finishedAt), true
	}
	return nil, false
}

// Active reports whether chatID has a response in progress.
func (h *Hub) Active(chatID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	run, ok := h.runs[chatID]
	return ok && !run.Done()
}

// Abort ends the in-progress run for chatID now: final is appended for
// followers, the generation is cancelled and the conversation is free for a
// new run before Abort returns. It reports false when nothing was running.
func (h *Hub) Abort(chatID string, final Event) bool {
	h.mu.Lock()
	run, ok := h.runs[chatID]
	h.mu.Unlock()
	if !ok || run.Done() {
		return false
	}
	run.Append(final)
	h.Finish(run)
	h.log.Debug().Str("chat_id", chatID).Msg("run aborted")
	return true
}

// StartCleaner purges expired runs every interval until ctx ends. Each
// sweep in also runs on the same tick.
func (h *Hub) StartCleaner(ctx context.Context, interval time.Duration, also ...func()) {
	if interval <= 0 {
		interval = DefaultCleanInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := h.purge(); n > 0 {
					h.log.Debug().Int("purged", n).Msg("expired runs removed")
				}
				for _, sweep := range also {
					sweep()
				}
			}
		}
	}()
}

func (h *Hub) purge() int {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, run := range h.runs {
		if run.expired(now, h.retention) {
			delete(h.runs, id)
			n++
		}
	}
	return n
}

// handleInvalidation drops a finished local run that another instance
// superseded.
func (h *Hub) handleInvalidation(msg invalidateMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if run, ok := h.runs[msg.ChatID]; ok && run.Done() {
		delete(h.runs, msg.ChatID)
	}
}
