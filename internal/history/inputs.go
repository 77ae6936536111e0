package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"shopassist/internal/storage"
)

const (
	// DefaultInputsKey is the storage key of the input log.
	DefaultInputsKey = "shopassist.chat.inputs"
	// MaxInputs bounds the input log.
	MaxInputs = 50
	// InputDebounce delays writes so bursts of input cost one write.
	InputDebounce = 300 * time.Millisecond
)

// InputLog keeps the most recent raw inputs for recall.
type InputLog struct {
	kv       storage.KV
	key      string
	debounce time.Duration
	log      zerolog.Logger

	// wmu orders writes; mu guards the fields below it.
	wmu     sync.Mutex
	mu      sync.Mutex
	entries []string
	timer   *time.Timer
	dirty   bool
	closed  bool
}

// OpenInputLog loads the stored log. Corrupt data starts an empty log.
func OpenInputLog(ctx context.Context, kv storage.KV, key string, log zerolog.Logger) (*InputLog, error) {
	if key == "" {
		key = DefaultInputsKey
	}
	l := &InputLog{
		kv:       kv,
		key:      key,
		debounce: InputDebounce,
		log:      log.With().Str("component", "inputs").Str("key", key).Logger(),
	}
	data, err := kv.Get(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load inputs: %w", err)
	default:
		if err := json.Unmarshal(data, &l.entries); err != nil {
			l.log.Warn().Err(err).Msg("discarding corrupt input log")
			l.entries = nil
		}
		l.entries = trim(l.entries)
	}
	return l, nil
}

func trim(entries []string) []string {
	if len(entries) > MaxInputs {
		return slices.Clone(entries[len(entries)-MaxInputs:])
	}
	return entries
}

// SetDebounce overrides the write delay.
func (l *InputLog) SetDebounce(d time.Duration) {
	l.mu.Lock()
	l.debounce = d
	l.mu.Unlock()
}

// Add records one raw input. Blank input and immediate repeats are skipped.
func (l *InputLog) Add(input string) {
	if strings.TrimSpace(input) == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if n := len(l.entries); n > 0 && l.entries[n-1] == input {
		return
	}
	l.entries = trim(append(l.entries, input))
	l.dirty = true
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(l.debounce, func() {
		if err := l.Flush(context.Background()); err != nil {
			l.log.Warn().Err(err).Msg("input log write failed")
		}
	})
}

// Entries returns the log, oldest first.
func (l *InputLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

// Recall returns the n-th most recent entry; 1 is the latest.
func (l *InputLog) Recall(n int) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n < 1 || n > len(l.entries) {
		return "", false
	}
	return l.entries[len(l.entries)-n], true
}

// Flush writes pending entries now.
func (l *InputLog) Flush(ctx context.Context) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if !l.dirty {
		l.mu.Unlock()
		return nil
	}
	data, err := json.Marshal(l.entries)
	l.dirty = false
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}
	if err := l.kv.Set(ctx, l.key, data); err != nil {
		return fmt.Errorf("save inputs: %w", err)
	}
	return nil
}

// Clear empties the log and its stored copy.
func (l *InputLog) Clear(ctx context.Context) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.entries = nil
	l.dirty = false
	l.mu.Unlock()
	if err := l.kv.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("clear inputs: %w", err)
	}
	return nil
}

// Close flushes pending entries; later Adds are ignored.
func (l *InputLog) Close(ctx context.Context) error {
	err := l.Flush(ctx)
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return err
}
