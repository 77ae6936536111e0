// Package history persists the conversation and the raw input log through a
// storage.KV.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"shopassist/internal/models"
	"shopassist/internal/storage"
)

// DefaultKey is the storage key of the message history.
const DefaultKey = "shopassist.chat.messages"

// Adapter loads and saves the message history under one key.
type Adapter struct {
	kv  storage.KV
	key string
	log zerolog.Logger
}

// NewAdapter returns an adapter for key; an empty key uses DefaultKey.
func NewAdapter(kv storage.KV, key string, log zerolog.Logger) *Adapter {
	if key == "" {
		key = DefaultKey
	}
	return &Adapter{kv: kv, key: key, log: log.With().Str("component", "history").Str("key", key).Logger()}
}

// Key reports the storage key.
func (a *Adapter) Key() string { return a.key }

// Load returns the saved history. A missing key yields an empty slice, and so
// does corrupt data, which is logged and otherwise treated as absent.
func (a *Adapter) Load(ctx context.Context) ([]models.Message, error) {
	data, err := a.kv.Get(ctx, a.key)
	if errors.Is(err, storage.ErrNotFound) {
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	var messages []models.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		a.log.Warn().Err(err).Int("bytes", len(data)).Msg("discarding corrupt history")
		return []models.Message{}, nil
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return messages, nil
}

// Save replaces the stored history with messages.
func (a *Adapter) Save(ctx context.Context, messages []models.Message) error {
	if messages == nil {
		messages = []models.Message{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := a.kv.Set(ctx, a.key, data); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

// Clear removes the stored history.
func (a *Adapter) Clear(ctx context.Context) error {
	if err := a.kv.Delete(ctx, a.key); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}
