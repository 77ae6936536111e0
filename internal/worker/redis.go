package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"shopassist/internal/redis"
)

const redisInvalidateChannel = "worker:invalidate"

type invalidateMessage struct {
	ChatID string `json:"chat_id"`
	Origin string `json:"origin"`
}

type transcript struct {
	Events     []Event   `json:"events"`
	FinishedAt time.Time `json:"finished_at"`
}

// runCache mirrors finished runs into redis and tells other instances when
// a conversation starts a new run.
type runCache struct {
	client *redis.Client
	origin string
	ttl    time.Duration
	log    zerolog.Logger
}

func newRunCache(client *redis.Client, origin string, ttl time.Duration, log zerolog.Logger) *runCache {
	return &runCache{client: client, origin: origin, ttl: ttl, log: log}
}

func runKey(chatID string) string {
	return fmt.Sprintf("worker:run:%s", chatID)
}

// startListener forwards invalidations published by other instances to
// handler until ctx ends.
func (r *runCache) startListener(ctx context.Context, handler func(invalidateMessage)) {
	if r == nil || r.client == nil || handler == nil {
		return
	}
	payloads, err := r.client.Subscribe(ctx, redisInvalidateChannel)
	if err != nil {
		r.log.Warn().Err(err).Msg("run invalidation subscribe failed")
		return
	}
	go func() {
		for payload := range payloads {
			var inv invalidateMessage
			if err := json.Unmarshal(payload, &inv); err != nil {
				r.log.Warn().Err(err).Msg("run invalidation decode failed")
				continue
			}
			if inv.Origin == r.origin {
				continue
			}
			handler(inv)
		}
	}()
}

// invalidate drops the stored transcript and broadcasts the change.
func (r *runCache) invalidate(chatID string) {
	if r == nil || r.client == nil {
		return
	}
	ctx := context.Background()
	if err := r.client.Del(ctx, runKey(chatID)); err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		r.log.Warn().Err(err).Str("chat_id", chatID).Msg("run cache delete failed")
	}
	payload, err := json.Marshal(invalidateMessage{ChatID: chatID, Origin: r.origin})
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, redisInvalidateChannel, payload); err != nil {
		r.log.Warn().Err(err).Msg("run invalidation publish failed")
	}
}

func (r *runCache) store(run *Run) {
	if r == nil || r.client == nil {
		return
	}
	run.mu.Lock()
	t := transcript{Events: append([]Event(nil), run.events...), FinishedAt: run.finishedAt}
	run.mu.Unlock()
	data, err := json.Marshal(t)
	if err != nil {
		r.log.Warn().Err(err).Msg("run transcript marshal failed")
		return
	}
	if err := r.client.Set(context.Background(), runKey(run.chatID), data, r.ttl); err != nil {
		r.log.Warn().Err(err).Str("chat_id", run.chatID).Msg("run transcript store failed")
	}
}

func (r *runCache) load(ctx context.Context, chatID string) ([]Event, time.Time, bool) {
	if r == nil || r.client == nil {
		return nil, time.Time{}, false
	}
	raw, err := r.client.Get(ctx, runKey(chatID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.log.Warn().Err(err).Str("chat_id", chatID).Msg("run transcript load failed")
		}
		return nil, time.Time{}, false
	}
	var t transcript
	if err := json.Unmarshal(raw, &t); err != nil {
		r.log.Warn().Err(err).Str("chat_id", chatID).Msg("run transcript decode failed")
		return nil, time.Time{}, false
	}
	return t.Events, t.FinishedAt, true
}
