package api

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultUploadTTL             = 24 * time.Hour
	DefaultUploadCleanupInterval = time.Hour
)

// StartUploadCleaner removes uploaded files older than ttl every interval
// until ctx ends.
func (h *Handler) StartUploadCleaner(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		ttl = DefaultUploadTTL
	}
	if interval <= 0 {
		interval = DefaultUploadCleanupInterval
	}
	go h.cleanupLoop(ctx, ttl, interval)
}

func (h *Handler) cleanupLoop(ctx context.Context, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.cleanupExpiredUploads(time.Now(), ttl); err != nil {
				h.log.Warn().Err(err).Msg("cleanup uploads")
			}
		}
	}
}

func (h *Handler) cleanupExpiredUploads(now time.Time, ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(h.opts.FileBaseDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < ttl {
			continue
		}
		path := filepath.Join(h.opts.FileBaseDir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			h.log.Warn().Err(err).Str("file", e.Name()).Msg("remove expired upload")
			continue
		}
		removed++
	}
	if removed > 0 {
		h.log.Debug().Int("removed", removed).Msg("expired uploads removed")
	}
	return removed, nil
}
