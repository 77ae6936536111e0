package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopassist/internal/models"
)

func TestNoPartialAssistantMessageIsPersisted(t *testing.T) {
	ft := newFakeTransport()
	store, _ := newRecordingStore()
	var violations []string
	store.onSave = func(msgs []models.Message) {
		for _, msg := range msgs {
			if msg.Role == models.RoleAssistant && msg.Text() != "one two three" {
				violations = append(violations, "saved partial response: "+msg.Text())
			}
		}
	}
	m := newTestManager(t, Config{Transport: ft, History: store})

	require.NoError(t, m.SendMessage(context.Background(), Input{Text: "count"}))
	fs := ft.next(t)
	require.True(t, fs.text("one"))
	require.True(t, fs.text(" two"))
	require.True(t, fs.text(" three"))
	fs.end()
	waitSettled(t, m)

	assert.Empty(t, violations)
	saves := store.allSaves()
	require.Len(t, saves, 2, "one save for the user message, one when the response completes")
	assert.Len(t, saves[0], 1)
	require.Len(t, saves[1], 2)
	assert.Equal(t, "one two three", saves[1][1].Text())
}

func TestHistoryRoundTrip(t *testing.T) {
	ft := newFakeTransport()
	store, kv := newRecordingStore()
	m := newTestManager(t, Config{Transport: ft, History: store})

	require.NoError(t, m.SendMessage(context.Background(), Input{Text: "Do you ship to Norway?"}))
	fs := ft.next(t)
	require.True(t, fs.text("Yes, within 5 days."))
	fs.end()
	waitSettled(t, m)
	want := m.Messages()
	require.NoError(t, m.Close())

	reopened := newTestManager(t, Config{Transport: newFakeTransport(), History: store})
	assert.Equal(t, want, reopened.Messages())
	assert.Equal(t, models.StatusReady, reopened.Status())

	raw, err := kv.Get(context.Background(), store.Key())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Do you ship to Norway?")
}

func TestSaveFailureKeepsSessionUsable(t *testing.T) {
	ft := newFakeTransport()
	store, _ := newRecordingStore()
	store.saveErr = errBoom
	m := newTestManager(t, Config{Transport: ft, History: store})

	require.NoError(t, m.SendMessage(context.Background(), Input{Text: "hi"}))
	fs := ft.next(t)
	require.True(t, fs.text("hello"))
	fs.end()
	waitSettled(t, m)

	assert.Equal(t, models.StatusReady, m.Status())
	assert.Len(t, m.Messages(), 2)
	assert.NotEmpty(t, store.allSaves())
}

func TestStopDoesNotWaitForStorage(t *testing.T) {
	ft := newFakeTransport()
	store, _ := newRecordingStore()
	gate := make(chan struct{})
	store.gate = gate
	m := newTestManager(t, Config{Transport: ft, History: store})

	release := sync.OnceFunc(func() { close(gate) })
	defer release()
	// a hung call fails the timing check below instead of hanging the test
	backstop := time.AfterFunc(2*time.Second, release)
	defer backstop.Stop()

	require.NoError(t, m.SendMessage(context.Background(), Input{Text: "Is the blue mug in stock?"}))
	fs := ft.next(t)
	require.True(t, fs.text("Checking"))
	require.Eventually(t, func() bool { return m.Status() == models.StatusStreaming }, time.Second, time.Millisecond)

	start := time.Now()
	m.Stop()
	m.ClearHistory()
	assert.Less(t, time.Since(start), 500*time.Millisecond, "session calls waited for the history store")
	assert.Equal(t, models.StatusReady, m.Status())
	assert.Empty(t, m.Messages())

	// Wait still means everything asked for is written.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Wait(ctx), context.DeadlineExceeded)
	release()
	waitSettled(t, m)
	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, saved)
	assert.Equal(t, 1, store.clears)
}

func TestPersisterDropsStaleRequests(t *testing.T) {
	store, kv := newRecordingStore()
	p := &persister{store: store, log: zerolog.Nop()}
	msgs := []models.Message{models.NewTextMessage(models.RoleUser, "old")}

	p.clear(2)
	p.save(1, msgs)
	assert.Empty(t, store.allSaves())

	p.save(3, msgs)
	require.Len(t, store.allSaves(), 1)
	_, err := kv.Get(context.Background(), store.Key())
	require.NoError(t, err)

	p.save(3, nil)
	assert.Len(t, store.allSaves(), 1)
}

func TestHydrationFailureStartsEmpty(t *testing.T) {
	store, kv := newRecordingStore()
	require.NoError(t, kv.Set(context.Background(), store.Key(), []byte("{not json")))

	m := newTestManager(t, Config{Transport: newFakeTransport(), History: store})
	assert.Empty(t, m.Messages())
	assert.Equal(t, models.StatusReady, m.Status())
}

func TestWithoutHistoryNothingIsStored(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, Config{Transport: ft})
	require.NoError(t, m.SendMessage(context.Background(), Input{Text: "hi"}))
	ft.next(t).end()
	waitSettled(t, m)
	m.ClearHistory()
	assert.Empty(t, m.Messages())
}
