package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopassist/internal/classify"
	"shopassist/internal/i18n"
	"shopassist/internal/models"
	"shopassist/internal/storage"
	"shopassist/internal/transport"
)

type statusRecorder struct {
	mu       sync.Mutex
	statuses []models.Status
}

func (r *statusRecorder) observe(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.statuses); n == 0 || r.statuses[n-1] != s.Status {
		r.statuses = append(r.statuses, s.Status)
	}
}

func (r *statusRecorder) get() []models.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Status(nil), r.statuses...)
}

func TestSendMessageHappyPath(t *testing.T) {
	ft := newFakeTransport()
	inputs := &recordedInputs{}
	m := newTestManager(t, Config{ChatID: "chat-1", Transport: ft, Inputs: inputs})
	rec := &statusRecorder{}
	m.Subscribe(rec.observe)

	require.NoError(t, m.SendMessage(context.Background(), Input{Text: "Hello"}))
	fs := ft.next(t)

	req := ft.lastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "chat-1", req.ID)
	assert.Equal(t, transport.TriggerSubmit, req.Trigger)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "Hello", req.Messages[0].Text())

	require.True(t, fs.send(transport.Chunk{Type: transport.ChunkAck, MessageID: "srv-1"}))
	require.True(t, fs.text("Hi "))
	require.True(t, fs.send(transport.Chunk{Type: transport.ChunkPart, Part: models.Part{
		Type:           models.PartToolInvocation,
		ToolInvocation: &models.ToolInvocation{ToolName: "list_products"},
	}}))
	require.True(t, fs.text("there"))
	fs.end()
	waitSettled(t, m)

	assert.Equal(t, models.StatusReady, m.Status())
	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "srv-1", msgs[1].ID)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.False(t, msgs[1].Synthetic)
	require.Len(t, msgs[1].Parts, 3)
	assert.Equal(t, "Hi ", msgs[1].Parts[0].Text)
	assert.Equal(t, models.PartToolInvocation, msgs[1].Parts[1].Type)
	assert.Equal(t, "there", msgs[1].Parts[2].Text)
	assert.Equal(t, []string{"Hello"}, inputs.inputs)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]models.Status{
			models.StatusSubmitted, models.StatusStreaming, models.StatusReady,
		}, rec.get())
	}, time.Second, 5*time.Millisecond)
}

func TestSendMessageRejectsEmptyInput(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, Config{Transport: ft})
	assert.ErrorIs(t, m.SendMessage(context.Background(), Input{Text: "  \n"}), ErrEmptyInput)
	assert.Equal(t, models.StatusReady, m.Status())
	assert.Empty(t, m.Messages())
}

func TestSingleFlight(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, Config{Transport: ft})

	require.NoError(t, m.SendMessage(context.Background(), Input{Text: "first"}))
	fs := ft.next(t)
	assert.ErrorIs(t, m.SendMessage(context.Background(), Input{Text: "second"}), ErrRequestInFlight)
	assert.ErrorIs(t, m.Reload(context.Background()), ErrRequestInFlight)
	assert.ErrorIs(t, m.ResumeStream(context.Background()), ErrRequestInFlight)

	require.True(t, fs.text("streaming"))
	require.Eventually(t, func() bool { return m.Status() == models.StatusStreaming }, time.Second, time.Millisecond)
	assert.ErrorIs(t, m.SendMessage(context.Background(), Input{Text: "third"}), ErrRequestInFlight)

	fs.end()
	waitSettled(t, m)
	assert.Equal(t, 1, ft.requestCount())
	assert.Len(t, m.Messages(), 2)
}

func TestStopDuringStreaming(t *testing.T) {
	ft := newFakeTransport()
	store, _ := newRecordingStore()
	m := newTestManager(t, Config{Transport: ft, History: store})

	require.NoError(t, m.SendMessage(context.Background(), Input{Text: "Tell me about mugs"}))
	fs := ft.next(t)
	require.True(t, fs.text("Mugs are"))
	require.Eventually(t, func() bool { return m.Status() == models.StatusStreaming }, time.Second, time.Millisecond)

	m.Stop()
	assert.Equal(t, models.StatusReady, m.Status())

	fs.text(" great")
	m.Stop()

	msgs := m.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "Mugs are", msgs[1].Text())
	notice := msgs[2]
	assert.True(t, notice.Synthetic)
	assert.Equal(t, models.RoleAssistant, notice.Role)
	assert.Contains(t, notice.Text(), "response generation")

	// Late chunks from the cancelled stream never land.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, m.Messages(), 3)

	waitSettled(t, m)
	assert.Eventually(t, func() bool { return ft.cancelCount() == 1 }, time.Second, 5*time.Millisecond, "backend run cancelled once")
	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, msgs, saved)
}

func TestStopDuringSubmitted(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, Config{Transport: ft})

	require.NoError(t, m.SendMessage(context.Background(), Input{Text: "hi"}))
	ft.next(t)
	assert.Equal(t, models.StatusSubmitted, m.Status())

	m.Stop()
	waitSettled(t, m)
	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Text(), "request processing")
	assert.Equal(t, models.StatusReady, m.Status())
}

func TestNextRequestWaitsForBackendCancel(t *testing.T) {
	ft := newFakeTransport()
	gate := make(chan struct{})
	ft.cancelGate = gate
	m := newTestManager(t, Config{ChatID: "c-4", Transport: ft})

	require.NoError(t, m.SendMessage(context.Background(), Input{Text: "first"}))
	fs := ft.next(t)
	require.True(t, fs.text("partial"))
	require.Eventually(t, func() bool { return m.Status() == models.StatusStreaming }, time.Second, time.Millisecond)

	m.Stop()
	assert.Equal(t, models.StatusReady, m.Status())
	require.NoError(t, m.SendMessage(context.Background(), Input{Text: "second"}))

	// the new stream is held back until the backend confirmed the cancel
	select {
	case <-ft.streams:
		t.Fatal("second stream opened before the first run was cancelled")
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)
	next := ft.next(t)
	require.True(t, next.text("fresh answer"))
	next.end()
	waitSettled(t, m)

	assert.Equal(t, []string{"c-4"}, ft.cancels)
	assert.Equal(t, models.StatusReady, m.Status())
	msgs := m.Messages()
	assert.Equal(t, "fresh answer", msgs[len(msgs)-1].Text())
}

func TestStopDuringUploadKeepsInput(t *testing.T) {
	ft := newFakeTransport()
	up := &blockingUploader{started: make(chan struct{})}
	m := newTestManager(t, Config{Transport: ft, Uploader: up})

	sent := make(chan error, 1)
	go func() {
		sent <- m.SendMessage(context.Background(), Input{
			Text:        "Does this come in red?",
			Attachments: []models.Attachment{{Name: "mug.png", Path: "/tmp/mug.png"}},
		})
	}()
	<-up.started
	assert.Equal(t, models.StatusSubmitted, m.Status())

	m.Stop()
	require.NoError(t, <-sent)
	waitSettled(t, m)

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "Does this come in red?", msgs[0].Text())
	assert.True(t, msgs[1].Synthetic)
	assert.Contains(t, msgs[1].Text(), "request processing")
	assert.Zero(t, ft.requestCount())
	assert.Zero(t, ft.cancelCount(), "nothing reached the backend")
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	m := newTestManager(t, Config{Transport: newFakeTransport()})
	m.Stop()
	m.Stop()
	assert.Empty(t, m.Messages())
	assert.Equal(t, models.StatusReady, m.Status())
}

func TestTransportOpenFailureIsClassified(t *testing.T) {
	ft := newFakeTransport()
	ft.openErr = &transport.Error{Code: transport.CodeUnauthorized, StatusCode: http.StatusUnauthorized, Message: "unauthorized: invalid token"}
	m := newTestManager(t, Config{
		Transport: ft,
		Renderer:  classify.NewRenderer(i18n.New("en"), "http://localhost:8090/api/chat", false),
	})

	require.NoError(t, m.SendMessage(context.Background(), Input{Text: "hi"}))
	waitSettled(t, m)

	assert.Equal(t, models.StatusError, m.Status())
	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].Synthetic)
	assert.Contains(t, msgs[1].Text(), "Authentication failed")
}

func TestConnectivityFailureNamesEndpoint(t *testing.T) {
	ft := newFakeTransport()
	ft.openErr = &transport.Error{Code: transport.CodeNetwork, Message: "failed to fetch"}
	m := newTestManager(t, Config{
		Transport: ft,
		Renderer:  classify.NewRenderer(i18n.New("en"), "http://shop.test/api/chat", false),
	})

	require.NoError(t, m.SendMessage(context.Background(), Input{Text: "hi"}))
	waitSettled(t, m)
	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Text(), "http://shop.test/api/chat")
}

func TestMidStreamFailure(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, Config{Transport: ft})

	require.NoError(t, m.SendMessage(context.Background(), Input{Text: "hi"}))
	fs := ft.next(t)
	require.True(t, fs.text("partial"))
	fs.fail(&transport.Error{Code: transport.CodeStream, Message: "stream ended before completion"})
	waitSettled(t, m)

	assert.Equal(t, models.StatusError, m.Status())
	msgs := m.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "partial", msgs[1].Text())
	assert.Contains(t, msgs[2].Text(), "stream ended before completion")

	// Reload is allowed from error and leaves existing messages alone.
	require.NoError(t, m.Reload(context.Background()))
	fs = ft.next(t)
	req := ft.lastRequest()
	assert.Equal(t, transport.TriggerRegenerate, req.Trigger)
	// the request ends at the last user turn; the partial reply stays local
	require.Len(t, req.Messages, 1)
	assert.Equal(t, models.RoleUser, req.Messages[0].Role)
	assert.Equal(t, "hi", req.Messages[0].Text())
	require.True(t, fs.text("full answer"))
	fs.end()
	waitSettled(t, m)

	after := m.Messages()
	require.Len(t, after, 4)
	assert.Equal(t, msgs, after[:3])
	assert.Equal(t, "full answer", after[3].Text())
	assert.Equal(t, models.StatusReady, m.Status())
}

func TestReloadSendsHistoryUpToLastUserMessage(t *testing.T) {
	ft := newFakeTransport()
	store, _ := newRecordingStore()
	seed := []models.Message{
		models.NewTextMessage(models.RoleUser, "one"),
		models.NewTextMessage(models.RoleAssistant, "answer one"),
		models.NewTextMessage(models.RoleUser, "two"),
		models.NewTextMessage(models.RoleAssistant, "answer two"),
	}
	require.NoError(t, store.Adapter.Save(context.Background(), seed))
	m := newTestManager(t, Config{Transport: ft, History: store})

	require.NoError(t, m.Reload(context.Background()))
	fs := ft.next(t)
	req := ft.lastRequest()
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "two", req.Messages[2].Text())
	fs.end()
	waitSettled(t, m)
	assert.Len(t, m.Messages(), 4, "an empty response appends nothing")
}

func TestReloadWithoutUserMessage(t *testing.T) {
	m := newTestManager(t, Config{Transport: newFakeTransport()})
	assert.ErrorIs(t, m.Reload(context.Background()), ErrNothingToReload)
	m.AddInterruptionMessage(models.StatusReady)
	assert.ErrorIs(t, m.Reload(context.Background()), ErrNothingToReload)
}

func TestSubmissionFailureReturnsToReady(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, Config{Transport: ft, Uploader: fakeUploader{err: errors.New("file too large")}})

	err := m.SendMessage(context.Background(), Input{
		Text:        "see attached",
		Attachments: []models.Attachment{{Name: "shirt.png", Path: "/tmp/shirt.png"}},
	})
	require.NoError(t, err)
	waitSettled(t, m)

	assert.Equal(t, models.StatusReady, m.Status())
	assert.Zero(t, ft.requestCount())
	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Synthetic)
	assert.Contains(t, msgs[0].Text(), "could not be sent")
	assert.Contains(t, msgs[0].Text(), "file too large")
}

func TestAttachmentsAreUploadedAndLinked(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, Config{Transport: ft, Uploader: fakeUploader{}})

	require.NoError(t, m.SendMessage(context.Background(), Input{
		Attachments: []models.Attachment{
			{Name: "shirt.png", Path: "/tmp/shirt.png"},
			{Name: "hosted.pdf", URL: "https://files.example.com/hosted.pdf"},
		},
	}))
	fs := ft.next(t)
	fs.end()
	waitSettled(t, m)

	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "![shirt.png](https://cdn.example.com/shirt.png)\n[hosted.pdf](https://files.example.com/hosted.pdf)", msgs[0].Text())
}

func TestClearHistoryIsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	store, kv := newRecordingStore()
	seed := make([]models.Message, 0, 6)
	for i := 0; i < 3; i++ {
		seed = append(seed, models.NewTextMessage(models.RoleUser, "q"), models.NewTextMessage(models.RoleAssistant, "a"))
	}
	require.NoError(t, store.Adapter.Save(context.Background(), seed))
	m := newTestManager(t, Config{Transport: ft, History: store})
	require.Len(t, m.Messages(), 6)

	for i := 0; i < 2; i++ {
		m.ClearHistory()
		assert.Empty(t, m.Messages())
		assert.Equal(t, models.StatusReady, m.Status())
		waitSettled(t, m)
		_, err := kv.Get(context.Background(), store.Key())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func TestClearHistoryDuringStreamingDiscardsResponse(t *testing.T) {
	ft := newFakeTransport()
	store, kv := newRecordingStore()
	m := newTestManager(t, Config{Transport: ft, History: store})

	require.NoError(t, m.SendMessage(context.Background(), Input{Text: "hi"}))
	fs := ft.next(t)
	require.True(t, fs.text("partial"))
	require.Eventually(t, func() bool { return m.Status() == models.StatusStreaming }, time.Second, time.Millisecond)

	m.ClearHistory()
	fs.text(" more")
	fs.end()
	waitSettled(t, m)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, m.Messages())
	assert.Equal(t, models.StatusReady, m.Status())
	_, err := kv.Get(context.Background(), store.Key())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Eventually(t, func() bool { return ft.cancelCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestResumeStreamReplaysIntoNewMessage(t *testing.T) {
	ft := newFakeTransport()
	store, _ := newRecordingStore()
	require.NoError(t, store.Adapter.Save(context.Background(), []models.Message{
		models.NewTextMessage(models.RoleUser, "left mid-stream"),
	}))
	m := newTestManager(t, Config{ChatID: "c-9", Transport: ft, History: store})

	require.NoError(t, m.ResumeStream(context.Background()))
	fs := ft.next(t)
	require.True(t, fs.send(transport.Chunk{Type: transport.ChunkAck, MessageID: "srv-9"}))
	require.True(t, fs.text("replayed answer"))
	fs.end()
	waitSettled(t, m)

	assert.Equal(t, []string{"c-9"}, ft.resumes)
	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "srv-9", msgs[1].ID)
	assert.Equal(t, "replayed answer", msgs[1].Text())

	assert.ErrorIs(t, m.ResumeStream(context.Background()), ErrNothingToResume)
}

func TestResumeStreamWithNothingActive(t *testing.T) {
	ft := newFakeTransport()
	ft.resumeErr = transport.ErrNoActiveStream
	store, _ := newRecordingStore()
	require.NoError(t, store.Adapter.Save(context.Background(), []models.Message{
		models.NewTextMessage(models.RoleUser, "pending"),
	}))
	m := newTestManager(t, Config{Transport: ft, History: store})

	require.NoError(t, m.ResumeStream(context.Background()))
	waitSettled(t, m)
	assert.Equal(t, models.StatusReady, m.Status())
	assert.Len(t, m.Messages(), 1)
}

func TestResumeStreamRequiresTrailingUserMessage(t *testing.T) {
	m := newTestManager(t, Config{Transport: newFakeTransport()})
	assert.ErrorIs(t, m.ResumeStream(context.Background()), ErrNothingToResume)
}

func TestAddInterruptionMessage(t *testing.T) {
	m := newTestManager(t, Config{Transport: newFakeTransport(), Localizer: i18n.New("de")})
	m.AddInterruptionMessage(models.StatusStreaming)
	m.AddInterruptionMessage(models.StatusError)
	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Text(), "Antwortgenerierung")
	assert.True(t, msgs[1].Synthetic)
	assert.Equal(t, models.StatusReady, m.Status())
}

func TestSyntheticMessagesAreNotSent(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, Config{Transport: ft})
	m.AddInterruptionMessage(models.StatusSubmitted)

	require.NoError(t, m.SendMessage(context.Background(), Input{Text: "hi"}))
	fs := ft.next(t)
	req := ft.lastRequest()
	require.Len(t, req.Messages, 1)
	assert.Equal(t, models.RoleUser, req.Messages[0].Role)
	fs.end()
	waitSettled(t, m)
}

func TestSubscriberMayCallBack(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, Config{Transport: ft})

	resent := make(chan error, 1)
	var once sync.Once
	m.Subscribe(func(s Snapshot) {
		if s.Status != models.StatusReady || len(s.Messages) != 2 {
			return
		}
		once.Do(func() {
			resent <- m.SendMessage(context.Background(), Input{Text: "follow-up"})
		})
	})

	require.NoError(t, m.SendMessage(context.Background(), Input{Text: "first"}))
	fs := ft.next(t)
	require.True(t, fs.text("answer"))
	fs.end()

	select {
	case err := <-resent:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not notified")
	}
	ft.next(t).end()
	waitSettled(t, m)
	assert.Len(t, m.Messages(), 3)
}

func TestSnapshotsAreCopies(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, Config{Transport: ft})
	m.AddInterruptionMessage(models.StatusStreaming)

	s := m.Snapshot()
	s.Messages[0].Parts[0].Text = "mutated"
	assert.NotEqual(t, "mutated", m.Messages()[0].Text())
}

func TestCloseRejectsFurtherWork(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, Config{Transport: ft})

	require.NoError(t, m.SendMessage(context.Background(), Input{Text: "hi"}))
	fs := ft.next(t)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	require.Eventually(t, func() bool { return !fs.text("late") }, time.Second, 5*time.Millisecond)
	assert.Len(t, m.Messages(), 1)
	assert.ErrorIs(t, m.SendMessage(context.Background(), Input{Text: "again"}), ErrClosed)
	require.NoError(t, m.Wait(context.Background()))
}

func TestNewManagerRequiresTransport(t *testing.T) {
	_, err := NewManager(context.Background(), Config{})
	assert.Error(t, err)
}

func TestUnknownPartsSurviveExchange(t *testing.T) {
	ft := newFakeTransport()
	store, _ := newRecordingStore()
	m := newTestManager(t, Config{Transport: ft, History: store})

	var unknown models.Part
	raw := `{"type":"data-chart","series":[1,2,3]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &unknown))
	var broken models.Part
	require.NoError(t, json.Unmarshal([]byte(`{"type":"tool-invocation","toolInvocation":42}`), &broken))

	require.NoError(t, m.SendMessage(context.Background(), Input{Text: "chart"}))
	fs := ft.next(t)
	require.True(t, fs.send(transport.Chunk{Type: transport.ChunkPart, Part: unknown}))
	require.True(t, fs.send(transport.Chunk{Type: transport.ChunkPart, Part: broken}))
	fs.end()
	waitSettled(t, m)

	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, saved, 2)
	require.Len(t, saved[1].Parts, 2)
	out, err := json.Marshal(saved[1].Parts[0])
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
	assert.True(t, strings.Contains(string(saved[1].Parts[1].Raw()), "42"))
}
