package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"shopassist/internal/history"
	"shopassist/internal/models"
	"shopassist/internal/storage"
	"shopassist/internal/transport"
)

// fakeStream lets a test play the backend's side of one exchange.
type fakeStream struct {
	mu   sync.Mutex
	sw   *schema.StreamWriter[transport.Chunk]
	done bool
}

func (f *fakeStream) send(c transport.Chunk) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return false
	}
	return !f.sw.Send(c, nil)
}

func (f *fakeStream) text(delta string) bool {
	return f.send(transport.Chunk{Type: transport.ChunkText, Delta: delta})
}

func (f *fakeStream) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	f.sw.Send(transport.Chunk{}, err)
	f.sw.Close()
	f.done = true
}

func (f *fakeStream) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	f.sw.Close()
	f.done = true
}

type fakeTransport struct {
	mu        sync.Mutex
	requests  []*transport.Request
	resumes   []string
	cancels   []string
	openErr   error
	resumeErr error
	streams   chan *fakeStream

	// cancelGate, when set, holds Cancel until it is closed.
	cancelGate chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{streams: make(chan *fakeStream, 8)}
}

func (t *fakeTransport) open(ctx context.Context) *schema.StreamReader[transport.Chunk] {
	sr, sw := schema.Pipe[transport.Chunk](16)
	fs := &fakeStream{sw: sw}
	context.AfterFunc(ctx, func() { fs.fail(ctx.Err()) })
	t.streams <- fs
	return sr
}

func (t *fakeTransport) Stream(ctx context.Context, req *transport.Request) (*schema.StreamReader[transport.Chunk], error) {
	t.mu.Lock()
	t.requests = append(t.requests, req)
	err := t.openErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return t.open(ctx), nil
}

func (t *fakeTransport) Resume(ctx context.Context, chatID string) (*schema.StreamReader[transport.Chunk], error) {
	t.mu.Lock()
	t.resumes = append(t.resumes, chatID)
	err := t.resumeErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return t.open(ctx), nil
}

func (t *fakeTransport) Cancel(ctx context.Context, chatID string) error {
	t.mu.Lock()
	gate := t.cancelGate
	t.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancels = append(t.cancels, chatID)
	return nil
}

func (t *fakeTransport) cancelCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cancels)
}

func (t *fakeTransport) next(tb testing.TB) *fakeStream {
	tb.Helper()
	select {
	case fs := <-t.streams:
		return fs
	case <-time.After(2 * time.Second):
		tb.Fatal("no stream was opened")
		return nil
	}
}

func (t *fakeTransport) lastRequest() *transport.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.requests) == 0 {
		return nil
	}
	return t.requests[len(t.requests)-1]
}

func (t *fakeTransport) requestCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

// recordingStore wraps the real adapter and remembers every save.
type recordingStore struct {
	*history.Adapter

	mu      sync.Mutex
	saves   [][]models.Message
	clears  int
	onSave  func([]models.Message)
	saveErr error
	// gate, when set, holds every Save until it is closed.
	gate chan struct{}
}

func newRecordingStore() (*recordingStore, storage.KV) {
	kv := storage.NewMemoryKV()
	return &recordingStore{Adapter: history.NewAdapter(kv, "", zerolog.Nop())}, kv
}

func (r *recordingStore) Save(ctx context.Context, messages []models.Message) error {
	r.mu.Lock()
	r.saves = append(r.saves, models.CloneMessages(messages))
	hook, err, gate := r.onSave, r.saveErr, r.gate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if hook != nil {
		hook(messages)
	}
	if err != nil {
		return err
	}
	return r.Adapter.Save(ctx, messages)
}

func (r *recordingStore) Clear(ctx context.Context) error {
	r.mu.Lock()
	r.clears++
	r.mu.Unlock()
	return r.Adapter.Clear(ctx)
}

func (r *recordingStore) allSaves() [][]models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]models.Message(nil), r.saves...)
}

type fakeUploader struct {
	err error
}

func (u fakeUploader) Upload(_ context.Context, a models.Attachment) (models.Attachment, error) {
	if u.err != nil {
		return models.Attachment{}, u.err
	}
	a.URL = "https://cdn.example.com/" + a.Name
	return a, nil
}

// blockingUploader signals started and then waits for cancellation.
type blockingUploader struct {
	started chan struct{}
}

func (u *blockingUploader) Upload(ctx context.Context, a models.Attachment) (models.Attachment, error) {
	close(u.started)
	<-ctx.Done()
	return models.Attachment{}, ctx.Err()
}

type recordedInputs struct {
	mu     sync.Mutex
	inputs []string
}

func (r *recordedInputs) Add(s string) {
	r.mu.Lock()
	r.inputs = append(r.inputs, s)
	r.mu.Unlock()
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	m, err := NewManager(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func waitSettled(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx))
}

var errBoom = errors.New("boom")
