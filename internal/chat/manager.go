// Package chat implements the assistant session: the ordered message list,
// the request status state machine, cancellation, and persistence of history.
//
// All state lives behind one mutex. Each request runs as an exchange on its
// own goroutine; Stop, ClearHistory and Close retire the current exchange so
// nothing it reads afterwards is applied.
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"shopassist/internal/classify"
	"shopassist/internal/i18n"
	"shopassist/internal/models"
	"shopassist/internal/transport"
)

const abortTimeout = 5 * time.Second

// Transport opens response streams and cancels the backend's work on them.
type Transport interface {
	Stream(ctx context.Context, req *transport.Request) (*schema.StreamReader[transport.Chunk], error)
	Resume(ctx context.Context, chatID string) (*schema.StreamReader[transport.Chunk], error)
	// Cancel aborts the backend run for chatID. transport.ErrNoActiveStream
	// means nothing was running.
	Cancel(ctx context.Context, chatID string) error
}

// Uploader hosts a local attachment and returns it with its URL set.
type Uploader interface {
	Upload(ctx context.Context, a models.Attachment) (models.Attachment, error)
}

// InputRecorder receives every accepted raw input.
type InputRecorder interface {
	Add(input string)
}

type Config struct {
	ChatID    string
	Transport Transport
	// History is optional; nil keeps the session in memory only.
	History   HistoryStore
	Uploader  Uploader
	Inputs    InputRecorder
	Renderer  *classify.Renderer
	Localizer *i18n.Localizer
	Logger    zerolog.Logger
}

// Input is what the user submits.
type Input struct {
	Text        string
	Attachments []models.Attachment
}

// exchange is one outstanding request.
type exchange struct {
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	settled chan struct{}
	// after is the backend cancellation of the previous exchange, which
	// has to land before this one opens a stream.
	after <-chan struct{}
	// remote is set once a request went out, so stopping must cancel the
	// backend run too.
	remote bool
	// pending is the user message while attachments upload; it is kept if
	// the exchange is stopped before the message is appended.
	pending *models.Message
}

type Manager struct {
	chatID    string
	transport Transport
	uploader  Uploader
	inputs    InputRecorder
	renderer  *classify.Renderer
	loc       *i18n.Localizer
	log       zerolog.Logger
	observers *observers
	persist   *persister

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	messages   []models.Message
	status     models.Status
	gen        uint64
	ex         *exchange
	tail       chan struct{}
	persistSeq uint64
	aborting   chan struct{}
	closed     bool
}

// NewManager builds a session and hydrates it from cfg.History. A history
// that cannot be read starts the session empty.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errors.New("chat: transport is required")
	}
	if cfg.ChatID == "" {
		cfg.ChatID = "default"
	}
	if cfg.Localizer == nil {
		cfg.Localizer = i18n.New("")
	}
	if cfg.Renderer == nil {
		cfg.Renderer = classify.NewRenderer(cfg.Localizer, "", false)
	}
	log := cfg.Logger.With().Str("component", "chat").Str("chat_id", cfg.ChatID).Logger()

	baseCtx, baseCancel := context.WithCancel(context.Background())
	m := &Manager{
		chatID:     cfg.ChatID,
		transport:  cfg.Transport,
		uploader:   cfg.Uploader,
		inputs:     cfg.Inputs,
		renderer:   cfg.Renderer,
		loc:        cfg.Localizer,
		log:        log,
		observers:  newObservers(),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		status:     models.StatusReady,
		messages:   []models.Message{},
	}
	if cfg.History != nil {
		m.persist = newPersister(cfg.History, log)
		loaded, err := cfg.History.Load(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("could not load history; starting empty")
		} else {
			m.messages = loaded
			log.Debug().Int("messages", len(loaded)).Msg("history restored")
		}
	}
	return m, nil
}

// ChatID identifies the conversation on the backend.
func (m *Manager) ChatID() string { return m.chatID }

// Messages returns a copy of the conversation.
func (m *Manager) Messages() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.CloneMessages(m.messages)
}

// Status returns the current status.
func (m *Manager) Status() models.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Snapshot returns a consistent copy of messages and status.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{Messages: models.CloneMessages(m.messages), Status: m.status}
}

// Subscribe registers fn for every state change, delivered in order on a
// separate goroutine. fn may call back into the manager.
func (m *Manager) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	return m.observers.subscribe(fn)
}

func (m *Manager) publishLocked() {
	if m.observers.active() {
		m.observers.push(m.snapshotLocked())
	}
}

// Wait blocks until no request is outstanding and every history write
// requested so far has been applied.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	ch := m.tail
	if m.ex != nil {
		ch = m.ex.settled
	}
	m.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.persist == nil {
		return nil
	}
	select {
	case <-m.persist.flushed():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels any outstanding request and stops persisting and notifying.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	ex := m.retireLocked()
	m.closed = true
	m.mu.Unlock()

	m.baseCancel()
	if ex != nil {
		close(ex.settled)
	}
	m.observers.close()
	if m.persist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		m.persist.stop(ctx)
		cancel()
	}
	return nil
}

// beginLocked starts a new exchange in the submitted state.
func (m *Manager) beginLocked() *exchange {
	m.gen++
	ctx, cancel := context.WithCancel(m.baseCtx)
	ex := &exchange{gen: m.gen, ctx: ctx, cancel: cancel, settled: make(chan struct{}), after: m.aborting}
	m.ex = ex
	m.status = models.StatusSubmitted
	return ex
}

// retireLocked detaches and cancels the current exchange. The caller closes
// its settled channel once the follow-up work is done.
func (m *Manager) retireLocked() *exchange {
	ex := m.ex
	if ex == nil {
		return nil
	}
	m.ex = nil
	m.tail = ex.settled
	m.gen++
	ex.cancel()
	return ex
}

// abortRemoteLocked cancels the backend run of a retired exchange in the
// background. The next exchange waits for it before opening a stream.
func (m *Manager) abortRemoteLocked(ex *exchange) {
	if ex == nil || !ex.remote {
		return
	}
	done := make(chan struct{})
	m.aborting = done
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
		defer cancel()
		err := m.transport.Cancel(ctx, m.chatID)
		switch {
		case err == nil:
			m.log.Debug().Uint64("gen", ex.gen).Msg("backend run cancelled")
		case errors.Is(err, transport.ErrNoActiveStream):
			m.log.Debug().Uint64("gen", ex.gen).Msg("backend run already finished")
		default:
			m.log.Warn().Err(err).Uint64("gen", ex.gen).Msg("backend cancel failed")
		}
	}()
}

// currentLocked reports whether ex is still the live exchange.
func (m *Manager) currentLocked(ex *exchange) bool {
	return m.ex == ex && !m.closed
}

// requireIdleLocked rejects operations that need an idle session.
func (m *Manager) requireIdleLocked() error {
	if m.closed {
		return ErrClosed
	}
	if m.status.InFlight() {
		return ErrRequestInFlight
	}
	return nil
}
