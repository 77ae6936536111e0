package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"shopassist/internal/classify"
	"shopassist/internal/models"
	"shopassist/internal/transport"
)

type opener func(ctx context.Context) (*schema.StreamReader[transport.Chunk], error)

// SendMessage submits user input. It returns once the user message is in
// the conversation and the request is on its way; the response arrives
// through state changes. Transport failures never surface here: they end up
// as an error status and a classified assistant message.
func (m *Manager) SendMessage(ctx context.Context, in Input) error {
	if strings.TrimSpace(in.Text) == "" && len(in.Attachments) == 0 {
		return ErrEmptyInput
	}

	m.mu.Lock()
	if err := m.requireIdleLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	ex := m.beginLocked()
	if text := models.ComposeText(in.Text, in.Attachments); text != "" {
		pending := models.NewTextMessage(models.RoleUser, text)
		ex.pending = &pending
	}
	m.publishLocked()
	m.mu.Unlock()

	if m.inputs != nil && strings.TrimSpace(in.Text) != "" {
		m.inputs.Add(in.Text)
	}
	m.log.Debug().Uint64("gen", ex.gen).Int("attachments", len(in.Attachments)).Msg("submitting message")

	// ctx bounds the upload phase only; the exchange outlives the call.
	uploadCtx, cancel := context.WithCancel(ex.ctx)
	stop := context.AfterFunc(ctx, cancel)
	attachments, err := m.upload(uploadCtx, in.Attachments)
	stop()
	cancel()
	if err != nil {
		m.failSubmission(ex, err)
		return nil
	}

	m.mu.Lock()
	if !m.currentLocked(ex) {
		m.mu.Unlock()
		return nil
	}
	ex.pending = nil
	m.messages = append(m.messages, models.NewTextMessage(models.RoleUser, models.ComposeText(in.Text, attachments)))
	req := m.requestLocked(len(m.messages), transport.TriggerSubmit)
	ex.remote = true
	job := m.persistLocked()
	m.publishLocked()
	m.mu.Unlock()

	m.runPersist(job, nil)

	go m.run(ex, func(ctx context.Context) (*schema.StreamReader[transport.Chunk], error) {
		return m.transport.Stream(ctx, req)
	})
	return nil
}

func (m *Manager) upload(ctx context.Context, attachments []models.Attachment) ([]models.Attachment, error) {
	out := make([]models.Attachment, 0, len(attachments))
	for _, a := range attachments {
		if a.Uploaded() {
			out = append(out, a)
			continue
		}
		if m.uploader == nil {
			return nil, fmt.Errorf("attachment %s: no uploader configured", a.Name)
		}
		uploaded, err := m.uploader.Upload(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", a.Name, err)
		}
		out = append(out, uploaded)
	}
	return out, nil
}

// requestLocked builds a request from the first n messages, leaving out
// client-side notices.
func (m *Manager) requestLocked(n int, trigger transport.Trigger) *transport.Request {
	return &transport.Request{
		ID:       m.chatID,
		Messages: models.Outgoing(m.messages[:n]),
		Trigger:  trigger,
	}
}

// Reload asks the backend to answer the most recent user message again. The
// new answer is appended; nothing already in the conversation changes.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	if err := m.requireIdleLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	last := models.LastUserIndex(m.messages)
	if last < 0 {
		m.mu.Unlock()
		return ErrNothingToReload
	}
	req := m.requestLocked(last+1, transport.TriggerRegenerate)
	ex := m.beginLocked()
	ex.remote = true
	m.publishLocked()
	m.mu.Unlock()

	m.log.Debug().Uint64("gen", ex.gen).Msg("reloading last exchange")
	go m.run(ex, func(ctx context.Context) (*schema.StreamReader[transport.Chunk], error) {
		return m.transport.Stream(ctx, req)
	})
	return nil
}

// ResumeStream reattaches to a response the backend is still producing, or
// finished recently, for a user message that has no answer locally (the
// process went away mid-stream). The backend replays the response from the
// start and it is appended as a new message. With nothing to replay the
// session just returns to ready.
func (m *Manager) ResumeStream(ctx context.Context) error {
	m.mu.Lock()
	if err := m.requireIdleLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	if n := len(m.messages); n == 0 || m.messages[n-1].Role != models.RoleUser {
		m.mu.Unlock()
		return ErrNothingToResume
	}
	ex := m.beginLocked()
	ex.remote = true
	m.publishLocked()
	m.mu.Unlock()

	m.log.Debug().Uint64("gen", ex.gen).Msg("resuming stream")
	go m.run(ex, func(ctx context.Context) (*schema.StreamReader[transport.Chunk], error) {
		return m.transport.Resume(ctx, m.chatID)
	})
	return nil
}

// run drives one exchange until it settles or is retired.
func (m *Manager) run(ex *exchange, open opener) {
	if ex.after != nil {
		select {
		case <-ex.after:
		case <-ex.ctx.Done():
		}
	}
	sr, err := open(ex.ctx)
	if err != nil {
		if errors.Is(err, transport.ErrNoActiveStream) {
			m.finish(ex)
			return
		}
		m.fail(ex, err)
		return
	}
	defer sr.Close()

	idx := -1
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			m.finish(ex)
			return
		}
		if err != nil {
			m.fail(ex, err)
			return
		}
		var ok bool
		if idx, ok = m.apply(ex, idx, chunk); !ok {
			m.log.Debug().Uint64("gen", ex.gen).Msg("discarding chunks of retired exchange")
			return
		}
	}
}

// apply merges one chunk into the assistant message at idx, creating the
// message on the first chunk. It reports false once ex is no longer live.
func (m *Manager) apply(ex *exchange, idx int, chunk transport.Chunk) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(ex) {
		return idx, false
	}
	if idx < 0 {
		m.messages = append(m.messages, models.Message{
			ID:        models.NewMessageID(),
			Role:      models.RoleAssistant,
			Parts:     []models.Part{},
			CreatedAt: time.Now().UTC(),
		})
		idx = len(m.messages) - 1
		m.status = models.StatusStreaming
	}
	msg := &m.messages[idx]
	switch chunk.Type {
	case transport.ChunkAck:
		if chunk.MessageID != "" {
			msg.ID = chunk.MessageID
		}
	case transport.ChunkText:
		msg.AppendTextDelta(chunk.Delta)
	case transport.ChunkPart:
		msg.AppendPart(chunk.Part)
	}
	m.publishLocked()
	return idx, true
}

// finish settles a completed exchange.
func (m *Manager) finish(ex *exchange) {
	m.settle(ex, models.StatusReady, "")
}

// fail settles an exchange whose stream broke, appending the classified
// explanation.
func (m *Manager) fail(ex *exchange, err error) {
	if ex.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return
	}
	res := classify.Classify(err)
	m.log.Warn().Err(err).Str("category", res.Category.String()).Msg("exchange failed")
	m.settle(ex, models.StatusError, m.renderer.Render(res))
}

// failSubmission handles errors raised before the request was sent. The
// session goes back to ready so the user can try again.
func (m *Manager) failSubmission(ex *exchange, err error) {
	res := classify.ClassifySubmission(err)
	m.log.Warn().Err(err).Str("category", res.Category.String()).Msg("submission failed")
	m.settle(ex, models.StatusReady, m.renderer.Render(res))
}

func (m *Manager) settle(ex *exchange, status models.Status, notice string) {
	m.mu.Lock()
	if !m.currentLocked(ex) {
		m.mu.Unlock()
		return
	}
	m.retireLocked()
	if notice != "" {
		m.appendNoticeLocked(notice)
	}
	m.status = status
	job := m.persistLocked()
	m.publishLocked()
	m.mu.Unlock()

	m.runPersist(job, settledBy(ex))
}

// appendNoticeLocked adds a synthetic assistant message.
func (m *Manager) appendNoticeLocked(text string) {
	msg := models.NewTextMessage(models.RoleAssistant, text)
	msg.Synthetic = true
	m.messages = append(m.messages, msg)
}
