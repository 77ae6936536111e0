package chat

import (
	"shopassist/internal/i18n"
	"shopassist/internal/models"
)

// Stop cancels the outstanding request, locally and on the backend. The
// session is ready when Stop returns and exactly one interruption message
// naming the interrupted phase has been appended. Input stopped while its
// attachments were uploading is kept as the user message before the notice.
// Stop does nothing when no request is outstanding; it never waits for the
// backend or for storage.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed || !m.status.InFlight() {
		m.mu.Unlock()
		return
	}
	phase := m.status
	ex := m.retireLocked()
	m.abortRemoteLocked(ex)
	if ex != nil && ex.pending != nil {
		m.messages = append(m.messages, *ex.pending)
	}
	m.status = models.StatusReady
	m.appendNoticeLocked(m.interruptionText(phase))
	job := m.persistLocked()
	m.publishLocked()
	m.mu.Unlock()

	m.log.Info().Str("phase", phase.String()).Msg("request stopped")
	m.runPersist(job, settledBy(ex))
}

// ClearHistory drops the conversation, in memory and in storage, and any
// outstanding request with it. It is safe to call in any state.
func (m *Manager) ClearHistory() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	ex := m.retireLocked()
	m.abortRemoteLocked(ex)
	m.messages = []models.Message{}
	m.status = models.StatusReady
	job := m.clearLocked()
	m.publishLocked()
	m.mu.Unlock()

	m.runPersist(job, settledBy(ex))
}

// AddInterruptionMessage appends a notice that a request was interrupted
// while in the given status.
func (m *Manager) AddInterruptionMessage(status models.Status) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.appendNoticeLocked(m.interruptionText(status))
	job := m.persistLocked()
	m.publishLocked()
	m.mu.Unlock()

	m.runPersist(job, nil)
}

func (m *Manager) interruptionText(status models.Status) string {
	var phase string
	switch status {
	case models.StatusSubmitted:
		phase = m.loc.Sprintf(i18n.KeyPhaseSubmitted)
	case models.StatusStreaming:
		phase = m.loc.Sprintf(i18n.KeyPhaseStreaming)
	default:
		phase = m.loc.Sprintf(i18n.KeyPhaseUnspecified)
	}
	return m.loc.Sprintf(i18n.KeyInterrupted, phase)
}
