package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"shopassist/internal/models"
)

// HistoryStore is the persistence port for the message history.
type HistoryStore interface {
	Load(ctx context.Context) ([]models.Message, error)
	Save(ctx context.Context, messages []models.Message) error
	Clear(ctx context.Context) error
}

const persistTimeout = 5 * time.Second

// persister applies saves and clears in sequence order on its own writer
// goroutine, so callers never wait for storage. A request older than the
// last applied one is dropped, so a slow save can never bring back history
// that was cleared after it was taken.
type persister struct {
	store HistoryStore
	log   zerolog.Logger

	mu   sync.Mutex
	last uint64

	qmu     sync.Mutex
	queue   []queued
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

type queued struct {
	job   *persistJob
	after func()
}

func newPersister(store HistoryStore, log zerolog.Logger) *persister {
	p := &persister{
		store: store,
		log:   log,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go p.loop()
	return p
}

// enqueue hands job to the writer; after runs once the job is applied. A
// nil job only orders after behind the jobs already queued.
func (p *persister) enqueue(job *persistJob, after func()) {
	p.qmu.Lock()
	if p.stopped {
		p.qmu.Unlock()
		p.apply(job)
		if after != nil {
			after()
		}
		return
	}
	p.queue = append(p.queue, queued{job: job, after: after})
	p.qmu.Unlock()
	p.signal()
}

func (p *persister) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// flushed returns a channel closed once every job queued so far is applied.
func (p *persister) flushed() <-chan struct{} {
	ch := make(chan struct{})
	p.enqueue(nil, func() { close(ch) })
	return ch
}

func (p *persister) loop() {
	defer close(p.done)
	for {
		p.qmu.Lock()
		batch, stopped := p.queue, p.stopped
		p.queue = nil
		p.qmu.Unlock()

		for _, q := range batch {
			p.apply(q.job)
			if q.after != nil {
				q.after()
			}
		}
		if len(batch) > 0 {
			continue
		}
		if stopped {
			return
		}
		<-p.wake
	}
}

// stop lets the writer drain what is queued and waits for it, up to ctx.
func (p *persister) stop(ctx context.Context) {
	p.qmu.Lock()
	if p.stopped {
		p.qmu.Unlock()
		return
	}
	p.stopped = true
	p.qmu.Unlock()
	p.signal()
	select {
	case <-p.done:
	case <-ctx.Done():
		p.log.Warn().Msg("history writer still busy at close")
	}
}

func (p *persister) apply(job *persistJob) {
	switch {
	case job == nil:
	case job.clear:
		p.clear(job.seq)
	default:
		p.save(job.seq, job.messages)
	}
}

func (p *persister) save(seq uint64, messages []models.Message) {
	if p == nil || p.store == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq <= p.last {
		p.log.Debug().Uint64("seq", seq).Msg("dropping stale save")
		return
	}
	p.last = seq
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := p.store.Save(ctx, messages); err != nil {
		p.log.Warn().Err(err).Int("messages", len(messages)).Msg("history save failed")
	}
}

func (p *persister) clear(seq uint64) {
	if p == nil || p.store == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq <= p.last {
		return
	}
	p.last = seq
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := p.store.Clear(ctx); err != nil {
		p.log.Warn().Err(err).Msg("history clear failed")
	}
}

type persistJob struct {
	seq      uint64
	messages []models.Message
	clear    bool
}

// persistLocked is the only place a save is requested. It refuses while a
// response is streaming so a partial assistant message is never written.
// The returned job runs after the lock is released.
func (m *Manager) persistLocked() *persistJob {
	if m.closed || m.persist == nil || m.status == models.StatusStreaming {
		return nil
	}
	m.persistSeq++
	return &persistJob{seq: m.persistSeq, messages: models.CloneMessages(m.messages)}
}

func (m *Manager) clearLocked() *persistJob {
	if m.closed || m.persist == nil {
		return nil
	}
	m.persistSeq++
	return &persistJob{seq: m.persistSeq, clear: true}
}

// runPersist queues job for the writer. after, typically closing an
// exchange's settled channel, runs once the job is applied, or right away
// when there is nothing to write.
func (m *Manager) runPersist(job *persistJob, after func()) {
	if job == nil || m.persist == nil {
		if after != nil {
			after()
		}
		return
	}
	m.persist.enqueue(job, after)
}

func settledBy(ex *exchange) func() {
	if ex == nil {
		return nil
	}
	return func() { close(ex.settled) }
}
