package chat

import (
	"sync"

	"shopassist/internal/models"
)

// Snapshot is a read-only copy of the session state.
type Snapshot struct {
	Messages []models.Message
	Status   models.Status
}

// observers delivers snapshots in mutation order from a dedicated goroutine,
// so subscribers never run under the manager's lock.
type observers struct {
	mu     sync.Mutex
	subs   map[int]func(Snapshot)
	nextID int
	queue  []Snapshot
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func newObservers() *observers {
	o := &observers{
		subs: make(map[int]func(Snapshot)),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go o.loop()
	return o
}

func (o *observers) subscribe(fn func(Snapshot)) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

func (o *observers) active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs) > 0 && !o.closed
}

func (o *observers) push(s Snapshot) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, s)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *observers) loop() {
	defer close(o.done)
	for range o.wake {
		for {
			o.mu.Lock()
			if len(o.queue) == 0 {
				closed := o.closed
				o.mu.Unlock()
				if closed {
					return
				}
				break
			}
			s := o.queue[0]
			o.queue = o.queue[1:]
			subs := make([]func(Snapshot), 0, len(o.subs))
			for _, fn := range o.subs {
				subs = append(subs, fn)
			}
			o.mu.Unlock()
			for _, fn := range subs {
				fn(s)
			}
		}
	}
}

// close delivers what is queued and stops the dispatcher.
func (o *observers) close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
