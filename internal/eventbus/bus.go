// Package eventbus carries pipeline outcome events between components that
// must not know about each other: the scheduler and publisher emit, the app's
// event log and operator announcer listen.
package eventbus

import (
	"sync"
	"time"
)

// Event is a small in-memory signal. Data should stay small; listeners log
// or announce it, nothing replays it.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	// Publish never blocks. A listener whose buffer is full loses the event.
	Publish(e Event)
	// Subscribe returns a buffered channel and a func that detaches and
	// closes it. Calling unsubscribe more than once is fine.
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &fanout{listeners: make(map[int]chan Event)}
}

type fanout struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]chan Event
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the lock across them is cheap and
	// means no send can race an unsubscribe's close.
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.listeners {
		select {
		case ch <- e:
		default:
		}
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.listeners, id)
			close(ch)
			f.mu.Unlock()
		})
	}
}
