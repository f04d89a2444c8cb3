package store

import (
	"sync"

	"github.com/Vic-Dev/flux-capacitor/pkg/event"
)

// Listener is notified after each dispatched event with the resulting state.
type Listener func(State, event.Event)

// Store is the state container the sync core drives. Anything that can apply one event and notify subscribers
// satisfies it.
type Store interface {
	Dispatch(e event.Event)
	Subscribe(l Listener) (unsubscribe func())
}

type subscription struct {
	id int
	fn Listener
}

// Memory is the in-process Store backed by the reducers in this package.
type Memory struct {
	lock      sync.Mutex
	state     State
	listeners []subscription
	nextID    int
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Dispatch(e event.Event) {
	m.lock.Lock()
	m.state = Reduce(m.state, e)
	s := m.state
	listeners := make([]subscription, len(m.listeners))
	copy(listeners, m.listeners)
	m.lock.Unlock()

	for _, l := range listeners {
		l.fn(s, e)
	}
}

func (m *Memory) Subscribe(l Listener) func() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, subscription{id: id, fn: l})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lock.Lock()
			defer m.lock.Unlock()
			for i, s := range m.listeners {
				if s.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Memory) State() State {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.state
}
