package behaviour

import "sync"

// mailbox is an unbounded FIFO between a producer that must never block
// (libp2p notifiees, routing table callbacks, event bus readers) and a
// consumer reading from out. push never blocks; out holds at most one
// pending item.
type mailbox[T any] struct {
	mu    sync.Mutex
	items []T

	wake chan struct{}
	out  chan T
	done chan struct{}
	once sync.Once
}

func newMailbox[T any]() *mailbox[T] {
	m := &mailbox[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
		done: make(chan struct{}),
	}
	go m.pump()
	return m
}

// push enqueues v. It reports false once the mailbox is closed.
func (m *mailbox[T]) push(v T) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox[T]) pump() {
	defer close(m.out)

	for {
		m.mu.Lock()
		if len(m.items) == 0 {
			m.mu.Unlock()
			select {
			case <-m.wake:
				continue
			case <-m.done:
				return
			}
		}
		v := m.items[0]
		var zero T
		m.items[0] = zero
		m.items = m.items[1:]
		m.mu.Unlock()

		select {
		case m.out <- v:
		case <-m.done:
			return
		}
	}
}

// pending returns the number of queued items not yet handed to out.
func (m *mailbox[T]) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// close discards queued items and closes out.
func (m *mailbox[T]) close() {
	m.once.Do(func() { close(m.done) })
}
