// Package notify propagates change notifications between engine instances
// sharing one backing store.
//
// Broadcast is a latency optimization over the engine's poll loop: after a
// successful write, the writing instance publishes a message carrying the
// new document timestamp, and every sibling re-reads immediately instead of
// waiting for its next poll tick. Three transports exist: an in-process
// bus, a filesystem watcher on the backing file, and a loopback WebSocket
// relay for siblings in separate processes.
package notify

import (
	"sync"
	"time"
)

// Type identifies a broadcast message kind.
type Type string

const (
	// TypeDataUpdated announces a committed write; Timestamp carries the
	// document's new lastModified value.
	TypeDataUpdated Type = "dataUpdated"

	// TypeFileChanged announces that the backing file itself changed or
	// was replaced. It carries no document timestamp.
	TypeFileChanged Type = "fileChanged"
)

// Message is a broadcast notification.
type Message struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier connects one engine instance to its siblings.
//
// Publish never blocks; slow subscribers drop messages rather than stall a
// write. A dropped broadcast is harmless: the poll loop catches the change
// on its next tick.
type Notifier interface {
	Publish(msg Message)

	// Subscribe returns a channel of sibling messages and a cancel
	// function. The channel is closed on cancel or Close.
	Subscribe() (<-chan Message, func())

	Close() error
}

// subscriberBuffer is the per-subscriber channel depth before messages are
// dropped.
const subscriberBuffer = 16

// Bus is an in-process Notifier. Engine instances sharing one Bus receive
// each other's messages; a publisher also receives its own, which
// subscribers filter by timestamp.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Message
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Message)}
}

// Publish implements Notifier.
func (b *Bus) Publish(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribe implements Notifier.
func (b *Bus) Subscribe() (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close implements Notifier. All subscriber channels are closed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}

// Multi fans a single Notifier surface out over several transports:
// publishes go to every transport, subscriptions merge all of them.
type Multi struct {
	notifiers []Notifier

	wg sync.WaitGroup
}

// NewMulti combines the given notifiers. Nil entries are skipped.
func NewMulti(notifiers ...Notifier) *Multi {
	m := &Multi{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Publish implements Notifier.
func (m *Multi) Publish(msg Message) {
	for _, n := range m.notifiers {
		n.Publish(msg)
	}
}

// Subscribe implements Notifier.
func (m *Multi) Subscribe() (<-chan Message, func()) {
	out := make(chan Message, subscriberBuffer)
	done := make(chan struct{})

	cancels := make([]func(), 0, len(m.notifiers))
	for _, n := range m.notifiers {
		ch, cancel := n.Subscribe()
		cancels = append(cancels, cancel)

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case <-done:
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- msg:
					default:
					}
				}
			}
		}()
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			for _, c := range cancels {
				c()
			}
		})
	}
	return out, cancel
}

// Close implements Notifier, closing every underlying transport.
func (m *Multi) Close() error {
	var firstErr error
	for _, n := range m.notifiers {
		if err := n.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.wg.Wait()
	return firstErr
}
