// Package eventbus carries in-memory relay signals between components.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the relay.
const (
	SessionOpened  = "session.opened"
	SessionClosed  = "session.closed"
	RunnerBackoff  = "runner.backoff"
	RunnerStopped  = "runner.stopped"
	TrackChanged   = "track.changed"
	NotifySent     = "notifier.sent"
	NotifyFailed   = "notifier.failed"
	NotifyDropped  = "notifier.dropped"
	ConfigReloaded = "config.reloaded"
	ConfigRejected = "config.rejected"
)

// Event is a lightweight signal.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers use buffered channels; slow subscribers drop events.
//
// Data is one of the payload structs below or nil.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type SessionInfo struct {
	SessionID string
	URL       string
	Attempt   int
	Err       string
	Events    int
	Emitted   int
}

type BackoffInfo struct {
	RetryCount int
	Delay      time.Duration
	Reason     string
}

type StopInfo struct {
	Code       int
	RetryCount int
	Reason     string
}

type TrackInfo struct {
	SessionID string
	DJ        string
	Live      bool
	Artist    string
	Track     string
	Album     string
}

type DeliveryInfo struct {
	Sink     string
	Title    string
	Attempts int
	Err      string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
