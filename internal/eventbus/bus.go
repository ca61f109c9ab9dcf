// Package eventbus is a small in-process fanout for lifecycle events
// (broadcast and recall completions, config reloads).
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeBroadcastFinished = "broadcast.finished"
	TypeRecallFinished    = "recall.finished"
	TypeConfigReloaded    = "config.reloaded"
)

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels.
//   - Slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
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
	// Holding the read lock while sending keeps unsubscribe (which closes the
	// channel under the write lock) from racing a send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
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
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Consume calls fn for each event of the given types until ctx is done or the
// subscription closes. No types means all events.
func Consume(ctx context.Context, ch <-chan Event, fn func(Event), types ...string) {
	want := map[string]bool{}
	for _, t := range types {
		want[t] = true
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if len(want) > 0 && !want[e.Type] {
				continue
			}
			fn(e)
		}
	}
}
