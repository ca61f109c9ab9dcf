package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"pewcast/internal/storage"
)

// ledger holds the delivery records of the latest broadcast generation.
// The mutex only keeps the map memory-safe; overlapping broadcasts still
// replace each other (last writer wins).
type ledger struct {
	mu      sync.Mutex
	gen     string
	started time.Time
	ids     map[string]int64
	order   []string
}

// reset drops the current generation and starts a new one.
func (l *ledger) reset(now time.Time) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen = uuid.NewString()
	l.started = now
	l.ids = map[string]int64{}
	l.order = nil
	return l.gen
}

func (l *ledger) record(gen, key string, id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		// a newer broadcast replaced this generation
		return
	}
	if _, ok := l.ids[key]; !ok {
		l.order = append(l.order, key)
	}
	l.ids[key] = id
}

func (l *ledger) snapshot() storage.Generation {
	l.mu.Lock()
	defer l.mu.Unlock()
	g := storage.Generation{ID: l.gen, StartedAt: l.started}
	for _, k := range l.order {
		g.Records = append(g.Records, storage.Delivery{TargetKey: k, MessageID: l.ids[k]})
	}
	return g
}

func (l *ledger) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen = ""
	l.started = time.Time{}
	l.ids = nil
	l.order = nil
}

func (l *ledger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}
