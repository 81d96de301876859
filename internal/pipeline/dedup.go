package pipeline

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// processedEvents remembers event IDs that reached detection. An ID is
// forgotten once its event time falls window behind the watermark, or when
// capacity newer IDs have been claimed since.
type processedEvents struct {
	mu     sync.Mutex
	window time.Duration
	ids    *lru.Cache[string, time.Time]
}

func newProcessedEvents(capacity int, window time.Duration) (*processedEvents, error) {
	ids, err := lru.New[string, time.Time](capacity)
	if err != nil {
		return nil, err
	}
	return &processedEvents{window: window, ids: ids}, nil
}

// claim records id and reports whether it was not already claimed.
func (p *processedEvents) claim(id string, at, watermark time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seen, ok := p.ids.Peek(id); ok && !p.expired(seen, watermark) {
		return false
	}
	p.ids.Add(id, at)
	return true
}

// release forgets id so a redelivery is processed again.
func (p *processedEvents) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids.Remove(id)
}

func (p *processedEvents) expired(at, watermark time.Time) bool {
	return !watermark.IsZero() && at.Before(watermark.Add(-p.window))
}
