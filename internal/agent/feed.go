package agent

import (
	"context"
	"sync"

	"github.com/floegence/redeven-research/internal/events"
)

// rawFeed is the ordered low-level feed of one run. Producers never block;
// the run's consumer drains it in push order.
type rawFeed struct {
	mu     sync.Mutex
	items  []events.Raw
	closed bool
	notify chan struct{}
}

func newRawFeed() *rawFeed {
	return &rawFeed{notify: make(chan struct{}, 1)}
}

// push appends raw. Records pushed after close are dropped.
func (f *rawFeed) push(raw events.Raw) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.items = append(f.items, raw)
	f.mu.Unlock()
	f.wake()
}

func (f *rawFeed) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.wake()
}

func (f *rawFeed) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// next blocks until a record is available. It reports false once the feed is
// closed and drained, or when ctx is done.
func (f *rawFeed) next(ctx context.Context) (events.Raw, bool) {
	for {
		f.mu.Lock()
		if len(f.items) > 0 {
			raw := f.items[0]
			f.items[0] = events.Raw{}
			f.items = f.items[1:]
			f.mu.Unlock()
			return raw, true
		}
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return events.Raw{}, false
		}
		select {
		case <-ctx.Done():
			return events.Raw{}, false
		case <-f.notify:
		}
	}
}
