package agent

import (
	"sync"
	"time"

	"github.com/floegence/redeven-research/internal/events"
)

// Stream is the ordered outward channel of one run. It closes itself after
// the first terminal event; later emits, pings included, are dropped.
type Stream struct {
	mu     sync.Mutex
	sink   events.Sink
	closed bool
	done   chan struct{}
}

func NewStream(sink events.Sink) *Stream {
	return &Stream{sink: sink, done: make(chan struct{})}
}

// Emit forwards ev and reports whether it was delivered.
func (s *Stream) Emit(ev events.Event) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.sink != nil {
		s.sink.Emit(ev)
	}
	if ev.Type.IsTerminal() {
		s.closed = true
		close(s.done)
	}
	return true
}

func (s *Stream) Closed() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done is closed once a terminal event went out.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Heartbeat emits ping every interval until the stream closes.
func (s *Stream) Heartbeat(interval time.Duration) {
	if s == nil || interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-t.C:
				if !s.Emit(events.Ping()) {
					return
				}
			}
		}
	}()
}
