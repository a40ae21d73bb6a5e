package llm

import (
	"context"
	"io"
	"sync"
)

// eventStream adapts a producer function into a Stream. The producer runs in
// its own goroutine and writes events to the channel; Recv reads them back in
// order. When the producer returns, Recv yields the producer's error, or
// io.EOF on clean completion.
type eventStream struct {
	events chan Event
	errCh  chan error
	cancel context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
}

// newEventStream runs produce in a goroutine and returns a Stream over the
// events it emits. Cancelling ctx (or calling Close) stops the producer.
func newEventStream(ctx context.Context, produce func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		events: make(chan Event, 16),
		errCh:  make(chan error, 1),
		cancel: cancel,
	}
	go func() {
		err := produce(ctx, s.events)
		if err == nil {
			err = ctx.Err()
		}
		s.errCh <- err
		close(s.events)
	}()
	return s
}

func (s *eventStream) Recv() (Event, error) {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return Event{}, err
	}
	s.mu.Unlock()

	event, ok := <-s.events
	if ok {
		return event, nil
	}

	err := <-s.errCh
	if err == nil {
		err = io.EOF
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	return Event{}, err
}

func (s *eventStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	// Drain so the producer goroutine can finish.
	go func() {
		for range s.events {
		}
	}()
	return nil
}

// sliceStream replays a fixed event slice, ending with io.EOF. Used by mocks.
type sliceStream struct {
	events []Event
	index  int
}

func (s *sliceStream) Recv() (Event, error) {
	if s.index >= len(s.events) {
		return Event{}, io.EOF
	}
	event := s.events[s.index]
	s.index++
	return event, nil
}

func (s *sliceStream) Close() error { return nil }
