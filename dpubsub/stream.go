package dpubsub

import (
	"context"
	"sync"
)

// Stream is a linked list of event-driven values.
// Readers can each consume the list at their own pace.
//
// If readers do not actively consume the list,
// the node they observe will never be garbage collected,
// which is a memory leak.
type Stream[T any] struct {
	Ready chan struct{}
	Next  *Stream[T]
	Val   T
}

// NewStream returns an initialized, unpublished stream node.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{
		Ready: make(chan struct{}),
	}
}

// Publish assigns s's value and initializes s.Next.
// Then s.Ready is closed, notifying any observers that
// s.Val can now be safely read.
//
// If Publish is called twice for the same s, Publish panics.
func (s *Stream[T]) Publish(t T) {
	s.Val = t
	s.Next = NewStream[T]()
	close(s.Ready)
}

// Wait blocks until s is published, returning its value.
func (s *Stream[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, context.Cause(ctx)
	case <-s.Ready:
		return s.Val, nil
	}
}

// Publisher appends to a stream from any number of goroutines.
// The zero value is not usable; create one with [NewPublisher].
type Publisher[T any] struct {
	mu   sync.Mutex
	tail *Stream[T]
}

func NewPublisher[T any]() *Publisher[T] {
	return &Publisher[T]{tail: NewStream[T]()}
}

// Publish appends v.
func (p *Publisher[T]) Publish(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tail.Publish(v)
	p.tail = p.tail.Next
}

// Tail returns the next unpublished node.
// A reader starting there observes every value published after this call.
func (p *Publisher[T]) Tail() *Stream[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tail
}
