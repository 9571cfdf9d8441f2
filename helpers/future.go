// Based on https://github.com/256dpi/gomqtt/blob/e7823dfd0958f968b8e69eb1bf235456316c54fb/client/future/future.go
// with completed/cancelled channels exported
// which allows to wait on result in custom select statement.

package helpers

import (
	"context"
	"sync"
)

type Future[T any] struct {
	result    T
	completed chan struct{}
	cancelled chan struct{}
	done      chan struct{}
	finished  bool
	mutex     sync.Mutex
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{
		completed: make(chan struct{}),
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (f *Future[T]) Cancelled() <-chan struct{} { return f.cancelled }
func (f *Future[T]) Completed() <-chan struct{} { return f.completed }

// Done is closed after either Complete or Cancel.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

func (f *Future[T]) Complete(result T) bool { return f.finish(result, f.completed) }
func (f *Future[T]) Cancel(result T) bool   { return f.finish(result, f.cancelled) }

func (f *Future[T]) finish(result T, ch chan struct{}) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.finished {
		return false
	}

	f.result = result
	close(ch)
	close(f.done)
	f.finished = true
	return true
}

func (f *Future[T]) Result() T {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.result
}

// Wait blocks until future is finished or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result(), nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
