package utils

import (
	"context"
	"sync"
)

// OneShot is a rendezvous completed exactly once by one goroutine and observed by others.
// The zero value is ready to use.
type OneShot[T any] struct {
	init  sync.Once
	once  sync.Once
	done  chan struct{}
	value T
}

func (o *OneShot[T]) ch() chan struct{} {
	o.init.Do(func() { o.done = make(chan struct{}) })
	return o.done
}

// Complete publishes v. Only the first call has an effect; it reports whether this call won.
func (o *OneShot[T]) Complete(v T) bool {
	done := o.ch()
	won := false
	o.once.Do(func() {
		o.value = v
		close(done)
		won = true
	})
	return won
}

// Done returns a channel closed once the value is available.
func (o *OneShot[T]) Done() <-chan struct{} {
	return o.ch()
}

// Wait blocks until Complete is called or ctx is done.
func (o *OneShot[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-o.ch():
		return o.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
