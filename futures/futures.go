package futures

import (
	"context"
	"fmt"
	"sync"
)

type future[T any] struct {
	sync.Mutex

	done      chan struct{}
	result    T
	err       error
	resolved  bool
	callbacks []func(T, error)
}

// New creates a new unsettled Future.
func New[T any]() Future[T] {
	return &future[T]{done: make(chan struct{})}
}

// Resolved returns a Future that is already resolved with result.
func Resolved[T any](result T) Future[T] {
	f := New[T]()
	f.Resolve(result)
	return f
}

// Rejected returns a Future that is already rejected with err.
func Rejected[T any](err error) Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

func (f *future[T]) Go(fn func() (T, error)) {
	f.ResolveOrReject(fn())
}

func (f *future[T]) Resolve(result T) {
	f.settle(result, nil)
}

func (f *future[T]) Reject(err error) {
	if err == nil {
		panic("[invariant violated] future rejected with nil error")
	}
	var zero T
	f.settle(zero, err)
}

func (f *future[T]) ResolveOrReject(result T, err error) {
	f.settle(result, err)
}

func (f *future[T]) settle(result T, err error) {
	f.Lock()
	if f.resolved {
		f.Unlock()
		panic("future resolved multiple times")
	}

	f.resolved = true
	f.result = result
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.Unlock()

	for _, cb := range callbacks {
		cb(result, err)
	}
}

func (f *future[T]) Wait() (result T, err error) {
	<-f.done
	return f.result, f.err
}

func (f *future[T]) WaitCtx(ctx context.Context) (result T, err error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.done:
		return f.result, f.err
	}
}

func (f *future[T]) OnSettle(fn func(result T, err error)) {
	f.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, fn)
		f.Unlock()
		return
	}
	result, err := f.result, f.err
	f.Unlock()

	fn(result, err)
}

func (f *future[T]) Settled() bool {
	f.Lock()
	defer f.Unlock()
	return f.resolved
}

func WaitAllSlice[T any](futures []Future[T]) ([]T, error) {
	results := make([]T, 0, len(futures))
	for i, fut := range futures {
		result, err := fut.Wait()
		if err != nil {
			return nil, fmt.Errorf(
				"WaitAllSlice: future at index: %d resolved with error: %w",
				i, err)
		}
		results = append(results, result)
	}

	return results, nil
}

func WaitAllSliceCtx[T any](ctx context.Context, futures []Future[T]) ([]T, error) {
	waitCh := make(chan resultsOrErr[T], 1)
	go func() {
		results, err := WaitAllSlice(futures)
		waitCh <- resultsOrErr[T]{results, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-waitCh:
		return r.results, r.err
	}
}

type resultsOrErr[T any] struct {
	results []T
	err     error
}
