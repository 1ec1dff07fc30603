package futures

import "context"

// Future is a deferred result that settles exactly once, either with a value
// (Resolve) or with an error (Reject).
type Future[T any] interface {
	Go(func() (T, error))
	Resolve(result T)
	Reject(err error)
	ResolveOrReject(result T, err error)
	Wait() (result T, err error)
	// WaitCtx is the same as Wait() except it stops waiting when ctx is done. It
	// does not cancel whatever work will eventually settle the future.
	WaitCtx(ctx context.Context) (result T, err error)
	// OnSettle registers fn to be called once the future settles. If the future
	// has already settled, fn is called immediately on the calling goroutine.
	// Otherwise it is called on the goroutine that settles the future.
	OnSettle(fn func(result T, err error))
	// Settled returns a boolean indicating whether the future has settled.
	Settled() bool
}
