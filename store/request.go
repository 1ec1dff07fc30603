package store

import (
	"context"

	"github.com/richardartoul/deferdb/kv"
)

// Handlers are the callbacks of a single request. Both are optional and run on
// the factory's event loop.
type Handlers[T any] struct {
	OnSuccess func(result T)
	// OnError is called with the request's failure. Unless the handler calls
	// ev.PreventDefault() the error is reported to the transaction, which then
	// aborts.
	OnError func(ev *ErrorEvent)
}

// ErrorEvent describes a failed request.
type ErrorEvent struct {
	Err     error
	Request *Request

	prevented bool
}

// PreventDefault stops the failure from aborting the owning transaction.
func (e *ErrorEvent) PreventDefault() {
	e.prevented = true
}

func (e *ErrorEvent) DefaultPrevented() bool {
	return e.prevented
}

// ReadyState is the state of a Request.
type ReadyState int

const (
	RequestPending ReadyState = iota
	RequestDone
)

// Request is a single asynchronous operation issued against a transaction.
type Request struct {
	tx     *Transaction
	op     string
	source string
	state  ReadyState
	err    error
}

func newRequest(tx *Transaction, op, source string) *Request {
	return &Request{tx: tx, op: op, source: source}
}

// Op returns the name of the operation that created the request.
func (r *Request) Op() string { return r.op }

// Source returns the name of the object store or index the request runs against.
func (r *Request) Source() string { return r.source }

func (r *Request) Transaction() *Transaction { return r.tx }

func (r *Request) ReadyState() ReadyState { return r.state }

// Err returns the request's failure once it is done.
func (r *Request) Err() error { return r.err }

// op is a queued request. exec runs against the transaction's KV transaction and
// returns the success callback to dispatch.
type op struct {
	req     *Request
	exec    func(ctx context.Context, tr kv.Transaction) (func(), error)
	onError func(ev *ErrorEvent)
}

func newOp[T any](
	req *Request,
	h Handlers[T],
	exec func(ctx context.Context, tr kv.Transaction) (T, error),
) *op {
	return &op{
		req: req,
		exec: func(ctx context.Context, tr kv.Transaction) (func(), error) {
			result, err := exec(ctx, tr)
			if err != nil {
				return nil, err
			}
			return func() {
				if h.OnSuccess != nil {
					h.OnSuccess(result)
				}
			}, nil
		},
		onError: h.OnError,
	}
}
