package futures

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFutureResolve(t *testing.T) {
	f := New[int]()
	require.False(t, f.Settled())

	go f.Resolve(10)

	result, err := f.Wait()
	require.NoError(t, err)
	require.Equal(t, 10, result)
	require.True(t, f.Settled())
}

func TestFutureReject(t *testing.T) {
	f := New[int]()
	f.Reject(errors.New("boom"))

	_, err := f.Wait()
	require.EqualError(t, err, "boom")
}

func TestFutureSettleTwicePanics(t *testing.T) {
	f := New[int]()
	f.Resolve(1)
	require.Panics(t, func() { f.Resolve(2) })
	require.Panics(t, func() { f.Reject(errors.New("late")) })

	result, err := f.Wait()
	require.NoError(t, err)
	require.Equal(t, 1, result)
}

func TestFutureOnSettle(t *testing.T) {
	// Registered before settlement.
	f := New[string]()
	var got []string
	f.OnSettle(func(result string, err error) {
		require.NoError(t, err)
		got = append(got, "before:"+result)
	})
	f.Resolve("a")

	// Registered after settlement runs immediately.
	f.OnSettle(func(result string, err error) {
		got = append(got, "after:"+result)
	})
	require.Equal(t, []string{"before:a", "after:a"}, got)
}

func TestFutureWaitCtx(t *testing.T) {
	f := New[int]()

	ctx, cc := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cc()
	_, err := f.WaitCtx(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Abandoning the wait does not settle the future.
	require.False(t, f.Settled())
	f.Resolve(3)
	result, err := f.WaitCtx(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, result)
}

func TestWaitAllSlice(t *testing.T) {
	futs := []Future[int]{Resolved(1), Resolved(2), New[int]()}
	go futs[2].Go(func() (int, error) { return 3, nil })

	results, err := WaitAllSlice(futs)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, results)

	futs = append(futs, Rejected[int](errors.New("nope")))
	_, err = WaitAllSliceCtx(context.Background(), futs)
	require.Error(t, err)
	require.Contains(t, err.Error(), "index: 3")
}
