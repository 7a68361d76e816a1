package governor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castella/castella/internal/metrics"
)

const settle = 50 * time.Millisecond

func newTestWindow(t *testing.T, limit Limit) (*Window, *clockwork.FakeClock, *metrics.Metrics) {
	t.Helper()
	fc := clockwork.NewFakeClockAt(t0)
	m := metrics.Discard()
	w := NewWindow("test", limit, NewMemoryLedger(limit), WithClock(fc), WithMetrics(m))
	t.Cleanup(w.Close)
	return w, fc, m
}

type acquired struct {
	p   *Permit
	err error
}

func acquireAsync(ctx context.Context, w *Window, n int64) <-chan acquired {
	ch := make(chan acquired, 1)
	go func() {
		p, err := w.Acquire(ctx, n)
		ch <- acquired{p, err}
	}()
	return ch
}

func waitTimer(t *testing.T, fc *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fc.BlockUntilContext(ctx, 1), "window never armed its timer")
}

func requireDone(t *testing.T, ch <-chan acquired) acquired {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not return")
		return acquired{}
	}
}

func requireParked(t *testing.T, ch <-chan acquired) {
	t.Helper()
	select {
	case a := <-ch:
		t.Fatalf("acquire returned early: %+v", a)
	case <-time.After(settle):
	}
}

func TestAcquireUnderLimitDoesNotBlock(t *testing.T) {
	w, _, m := newTestWindow(t, Limit{Amount: 10, Period: time.Minute})
	ctx := context.Background()

	for _, n := range []int64{3, 3, 4} {
		p, err := w.Acquire(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, n, p.Amount("test"))
	}
	assert.Equal(t, float64(10), testutil.ToFloat64(m.GovernorAdmitted.WithLabelValues("test")))

	short, cancel := context.WithTimeout(ctx, settle)
	defer cancel()
	_, err := w.Acquire(short, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, w.Waiting())
}

func TestAcquireParksUntilReplenished(t *testing.T) {
	w, fc, _ := newTestWindow(t, Limit{Amount: 10, Period: time.Minute})
	ctx := context.Background()

	_, err := w.Acquire(ctx, 10)
	require.NoError(t, err)

	ch := acquireAsync(ctx, w, 5)
	waitTimer(t, fc)
	requireParked(t, ch)

	fc.Advance(59 * time.Second)
	requireParked(t, ch)

	fc.Advance(time.Second)
	a := requireDone(t, ch)
	require.NoError(t, a.err)
	assert.Equal(t, int64(5), a.p.Amount("test"))
}

func TestLaterArrivalsDoNotOvertakeHead(t *testing.T) {
	w, fc, _ := newTestWindow(t, Limit{Amount: 10, Period: time.Minute})
	ctx := context.Background()

	_, err := w.Acquire(ctx, 5)
	require.NoError(t, err)

	big := acquireAsync(ctx, w, 8)
	waitTimer(t, fc)

	// 1 would fit right now, but it queues behind the parked head
	small := acquireAsync(ctx, w, 1)
	require.Eventually(t, func() bool { return w.Waiting() == 2 }, time.Second, time.Millisecond)
	requireParked(t, small)

	fc.Advance(time.Minute)
	require.NoError(t, requireDone(t, big).err)
	require.NoError(t, requireDone(t, small).err)
}

func TestCancelledWaiterLeavesQueue(t *testing.T) {
	w, fc, _ := newTestWindow(t, Limit{Amount: 10, Period: time.Minute})

	_, err := w.Acquire(context.Background(), 10)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := acquireAsync(ctx, w, 3)
	waitTimer(t, fc)
	cancel()

	a := requireDone(t, ch)
	assert.ErrorIs(t, a.err, context.Canceled)
	assert.Zero(t, w.Waiting())

	fc.Advance(time.Minute)
	p, err := w.Acquire(context.Background(), 10)
	require.NoError(t, err, "cancelled waiter must not have consumed capacity")
	assert.Equal(t, int64(10), p.Amount("test"))
}

func TestCancellingHeadUnblocksSmallerWaiters(t *testing.T) {
	w, fc, _ := newTestWindow(t, Limit{Amount: 10, Period: time.Minute})
	ctx := context.Background()

	_, err := w.Acquire(ctx, 5)
	require.NoError(t, err)

	headCtx, cancel := context.WithCancel(ctx)
	head := acquireAsync(headCtx, w, 8)
	waitTimer(t, fc)
	next := acquireAsync(ctx, w, 2)
	require.Eventually(t, func() bool { return w.Waiting() == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, requireDone(t, head).err, context.Canceled)
	require.NoError(t, requireDone(t, next).err, "next waiter fits without the clock moving")
}

func TestPermitCancelRefunds(t *testing.T) {
	w, fc, m := newTestWindow(t, Limit{Amount: 10, Period: time.Minute})
	ctx := context.Background()

	p, err := w.Acquire(ctx, 10)
	require.NoError(t, err)

	ch := acquireAsync(ctx, w, 4)
	waitTimer(t, fc)

	p.Cancel()
	p.Cancel()
	require.NoError(t, requireDone(t, ch).err)
	assert.Equal(t, float64(10), testutil.ToFloat64(m.GovernorRefunded.WithLabelValues("test")))

	var nilPermit *Permit
	nilPermit.Cancel()
}

func TestAcquireAboveCeiling(t *testing.T) {
	w, _, m := newTestWindow(t, Limit{Amount: 10, Period: time.Minute})

	_, err := w.Acquire(context.Background(), 11)
	assert.ErrorIs(t, err, ErrCapacityExhausted)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GovernorRejected.WithLabelValues("test")))

	p, err := w.Acquire(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, p.Amount("test"))
}

func TestConcurrentAdmissionsNeverExceedLimit(t *testing.T) {
	limit := Limit{Amount: 100, Period: time.Minute}
	w, fc, _ := newTestWindow(t, limit)
	ledger := w.ledger.(*MemoryLedger)
	ctx := context.Background()

	var granted atomic.Int64
	const callers = 50
	done := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		go func() {
			if _, err := w.Acquire(ctx, 3); err == nil {
				granted.Add(1)
			}
			done <- struct{}{}
		}()
	}

	require.Eventually(t, func() bool { return granted.Load() == 33 }, 2*time.Second, time.Millisecond)
	waitTimer(t, fc)
	time.Sleep(settle)
	assert.Equal(t, int64(33), granted.Load())
	assert.Equal(t, int64(99), ledger.Used(fc.Now()))
	assert.Equal(t, callers-33, w.Waiting())

	fc.Advance(time.Minute)
	for i := 0; i < callers; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d callers finished", i)
		}
	}
	assert.Equal(t, int64(callers), granted.Load())
	assert.LessOrEqual(t, ledger.Used(fc.Now()), limit.Amount)
}

func TestCloseFailsWaiters(t *testing.T) {
	w, fc, _ := newTestWindow(t, Limit{Amount: 1, Period: time.Hour})
	ctx := context.Background()

	_, err := w.Acquire(ctx, 1)
	require.NoError(t, err)
	ch := acquireAsync(ctx, w, 1)
	waitTimer(t, fc)

	w.Close()
	assert.ErrorIs(t, requireDone(t, ch).err, ErrClosed)
	_, err = w.Acquire(ctx, 1)
	assert.ErrorIs(t, err, ErrClosed)
}
