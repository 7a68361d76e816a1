package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castella/castella/internal/metrics"
)

type fakeRemover struct {
	mu       sync.Mutex
	failures map[PurgeItem]int // remaining failures per item
	calls    []PurgeItem
}

func newFakeRemover() *fakeRemover {
	return &fakeRemover{failures: make(map[PurgeItem]int)}
}

func (r *fakeRemover) remove(it PurgeItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, it)
	if r.failures[it] > 0 {
		r.failures[it]--
		return errors.New("backend down")
	}
	return nil
}

func (r *fakeRemover) DeleteObject(_ context.Context, c, o string) error {
	return r.remove(PurgeItem{ContainerID: c, ObjectID: o})
}

func (r *fakeRemover) DeleteContainer(_ context.Context, c string) error {
	return r.remove(PurgeItem{ContainerID: c})
}

func (r *fakeRemover) callLog() []PurgeItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PurgeItem(nil), r.calls...)
}

func TestPurgeQueueDeduplicates(t *testing.T) {
	q := NewPurgeQueue(newFakeRemover(), PurgeConfig{}, nil, zerolog.Nop(), nil)
	it := PurgeItem{ContainerID: "c", ObjectID: "o"}
	q.Enqueue(it)
	q.Enqueue(it)
	q.Enqueue(PurgeItem{ContainerID: "c"})
	assert.Equal(t, 2, q.Len())
	assert.ElementsMatch(t, []PurgeItem{it, {ContainerID: "c"}}, q.Items())
}

func TestPurgeDrainRemovesObjectsBeforeContainers(t *testing.T) {
	rm := newFakeRemover()
	m := metrics.Discard()
	q := NewPurgeQueue(rm, PurgeConfig{Concurrency: 2}, nil, zerolog.Nop(), m)

	q.Enqueue(PurgeItem{ContainerID: "c"})
	for _, o := range []string{"a", "b", "c"} {
		q.Enqueue(PurgeItem{ContainerID: "c", ObjectID: o})
	}
	q.Drain(context.Background())

	calls := rm.callLog()
	require.Len(t, calls, 4)
	assert.Equal(t, PurgeItem{ContainerID: "c"}, calls[3])
	assert.Zero(t, q.Len())
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PurgeTotal.WithLabelValues("ok")))
	assert.Zero(t, testutil.ToFloat64(m.PurgeQueueDepth))
}

func TestPurgeRetriesThenDrops(t *testing.T) {
	rm := newFakeRemover()
	m := metrics.Discard()
	q := NewPurgeQueue(rm, PurgeConfig{MaxRetries: 2}, nil, zerolog.Nop(), m)

	flaky := PurgeItem{ContainerID: "c", ObjectID: "flaky"}
	dead := PurgeItem{ContainerID: "c", ObjectID: "dead"}
	rm.failures[flaky] = 1
	rm.failures[dead] = 100
	q.Enqueue(flaky)
	q.Enqueue(dead)

	q.Drain(context.Background())
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PurgeQueueDepth))

	q.Drain(context.Background())
	assert.Equal(t, []PurgeItem{dead}, q.Items(), "flaky succeeds on its second attempt")

	q.Drain(context.Background())
	assert.Zero(t, q.Len(), "dead is dropped after exceeding max retries")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PurgeTotal.WithLabelValues("dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PurgeTotal.WithLabelValues("ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PurgeTotal.WithLabelValues("retry")))
}

func TestPurgeDrainWithEndedContextRequeues(t *testing.T) {
	rm := newFakeRemover()
	q := NewPurgeQueue(rm, PurgeConfig{}, nil, zerolog.Nop(), nil)
	q.Enqueue(PurgeItem{ContainerID: "c", ObjectID: "o"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Drain(ctx)
	assert.Equal(t, 1, q.Len())
	assert.Empty(t, rm.callLog())
}

func TestPurgeRunDrainsOnSignalAndTick(t *testing.T) {
	rm := newFakeRemover()
	clock := clockwork.NewFakeClock()
	q := NewPurgeQueue(rm, PurgeConfig{Interval: time.Minute}, clock, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	q.Enqueue(PurgeItem{ContainerID: "c", ObjectID: "signalled"})
	require.Eventually(t, func() bool { return len(rm.callLog()) == 1 }, time.Second, time.Millisecond)

	// a failed item waits for the next tick
	retried := PurgeItem{ContainerID: "c", ObjectID: "retried"}
	rm.mu.Lock()
	rm.failures[retried] = 1
	rm.mu.Unlock()
	q.Enqueue(retried)
	require.Eventually(t, func() bool { return len(rm.callLog()) == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return q.Len() == 0 && len(rm.callLog()) == 3 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
