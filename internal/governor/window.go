package governor

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/castella/castella/internal/metrics"
)

// ledgerTimeout bounds one ledger round trip made on behalf of the queue.
const ledgerTimeout = 5 * time.Second

type result struct {
	res Reservation
	err error
}

type waiter struct {
	n        int64
	enqueued time.Time
	ready    chan result // buffered, receives exactly once
	elem     *list.Element
}

// Window admits amounts against one Limit. Waiters are served strictly in
// arrival order: only the head of the queue reserves from the ledger, and when
// it does not fit a single timer is armed for the moment enough capacity
// expires. Later arrivals never overtake a parked head.
type Window struct {
	name    string
	limit   Limit
	ledger  Ledger
	clock   clockwork.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	queue   list.List
	running bool // a pump goroutine owns the head
	dirty   bool // capacity may have changed while the pump was reserving
	timer   clockwork.Timer
	closed  bool
}

// NewWindow creates a Window named name over ledger.
func NewWindow(name string, limit Limit, ledger Ledger, opts ...Option) *Window {
	o := buildOptions(opts)
	return &Window{
		name:    name,
		limit:   limit,
		ledger:  ledger,
		clock:   o.clock,
		log:     o.logger.With().Str("window", name).Logger(),
		metrics: o.metrics,
	}
}

// Name returns the window name.
func (w *Window) Name() string { return w.name }

// Limit returns the window ceiling.
func (w *Window) Limit() Limit { return w.limit }

// Waiting returns the number of parked callers.
func (w *Window) Waiting() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue.Len()
}

// Acquire parks until n units are reserved, ctx is done, or the window is
// closed. An amount above the ceiling fails at once with ErrCapacityExhausted.
func (w *Window) Acquire(ctx context.Context, n int64) (*Permit, error) {
	if n > w.limit.Amount {
		w.metrics.GovernorRejected.WithLabelValues(w.name).Inc()
		return nil, ErrCapacityExhausted
	}
	if n <= 0 {
		return &Permit{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wt := &waiter{n: n, enqueued: w.clock.Now(), ready: make(chan result, 1)}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrClosed
	}
	wt.elem = w.queue.PushBack(wt)
	w.setDepthLocked()
	if wt.elem == w.queue.Front() {
		w.kickLocked()
	}
	w.mu.Unlock()

	select {
	case r := <-wt.ready:
		if r.err != nil {
			return nil, r.err
		}
		return w.permit(r.res), nil
	case <-ctx.Done():
	}

	w.mu.Lock()
	if wt.elem != nil {
		head := wt.elem == w.queue.Front()
		w.queue.Remove(wt.elem)
		wt.elem = nil
		w.setDepthLocked()
		if head {
			w.kickLocked()
		}
		w.mu.Unlock()
		return nil, ctx.Err()
	}
	w.mu.Unlock()

	// granted concurrently with cancellation
	if r := <-wt.ready; r.err == nil {
		w.refund(r.res)
	}
	return nil, ctx.Err()
}

// Close stops the timer and fails every parked caller with ErrClosed.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.stopTimerLocked()
	for e := w.queue.Front(); e != nil; e = w.queue.Front() {
		wt := w.queue.Remove(e).(*waiter)
		wt.elem = nil
		wt.ready <- result{err: ErrClosed}
	}
	w.setDepthLocked()
}

func (w *Window) permit(res Reservation) *Permit {
	w.metrics.GovernorAdmitted.WithLabelValues(w.name).Add(float64(res.Amount))
	return &Permit{grants: []grant{{w: w, res: res}}}
}

func (w *Window) refund(res Reservation) {
	if res.Amount == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	if err := w.ledger.Refund(ctx, res); err != nil {
		w.log.Warn().Err(err).Int64("amount", res.Amount).Msg("governor refund failed")
		return
	}
	w.metrics.GovernorRefunded.WithLabelValues(w.name).Add(float64(res.Amount))

	w.mu.Lock()
	w.kickLocked()
	w.mu.Unlock()
}

// kickLocked starts a pump unless one is running, cancelling any armed timer.
func (w *Window) kickLocked() {
	if w.closed {
		return
	}
	if w.queue.Len() == 0 {
		w.stopTimerLocked()
		return
	}
	if w.running {
		w.dirty = true
		return
	}
	w.stopTimerLocked()
	w.running = true
	go w.pump()
}

func (w *Window) stopTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Window) onTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timer = nil
	w.kickLocked()
}

// pump serves the head of the queue until it is empty or the head must wait.
func (w *Window) pump() {
	for {
		w.mu.Lock()
		front := w.queue.Front()
		if front == nil || w.closed {
			w.running = false
			w.mu.Unlock()
			return
		}
		head := front.Value.(*waiter)
		w.dirty = false
		w.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
		res, wait, err := w.ledger.Reserve(ctx, w.clock.Now(), head.n)
		cancel()

		w.mu.Lock()
		switch {
		case err != nil:
			if head.elem != nil {
				w.queue.Remove(head.elem)
				head.elem = nil
				head.ready <- result{err: err}
			}
			w.setDepthLocked()
			w.mu.Unlock()
			w.log.Error().Err(err).Int64("amount", head.n).Msg("governor ledger failed")

		case wait > 0:
			if head.elem == nil || w.dirty || w.closed {
				w.mu.Unlock()
				continue
			}
			w.timer = w.clock.AfterFunc(wait, w.onTimer)
			w.running = false
			queued := w.queue.Len()
			w.mu.Unlock()
			w.log.Debug().Int64("amount", head.n).Dur("wait", wait).
				Int("queued", queued).Msg("governor window exhausted, parking")
			return

		case head.elem == nil:
			// cancelled while reserving
			w.mu.Unlock()
			w.refundQuiet(res)

		default:
			w.queue.Remove(head.elem)
			head.elem = nil
			head.ready <- result{res: res}
			w.setDepthLocked()
			w.mu.Unlock()
			w.metrics.GovernorWait.WithLabelValues(w.name).Observe(w.clock.Since(head.enqueued).Seconds())
		}
	}
}

// refundQuiet refunds without kicking; the caller is the pump itself.
func (w *Window) refundQuiet(res Reservation) {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	if err := w.ledger.Refund(ctx, res); err != nil {
		w.log.Warn().Err(err).Int64("amount", res.Amount).Msg("governor refund failed")
	}
}

func (w *Window) setDepthLocked() {
	w.metrics.GovernorQueueDepth.WithLabelValues(w.name).Set(float64(w.queue.Len()))
}
