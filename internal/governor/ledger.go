package governor

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Reservation identifies an amount taken from a ledger.
type Reservation struct {
	ID     string
	Amount int64
	At     time.Time
}

// Ledger is the shared accounting behind a Window. Reserve must be atomic: two
// overlapping calls can never jointly exceed the limit.
type Ledger interface {
	// Reserve takes n units at now if the rolling window has room. Otherwise
	// it reserves nothing and returns how long until enough of the oldest
	// entries expire for n to fit.
	Reserve(ctx context.Context, now time.Time, n int64) (Reservation, time.Duration, error)

	// Refund returns a reservation that was never used. Refunding an entry
	// that already expired is a no-op.
	Refund(ctx context.Context, r Reservation) error
}

// coalesceSlots bounds the number of entries a memory ledger keeps per window.
const coalesceSlots = 1024

type memEntry struct {
	id     uint64
	first  time.Time
	last   time.Time
	amount int64
}

// MemoryLedger is a sliding-window log held in process memory. Reservations
// made within period/1024 of each other share one entry; an entry expires one
// period after its latest reservation, so capacity is never freed early.
type MemoryLedger struct {
	mu         sync.Mutex
	limit      int64
	period     time.Duration
	resolution time.Duration
	entries    []memEntry
	used       int64
	seq        uint64
}

// NewMemoryLedger creates an in-process ledger for l.
func NewMemoryLedger(l Limit) *MemoryLedger {
	res := l.Period / coalesceSlots
	if res <= 0 {
		res = 1
	}
	return &MemoryLedger{limit: l.Amount, period: l.Period, resolution: res}
}

// Reserve implements Ledger.
func (m *MemoryLedger) Reserve(_ context.Context, now time.Time, n int64) (Reservation, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expire(now)
	if m.used+n > m.limit {
		return Reservation{}, m.waitFor(now, m.used+n-m.limit), nil
	}

	m.used += n
	if k := len(m.entries) - 1; k >= 0 && now.Sub(m.entries[k].first) < m.resolution {
		e := &m.entries[k]
		e.amount += n
		if now.After(e.last) {
			e.last = now
		}
		return Reservation{ID: strconv.FormatUint(e.id, 10), Amount: n, At: now}, 0, nil
	}

	m.seq++
	m.entries = append(m.entries, memEntry{id: m.seq, first: now, last: now, amount: n})
	return Reservation{ID: strconv.FormatUint(m.seq, 10), Amount: n, At: now}, 0, nil
}

// Refund implements Ledger.
func (m *MemoryLedger) Refund(_ context.Context, r Reservation) error {
	id, err := strconv.ParseUint(r.ID, 10, 64)
	if err != nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		e := &m.entries[i]
		if e.id != id {
			continue
		}
		n := r.Amount
		if n > e.amount {
			n = e.amount
		}
		e.amount -= n
		m.used -= n
		return nil
	}
	return nil
}

// Used returns the amount currently counted against the window.
func (m *MemoryLedger) Used(now time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(now)
	return m.used
}

func (m *MemoryLedger) expire(now time.Time) {
	i := 0
	for i < len(m.entries) && !now.Before(m.entries[i].last.Add(m.period)) {
		m.used -= m.entries[i].amount
		i++
	}
	if i > 0 {
		m.entries = append(m.entries[:0], m.entries[i:]...)
	}
}

// waitFor returns the time until at least need units have expired.
func (m *MemoryLedger) waitFor(now time.Time, need int64) time.Duration {
	var freed int64
	for _, e := range m.entries {
		freed += e.amount
		if freed >= need {
			return e.last.Add(m.period).Sub(now)
		}
	}
	return m.period
}
