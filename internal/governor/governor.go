// Package governor paces calls to the storage backend against its request-rate
// and byte-volume ceilings.
//
// A Governor owns two Windows, one counting requests and one counting
// ciphertext bytes, each a rolling-window budget shared by every transfer in
// the process (or, with the redis ledger, by every process sharing a backend
// account). Callers park in a FIFO queue until their amount fits; demand is
// never dropped, and only an amount larger than the whole ceiling is refused.
package governor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/castella/castella/internal/metrics"
	"github.com/castella/castella/pkg/bytesize"
)

// Common errors
var (
	ErrCapacityExhausted = errors.New("governor: amount exceeds window ceiling")
	ErrClosed            = errors.New("governor: closed")
	ErrLedger            = errors.New("governor: ledger unavailable")
	ErrInvalidLimit      = errors.New("governor: invalid limit")
)

// Window names, used as metric labels and redis key components.
const (
	WindowRequests = "requests"
	WindowBytes    = "bytes"
)

// Limit is a ceiling of Amount units per rolling Period.
type Limit struct {
	Amount int64
	Period time.Duration
}

// ParseLimit parses "amount/period", e.g. "10000/100s" or "683GiB/24h".
// The amount accepts byte-size suffixes; a bare period is in seconds.
func ParseLimit(s string) (Limit, error) {
	amount, period, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Limit{}, fmt.Errorf("%w: %q (want amount/period)", ErrInvalidLimit, s)
	}

	n, err := bytesize.Parse(amount)
	if err != nil {
		return Limit{}, fmt.Errorf("%w: amount %q: %v", ErrInvalidLimit, amount, err)
	}

	period = strings.TrimSpace(period)
	var d time.Duration
	if secs, err := strconv.ParseInt(period, 10, 64); err == nil {
		d = time.Duration(secs) * time.Second
	} else if d, err = time.ParseDuration(period); err != nil {
		return Limit{}, fmt.Errorf("%w: period %q: %v", ErrInvalidLimit, period, err)
	}

	l := Limit{Amount: n, Period: d}
	if err := l.Validate(); err != nil {
		return Limit{}, err
	}
	return l, nil
}

// Validate checks that both amount and period are positive.
func (l Limit) Validate() error {
	if l.Amount <= 0 || l.Period <= 0 {
		return fmt.Errorf("%w: %d/%s", ErrInvalidLimit, l.Amount, l.Period)
	}
	return nil
}

func (l Limit) String() string {
	return fmt.Sprintf("%d/%s", l.Amount, l.Period)
}

// Config configures a Governor.
type Config struct {
	Requests Limit
	Bytes    Limit

	// Redis, when set, stores both windows in redis so several gateway
	// processes share one budget. Nil keeps the ledgers in memory.
	Redis     redis.UniversalClient
	KeyPrefix string
}

type options struct {
	clock   clockwork.Clock
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Governor or Window.
type Option func(*options)

// WithClock replaces the real clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger used for parking and ledger failures.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics handle.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{clock: clockwork.NewRealClock(), logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.Discard()
	}
	return o
}

// Governor holds the request and byte windows.
type Governor struct {
	requests *Window
	bytes    *Window
}

// New creates a Governor from cfg.
func New(cfg Config, opts ...Option) (*Governor, error) {
	if err := cfg.Requests.Validate(); err != nil {
		return nil, fmt.Errorf("requests: %w", err)
	}
	if err := cfg.Bytes.Validate(); err != nil {
		return nil, fmt.Errorf("bytes: %w", err)
	}

	var reqLedger, byteLedger Ledger
	if cfg.Redis != nil {
		prefix := cfg.KeyPrefix
		if prefix == "" {
			prefix = "castella:governor"
		}
		reqLedger = NewRedisLedger(cfg.Redis, prefix+":"+WindowRequests, cfg.Requests)
		byteLedger = NewRedisLedger(cfg.Redis, prefix+":"+WindowBytes, cfg.Bytes)
	} else {
		reqLedger = NewMemoryLedger(cfg.Requests)
		byteLedger = NewMemoryLedger(cfg.Bytes)
	}

	return &Governor{
		requests: NewWindow(WindowRequests, cfg.Requests, reqLedger, opts...),
		bytes:    NewWindow(WindowBytes, cfg.Bytes, byteLedger, opts...),
	}, nil
}

// Requests returns the request-count window.
func (g *Governor) Requests() *Window { return g.requests }

// Bytes returns the byte-volume window.
func (g *Governor) Bytes() *Window { return g.bytes }

// AdmitRequest parks until one backend request may be issued.
func (g *Governor) AdmitRequest(ctx context.Context) (*Permit, error) {
	return g.requests.Acquire(ctx, 1)
}

// AdmitBytes parks until n ciphertext bytes may be transferred.
func (g *Governor) AdmitBytes(ctx context.Context, n int64) (*Permit, error) {
	return g.bytes.Acquire(ctx, n)
}

// Admit parks until one request moving n bytes may be issued. The byte
// budget is taken first so the request permit is held for as short as
// possible.
func (g *Governor) Admit(ctx context.Context, n int64) (*Permit, error) {
	bp, err := g.AdmitBytes(ctx, n)
	if err != nil {
		return nil, err
	}
	rp, err := g.AdmitRequest(ctx)
	if err != nil {
		bp.Cancel()
		return nil, err
	}
	return &Permit{grants: append(bp.grants, rp.grants...)}, nil
}

// Close fails all parked callers with ErrClosed.
func (g *Governor) Close() {
	g.requests.Close()
	g.bytes.Close()
}

type grant struct {
	w   *Window
	res Reservation
}

// Permit is an admitted reservation. Its amount is consumed once the gated
// call starts; Cancel returns it when the call never happened.
type Permit struct {
	grants []grant
	once   sync.Once
}

// Amount returns the total reserved amount in the named window.
func (p *Permit) Amount(window string) int64 {
	var n int64
	for _, g := range p.grants {
		if g.w.name == window {
			n += g.res.Amount
		}
	}
	return n
}

// Cancel refunds the reservation. Safe to call more than once, and on nil.
func (p *Permit) Cancel() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		for _, g := range p.grants {
			g.w.refund(g.res)
		}
	})
}
