package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/castella/castella/internal/metrics"
)

// Remover deletes remote objects and containers.
type Remover interface {
	DeleteObject(ctx context.Context, containerID, objectID string) error
	DeleteContainer(ctx context.Context, containerID string) error
}

// PurgeItem is a remote object, or with an empty ObjectID a whole container,
// that must be deleted.
type PurgeItem struct {
	ContainerID string
	ObjectID    string
}

// PurgeConfig tunes the purge worker.
type PurgeConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	MaxRetries  int           `yaml:"max_retries"`
	ItemTimeout time.Duration `yaml:"item_timeout"`
}

func (c PurgeConfig) withDefaults() PurgeConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = time.Minute
	}
	return c
}

type purgeEntry struct {
	item       PurgeItem
	enqueuedAt time.Time
	retries    int
}

// PurgeQueue deletes remote data whose inline deletion failed. Entries are
// deduplicated by item and retried on every drain until they succeed or
// exhaust MaxRetries.
type PurgeQueue struct {
	remover Remover
	cfg     PurgeConfig
	clock   clockwork.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[PurgeItem]*purgeEntry
	signal  chan struct{}
}

// NewPurgeQueue creates an idle queue; Run starts the worker.
func NewPurgeQueue(rm Remover, cfg PurgeConfig, clock clockwork.Clock, log zerolog.Logger, m *metrics.Metrics) *PurgeQueue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &PurgeQueue{
		remover: rm,
		cfg:     cfg.withDefaults(),
		clock:   clock,
		log:     log.With().Str("component", "purge").Logger(),
		metrics: m,
		pending: make(map[PurgeItem]*purgeEntry),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue schedules an item for deletion. It never blocks.
func (q *PurgeQueue) Enqueue(item PurgeItem) {
	q.mu.Lock()
	if _, ok := q.pending[item]; !ok {
		q.pending[item] = &purgeEntry{item: item, enqueuedAt: q.clock.Now()}
	}
	q.metrics.PurgeQueueDepth.Set(float64(len(q.pending)))
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of queued items.
func (q *PurgeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Items returns a snapshot of the queued items.
func (q *PurgeQueue) Items() []PurgeItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]PurgeItem, 0, len(q.pending))
	for it := range q.pending {
		items = append(items, it)
	}
	return items
}

// Run drains the queue when signalled and every Interval until ctx ends,
// then makes a final bounded drain.
func (q *PurgeQueue) Run(ctx context.Context) {
	ticker := q.clock.NewTicker(q.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			q.Drain(final)
			cancel()
			return
		case <-q.signal:
			q.Drain(ctx)
		case <-ticker.Chan():
			q.Drain(ctx)
		}
	}
}

// Drain processes a snapshot of the queue. Objects are removed with bounded
// concurrency before containers, so a container is only deleted after the
// objects queued with it. Failed items are re-enqueued.
func (q *PurgeQueue) Drain(ctx context.Context) {
	q.mu.Lock()
	var objects, containers []*purgeEntry
	for it, e := range q.pending {
		if it.ObjectID == "" {
			containers = append(containers, e)
		} else {
			objects = append(objects, e)
		}
	}
	clear(q.pending)
	q.mu.Unlock()

	if len(objects)+len(containers) == 0 {
		return
	}
	q.log.Info().Int("objects", len(objects)).Int("containers", len(containers)).Msg("Draining purge queue")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.Concurrency)
	for _, e := range objects {
		g.Go(func() error {
			q.process(gctx, e)
			return nil
		})
	}
	_ = g.Wait()

	for _, e := range containers {
		q.process(ctx, e)
	}

	q.mu.Lock()
	q.metrics.PurgeQueueDepth.Set(float64(len(q.pending)))
	q.mu.Unlock()
}

func (q *PurgeQueue) process(ctx context.Context, e *purgeEntry) {
	if ctx.Err() != nil {
		q.requeue(e, false)
		return
	}
	ictx, cancel := context.WithTimeout(ctx, q.cfg.ItemTimeout)
	defer cancel()

	var err error
	if e.item.ObjectID == "" {
		err = q.remover.DeleteContainer(ictx, e.item.ContainerID)
	} else {
		err = q.remover.DeleteObject(ictx, e.item.ContainerID, e.item.ObjectID)
	}
	if err == nil {
		q.metrics.PurgeTotal.WithLabelValues("ok").Inc()
		q.log.Debug().Str("container", e.item.ContainerID).Str("object", e.item.ObjectID).Msg("purged")
		return
	}
	q.log.Error().Err(err).
		Str("container", e.item.ContainerID).
		Str("object", e.item.ObjectID).
		Int("retry", e.retries).
		Msg("Queued purge failed")
	q.requeue(e, true)
}

// requeue puts e back, counting a retry if failed.
func (q *PurgeQueue) requeue(e *purgeEntry, failed bool) {
	retries := e.retries
	if failed {
		retries++
	}
	if retries > q.cfg.MaxRetries {
		q.metrics.PurgeTotal.WithLabelValues("dropped").Inc()
		q.log.Warn().
			Str("container", e.item.ContainerID).
			Str("object", e.item.ObjectID).
			Int("retries", e.retries).
			Msg("Purge failed after max retries, dropping")
		return
	}
	if failed {
		q.metrics.PurgeTotal.WithLabelValues("retry").Inc()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[e.item]; !ok {
		q.pending[e.item] = &purgeEntry{item: e.item, enqueuedAt: e.enqueuedAt, retries: retries}
	}
}
