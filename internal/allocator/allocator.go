// Package allocator spreads new files across backend drives so that no drive
// passes its object-count ceiling.
//
// Allocation is serialized within the process. A drive handed out by Allocate
// carries a pending reservation until the file row is committed or the lease
// is released, so concurrent uploads never overcommit a drive, and a new
// container is created only when every existing drive is full. Reservations
// are not shared between processes; the catalog ceiling check in InsertFile
// is what holds across them.
package allocator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/castella/castella/internal/catalog"
	"github.com/castella/castella/internal/metrics"
	"github.com/castella/castella/internal/retry"
)

// Defaults
const (
	DefaultMaxFilesPerDrive = 350000
	DefaultNamePrefix       = "castella-"
	nameSuffixLen           = 10
)

// ErrNoCapacity means every drive is full and no more may be created.
var ErrNoCapacity = errors.New("allocator: drive limit reached")

// Catalog is the subset of the catalog the allocator needs.
type Catalog interface {
	SelectDrive(ctx context.Context, ceiling int, pending map[int64]int) (*catalog.Drive, error)
	CreateDrive(ctx context.Context, containerID string) (*catalog.Drive, error)
	Stats(ctx context.Context) (catalog.Stats, error)
}

// Provisioner creates and removes backend containers. The transfer service
// supplies one that is admitted by the governor and retried.
type Provisioner interface {
	CreateContainer(ctx context.Context, name string) (string, error)
	DeleteContainer(ctx context.Context, id string) error
}

// Config sets the drive creation policy.
type Config struct {
	MaxFilesPerDrive int          `yaml:"max_files_per_drive"`
	MaxDrives        int          `yaml:"max_drives"` // 0 = unlimited
	NamePrefix       string       `yaml:"name_prefix"`
	Retry            retry.Policy `yaml:"retry"`
}

func (c Config) withDefaults() Config {
	if c.MaxFilesPerDrive <= 0 {
		c.MaxFilesPerDrive = DefaultMaxFilesPerDrive
	}
	if c.NamePrefix == "" {
		c.NamePrefix = DefaultNamePrefix
	}
	return c
}

// Allocator hands out drive leases.
//
// sem serializes selection and Commit and is never held across a backend
// call. create serializes container creation, which may park in the
// governor. mu guards the pending map.
type Allocator struct {
	catalog Catalog
	prov    Provisioner
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	sem    chan struct{}
	create chan struct{}

	mu      sync.Mutex
	pending map[int64]int
}

// New creates an Allocator.
func New(cat Catalog, prov Provisioner, cfg Config, log zerolog.Logger, m *metrics.Metrics) *Allocator {
	if m == nil {
		m = metrics.Discard()
	}
	return &Allocator{
		catalog: cat,
		prov:    prov,
		cfg:     cfg.withDefaults(),
		log:     log.With().Str("component", "allocator").Logger(),
		metrics: m,
		sem:     make(chan struct{}, 1),
		create:  make(chan struct{}, 1),
		pending: make(map[int64]int),
	}
}

// Ceiling returns the per-drive file ceiling.
func (a *Allocator) Ceiling() int { return a.cfg.MaxFilesPerDrive }

// Pending returns the number of outstanding reservations on a drive.
func (a *Allocator) Pending(driveKey int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending[driveKey]
}

func acquire(ctx context.Context, sem chan struct{}) error {
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Allocator) lock(ctx context.Context) error { return acquire(ctx, a.sem) }

func (a *Allocator) unlock() { <-a.sem }

func (a *Allocator) reserveLocked(d *catalog.Drive, created bool) *Lease {
	a.mu.Lock()
	a.pending[d.Key]++
	a.mu.Unlock()
	return &Lease{a: a, drive: *d, created: created}
}

// Allocate reserves one file slot on the newest drive with room, creating a
// drive when none has any.
func (a *Allocator) Allocate(ctx context.Context) (*Lease, error) {
	if l, err := a.reserveExisting(ctx); err != nil || l != nil {
		return l, err
	}

	// every drive is full
	if err := acquire(ctx, a.create); err != nil {
		return nil, err
	}
	defer func() { <-a.create }()

	// a drive created while this call waited may have room
	if l, err := a.reserveExisting(ctx); err != nil || l != nil {
		return l, err
	}
	return a.createDrive(ctx)
}

// reserveExisting reserves a slot on an existing drive, or returns nil when
// every drive is full.
func (a *Allocator) reserveExisting(ctx context.Context) (*Lease, error) {
	if err := a.lock(ctx); err != nil {
		return nil, err
	}
	defer a.unlock()

	a.mu.Lock()
	snapshot := make(map[int64]int, len(a.pending))
	for k, v := range a.pending {
		snapshot[k] = v
	}
	a.mu.Unlock()

	d, err := retry.Do(ctx, a.cfg.Retry, a.retryable, a.notify("select"), func() (*catalog.Drive, error) {
		return a.catalog.SelectDrive(ctx, a.cfg.MaxFilesPerDrive, snapshot)
	})
	if err != nil {
		return nil, fmt.Errorf("select drive: %w", err)
	}
	if d == nil {
		return nil, nil
	}
	return a.reserveLocked(d, false), nil
}

// createDrive provisions a container outside the allocator lock, then
// records it and reserves its first slot under the lock. The caller holds
// a.create.
func (a *Allocator) createDrive(ctx context.Context) (*Lease, error) {
	if a.cfg.MaxDrives > 0 {
		stats, err := a.catalog.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("count drives: %w", err)
		}
		if stats.Drives >= int64(a.cfg.MaxDrives) {
			return nil, ErrNoCapacity
		}
	}

	name, err := newDriveName(a.cfg.NamePrefix)
	if err != nil {
		return nil, err
	}
	id, err := a.prov.CreateContainer(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	// the row exists only once the backend has confirmed the container
	err = a.lock(ctx)
	var d *catalog.Drive
	if err == nil {
		d, err = retry.Do(ctx, a.cfg.Retry, a.retryable, a.notify("create"), func() (*catalog.Drive, error) {
			return a.catalog.CreateDrive(ctx, id)
		})
		if err == nil {
			l := a.reserveLocked(d, true)
			a.unlock()
			a.metrics.DrivesCreated.Inc()
			a.log.Info().Int64("drive", d.Key).Str("container", id).Str("name", name).Msg("created drive")
			return l, nil
		}
		a.unlock()
	}

	a.log.Error().Err(err).Str("container", id).Msg("failed to record drive, removing container")
	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if derr := a.prov.DeleteContainer(cleanup, id); derr != nil {
		a.log.Warn().Err(derr).Str("container", id).Msg("orphaned container left on backend")
	}
	return nil, fmt.Errorf("record drive: %w", err)
}

func (a *Allocator) retryable(err error) bool {
	return errors.Is(err, catalog.ErrConflict)
}

func (a *Allocator) notify(op string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		a.metrics.AllocationConflicts.Inc()
		a.log.Debug().Err(err).Str("op", op).Dur("backoff", wait).Msg("catalog conflict, retrying")
	}
}

const nameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func newDriveName(prefix string) (string, error) {
	b := make([]byte, nameSuffixLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate drive name: %w", err)
	}
	for i := range b {
		b[i] = nameAlphabet[int(b[i])%len(nameAlphabet)]
	}
	return prefix + string(b), nil
}

// Lease is one reserved file slot on a drive.
type Lease struct {
	a       *Allocator
	drive   catalog.Drive
	created bool
	done    bool // guarded by a.mu
}

// Drive returns the leased drive.
func (l *Lease) Drive() catalog.Drive { return l.drive }

// Created reports whether the drive was created for this lease.
func (l *Lease) Created() bool { return l.created }

// Commit runs insert, normally the catalog file insert, under the allocator
// lock and turns the reservation into a real row. Catalog conflicts are
// retried. After a successful Commit, Release is a no-op.
func (l *Lease) Commit(ctx context.Context, insert func(ctx context.Context, driveKey int64) error) error {
	a := l.a
	if err := a.lock(ctx); err != nil {
		return err
	}
	defer a.unlock()
	if l.settled() {
		return errors.New("allocator: lease already settled")
	}

	_, err := retry.Do(ctx, a.cfg.Retry, a.retryable, a.notify("commit"), func() (struct{}, error) {
		return struct{}{}, insert(ctx, l.drive.Key)
	})
	if err != nil {
		return err
	}
	l.settle()
	return nil
}

// Release drops an unused reservation. It never waits on the catalog or the
// backend, and is safe to call after Commit and more than once.
func (l *Lease) Release() { l.settle() }

func (l *Lease) settled() bool {
	l.a.mu.Lock()
	defer l.a.mu.Unlock()
	return l.done
}

func (l *Lease) settle() {
	a := l.a
	a.mu.Lock()
	defer a.mu.Unlock()
	if l.done {
		return
	}
	l.done = true
	if a.pending[l.drive.Key] <= 1 {
		delete(a.pending, l.drive.Key)
	} else {
		a.pending[l.drive.Key]--
	}
}
