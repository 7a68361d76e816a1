// Package transfer composes the catalog, allocator, governor, codec and
// backend into the upload, download and delete pipelines.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/castella/castella/internal/allocator"
	"github.com/castella/castella/internal/catalog"
	"github.com/castella/castella/internal/codec"
	"github.com/castella/castella/internal/logging/audit"
	"github.com/castella/castella/internal/metrics"
	"github.com/castella/castella/internal/retry"
	"github.com/castella/castella/pkg/bytesize"
)

// DefaultContentType is recorded when an upload declares none.
const DefaultContentType = "application/octet-stream"

// Catalog is the subset of the catalog the service needs.
type Catalog interface {
	InsertFile(ctx context.Context, nf catalog.NewFile, ceiling int) (*catalog.File, error)
	GetFile(ctx context.Context, key int64, touch bool) (*catalog.FileRecord, error)
	DeleteFile(ctx context.Context, key int64) (*catalog.FileRecord, error)
	FindFiles(ctx context.Context, q catalog.Query) ([]catalog.File, error)
	GetDrive(ctx context.Context, key int64) (*catalog.Drive, error)
	ListDrives(ctx context.Context) ([]catalog.DriveUsage, error)
	DeleteDrive(ctx context.Context, key int64) ([]catalog.FileRecord, error)
	Stats(ctx context.Context) (catalog.Stats, error)
}

// Config tunes the pipelines.
type Config struct {
	SegmentSize    bytesize.Size `yaml:"segment_size"`
	MaxUploadSize  bytesize.Size `yaml:"max_upload_size"` // 0 = unlimited
	CleanupTimeout time.Duration `yaml:"cleanup_timeout"`
	Retry          retry.Policy  `yaml:"retry"`
}

func (c Config) withDefaults() Config {
	if c.SegmentSize <= 0 {
		c.SegmentSize = codec.DefaultSegmentSize
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 2 * time.Minute
	}
	return c
}

// Deps are the collaborators of a Service.
type Deps struct {
	Catalog   Catalog
	Allocator *allocator.Allocator
	Backend   *Governed
	Sealer    *codec.Sealer
	Purge     *PurgeQueue
	Audit     *audit.Logger
	Log       zerolog.Logger
	Metrics   *metrics.Metrics
}

// Service runs transfers. It is safe for concurrent use.
type Service struct {
	catalog Catalog
	alloc   *allocator.Allocator
	backend *Governed
	sealer  *codec.Sealer
	purge   *PurgeQueue
	audit   *audit.Logger
	log     zerolog.Logger
	metrics *metrics.Metrics
	cfg     Config
}

// New creates a Service.
func New(d Deps, cfg Config) *Service {
	if d.Metrics == nil {
		d.Metrics = metrics.Discard()
	}
	if d.Audit == nil {
		d.Audit = audit.Nop()
	}
	return &Service{
		catalog: d.Catalog,
		alloc:   d.Allocator,
		backend: d.Backend,
		sealer:  d.Sealer,
		purge:   d.Purge,
		audit:   d.Audit,
		log:     d.Log.With().Str("component", "transfer").Logger(),
		metrics: d.Metrics,
		cfg:     cfg.withDefaults(),
	}
}

func (s *Service) segmentSize() int { return int(s.cfg.SegmentSize) }

// cleanupContext outlives the request so that a cancelled client still
// leaves no remote fragments behind.
func (s *Service) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CleanupTimeout)
}

func (s *Service) retryCatalog(ctx context.Context, op func() error) error {
	_, err := retry.Do(ctx, s.cfg.Retry, func(err error) bool { return errors.Is(err, catalog.ErrConflict) }, nil,
		func() (struct{}, error) { return struct{}{}, op() })
	return err
}

// removeObject deletes a remote object, queueing it for the purge worker if
// that fails.
func (s *Service) removeObject(ctx context.Context, containerID, objectID string) {
	cctx, cancel := s.cleanupContext(ctx)
	defer cancel()
	if err := s.backend.DeleteObject(cctx, containerID, objectID); err != nil {
		s.log.Warn().Err(err).Str("container", containerID).Str("object", objectID).Msg("remote delete failed, queued for purge")
		s.purge.Enqueue(PurgeItem{ContainerID: containerID, ObjectID: objectID})
	}
}

// Stat returns a file's record without touching its access time.
func (s *Service) Stat(ctx context.Context, key int64) (*catalog.FileRecord, error) {
	rec, err := s.catalog.GetFile(ctx, key, false)
	return rec, wrap("stat", err)
}

// Delete removes a file. The catalog row goes first so the file disappears
// at once; the remote object is then deleted, or queued for purging.
func (s *Service) Delete(ctx context.Context, key int64) (*catalog.FileRecord, error) {
	var rec *catalog.FileRecord
	err := s.retryCatalog(ctx, func() error {
		var err error
		rec, err = s.catalog.DeleteFile(ctx, key)
		return err
	})
	if err != nil {
		return nil, wrap("delete", err)
	}
	s.removeObject(ctx, rec.DriveID, rec.ID)
	return rec, nil
}

// List returns the files matching q.
func (s *Service) List(ctx context.Context, q catalog.Query) ([]catalog.File, error) {
	files, err := s.catalog.FindFiles(ctx, q)
	return files, wrap("list", err)
}

// Drives returns every drive with its usage.
func (s *Service) Drives(ctx context.Context) ([]catalog.DriveUsage, error) {
	drives, err := s.catalog.ListDrives(ctx)
	return drives, wrap("drives", err)
}

// Stats summarises the catalog.
func (s *Service) Stats(ctx context.Context) (catalog.Stats, error) {
	st, err := s.catalog.Stats(ctx)
	return st, wrap("stats", err)
}

// PendingPurge returns the number of remote deletions still queued.
func (s *Service) PendingPurge() int { return s.purge.Len() }

// DecommissionDrive deletes a drive with every file on it. Catalog rows are
// removed in one transaction; remote objects and the container are deleted
// afterwards, and whatever cannot be deleted is queued for purging. It
// returns the number of files removed.
func (s *Service) DecommissionDrive(ctx context.Context, key int64, actor string) (int, error) {
	const op = "decommission"
	d, err := s.catalog.GetDrive(ctx, key)
	if err != nil {
		return 0, wrap(op, err)
	}
	var recs []catalog.FileRecord
	err = s.retryCatalog(ctx, func() error {
		var err error
		recs, err = s.catalog.DeleteDrive(ctx, key)
		return err
	})
	if err != nil {
		return 0, wrap(op, err)
	}
	s.audit.LogDrive(actor, "decommission", d.Key, d.ID, fmt.Sprintf("%d files", len(recs)))

	failed := 0
	for _, rec := range recs {
		cctx, cancel := s.cleanupContext(ctx)
		err := s.backend.DeleteObject(cctx, d.ID, rec.ID)
		cancel()
		if err != nil {
			failed++
			s.purge.Enqueue(PurgeItem{ContainerID: d.ID, ObjectID: rec.ID})
		}
	}

	cctx, cancel := s.cleanupContext(ctx)
	defer cancel()
	if failed > 0 {
		s.purge.Enqueue(PurgeItem{ContainerID: d.ID})
		s.log.Warn().Int64("drive", d.Key).Int("failed", failed).Msg("drive decommission incomplete, remainder queued for purge")
		return len(recs), nil
	}
	if err := s.backend.DeleteContainer(cctx, d.ID); err != nil {
		s.log.Warn().Err(err).Int64("drive", d.Key).Msg("container delete failed, queued for purge")
		s.purge.Enqueue(PurgeItem{ContainerID: d.ID})
	}
	s.log.Info().Int64("drive", d.Key).Str("container", d.ID).Int("files", len(recs)).Msg("decommissioned drive")
	return len(recs), nil
}
