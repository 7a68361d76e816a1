package catalog

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// InsertFile records a file whose object the backend has confirmed. The
// drive's count is checked and the row inserted in one transaction holding a
// lock scoped to the drive, so concurrent inserts can never push a drive past
// ceiling. A full drive yields ErrDriveFull.
func (c *Catalog) InsertFile(ctx context.Context, nf NewFile, ceiling int) (*File, error) {
	now := c.now()
	f := &File{
		ID:           nf.ID,
		DriveKey:     nf.DriveKey,
		Size:         nf.Size,
		ContentType:  nf.ContentType,
		CreatedTime:  now,
		AccessedTime: now,
		Secret:       nf.Secret,
	}

	err := c.transaction(ctx, func(tx *gorm.DB) error {
		if c.driver == DriverPostgres {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", nf.DriveKey).Error; err != nil {
				return err
			}
		}

		var d Drive
		if err := tx.First(&d, nf.DriveKey).Error; err != nil {
			return err
		}

		var n int64
		if err := tx.Model(&File{}).Where(map[string]interface{}{"drive_key": nf.DriveKey}).Count(&n).Error; err != nil {
			return err
		}
		if n >= int64(ceiling) {
			return fmt.Errorf("%w: drive %d holds %d files", ErrDriveFull, nf.DriveKey, n)
		}
		return tx.Create(f).Error
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// GetFile returns a file and its drive id. With touch set, the access time is
// updated in the same transaction.
func (c *Catalog) GetFile(ctx context.Context, key int64, touch bool) (*FileRecord, error) {
	var rec *FileRecord
	err := c.transaction(ctx, func(tx *gorm.DB) error {
		var f File
		if err := tx.First(&f, key).Error; err != nil {
			return err
		}
		if touch {
			now := c.now()
			if err := tx.Model(&f).Update("accessed_time", now).Error; err != nil {
				return err
			}
			f.AccessedTime = now
		}

		var err error
		rec, err = withDrive(tx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetFileByID returns the file stored under the given backend object id.
func (c *Catalog) GetFileByID(ctx context.Context, objectID string) (*FileRecord, error) {
	var rec *FileRecord
	err := c.transaction(ctx, func(tx *gorm.DB) error {
		var f File
		if err := tx.Where(map[string]interface{}{"id": objectID}).First(&f).Error; err != nil {
			return err
		}
		var err error
		rec, err = withDrive(tx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteFile removes a file row and returns it, so the caller can delete the
// remote object afterwards.
func (c *Catalog) DeleteFile(ctx context.Context, key int64) (*FileRecord, error) {
	var rec *FileRecord
	err := c.transaction(ctx, func(tx *gorm.DB) error {
		var f File
		if err := tx.First(&f, key).Error; err != nil {
			return err
		}
		var err error
		if rec, err = withDrive(tx, f); err != nil {
			return err
		}
		return tx.Delete(&File{}, key).Error
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CountFiles returns the number of files on a drive.
func (c *Catalog) CountFiles(ctx context.Context, driveKey int64) (int64, error) {
	var n int64
	err := c.db.WithContext(ctx).Model(&File{}).
		Where(map[string]interface{}{"drive_key": driveKey}).
		Count(&n).Error
	if err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

// FindFiles returns files matching q, oldest key first.
func (c *Catalog) FindFiles(ctx context.Context, q Query) ([]File, error) {
	db := c.db.WithContext(ctx).Model(&File{})
	if q.DriveKey != 0 {
		db = db.Where("drive_key = ?", q.DriveKey)
	}
	if q.MinSize > 0 {
		db = db.Where("size >= ?", q.MinSize)
	}
	if q.MaxSize > 0 {
		db = db.Where("size <= ?", q.MaxSize)
	}
	if q.ContentType != "" {
		db = db.Where("content_type = ?", q.ContentType)
	}
	if !q.CreatedAfter.IsZero() {
		db = db.Where("created_time >= ?", q.CreatedAfter.UTC())
	}
	if !q.CreatedBefore.IsZero() {
		db = db.Where("created_time < ?", q.CreatedBefore.UTC())
	}
	if !q.AccessedBefore.IsZero() {
		db = db.Where("accessed_time < ?", q.AccessedBefore.UTC())
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	var files []File
	if err := db.Order("files.key").Limit(limit).Offset(q.Offset).Find(&files).Error; err != nil {
		return nil, mapError(err)
	}
	return files, nil
}

func withDrive(tx *gorm.DB, f File) (*FileRecord, error) {
	var d Drive
	if err := tx.First(&d, f.DriveKey).Error; err != nil {
		return nil, err
	}
	return &FileRecord{File: f, DriveID: d.ID}, nil
}
