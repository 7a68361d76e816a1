package catalog

import (
	"context"

	"gorm.io/gorm"
)

// CreateDrive records a backend container that the backend has already
// confirmed.
func (c *Catalog) CreateDrive(ctx context.Context, containerID string) (*Drive, error) {
	d := &Drive{ID: containerID, CreatedTime: c.now()}
	err := c.transaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(d).Error
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GetDrive returns the drive with the given key.
func (c *Catalog) GetDrive(ctx context.Context, key int64) (*Drive, error) {
	var d Drive
	if err := c.db.WithContext(ctx).First(&d, key).Error; err != nil {
		return nil, mapError(err)
	}
	return &d, nil
}

// ListDrives returns every drive with its usage, newest first.
func (c *Catalog) ListDrives(ctx context.Context) ([]DriveUsage, error) {
	db := c.db.WithContext(ctx)

	var drives []Drive
	if err := db.Order(newestFirst).Find(&drives).Error; err != nil {
		return nil, mapError(err)
	}

	var rows []usageRow
	err := db.Model(&File{}).
		Select("drive_key AS key, COUNT(*) AS files, COALESCE(SUM(size), 0) AS bytes").
		Group("drive_key").
		Scan(&rows).Error
	if err != nil {
		return nil, mapError(err)
	}
	usage := make(map[int64]usageRow, len(rows))
	for _, r := range rows {
		usage[r.Key] = r
	}

	out := make([]DriveUsage, len(drives))
	for i, d := range drives {
		u := usage[d.Key]
		out[i] = DriveUsage{Drive: d, Files: u.Files, Bytes: u.Bytes}
	}
	return out, nil
}

const newestFirst = "drives.created_time DESC, drives.key DESC"

// SelectDrive returns the most recently created drive whose file count plus
// pending reservations stays below ceiling, or nil when none does. The count
// is taken in one serializable transaction.
func (c *Catalog) SelectDrive(ctx context.Context, ceiling int, pending map[int64]int) (*Drive, error) {
	var picked *Drive
	err := c.serializable(ctx, func(tx *gorm.DB) error {
		var rows []usageRow
		// at most len(pending) candidates can be disqualified by reservations
		err := tx.Model(&Drive{}).
			Select("drives.key AS key, COUNT(files.key) AS files").
			Joins("LEFT JOIN files ON files.drive_key = drives.key").
			Group("drives.key, drives.created_time").
			Having("COUNT(files.key) < ?", ceiling).
			Order(newestFirst).
			Limit(len(pending) + 1).
			Scan(&rows).Error
		if err != nil {
			return err
		}

		for _, r := range rows {
			if r.Files+int64(pending[r.Key]) >= int64(ceiling) {
				continue
			}
			var d Drive
			if err := tx.First(&d, r.Key).Error; err != nil {
				return err
			}
			picked = &d
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}

// DeleteDrive removes a drive and all of its file rows, returning the files so
// the caller can remove their remote objects.
func (c *Catalog) DeleteDrive(ctx context.Context, key int64) ([]FileRecord, error) {
	var removed []FileRecord
	err := c.transaction(ctx, func(tx *gorm.DB) error {
		var d Drive
		if err := tx.First(&d, key).Error; err != nil {
			return err
		}

		var files []File
		byDrive := map[string]interface{}{"drive_key": key}
		if err := tx.Where(byDrive).Order("files.key").Find(&files).Error; err != nil {
			return err
		}
		if err := tx.Where(byDrive).Delete(&File{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&Drive{}, key).Error; err != nil {
			return err
		}

		removed = make([]FileRecord, len(files))
		for i, f := range files {
			removed[i] = FileRecord{File: f, DriveID: d.ID}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Stats counts drives, files and stored plaintext bytes.
func (c *Catalog) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	db := c.db.WithContext(ctx)
	if err := db.Model(&Drive{}).Count(&s.Drives).Error; err != nil {
		return Stats{}, mapError(err)
	}

	var row usageRow
	err := db.Model(&File{}).Select("COUNT(*) AS files, COALESCE(SUM(size), 0) AS bytes").Scan(&row).Error
	if err != nil {
		return Stats{}, mapError(err)
	}
	s.Files, s.Bytes = row.Files, row.Bytes
	return s, nil
}
