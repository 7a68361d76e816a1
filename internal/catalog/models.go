package catalog

import "time"

// Drive is a backend container that holds encrypted objects.
type Drive struct {
	Key         int64     `gorm:"column:key;primaryKey;autoIncrement" json:"key"`
	ID          string    `gorm:"column:id;size:255;not null;uniqueIndex" json:"id"`
	CreatedTime time.Time `gorm:"column:created_time;not null;index" json:"created_time"`

	Files []File `gorm:"foreignKey:DriveKey;references:Key;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName implements gorm's tabler.
func (Drive) TableName() string { return "drives" }

// File is one stored object. Size is the plaintext size; the ciphertext held
// by the backend is larger by one tag per segment.
type File struct {
	Key          int64     `gorm:"column:key;primaryKey;autoIncrement" json:"key"`
	ID           string    `gorm:"column:id;size:255;not null;uniqueIndex" json:"id"`
	DriveKey     int64     `gorm:"column:drive_key;not null;index" json:"drive_key"`
	Size         int64     `gorm:"column:size;not null;index" json:"size"`
	ContentType  string    `gorm:"column:content_type;size:255;not null;index" json:"content_type"`
	CreatedTime  time.Time `gorm:"column:created_time;not null;index" json:"created_time"`
	AccessedTime time.Time `gorm:"column:accessed_time;not null;index" json:"accessed_time"`
	Secret       []byte    `gorm:"column:secret;not null" json:"-"`
}

// TableName implements gorm's tabler.
func (File) TableName() string { return "files" }

// FileRecord is a file together with the backend id of its drive.
type FileRecord struct {
	File
	DriveID string `json:"drive_id"`
}

// NewFile describes a file to insert.
type NewFile struct {
	ID          string
	DriveKey    int64
	Size        int64
	ContentType string
	Secret      []byte
}

// DriveUsage is a drive with its current file count and plaintext bytes.
type DriveUsage struct {
	Drive
	Files int64 `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Stats summarises the whole catalog.
type Stats struct {
	Drives int64 `json:"drives"`
	Files  int64 `json:"files"`
	Bytes  int64 `json:"bytes"`
}

// Query filters FindFiles. Zero values are ignored.
type Query struct {
	DriveKey       int64
	MinSize        int64
	MaxSize        int64
	ContentType    string
	CreatedAfter   time.Time
	CreatedBefore  time.Time
	AccessedBefore time.Time
	Limit          int
	Offset         int
}

// usageRow is the scan target for per-drive aggregates.
type usageRow struct {
	Key   int64 `gorm:"column:key"`
	Files int64 `gorm:"column:files"`
	Bytes int64 `gorm:"column:bytes"`
}
