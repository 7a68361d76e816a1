// Package proto defines the JSON messages exchanged with the castella HTTP API.
package proto

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// FileResponse is returned after a successful upload and by the metadata routes.
type FileResponse struct {
	Key          string     `json:"key"`
	Size         int64      `json:"size"`
	ContentType  string     `json:"content_type"`
	CreatedTime  time.Time  `json:"created_time"`
	AccessedTime *time.Time `json:"accessed_time,omitempty"`
}

// FileInfo is one entry of an operator file listing.
type FileInfo struct {
	Key          string    `json:"key"`
	Drive        string    `json:"drive"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	CreatedTime  time.Time `json:"created_time"`
	AccessedTime time.Time `json:"accessed_time"`
}

// FileListResponse contains one page of files.
type FileListResponse struct {
	Files  []FileInfo `json:"files"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// DriveInfo describes a backend container and its usage.
type DriveInfo struct {
	Key         string    `json:"key"`
	ID          string    `json:"id"`
	CreatedTime time.Time `json:"created_time"`
	Files       int64     `json:"files"`
	Bytes       int64     `json:"bytes"`
}

// DriveListResponse contains every drive, newest first.
type DriveListResponse struct {
	Drives []DriveInfo `json:"drives"`
}

// DeleteResponse is returned after a file was deleted.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// DecommissionResponse is returned after a drive was removed with its files.
type DecommissionResponse struct {
	Drive string `json:"drive"`
	Files int    `json:"files"`
}

// StatsResponse summarises the catalog and the pending remote deletions.
type StatsResponse struct {
	Drives       int64 `json:"drives"`
	Files        int64 `json:"files"`
	Bytes        int64 `json:"bytes"`
	PendingPurge int   `json:"pending_purge"`
}

// HealthResponse is returned by the health check.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// ErrInvalidKey is returned by ParseKey.
var ErrInvalidKey = errors.New("invalid key")

// FormatKey renders a catalog key the way it appears in URLs.
func FormatKey(key int64) string {
	return strconv.FormatInt(key, 10)
}

// ParseKey parses a positive decimal key. Signs, spaces and leading zeros
// are rejected so every key has exactly one spelling.
func ParseKey(s string) (int64, error) {
	if s == "" || s[0] == '0' || strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return 0, ErrInvalidKey
	}
	key, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ErrInvalidKey
	}
	return key, nil
}
