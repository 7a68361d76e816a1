// Package backend defines the transport boundary to the remote object store
// and its failure categories.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Failure categories every transport maps its errors onto.
var (
	ErrRateLimited = errors.New("backend: rate limited")
	ErrUnavailable = errors.New("backend: unavailable")
	ErrNotFound    = errors.New("backend: not found")
	ErrAuth        = errors.New("backend: authentication failed")
)

// Backend is the remote store. Containers hold objects; object ids are
// assigned by the backend when an upload completes.
type Backend interface {
	CreateContainer(ctx context.Context, name string) (string, error)
	DeleteContainer(ctx context.Context, containerID string) error

	// BeginWrite starts an upload of size bytes (-1 if unknown) named name.
	BeginWrite(ctx context.Context, containerID, name string, size int64) (Upload, error)

	// Read returns n bytes of an object starting at off; n < 0 reads to the end.
	Read(ctx context.Context, containerID, objectID string, off, n int64) (io.ReadCloser, error)

	DeleteObject(ctx context.Context, containerID, objectID string) error

	// PartSize is the size of every part but the last passed to WritePart.
	PartSize() int64
}

// Upload is an upload in progress. Parts are written in order.
type Upload interface {
	WritePart(ctx context.Context, offset int64, p []byte, last bool) error
	Complete(ctx context.Context) (string, error)

	// Abort discards every part written so far, or the object itself if the
	// upload already completed.
	Abort(ctx context.Context) error
}

// StatusError is a failed backend call. Its text is for logs only.
type StatusError struct {
	Op     string
	Status int
	Reason string
	Kind   error
}

func (e *StatusError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: status %d (%s)", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Status)
}

// Unwrap returns the failure category, if any.
func (e *StatusError) Unwrap() error { return e.Kind }

// Classify maps an HTTP status to a failure category. It returns nil for
// statuses that fall in no category.
func Classify(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusUnauthorized:
		return ErrAuth
	case status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusNotFound:
		return ErrNotFound
	case status >= 500:
		return ErrUnavailable
	default:
		return nil
	}
}

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}
