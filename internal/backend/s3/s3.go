// Package s3 is an S3-compatible transport. Buckets are containers and
// objects are written with multipart uploads, one part per WritePart call.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/castella/castella/internal/backend"
	"github.com/castella/castella/pkg/bytesize"
)

// Limits of the S3 multipart API.
const (
	MinPartSize     = bytesize.Size(5 * bytesize.MB)
	DefaultPartSize = bytesize.Size(8 * bytesize.MB)
	MaxParts        = 10000

	DefaultRegion = "us-east-1"
)

var ErrConfig = errors.New("s3: invalid config")

// Config for an S3 client.
type Config struct {
	Endpoint   string        `yaml:"endpoint"`
	AccessKey  string        `yaml:"access_key"`
	SecretKey  string        `yaml:"secret_key"`
	Region     string        `yaml:"region"`
	Secure     bool          `yaml:"secure"`
	PathStyle  bool          `yaml:"path_style"`
	PartSize   bytesize.Size `yaml:"part_size"`
	MaxRetries int           `yaml:"max_retries"`
}

// Validate reports missing fields and an unusable part size.
func (c Config) Validate() error {
	switch {
	case c.Endpoint == "":
		return fmt.Errorf("%w: endpoint is required", ErrConfig)
	case strings.Contains(c.Endpoint, "://"):
		return fmt.Errorf("%w: endpoint %q must be host[:port]", ErrConfig, c.Endpoint)
	case c.PartSize != 0 && c.PartSize < MinPartSize:
		return fmt.Errorf("%w: part_size %s is below %s", ErrConfig, c.PartSize, MinPartSize)
	}
	return nil
}

// Client is a backend.Backend over minio-go's low-level Core API.
type Client struct {
	core     *minio.Core
	partSize int64
}

var _ backend.Backend = (*Client)(nil)

// New creates a client. transport may be nil.
func New(cfg Config, transport http.RoundTripper) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.PartSize == 0 {
		cfg.PartSize = DefaultPartSize
	}
	lookup := minio.BucketLookupAuto
	if cfg.PathStyle {
		lookup = minio.BucketLookupPath
	}
	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure,
		Region:       cfg.Region,
		BucketLookup: lookup,
		Transport:    transport,
		MaxRetries:   cfg.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: %w", err)
	}
	return &Client{core: core, partSize: int64(cfg.PartSize)}, nil
}

// PartSize implements backend.Backend.
func (c *Client) PartSize() int64 { return c.partSize }

// mapError folds a minio error into the backend failure categories.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "" && resp.StatusCode == 0 {
		return fmt.Errorf("%s: %w: %w", op, backend.ErrUnavailable, err)
	}
	se := &backend.StatusError{Op: op, Status: resp.StatusCode, Reason: resp.Code, Kind: backend.Classify(resp.StatusCode)}
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NoSuchUpload":
		se.Kind = backend.ErrNotFound
	case "SlowDown", "RequestLimitExceeded", "TooManyRequests":
		se.Kind = backend.ErrRateLimited
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		se.Kind = backend.ErrAuth
	case "InternalError", "ServiceUnavailable":
		se.Kind = backend.ErrUnavailable
	}
	return se
}

// bucketName maps a container name onto the lowercase S3 bucket namespace.
func bucketName(name string) string {
	return strings.ToLower(name)
}

// CreateContainer creates a bucket named after name. The bucket name is the
// container id.
func (c *Client) CreateContainer(ctx context.Context, name string) (string, error) {
	bucket := bucketName(name)
	err := c.core.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
	if err != nil {
		return "", mapError("make bucket", err)
	}
	return bucket, nil
}

// DeleteContainer removes every object in the bucket and then the bucket.
func (c *Client) DeleteContainer(ctx context.Context, containerID string) error {
	for obj := range c.core.Client.ListObjects(ctx, containerID, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return mapError("list objects", obj.Err)
		}
		if err := c.core.RemoveObject(ctx, containerID, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return mapError("remove object", err)
		}
	}
	return mapError("remove bucket", c.core.RemoveBucket(ctx, containerID))
}

// BeginWrite starts a multipart upload keyed by name. The object id is name.
func (c *Client) BeginWrite(ctx context.Context, containerID, name string, size int64) (backend.Upload, error) {
	if size > 0 && (size+c.partSize-1)/c.partSize > MaxParts {
		return nil, fmt.Errorf("begin upload: %d bytes need more than %d parts", size, MaxParts)
	}
	id, err := c.core.NewMultipartUpload(ctx, containerID, name, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return nil, mapError("begin upload", err)
	}
	return &upload{c: c, bucket: containerID, key: name, uploadID: id, size: size}, nil
}

// Read streams a byte range of an object.
func (c *Client) Read(ctx context.Context, containerID, objectID string, off, n int64) (io.ReadCloser, error) {
	if n == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	var opts minio.GetObjectOptions
	var err error
	switch {
	case n > 0:
		err = opts.SetRange(off, off+n-1)
	case off > 0:
		err = opts.SetRange(off, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	body, _, _, err := c.core.GetObject(ctx, containerID, objectID, opts)
	if err != nil {
		return nil, mapError("read object", err)
	}
	return body, nil
}

// DeleteObject removes an object. S3 reports success for absent keys.
func (c *Client) DeleteObject(ctx context.Context, containerID, objectID string) error {
	return mapError("remove object", c.core.RemoveObject(ctx, containerID, objectID, minio.RemoveObjectOptions{}))
}

type upload struct {
	c        *Client
	bucket   string
	key      string
	uploadID string
	size     int64
	written  int64
	parts    []minio.CompletePart
	last     bool
	done     bool
}

func (u *upload) WritePart(ctx context.Context, offset int64, p []byte, last bool) error {
	switch {
	case u.last:
		return errors.New("write part: final part already written")
	case offset != u.written:
		return fmt.Errorf("write part: offset %d, upload holds %d bytes", offset, u.written)
	case !last && int64(len(p)) != u.c.partSize:
		return fmt.Errorf("write part: inner part of %d bytes, want %d", len(p), u.c.partSize)
	case last && u.size >= 0 && offset+int64(len(p)) != u.size:
		return fmt.Errorf("write part: upload ends at %d, declared %d", offset+int64(len(p)), u.size)
	case len(u.parts) == MaxParts:
		return fmt.Errorf("write part: more than %d parts", MaxParts)
	}
	if last && len(p) == 0 && len(u.parts) > 0 {
		u.last = true
		return nil
	}

	num := len(u.parts) + 1
	part, err := u.c.core.PutObjectPart(ctx, u.bucket, u.key, u.uploadID, num,
		bytes.NewReader(p), int64(len(p)), minio.PutObjectPartOptions{})
	if err != nil {
		return mapError("write part", err)
	}
	u.parts = append(u.parts, minio.CompletePart{PartNumber: num, ETag: part.ETag})
	u.written += int64(len(p))
	u.last = last
	return nil
}

func (u *upload) Complete(ctx context.Context) (string, error) {
	if !u.last {
		return "", errors.New("complete upload: final part not written")
	}
	if u.done {
		return u.key, nil
	}
	if _, err := u.c.core.CompleteMultipartUpload(ctx, u.bucket, u.key, u.uploadID, u.parts, minio.PutObjectOptions{}); err != nil {
		return "", mapError("complete upload", err)
	}
	u.done = true
	return u.key, nil
}

func (u *upload) Abort(ctx context.Context) error {
	if u.done {
		return u.c.DeleteObject(ctx, u.bucket, u.key)
	}
	err := mapError("abort upload", u.c.core.AbortMultipartUpload(ctx, u.bucket, u.key, u.uploadID))
	if errors.Is(err, backend.ErrNotFound) {
		return nil
	}
	return err
}
