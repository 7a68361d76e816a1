// Package memory is an in-process backend for development and tests.
//
// Parts written to an upload are stored as visible fragments until the upload
// completes, which lets tests assert that failed uploads leave nothing behind.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/castella/castella/internal/backend"
	"github.com/castella/castella/internal/codec"
)

// DefaultPartSize is one default-sized ciphertext frame.
const DefaultPartSize = codec.DefaultSegmentSize + codec.TagSize

// Op names a backend operation for fault injection and call counting.
type Op string

// Operations
const (
	OpCreateContainer Op = "create_container"
	OpDeleteContainer Op = "delete_container"
	OpBeginWrite      Op = "begin_write"
	OpWritePart       Op = "write_part"
	OpComplete        Op = "complete"
	OpAbort           Op = "abort"
	OpRead            Op = "read"
	OpDeleteObject    Op = "delete_object"
)

// FaultFunc is consulted before every operation; call is the 1-based count of
// that operation so far. A non-nil error fails the operation.
type FaultFunc func(op Op, call int) error

type container struct {
	name      string
	objects   map[string][]byte
	fragments map[string][][]byte // upload id -> parts
}

// Backend is an in-memory backend.Backend.
type Backend struct {
	mu         sync.Mutex
	partSize   int64
	containers map[string]*container
	calls      map[Op]int
	fault      FaultFunc
}

var _ backend.Backend = (*Backend)(nil)

// New creates an empty backend. A partSize of zero uses DefaultPartSize.
func New(partSize int64) *Backend {
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	return &Backend{
		partSize:   partSize,
		containers: make(map[string]*container),
		calls:      make(map[Op]int),
	}
}

// SetFault installs (or with nil, removes) a fault hook.
func (b *Backend) SetFault(f FaultFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fault = f
}

// Calls returns how many times op was attempted.
func (b *Backend) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Containers returns the ids of all containers, sorted.
func (b *Backend) Containers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.containers))
	for id := range b.containers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Objects returns the number of complete objects across all containers.
func (b *Backend) Objects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.containers {
		n += len(c.objects)
	}
	return n
}

// Fragments returns the number of parts held by unfinished uploads.
func (b *Backend) Fragments() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.containers {
		for _, parts := range c.fragments {
			n += len(parts)
		}
	}
	return n
}

// Object returns a copy of a stored object's bytes.
func (b *Backend) Object(containerID, objectID string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.containers[containerID]
	if !ok {
		return nil, false
	}
	data, ok := c.objects[objectID]
	return bytes.Clone(data), ok
}

// Tamper applies fn to a stored object in place.
func (b *Backend) Tamper(containerID, objectID string, fn func([]byte) []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.containers[containerID]; ok {
		if data, ok := c.objects[objectID]; ok {
			c.objects[objectID] = fn(data)
		}
	}
}

// enter counts op and runs the fault hook. Callers hold b.mu.
func (b *Backend) enter(ctx context.Context, op Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.calls[op]++
	if b.fault != nil {
		if err := b.fault(op, b.calls[op]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) container(id string) (*container, error) {
	c, ok := b.containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, backend.ErrNotFound)
	}
	return c, nil
}

// PartSize implements backend.Backend.
func (b *Backend) PartSize() int64 { return b.partSize }

// CreateContainer implements backend.Backend.
func (b *Backend) CreateContainer(ctx context.Context, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, OpCreateContainer); err != nil {
		return "", err
	}
	id := "mem-" + uuid.NewString()
	b.containers[id] = &container{
		name:      name,
		objects:   make(map[string][]byte),
		fragments: make(map[string][][]byte),
	}
	return id, nil
}

// DeleteContainer implements backend.Backend.
func (b *Backend) DeleteContainer(ctx context.Context, containerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, OpDeleteContainer); err != nil {
		return err
	}
	if _, err := b.container(containerID); err != nil {
		return err
	}
	delete(b.containers, containerID)
	return nil
}

// BeginWrite implements backend.Backend.
func (b *Backend) BeginWrite(ctx context.Context, containerID, name string, size int64) (backend.Upload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, OpBeginWrite); err != nil {
		return nil, err
	}
	c, err := b.container(containerID)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	c.fragments[id] = nil
	return &upload{b: b, containerID: containerID, id: id, name: name, size: size}, nil
}

// Read implements backend.Backend.
func (b *Backend) Read(ctx context.Context, containerID, objectID string, off, n int64) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, OpRead); err != nil {
		return nil, err
	}
	c, err := b.container(containerID)
	if err != nil {
		return nil, err
	}
	data, ok := c.objects[objectID]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", objectID, backend.ErrNotFound)
	}
	if off < 0 || off > int64(len(data)) {
		return nil, fmt.Errorf("read %s: offset %d out of range", objectID, off)
	}
	end := int64(len(data))
	if n >= 0 && off+n < end {
		end = off + n
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(data[off:end]))), nil
}

// DeleteObject implements backend.Backend.
func (b *Backend) DeleteObject(ctx context.Context, containerID, objectID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, OpDeleteObject); err != nil {
		return err
	}
	c, err := b.container(containerID)
	if err != nil {
		return err
	}
	if _, ok := c.objects[objectID]; !ok {
		return fmt.Errorf("object %s: %w", objectID, backend.ErrNotFound)
	}
	delete(c.objects, objectID)
	return nil
}

type upload struct {
	b           *Backend
	containerID string
	id          string
	name        string
	size        int64

	written  int64
	last     bool
	objectID string
}

func (u *upload) WritePart(ctx context.Context, offset int64, p []byte, last bool) error {
	b := u.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, OpWritePart); err != nil {
		return err
	}
	c, err := b.container(u.containerID)
	if err != nil {
		return err
	}
	parts, ok := c.fragments[u.id]
	if !ok || u.last {
		return fmt.Errorf("upload %s: not accepting parts", u.id)
	}
	if offset != u.written {
		return fmt.Errorf("upload %s: part at %d, expected %d", u.id, offset, u.written)
	}
	if !last && int64(len(p)) != b.partSize {
		return fmt.Errorf("upload %s: inner part of %d bytes, want %d", u.id, len(p), b.partSize)
	}
	if last && u.size >= 0 && u.written+int64(len(p)) != u.size {
		return fmt.Errorf("upload %s: %d bytes written, declared %d", u.id, u.written+int64(len(p)), u.size)
	}
	c.fragments[u.id] = append(parts, bytes.Clone(p))
	u.written += int64(len(p))
	u.last = last
	return nil
}

func (u *upload) Complete(ctx context.Context) (string, error) {
	b := u.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, OpComplete); err != nil {
		return "", err
	}
	c, err := b.container(u.containerID)
	if err != nil {
		return "", err
	}
	if !u.last {
		return "", fmt.Errorf("upload %s: final part not written", u.id)
	}
	parts, ok := c.fragments[u.id]
	if !ok {
		return "", fmt.Errorf("upload %s: %w", u.id, backend.ErrNotFound)
	}
	u.objectID = uuid.NewString()
	c.objects[u.objectID] = bytes.Join(parts, nil)
	delete(c.fragments, u.id)
	return u.objectID, nil
}

func (u *upload) Abort(ctx context.Context) error {
	b := u.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, OpAbort); err != nil {
		return err
	}
	c, err := b.container(u.containerID)
	if err != nil {
		return err
	}
	delete(c.fragments, u.id)
	if u.objectID != "" {
		delete(c.objects, u.objectID)
	}
	return nil
}
