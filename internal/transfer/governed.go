package transfer

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/castella/castella/internal/backend"
	"github.com/castella/castella/internal/governor"
	"github.com/castella/castella/internal/metrics"
	"github.com/castella/castella/internal/retry"
)

// Backend operation names used in logs and metrics.
const (
	opCreateContainer = "create_container"
	opDeleteContainer = "delete_container"
	opBeginWrite      = "begin_write"
	opWritePart       = "write_part"
	opComplete        = "complete"
	opAbort           = "abort"
	opRead            = "read"
	opDeleteObject    = "delete_object"
)

// Governed issues backend calls under governor admission. Every attempt of
// every call is admitted for one request plus the bytes it moves, so retries
// are paced like first attempts. Transient failures are retried per policy.
//
// Governed is also the allocator's Provisioner and the purge queue's Remover.
type Governed struct {
	backend backend.Backend
	gov     *governor.Governor
	policy  retry.Policy
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewGoverned wraps b.
func NewGoverned(b backend.Backend, gov *governor.Governor, policy retry.Policy, log zerolog.Logger, m *metrics.Metrics) *Governed {
	if m == nil {
		m = metrics.Discard()
	}
	return &Governed{
		backend: b,
		gov:     gov,
		policy:  policy,
		log:     log.With().Str("component", "backend").Logger(),
		metrics: m,
	}
}

// PartSize returns the backend part size.
func (g *Governed) PartSize() int64 { return g.backend.PartSize() }

func callStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, backend.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, backend.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, backend.ErrNotFound):
		return "not_found"
	case errors.Is(err, backend.ErrAuth):
		return "auth"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// governed runs fn once admitted for n bytes, retrying transient failures.
// The transfer tracked in ctx, if any, moves to Admitted and then to state
// unless state is empty.
func governed[T any](ctx context.Context, g *Governed, op string, n int64, state State, fn func(context.Context) (T, error)) (T, error) {
	tr := trackerFrom(ctx)
	notify := func(err error, wait time.Duration) {
		g.metrics.BackendRetries.WithLabelValues(op).Inc()
		g.log.Debug().Err(err).Str("op", op).Dur("backoff", wait).Msg("transient backend failure, retrying")
	}
	return retry.Do(ctx, g.policy, backend.Transient, notify, func() (T, error) {
		var zero T
		// The permit is spent once the call is issued, whatever its outcome.
		if _, err := g.gov.Admit(ctx, n); err != nil {
			return zero, err
		}
		if state != "" {
			tr.enter(StateAdmitted)
			tr.enter(state)
		}
		v, err := fn(ctx)
		g.metrics.BackendCalls.WithLabelValues(op, callStatus(err)).Inc()
		return v, err
	})
}

// CreateContainer implements allocator.Provisioner.
func (g *Governed) CreateContainer(ctx context.Context, name string) (string, error) {
	return governed(ctx, g, opCreateContainer, 0, "", func(ctx context.Context) (string, error) {
		return g.backend.CreateContainer(ctx, name)
	})
}

// DeleteContainer implements allocator.Provisioner. A container that is
// already gone counts as deleted.
func (g *Governed) DeleteContainer(ctx context.Context, id string) error {
	_, err := governed(ctx, g, opDeleteContainer, 0, "", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.backend.DeleteContainer(ctx, id)
	})
	if errors.Is(err, backend.ErrNotFound) {
		return nil
	}
	return err
}

// DeleteObject removes an object. An object that is already gone counts as
// deleted.
func (g *Governed) DeleteObject(ctx context.Context, containerID, objectID string) error {
	_, err := governed(ctx, g, opDeleteObject, 0, "", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.backend.DeleteObject(ctx, containerID, objectID)
	})
	if errors.Is(err, backend.ErrNotFound) {
		return nil
	}
	return err
}

// BeginWrite opens an upload.
func (g *Governed) BeginWrite(ctx context.Context, containerID, name string, size int64) (backend.Upload, error) {
	return governed(ctx, g, opBeginWrite, 0, StateWriting, func(ctx context.Context) (backend.Upload, error) {
		return g.backend.BeginWrite(ctx, containerID, name, size)
	})
}

// WritePart writes one part, admitted for its length.
func (g *Governed) WritePart(ctx context.Context, up backend.Upload, offset int64, p []byte, last bool) error {
	_, err := governed(ctx, g, opWritePart, int64(len(p)), StateWriting, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, up.WritePart(ctx, offset, p, last)
	})
	return err
}

// Complete finishes an upload and returns the object id.
func (g *Governed) Complete(ctx context.Context, up backend.Upload) (string, error) {
	return governed(ctx, g, opComplete, 0, StateWriting, up.Complete)
}

// Abort discards an upload.
func (g *Governed) Abort(ctx context.Context, up backend.Upload) error {
	_, err := governed(ctx, g, opAbort, 0, "", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, up.Abort(ctx)
	})
	return err
}

// read opens n bytes of an object at off, admitted for n.
func (g *Governed) read(ctx context.Context, containerID, objectID string, off, n int64, state State) (io.ReadCloser, error) {
	return governed(ctx, g, opRead, n, state, func(ctx context.Context) (io.ReadCloser, error) {
		return g.backend.Read(ctx, containerID, objectID, off, n)
	})
}

// ReadChunk returns the largest single read the governor can admit: the
// backend part size, capped at the byte window ceiling.
func (g *Governed) ReadChunk() int64 {
	chunk := g.backend.PartSize()
	if ceiling := g.gov.Bytes().Limit().Amount; chunk <= 0 || chunk > ceiling {
		chunk = ceiling
	}
	return chunk
}

// ReadSpan streams n bytes of an object at off as a sequence of reads of at
// most ReadChunk bytes, each admitted on its own, so a span of any length
// can be served under any byte window. The first read is issued before
// ReadSpan returns; the rest are issued as the stream is consumed.
func (g *Governed) ReadSpan(ctx context.Context, containerID, objectID string, off, n int64) (io.ReadCloser, error) {
	sr := &spanReader{
		ctx:       ctx,
		g:         g,
		container: containerID,
		object:    objectID,
		off:       off,
		end:       off + n,
		chunk:     g.ReadChunk(),
	}
	if err := sr.next(StateReading); err != nil {
		return nil, err
	}
	return sr, nil
}

type spanReader struct {
	ctx       context.Context
	g         *Governed
	container string
	object    string
	off, end  int64
	chunk     int64

	cur     io.ReadCloser
	curLeft int64
	eof     bool
}

func (r *spanReader) next(state State) error {
	n := r.end - r.off
	if n > r.chunk {
		n = r.chunk
	}
	rc, err := r.g.read(r.ctx, r.container, r.object, r.off, n, state)
	if err != nil {
		return err
	}
	r.cur, r.curLeft = rc, n
	return nil
}

func (r *spanReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.eof || r.off >= r.end {
				return 0, io.EOF
			}
			if err := r.next(""); err != nil {
				return 0, err
			}
		}
		n, err := r.cur.Read(p)
		r.off += int64(n)
		r.curLeft -= int64(n)
		if errors.Is(err, io.EOF) {
			_ = r.cur.Close()
			r.cur = nil
			// a short chunk means the object ends early; let the decoder judge
			r.eof = r.curLeft > 0
			err = nil
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (r *spanReader) Close() error {
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	return err
}
