package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/castella/castella/internal/catalog"
	"github.com/castella/castella/internal/codec"
)

// Range is a plaintext byte range [Start, End).
type Range struct {
	Start int64
	End   int64
}

// Download is an open file. Body yields verified plaintext for [Start, End)
// and must be closed. A Body that fails mid-stream returns an *Error with
// KindIntegrity or KindTruncated.
type Download struct {
	File  *catalog.FileRecord
	Start int64
	End   int64
	Body  io.ReadCloser
}

// Download opens a file, or the range r of it when r is non-nil. The catalog
// access time is updated. Only the frames covering the range are fetched,
// in chunks the governor can admit one at a time.
func (s *Service) Download(ctx context.Context, key int64, r *Range) (*Download, error) {
	const op = "download"
	tr := newTracker(s.metrics, s.log, directionDownload, StateRequested)
	ctx = withTracker(ctx, tr)

	d, err := s.download(ctx, tr, key, r)
	if err != nil {
		err = wrap(op, err)
		tr.finish(err)
		return nil, err
	}
	return d, nil
}

func (s *Service) download(ctx context.Context, tr *tracker, key int64, r *Range) (*Download, error) {
	rec, err := s.catalog.GetFile(ctx, key, true)
	if err != nil {
		return nil, err
	}
	tr.enter(StateLookedUp)

	start, end := int64(0), rec.Size
	if r != nil {
		if r.Start < 0 || r.Start > r.End || r.End > rec.Size {
			return nil, fmt.Errorf("%w: [%d, %d) of %d bytes", ErrInvalidRange, r.Start, r.End, rec.Size)
		}
		start, end = r.Start, r.End
	}

	secret, err := s.sealer.Open(rec.Secret, rec.ID)
	if err != nil {
		return nil, err
	}

	body := &downloadBody{s: s, tr: tr, remaining: end - start}
	span := codec.SpanOf(rec.Size, start, end, s.segmentSize())
	if span.Length == 0 {
		secret.Wipe()
		body.src = eofReader{}
		return &Download{File: rec, Start: start, End: end, Body: body}, nil
	}

	rc, err := s.backend.ReadSpan(ctx, rec.DriveID, rec.ID, span.Offset, span.Length)
	if err != nil {
		secret.Wipe()
		return nil, err
	}
	dec, err := codec.NewDecryptReader(rc, secret,
		codec.WithSegmentSize(s.segmentSize()),
		codec.WithFirstSegment(span.FirstSegment),
		codec.WithCiphertextLength(span.Length),
	)
	secret.Wipe()
	if err != nil {
		rc.Close()
		return nil, err
	}
	tr.enter(StateDecrypting)

	body.src = dec
	body.closer = rc
	body.skip = span.Skip
	return &Download{File: rec, Start: start, End: end, Body: body}, nil
}

// downloadBody discards the leading bytes of the first frame, stops at the
// range end and settles the transfer on EOF, error or Close.
type downloadBody struct {
	s         *Service
	tr        *tracker
	src       io.Reader
	closer    io.Closer
	skip      int64
	remaining int64

	once sync.Once
	err  error
}

func (b *downloadBody) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if b.skip > 0 {
		if _, err := io.CopyN(io.Discard, b.src, b.skip); err != nil {
			return 0, b.fail(err)
		}
		b.skip = 0
	}
	if b.remaining <= 0 {
		b.settle(nil)
		return 0, io.EOF
	}
	b.tr.enter(StateStreaming)

	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.src.Read(p)
	b.remaining -= int64(n)
	b.s.metrics.BytesDownloaded.Add(float64(n))
	switch {
	case err == nil:
		if b.remaining == 0 {
			b.settle(nil)
		}
		return n, nil
	case errors.Is(err, io.EOF):
		if b.remaining > 0 {
			return n, b.fail(codec.ErrTruncated)
		}
		b.settle(nil)
		return n, io.EOF
	default:
		return n, b.fail(err)
	}
}

func (b *downloadBody) fail(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = codec.ErrTruncated
	}
	b.err = wrap("download", err)
	b.settle(b.err)
	return b.err
}

func (b *downloadBody) settle(err error) {
	b.once.Do(func() { b.tr.finish(err) })
}

// Close releases the backend stream. Closing before the range is consumed
// counts the transfer as canceled.
func (b *downloadBody) Close() error {
	if b.remaining > 0 && b.err == nil {
		b.settle(wrap("download", context.Canceled))
	} else {
		b.settle(b.err)
	}
	if b.closer != nil {
		return b.closer.Close()
	}
	return nil
}
