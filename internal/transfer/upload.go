package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/castella/castella/internal/allocator"
	"github.com/castella/castella/internal/backend"
	"github.com/castella/castella/internal/catalog"
	"github.com/castella/castella/internal/codec"
)

// UploadRequest is one file to store.
type UploadRequest struct {
	Body        io.Reader
	Size        int64 // plaintext size, -1 if unknown
	ContentType string
}

// limitReader fails with ErrTooLarge once more than max bytes are read.
type limitReader struct {
	r   io.Reader
	max int64
	n   int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.n > l.max {
		return n, ErrTooLarge
	}
	return n, err
}

// Upload encrypts req.Body and stores it on a drive with room. The catalog
// row is written only after the backend has confirmed the whole object; on
// any failure the partial or completed object is removed, so a failed upload
// leaves neither a row nor remote data.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*catalog.File, error) {
	const op = "upload"
	tr := newTracker(s.metrics, s.log, directionUpload, StateReceived)
	ctx = withTracker(ctx, tr)

	f, err := s.upload(ctx, tr, req)
	err = wrap(op, err)
	tr.finish(err)
	if err != nil {
		return nil, err
	}
	s.metrics.BytesUploaded.Add(float64(f.Size))
	return f, nil
}

func (s *Service) upload(ctx context.Context, tr *tracker, req UploadRequest) (*catalog.File, error) {
	if req.Body == nil {
		req.Body = eofReader{}
	}
	if req.ContentType == "" {
		req.ContentType = DefaultContentType
	}
	limit := int64(s.cfg.MaxUploadSize)
	if limit > 0 && req.Size > limit {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrTooLarge, req.Size, limit)
	}

	lease, err := s.alloc.Allocate(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { lease.Release() }()
	drive := lease.Drive()
	if lease.Created() {
		s.audit.LogDrive("allocator", "create", drive.Key, drive.ID, "")
	}
	tr.enter(StateAllocated)

	secret, err := codec.NewSecret()
	if err != nil {
		return nil, err
	}
	defer secret.Wipe()

	body := req.Body
	if limit > 0 {
		body = &limitReader{r: body, max: limit}
	}
	enc, err := codec.NewEncryptReader(body, secret, codec.WithSegmentSize(s.segmentSize()))
	if err != nil {
		return nil, err
	}
	tr.enter(StateEncrypting)

	expected := int64(-1)
	if req.Size >= 0 {
		expected = codec.CiphertextSize(req.Size, s.segmentSize())
	}
	up, err := s.backend.BeginWrite(ctx, drive.ID, uuid.NewString(), expected)
	if err != nil {
		return nil, err
	}

	objectID, err := s.writeParts(ctx, up, enc, expected)
	if err != nil {
		s.abort(ctx, up)
		return nil, err
	}
	// From here on the object exists remotely and must be deleted on failure.
	fail := func(err error) (*catalog.File, error) {
		s.removeObject(ctx, drive.ID, objectID)
		return nil, err
	}

	size := enc.PlaintextSize()
	if req.Size >= 0 && size != req.Size {
		return fail(fmt.Errorf("%w: read %d bytes, declared %d", ErrSizeMismatch, size, req.Size))
	}
	sealed, err := s.sealer.Seal(secret, objectID)
	if err != nil {
		return fail(err)
	}

	nf := catalog.NewFile{ID: objectID, Size: size, ContentType: req.ContentType, Secret: sealed}
	f, err := s.commit(ctx, lease, nf)
	for moves := 0; errors.Is(err, catalog.ErrDriveFull) && moves < maxMoves; moves++ {
		// Another gateway filled the drive after it was leased here.
		s.log.Info().Int64("drive", drive.Key).Str("object", objectID).Msg("drive filled concurrently, moving object")
		next, nextID, merr := s.moveObject(ctx, drive, objectID, codec.CiphertextSize(size, s.segmentSize()))
		if merr != nil {
			return fail(merr)
		}
		s.removeObject(ctx, drive.ID, objectID)
		lease.Release()
		lease, drive, objectID = next, next.Drive(), nextID
		if lease.Created() {
			s.audit.LogDrive("allocator", "create", drive.Key, drive.ID, "")
		}

		if nf.Secret, err = s.sealer.Seal(secret, objectID); err != nil {
			return fail(err)
		}
		nf.ID = objectID
		f, err = s.commit(ctx, lease, nf)
	}
	if err != nil {
		return fail(err)
	}
	tr.enter(StateCataloged)
	s.log.Debug().Int64("file", f.Key).Int64("drive", drive.Key).Int64("size", size).Msg("stored file")
	return f, nil
}

// maxMoves bounds how often an upload follows a drive that fills up between
// allocation and commit.
const maxMoves = 3

func (s *Service) commit(ctx context.Context, lease *allocator.Lease, nf catalog.NewFile) (*catalog.File, error) {
	var f *catalog.File
	err := lease.Commit(ctx, func(ctx context.Context, driveKey int64) error {
		nf.DriveKey = driveKey
		var err error
		f, err = s.catalog.InsertFile(ctx, nf, s.alloc.Ceiling())
		return err
	})
	return f, err
}

// moveObject copies a stored ciphertext object of n bytes onto a newly
// leased drive and returns the lease with the new object id. The source is
// left in place. The ciphertext does not depend on the object id, so only
// the sealed secret has to be redone.
func (s *Service) moveObject(ctx context.Context, from catalog.Drive, objectID string, n int64) (*allocator.Lease, string, error) {
	// backend calls here are not pipeline states of the upload
	ctx = withTracker(ctx, nil)

	lease, err := s.alloc.Allocate(ctx)
	if err != nil {
		return nil, "", err
	}
	to := lease.Drive()
	src, err := s.backend.ReadSpan(ctx, from.ID, objectID, 0, n)
	if err != nil {
		lease.Release()
		return nil, "", err
	}
	defer src.Close()

	up, err := s.backend.BeginWrite(ctx, to.ID, uuid.NewString(), n)
	if err != nil {
		lease.Release()
		return nil, "", err
	}
	id, err := s.writeParts(ctx, up, src, n)
	if err != nil {
		s.abort(ctx, up)
		lease.Release()
		return nil, "", err
	}
	s.log.Debug().Int64("from", from.Key).Int64("to", to.Key).Str("object", id).Msg("moved object")
	return lease, id, nil
}

// writeParts streams the ciphertext to up in backend-sized parts and
// completes the upload. The last part is the one after which the encoder
// has nothing left.
func (s *Service) writeParts(ctx context.Context, up backend.Upload, enc io.Reader, expected int64) (string, error) {
	partSize := s.backend.PartSize()
	src := bufio.NewReaderSize(enc, 64*1024)
	buf := make([]byte, partSize)

	var offset int64
	for {
		n, err := io.ReadFull(src, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return "", err
		}
		last := n < len(buf)
		if !last {
			if _, perr := src.Peek(1); perr != nil {
				if !errors.Is(perr, io.EOF) {
					return "", perr
				}
				last = true
			}
		}
		if expected >= 0 && offset+int64(n) > expected {
			return "", fmt.Errorf("%w: more than %d ciphertext bytes", ErrSizeMismatch, expected)
		}
		if last && expected >= 0 && offset+int64(n) != expected {
			return "", fmt.Errorf("%w: %d ciphertext bytes, expected %d", ErrSizeMismatch, offset+int64(n), expected)
		}
		if err := s.backend.WritePart(ctx, up, offset, buf[:n], last); err != nil {
			return "", err
		}
		offset += int64(n)
		if last {
			break
		}
	}
	return s.backend.Complete(ctx, up)
}

func (s *Service) abort(ctx context.Context, up backend.Upload) {
	cctx, cancel := s.cleanupContext(ctx)
	defer cancel()
	if err := s.backend.Abort(cctx, up); err != nil {
		s.log.Warn().Err(err).Msg("abort failed, backend may hold orphaned parts")
	}
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
