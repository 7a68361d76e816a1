// Package codec implements the chunked authenticated encryption used for every
// stored file.
//
// Plaintext is split into fixed-size segments. Each segment is sealed with
// XChaCha20-Poly1305 under the file key, using a nonce derived from the file's
// nonce seed and the 64-bit segment counter. Sealed segments ("frames") are
// concatenated without separators, so the ciphertext length is always
// plaintext length + TagSize * segment count. The final frame is sealed with
// different associated data than inner frames, which lets the decoder tell a
// stream that ends early from one that is complete.
package codec

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// DefaultSegmentSize is the plaintext size of every frame except the last.
	DefaultSegmentSize = 4 * 1024 * 1024

	// TagSize is the authentication tag appended to every frame.
	TagSize = chacha20poly1305.Overhead

	// MinSegmentSize keeps frames meaningfully larger than their tag.
	MinSegmentSize = 16
)

// Decoding and encoding failures.
var (
	ErrIntegrity       = errors.New("codec: frame authentication failed")
	ErrTruncated       = errors.New("codec: ciphertext truncated")
	ErrTrailingData    = errors.New("codec: unexpected data after final frame")
	ErrCounterOverflow = errors.New("codec: segment counter overflow")
)

// associated data distinguishing inner frames from the final frame
var (
	adInner = []byte{0}
	adFinal = []byte{1}
)

type options struct {
	segmentSize  int
	firstSegment uint64
	cipherLength int64
}

// Option configures an EncryptReader or DecryptReader.
type Option func(*options)

// WithSegmentSize overrides DefaultSegmentSize. Both sides of a stream must
// use the same value.
func WithSegmentSize(n int) Option {
	return func(o *options) { o.segmentSize = n }
}

// WithFirstSegment sets the counter of the first frame in the stream. It is
// used when decoding a byte range that does not start at the first frame.
func WithFirstSegment(i uint64) Option {
	return func(o *options) { o.firstSegment = i }
}

// WithCiphertextLength tells the decoder exactly how many ciphertext bytes the
// stream carries. A stream that ends sooner fails with ErrTruncated, a longer
// one with ErrTrailingData, and the last frame may be an inner frame (a range
// that stops before the end of the file).
func WithCiphertextLength(n int64) Option {
	return func(o *options) { o.cipherLength = n }
}

func buildOptions(opts []Option) (options, error) {
	o := options{segmentSize: DefaultSegmentSize, cipherLength: -1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.segmentSize < MinSegmentSize {
		return o, fmt.Errorf("codec: segment size %d below minimum %d", o.segmentSize, MinSegmentSize)
	}
	return o, nil
}

// SegmentCount returns how many frames a plaintext of the given size produces.
// An empty plaintext still produces one (empty) final frame.
func SegmentCount(plainSize int64, segmentSize int) int64 {
	if plainSize <= 0 {
		return 1
	}
	return (plainSize-1)/int64(segmentSize) + 1
}

// CiphertextSize returns the exact encoded length of a plaintext of the given size.
func CiphertextSize(plainSize int64, segmentSize int) int64 {
	return plainSize + SegmentCount(plainSize, segmentSize)*TagSize
}

// Span locates the frames covering a plaintext byte range.
type Span struct {
	FirstSegment uint64 // counter of the first covering frame
	Offset       int64  // ciphertext offset of the first covering frame
	Length       int64  // ciphertext bytes from Offset through the last covering frame
	Skip         int64  // plaintext bytes to discard from the first decoded frame
}

// SpanOf computes the Span for plaintext bytes [start, end) of a file of
// plainSize bytes. The caller must ensure 0 <= start <= end <= plainSize.
func SpanOf(plainSize, start, end int64, segmentSize int) Span {
	seg := int64(segmentSize)
	frame := seg + TagSize
	if start == end {
		return Span{FirstSegment: uint64(start / seg), Offset: (start / seg) * frame}
	}
	first := start / seg
	last := (end - 1) / seg
	total := CiphertextSize(plainSize, segmentSize)
	off := first * frame
	stop := (last + 1) * frame
	if stop > total {
		stop = total
	}
	return Span{
		FirstSegment: uint64(first),
		Offset:       off,
		Length:       stop - off,
		Skip:         start - first*seg,
	}
}

// counter hands out per-frame nonces and refuses to wrap.
type counter struct {
	seed      [SeedSize]byte
	next      uint64
	exhausted bool
}

func (c *counter) nonce(dst []byte) error {
	if c.exhausted {
		return ErrCounterOverflow
	}
	copy(dst, c.seed[:])
	base := SeedSize - 8
	for i := 0; i < 8; i++ {
		dst[base+i] ^= byte(c.next >> (56 - 8*i))
	}
	if c.next == math.MaxUint64 {
		c.exhausted = true
	} else {
		c.next++
	}
	return nil
}

func newAEAD(s Secret) (cipher.AEAD, error) {
	aead, err := chacha20poly1305.NewX(s.Key[:])
	if err != nil {
		return nil, fmt.Errorf("codec: create cipher: %w", err)
	}
	return aead, nil
}

// EncryptReader reads plaintext from an underlying reader and yields ciphertext.
// Memory use is bounded by one segment.
type EncryptReader struct {
	src   io.Reader
	aead  cipher.AEAD
	ctr   counter
	seg   int
	nonce [SeedSize]byte

	plain []byte // segment plus one lookahead byte
	have  int
	out   []byte
	pos   int

	plainTotal int64
	frames     int64
	done       bool
	err        error
}

// NewEncryptReader returns a reader producing the encrypted form of src.
func NewEncryptReader(src io.Reader, s Secret, opts ...Option) (*EncryptReader, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(s)
	if err != nil {
		return nil, err
	}
	return &EncryptReader{
		src:   src,
		aead:  aead,
		ctr:   counter{seed: s.Seed, next: o.firstSegment},
		seg:   o.segmentSize,
		plain: make([]byte, o.segmentSize+1),
		out:   make([]byte, 0, o.segmentSize+TagSize),
	}, nil
}

// PlaintextSize returns the number of plaintext bytes consumed so far.
func (e *EncryptReader) PlaintextSize() int64 {
	return e.plainTotal
}

// Segments returns the number of frames emitted so far.
func (e *EncryptReader) Segments() int64 {
	return e.frames
}

// Read implements io.Reader.
func (e *EncryptReader) Read(p []byte) (int, error) {
	for e.pos >= len(e.out) {
		if e.err != nil {
			return 0, e.err
		}
		if e.done {
			return 0, io.EOF
		}
		if err := e.seal(); err != nil {
			e.err = err
			return 0, err
		}
	}
	n := copy(p, e.out[e.pos:])
	e.pos += n
	return n, nil
}

func (e *EncryptReader) seal() error {
	m, err := io.ReadFull(e.src, e.plain[e.have:])
	e.have += m
	eof := false
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		eof = true
	case err != nil:
		return err
	}

	n := e.have
	if n > e.seg {
		n = e.seg
	}
	final := eof && e.have <= e.seg
	ad := adInner
	if final {
		ad = adFinal
	}

	if err := e.ctr.nonce(e.nonce[:]); err != nil {
		return err
	}
	e.out = e.aead.Seal(e.out[:0], e.nonce[:], e.plain[:n], ad)
	e.pos = 0
	e.plainTotal += int64(n)
	e.frames++

	copy(e.plain, e.plain[n:e.have])
	e.have -= n
	e.done = final
	return nil
}

// DecryptReader reads ciphertext from an underlying reader and yields
// verified plaintext. No byte of a frame is returned before the whole frame
// has been authenticated, and the first failure is sticky.
type DecryptReader struct {
	src   io.Reader
	aead  cipher.AEAD
	ctr   counter
	frame int
	nonce [SeedSize]byte

	buf  []byte // frame plus one lookahead byte
	have int
	out  []byte
	pos  int

	expect   int64 // exact ciphertext length, -1 if unknown
	consumed int64
	done     bool
	err      error
}

// NewDecryptReader returns a reader producing the plaintext of src.
//
// Without WithCiphertextLength a stream that ends on a frame boundary, or
// with fewer than TagSize bytes of its last frame, fails with ErrTruncated.
// A cut inside a frame cannot be told apart from a forged short final
// frame and fails with ErrIntegrity. Pass the length when the two must be
// distinguished.
func NewDecryptReader(src io.Reader, s Secret, opts ...Option) (*DecryptReader, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(s)
	if err != nil {
		return nil, err
	}
	frame := o.segmentSize + TagSize
	return &DecryptReader{
		src:    src,
		aead:   aead,
		ctr:    counter{seed: s.Seed, next: o.firstSegment},
		frame:  frame,
		buf:    make([]byte, frame+1),
		out:    make([]byte, 0, o.segmentSize),
		expect: o.cipherLength,
	}, nil
}

// Read implements io.Reader.
func (d *DecryptReader) Read(p []byte) (int, error) {
	for d.pos >= len(d.out) {
		if d.err != nil {
			return 0, d.err
		}
		if d.done {
			return 0, io.EOF
		}
		if err := d.open(); err != nil {
			d.out = d.out[:0]
			d.err = err
			return 0, err
		}
	}
	n := copy(p, d.out[d.pos:])
	d.pos += n
	return n, nil
}

func (d *DecryptReader) open() error {
	if d.expect >= 0 {
		return d.openSized()
	}
	if d.ctr.exhausted {
		return ErrCounterOverflow
	}

	m, err := io.ReadFull(d.src, d.buf[d.have:])
	d.have += m
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		// the remaining bytes must form the final frame
		if d.have < TagSize {
			return ErrTruncated
		}
		if d.tryOpen(d.have, adFinal) == nil {
			d.done = true
			return d.advance(d.have)
		}
		if d.tryOpen(d.have, adInner) == nil {
			return ErrTruncated
		}
		return ErrIntegrity
	case err != nil:
		return err
	}

	// a full frame with more data behind it must be an inner frame
	if d.tryOpen(d.frame, adInner) == nil {
		return d.advance(d.frame)
	}
	if d.tryOpen(d.frame, adFinal) == nil {
		return ErrTrailingData
	}
	return ErrIntegrity
}

func (d *DecryptReader) openSized() error {
	remaining := d.expect - d.consumed
	if remaining == 0 {
		d.done = true
		return nil
	}
	if d.ctr.exhausted {
		return ErrCounterOverflow
	}

	n := int64(d.frame)
	if remaining < n {
		n = remaining
	}
	want := int(n) + 1
	if d.have < want {
		m, err := io.ReadFull(d.src, d.buf[d.have:want])
		d.have += m
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return err
		}
	}
	if int64(d.have) < n || n < TagSize {
		return ErrTruncated
	}
	last := n == remaining
	if last && int64(d.have) > n {
		return ErrTrailingData
	}

	size := int(n)
	if last {
		// a range may stop on an inner frame; the file end is a final frame
		if d.tryOpen(size, adFinal) == nil || d.tryOpen(size, adInner) == nil {
			d.done = true
			return d.advance(size)
		}
		return ErrIntegrity
	}
	if d.tryOpen(size, adInner) == nil {
		return d.advance(size)
	}
	if d.tryOpen(size, adFinal) == nil {
		return ErrTrailingData
	}
	return ErrIntegrity
}

// tryOpen authenticates buf[:n] as the current frame without consuming the
// counter, leaving the plaintext in d.out on success.
func (d *DecryptReader) tryOpen(n int, ad []byte) error {
	saved := d.ctr
	if err := d.ctr.nonce(d.nonce[:]); err != nil {
		return err
	}
	d.ctr = saved
	out, err := d.aead.Open(d.out[:0], d.nonce[:], d.buf[:n], ad)
	if err != nil {
		d.out = d.out[:0]
		return err
	}
	d.out = out
	return nil
}

// advance commits a verified frame of n ciphertext bytes.
func (d *DecryptReader) advance(n int) error {
	if err := d.ctr.nonce(d.nonce[:]); err != nil {
		d.out = d.out[:0]
		return err
	}
	d.pos = 0
	d.consumed += int64(n)
	copy(d.buf, d.buf[n:d.have])
	d.have -= n
	return nil
}
