package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castella/castella/internal/backend"
)

var modTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

// fakeS3 serves the path-style subset of the S3 API the client uses.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
	uploads map[string]map[int][]byte
	nextID  int
	fail    func(r *http.Request) (int, string, bool)
}

func newFakeS3(t *testing.T) (*fakeS3, *Client) {
	fs := &fakeS3{
		buckets: map[string]map[string][]byte{},
		uploads: map[string]map[int][]byte{},
	}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		Endpoint:   strings.TrimPrefix(srv.URL, "http://"),
		AccessKey:  "access",
		SecretKey:  "secret",
		PathStyle:  true,
		MaxRetries: 1,
	}, nil)
	require.NoError(t, err)
	return fs, c
}

func s3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message><RequestId>req</RequestId></Error>`, code, code)
}

func writeXML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+body)
}

func (fs *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.fail != nil {
		if status, code, ok := fs.fail(r); ok {
			s3Error(w, status, code)
			return
		}
	}

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	q := r.URL.Query()
	objects, bucketExists := fs.buckets[bucket]

	if key == "" {
		switch r.Method {
		case http.MethodPut:
			if bucketExists {
				s3Error(w, http.StatusConflict, "BucketAlreadyOwnedByYou")
				return
			}
			fs.buckets[bucket] = map[string][]byte{}
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			if !bucketExists {
				s3Error(w, http.StatusNotFound, "NoSuchBucket")
				return
			}
			keys := make([]string, 0, len(objects))
			for k := range objects {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var b strings.Builder
			fmt.Fprintf(&b, `<ListBucketResult><Name>%s</Name><Prefix></Prefix><KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>`, bucket, len(keys))
			for _, k := range keys {
				fmt.Fprintf(&b, `<Contents><Key>%s</Key><LastModified>%s</LastModified><ETag>"etag"</ETag><Size>%d</Size><StorageClass>STANDARD</StorageClass></Contents>`,
					k, modTime.Format("2006-01-02T15:04:05.000Z"), len(objects[k]))
			}
			b.WriteString(`</ListBucketResult>`)
			writeXML(w, b.String())
		case http.MethodDelete:
			if !bucketExists {
				s3Error(w, http.StatusNotFound, "NoSuchBucket")
				return
			}
			if len(objects) > 0 {
				s3Error(w, http.StatusConflict, "BucketNotEmpty")
				return
			}
			delete(fs.buckets, bucket)
			w.WriteHeader(http.StatusNoContent)
		default:
			s3Error(w, http.StatusNotImplemented, "NotImplemented")
		}
		return
	}

	if !bucketExists {
		s3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}

	switch {
	case r.Method == http.MethodPost && q.Has("uploads"):
		fs.nextID++
		id := "upload-" + strconv.Itoa(fs.nextID)
		fs.uploads[id] = map[int][]byte{}
		writeXML(w, fmt.Sprintf(`<InitiateMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><UploadId>%s</UploadId></InitiateMultipartUploadResult>`, bucket, key, id))

	case r.Method == http.MethodPut && q.Get("uploadId") != "":
		parts, ok := fs.uploads[q.Get("uploadId")]
		if !ok {
			s3Error(w, http.StatusNotFound, "NoSuchUpload")
			return
		}
		num, _ := strconv.Atoi(q.Get("partNumber"))
		body, err := readPayload(r)
		if err != nil {
			s3Error(w, http.StatusBadRequest, "IncompleteBody")
			return
		}
		parts[num] = body
		w.Header().Set("ETag", fmt.Sprintf(`"part-%d"`, num))
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPost && q.Get("uploadId") != "":
		id := q.Get("uploadId")
		parts, ok := fs.uploads[id]
		if !ok {
			s3Error(w, http.StatusNotFound, "NoSuchUpload")
			return
		}
		nums := make([]int, 0, len(parts))
		for n := range parts {
			nums = append(nums, n)
		}
		sort.Ints(nums)
		var obj []byte
		for _, n := range nums {
			obj = append(obj, parts[n]...)
		}
		objects[key] = obj
		delete(fs.uploads, id)
		writeXML(w, fmt.Sprintf(`<CompleteMultipartUploadResult><Location>/%s/%s</Location><Bucket>%s</Bucket><Key>%s</Key><ETag>"done"</ETag></CompleteMultipartUploadResult>`, bucket, key, bucket, key))

	case r.Method == http.MethodDelete && q.Get("uploadId") != "":
		if _, ok := fs.uploads[q.Get("uploadId")]; !ok {
			s3Error(w, http.StatusNotFound, "NoSuchUpload")
			return
		}
		delete(fs.uploads, q.Get("uploadId"))
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodGet:
		data, ok := objects[key]
		if !ok {
			s3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("ETag", `"done"`)
		http.ServeContent(w, r, "", modTime, bytes.NewReader(data))

	case r.Method == http.MethodDelete:
		delete(objects, key)
		w.WriteHeader(http.StatusNoContent)

	default:
		s3Error(w, http.StatusNotImplemented, "NotImplemented")
	}
}

// readPayload returns a request body, undoing aws-chunked framing when the
// client signed it as a stream.
func readPayload(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return raw, nil
	}
	var out []byte
	for {
		header, rest, ok := bytes.Cut(raw, []byte("\r\n"))
		if !ok {
			return nil, errors.New("truncated chunk header")
		}
		sizeHex, _, _ := bytes.Cut(header, []byte(";"))
		n, err := strconv.ParseInt(string(sizeHex), 16, 64)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
		if int64(len(rest)) < n+2 {
			return nil, errors.New("truncated chunk")
		}
		out = append(out, rest[:n]...)
		raw = rest[n+2:]
	}
}

func (fs *fakeS3) counts() (buckets, objects, uploads int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, b := range fs.buckets {
		objects += len(b)
	}
	return len(fs.buckets), objects, len(fs.uploads)
}

func (fs *fakeS3) setFail(f func(r *http.Request) (int, string, bool)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.fail = f
}

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 13)
	}
	return p
}

func writeAll(t *testing.T, c *Client, bucket, key string, data []byte) {
	t.Helper()
	ctx := t.Context()
	up, err := c.BeginWrite(ctx, bucket, key, int64(len(data)))
	require.NoError(t, err)
	part := int(c.PartSize())
	for off := 0; ; {
		end := min(off+part, len(data))
		last := end == len(data)
		require.NoError(t, up.WritePart(ctx, int64(off), data[off:end], last))
		off = end
		if last {
			break
		}
	}
	id, err := up.Complete(ctx)
	require.NoError(t, err)
	require.Equal(t, key, id)
}

func TestConfigValidate(t *testing.T) {
	assert.ErrorIs(t, Config{}.Validate(), ErrConfig)
	assert.ErrorIs(t, Config{Endpoint: "http://localhost:9000"}.Validate(), ErrConfig)
	assert.ErrorIs(t, Config{Endpoint: "localhost:9000", PartSize: MinPartSize - 1}.Validate(), ErrConfig)
	assert.NoError(t, Config{Endpoint: "localhost:9000"}.Validate())
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}, backend.ErrNotFound},
		{minio.ErrorResponse{Code: "NoSuchUpload", StatusCode: 404}, backend.ErrNotFound},
		{minio.ErrorResponse{Code: "SlowDown", StatusCode: 503}, backend.ErrRateLimited},
		{minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}, backend.ErrAuth},
		{minio.ErrorResponse{Code: "InternalError", StatusCode: 500}, backend.ErrUnavailable},
		{minio.ErrorResponse{Code: "Whatever", StatusCode: 502}, backend.ErrUnavailable},
		{errors.New("dial tcp: connection refused"), backend.ErrUnavailable},
		{context.Canceled, context.Canceled},
	}
	for _, tc := range cases {
		assert.ErrorIs(t, mapError("op", tc.err), tc.want, "%v", tc.err)
	}
	assert.NoError(t, mapError("op", nil))
	assert.False(t, backend.Transient(mapError("op", minio.ErrorResponse{Code: "InvalidArgument", StatusCode: 400})))
}

func TestUploadReadDelete(t *testing.T) {
	fs, c := newFakeS3(t)
	ctx := t.Context()

	bucket, err := c.CreateContainer(ctx, "Castella-AbC")
	require.NoError(t, err)
	assert.Equal(t, "castella-abc", bucket)

	data := payload(int(c.PartSize()) + 1234)
	writeAll(t, c, bucket, "obj", data)
	_, objects, uploads := fs.counts()
	assert.Equal(t, 1, objects)
	assert.Zero(t, uploads)

	rc, err := c.Read(ctx, bucket, "obj", 0, -1)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, data, got)

	for _, r := range []struct{ off, n int64 }{{0, 16}, {100, 5000}, {int64(len(data)) - 10, 10}, {int64(len(data)) - 99, -1}} {
		rc, err := c.Read(ctx, bucket, "obj", r.off, r.n)
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		end := int64(len(data))
		if r.n >= 0 {
			end = r.off + r.n
		}
		assert.Equal(t, data[r.off:end], got, "off=%d n=%d", r.off, r.n)
	}

	_, err = c.Read(ctx, bucket, "missing", 0, -1)
	assert.ErrorIs(t, err, backend.ErrNotFound)

	require.NoError(t, c.DeleteObject(ctx, bucket, "obj"))
	_, objects, _ = fs.counts()
	assert.Zero(t, objects)
}

func TestAbortDiscardsParts(t *testing.T) {
	fs, c := newFakeS3(t)
	ctx := t.Context()
	bucket, err := c.CreateContainer(ctx, "bucket")
	require.NoError(t, err)

	up, err := c.BeginWrite(ctx, bucket, "k", -1)
	require.NoError(t, err)
	require.NoError(t, up.WritePart(ctx, 0, payload(int(c.PartSize())), false))
	require.NoError(t, up.Abort(ctx))
	_, objects, uploads := fs.counts()
	assert.Zero(t, objects)
	assert.Zero(t, uploads)

	// Aborting a completed upload deletes the object.
	writeAll(t, c, bucket, "k2", payload(10))
	up, err = c.BeginWrite(ctx, bucket, "k3", 3)
	require.NoError(t, err)
	require.NoError(t, up.WritePart(ctx, 0, payload(3), true))
	_, err = up.Complete(ctx)
	require.NoError(t, err)
	require.NoError(t, up.Abort(ctx))
	_, objects, _ = fs.counts()
	assert.Equal(t, 1, objects)
}

func TestWritePartRejectsMisuse(t *testing.T) {
	_, c := newFakeS3(t)
	ctx := t.Context()
	bucket, err := c.CreateContainer(ctx, "bucket")
	require.NoError(t, err)

	up, err := c.BeginWrite(ctx, bucket, "k", 10)
	require.NoError(t, err)
	assert.Error(t, up.WritePart(ctx, 3, payload(7), true))
	assert.Error(t, up.WritePart(ctx, 0, payload(10), false))
	assert.Error(t, up.WritePart(ctx, 0, payload(9), true))
	_, err = up.Complete(ctx)
	assert.Error(t, err)
}

func TestDeleteContainerEmptiesBucket(t *testing.T) {
	fs, c := newFakeS3(t)
	ctx := t.Context()
	bucket, err := c.CreateContainer(ctx, "bucket")
	require.NoError(t, err)
	writeAll(t, c, bucket, "one", payload(5))
	writeAll(t, c, bucket, "two", payload(6))

	require.NoError(t, c.DeleteContainer(ctx, bucket))
	buckets, objects, _ := fs.counts()
	assert.Zero(t, buckets)
	assert.Zero(t, objects)
}

func TestServerErrorsAreClassified(t *testing.T) {
	fs, c := newFakeS3(t)
	ctx := t.Context()

	fs.setFail(func(*http.Request) (int, string, bool) { return http.StatusForbidden, "AccessDenied", true })
	_, err := c.CreateContainer(ctx, "bucket")
	assert.ErrorIs(t, err, backend.ErrAuth)

	fs.setFail(func(*http.Request) (int, string, bool) { return http.StatusNotFound, "NoSuchBucket", true })
	_, err = c.BeginWrite(ctx, "nope", "k", 1)
	assert.ErrorIs(t, err, backend.ErrNotFound)
}
